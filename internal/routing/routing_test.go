package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ent0n29/helpdesk/internal/auth"
)

func TestRoute(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(10 * time.Minute)
	past := now.Add(-time.Minute)

	anon := auth.Context{State: auth.StateAnonymous}
	authed := auth.Context{State: auth.StateAuthenticated, ExpiresAt: &future}
	stale := auth.Context{State: auth.StateAuthenticated, ExpiresAt: &past}

	cases := []struct {
		name string
		c    Classification
		ac   auth.Context
		want Decision
	}{
		{"human requested at low confidence", Classification{Category: CategoryHumanRequested, Confidence: 0.1}, anon, EscalateHumanRequested},
		{"human requested while locked out", Classification{Category: CategoryHumanRequested, Confidence: 0.9}, auth.Context{State: auth.StateLockedOut}, EscalateHumanRequested},
		{"low confidence faq", Classification{Category: CategoryBillingFAQ, Confidence: 0.59}, anon, RejectOutOfScope},
		{"low confidence account data", Classification{Category: CategoryAccountData, Confidence: 0.3}, authed, RejectOutOfScope},
		{"low confidence service request", Classification{Category: CategoryServiceRequest, Confidence: 0.5}, anon, RejectOutOfScope},
		{"faq at threshold", Classification{Category: CategoryBillingFAQ, Confidence: 0.6}, anon, DispatchFAQ},
		{"account data anonymous", Classification{Category: CategoryAccountData, Confidence: 0.9}, anon, RequireAuthThenDispatchData},
		{"account data authenticated", Classification{Category: CategoryAccountData, Confidence: 0.9}, authed, DispatchData},
		{"account data expired auth", Classification{Category: CategoryAccountData, Confidence: 0.9}, stale, RequireAuthThenDispatchData},
		{"service request", Classification{Category: CategoryServiceRequest, Confidence: 0.8}, anon, EscalateServiceRequest},
		{"out of scope", Classification{Category: CategoryOutOfScope, Confidence: 0.99}, authed, RejectOutOfScope},
		{"unknown category", Classification{Category: "weather", Confidence: 0.99}, anon, RejectOutOfScope},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Route(tc.c, tc.ac, now))
		})
	}
}

func TestRouteIsDeterministic(t *testing.T) {
	now := time.Now()
	c := Classification{Category: CategoryAccountData, Confidence: 0.75}
	ac := auth.Context{State: auth.StateVerifying}
	first := Route(c, ac, now)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Route(c, ac, now))
	}
}
