package routing

import (
	"time"

	"github.com/ent0n29/helpdesk/internal/auth"
)

type Category string

const (
	CategoryBillingFAQ     Category = "billing_faq"
	CategoryAccountData    Category = "account_data"
	CategoryServiceRequest Category = "service_request"
	CategoryOutOfScope     Category = "out_of_scope"
	CategoryHumanRequested Category = "human_requested"
)

// MinConfidence is the lowest classifier confidence that is acted on.
const MinConfidence = 0.6

// Classification is the structured output of the classifier for one message.
type Classification struct {
	Category     Category `json:"category"`
	Confidence   float64  `json:"confidence"`
	RequiresAuth bool     `json:"requires_auth"`
	QuestionType string   `json:"question_type,omitempty"`
	Reasoning    string   `json:"reasoning,omitempty"`
}

func (c Category) Valid() bool {
	switch c {
	case CategoryBillingFAQ, CategoryAccountData, CategoryServiceRequest, CategoryOutOfScope, CategoryHumanRequested:
		return true
	default:
		return false
	}
}

type Decision string

const (
	DispatchFAQ                 Decision = "dispatch_faq"
	RequireAuthThenDispatchData Decision = "require_auth_then_dispatch_data"
	DispatchData                Decision = "dispatch_data"
	EscalateServiceRequest      Decision = "escalate_service_request"
	EscalateHumanRequested      Decision = "escalate_human_requested"
	RejectOutOfScope            Decision = "reject_out_of_scope"
)

func (d Decision) Escalates() bool {
	return d == EscalateServiceRequest || d == EscalateHumanRequested
}

// Route maps a classification and the session's auth state to a decision.
// An explicit request for a human wins regardless of confidence; below
// MinConfidence every other category is rejected.
func Route(c Classification, ac auth.Context, now time.Time) Decision {
	if c.Category == CategoryHumanRequested {
		return EscalateHumanRequested
	}
	if c.Confidence < MinConfidence {
		return RejectOutOfScope
	}
	switch c.Category {
	case CategoryBillingFAQ:
		return DispatchFAQ
	case CategoryAccountData:
		if ac.Authenticated(now) {
			return DispatchData
		}
		return RequireAuthThenDispatchData
	case CategoryServiceRequest:
		return EscalateServiceRequest
	default:
		return RejectOutOfScope
	}
}
