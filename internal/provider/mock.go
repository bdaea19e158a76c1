package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/ent0n29/helpdesk/internal/auth"
	"github.com/ent0n29/helpdesk/internal/routing"
	"github.com/ent0n29/helpdesk/internal/session"
)

var (
	humanKeywords = []string{
		"human", "real person", "representative", "speak to someone", "talk to someone",
		"speak to an agent", "talk to an agent", "live agent", "operator", "supervisor",
	}
	serviceKeywords = []string{
		"cancel my", "close my account", "upgrade", "downgrade", "change my plan",
		"move my service", "technician", "outage", "not working", "no internet",
		"broken", "dispute", "new line", "port my number",
	}
	accountKeywords = []string{
		"balance", "my bill", "my account", "my last payment", "my invoice",
		"how much do i owe", "amount due", "my due date", "my plan", "my statement",
		"when is my payment due",
	}
)

// KeywordClassifier is a deterministic classifier for local and test use.
type KeywordClassifier struct {
	faq []FAQEntry
}

func NewKeywordClassifier(kb KnowledgeBase) *KeywordClassifier {
	return &KeywordClassifier{faq: kb.FAQ}
}

func (c *KeywordClassifier) Classify(ctx context.Context, message string, _ []session.Message) (routing.Classification, error) {
	if err := ctx.Err(); err != nil {
		return routing.Classification{}, err
	}
	in := strings.ToLower(strings.TrimSpace(message))
	if in == "" {
		return routing.Classification{Category: routing.CategoryOutOfScope, Confidence: 0.2, Reasoning: "empty message"}, nil
	}

	if kw, ok := firstMatch(in, humanKeywords); ok {
		return matched(routing.CategoryHumanRequested, 0.95, kw), nil
	}
	if kw, ok := firstMatch(in, serviceKeywords); ok {
		return matched(routing.CategoryServiceRequest, 0.85, kw), nil
	}
	if kw, ok := firstMatch(in, accountKeywords); ok {
		res := matched(routing.CategoryAccountData, 0.9, kw)
		res.RequiresAuth = true
		res.QuestionType = accountQuestionType(in)
		return res, nil
	}
	for _, e := range c.faq {
		if kw, ok := firstMatch(in, e.Keywords); ok {
			res := matched(routing.CategoryBillingFAQ, 0.8, kw)
			res.QuestionType = e.ID
			return res, nil
		}
	}
	return routing.Classification{
		Category:   routing.CategoryOutOfScope,
		Confidence: 0.5,
		Reasoning:  "no support keyword matched",
	}, nil
}

func matched(cat routing.Category, confidence float64, kw string) routing.Classification {
	return routing.Classification{
		Category:   cat,
		Confidence: confidence,
		Reasoning:  fmt.Sprintf("matched keyword %q", kw),
	}
}

func firstMatch(in string, keywords []string) (string, bool) {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(in, strings.ToLower(kw)) {
			return kw, true
		}
	}
	return "", false
}

func accountQuestionType(in string) string {
	switch {
	case strings.Contains(in, "balance") || strings.Contains(in, "owe"):
		return "balance"
	case strings.Contains(in, "due"):
		return "due_date"
	case strings.Contains(in, "payment"):
		return "last_payment"
	case strings.Contains(in, "plan"):
		return "plan"
	default:
		return "account_summary"
	}
}

// KBAnswerer answers billing questions from the knowledge base.
type KBAnswerer struct {
	faq []FAQEntry
}

func NewKBAnswerer(kb KnowledgeBase) *KBAnswerer {
	return &KBAnswerer{faq: kb.FAQ}
}

const noFAQAnswer = "I couldn't find that in our billing FAQ. You can rephrase the question or ask to speak with a human agent."

func (a *KBAnswerer) AnswerFAQ(ctx context.Context, message string, _ []session.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	in := strings.ToLower(message)
	best, bestScore := -1, 0
	for i, e := range a.faq {
		score := 0
		for _, kw := range e.Keywords {
			if strings.Contains(in, strings.ToLower(kw)) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return noFAQAnswer, nil
	}
	return strings.TrimSpace(a.faq[best].Answer), nil
}

var factorPrompts = map[string]string{
	"date_of_birth":    "What is the date of birth on the account (YYYY-MM-DD)?",
	"postal_code":      "What is the billing postal code on the account?",
	"last_four_digits": "What are the last four digits of the card on file?",
}

var factorPreference = []string{"date_of_birth", "postal_code", "last_four_digits"}

// Directory is a fixture customer directory acting as identity verifier and
// account-data agent.
type Directory struct {
	customers map[string]Customer
	order     []string
	now       func() time.Time
}

func NewDirectory(kb KnowledgeBase) *Directory {
	d := &Directory{customers: make(map[string]Customer, len(kb.Customers)), now: time.Now}
	for _, c := range kb.Customers {
		d.customers[c.ID] = c
		d.order = append(d.order, c.ID)
	}
	return d
}

func (d *Directory) LookupIdentity(ctx context.Context, info string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	lower := strings.ToLower(info)
	digits := onlyDigits(info)
	for _, id := range d.order {
		c := d.customers[id]
		switch {
		case c.Email != "" && strings.Contains(lower, strings.ToLower(c.Email)):
		case c.AccountNumber != "" && strings.Contains(lower, strings.ToLower(c.AccountNumber)):
		case len(onlyDigits(c.Phone)) >= 7 && len(digits) >= 7 && strings.HasSuffix(onlyDigits(c.Phone), digits):
		default:
			continue
		}
		return Identity{UserID: c.ID, DisplayName: c.Name}, nil
	}
	return Identity{}, ErrUnknownIdentity
}

func (d *Directory) IssueVerificationQuestion(ctx context.Context, ac auth.Context) (Question, error) {
	if err := ctx.Err(); err != nil {
		return Question{}, err
	}
	c, ok := d.customers[ac.UserID]
	if !ok {
		return Question{}, ErrUnknownIdentity
	}
	if ac.CurrentFactor != "" && !ac.HasFactor(ac.CurrentFactor) {
		return question(ac.CurrentFactor), nil
	}
	for _, f := range factorOrder(c) {
		if !ac.HasFactor(f) {
			return question(f), nil
		}
	}
	return Question{}, fmt.Errorf("customer %s has no unverified factors left", c.ID)
}

func (d *Directory) CheckAnswer(ctx context.Context, ac auth.Context, answer string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c, ok := d.customers[ac.UserID]
	if !ok {
		return false, ErrUnknownIdentity
	}
	expected, ok := c.Factors[ac.CurrentFactor]
	if !ok {
		return false, nil
	}
	return normalizeAnswer(answer) == normalizeAnswer(expected), nil
}

func (d *Directory) AnswerAccountQuery(ctx context.Context, message string, ac auth.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !ac.Authenticated(d.now()) {
		return "", ErrUnauthorized
	}
	c, ok := d.customers[ac.UserID]
	if !ok {
		return "", ErrUnauthorized
	}
	a := c.Account
	switch accountQuestionType(strings.ToLower(message)) {
	case "balance":
		return fmt.Sprintf("Your current balance is %s %s, due on %s.", a.Balance, a.Currency, a.DueDate), nil
	case "due_date":
		return fmt.Sprintf("Your next payment of %s %s is due on %s.", a.Balance, a.Currency, a.DueDate), nil
	case "last_payment":
		return fmt.Sprintf("Your last payment was %s.", a.LastPayment), nil
	case "plan":
		return fmt.Sprintf("You are on the %s plan.", a.Plan), nil
	default:
		return fmt.Sprintf("%s, your balance is %s %s (due %s) on the %s plan. Last payment: %s.",
			c.Name, a.Balance, a.Currency, a.DueDate, a.Plan, a.LastPayment), nil
	}
}

// TranscriptSummarizer summarizes locally with Digest.
type TranscriptSummarizer struct{}

func (TranscriptSummarizer) Summarize(ctx context.Context, history []session.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return Digest(history), nil
}

// NewMockSet wires every capability to the local fixtures in kb.
func NewMockSet(kb KnowledgeBase) Set {
	dir := NewDirectory(kb)
	return Set{
		Classifier: NewKeywordClassifier(kb),
		FAQ:        NewKBAnswerer(kb),
		Verifier:   dir,
		Data:       dir,
		Summarizer: TranscriptSummarizer{},
		Mode:       "mock",
	}
}

func question(factor string) Question {
	prompt, ok := factorPrompts[factor]
	if !ok {
		prompt = fmt.Sprintf("Please provide the %s on the account.", strings.ReplaceAll(factor, "_", " "))
	}
	return Question{Factor: factor, Prompt: prompt}
}

func factorOrder(c Customer) []string {
	out := make([]string, 0, len(c.Factors))
	for _, f := range factorPreference {
		if _, ok := c.Factors[f]; ok {
			out = append(out, f)
		}
	}
	var rest []string
	for f := range c.Factors {
		if _, ok := factorPrompts[f]; !ok {
			rest = append(rest, f)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func normalizeAnswer(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
