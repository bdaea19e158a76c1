package provider

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_kb.yaml
var defaultKnowledgeBase []byte

// KnowledgeBase is the fixture data behind the mock FAQ, verifier and data providers.
type KnowledgeBase struct {
	FAQ       []FAQEntry `yaml:"faq"`
	Customers []Customer `yaml:"customers"`
}

type FAQEntry struct {
	ID       string   `yaml:"id"`
	Question string   `yaml:"question"`
	Keywords []string `yaml:"keywords"`
	Answer   string   `yaml:"answer"`
}

type Customer struct {
	ID            string            `yaml:"id"`
	Name          string            `yaml:"name"`
	Email         string            `yaml:"email"`
	Phone         string            `yaml:"phone"`
	AccountNumber string            `yaml:"account_number"`
	Factors       map[string]string `yaml:"factors"`
	Account       Account           `yaml:"account"`
}

type Account struct {
	Balance     string `yaml:"balance"`
	Currency    string `yaml:"currency"`
	DueDate     string `yaml:"due_date"`
	LastPayment string `yaml:"last_payment"`
	Plan        string `yaml:"plan"`
}

// LoadKnowledgeBase reads path, or the embedded default when path is empty.
func LoadKnowledgeBase(path string) (KnowledgeBase, error) {
	if strings.TrimSpace(path) == "" {
		return ParseKnowledgeBase(defaultKnowledgeBase)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return KnowledgeBase{}, fmt.Errorf("read knowledge base: %w", err)
	}
	return ParseKnowledgeBase(data)
}

func ParseKnowledgeBase(data []byte) (KnowledgeBase, error) {
	var kb KnowledgeBase
	if err := yaml.Unmarshal(data, &kb); err != nil {
		return KnowledgeBase{}, fmt.Errorf("parse knowledge base: %w", err)
	}
	if err := kb.validate(); err != nil {
		return KnowledgeBase{}, err
	}
	return kb, nil
}

func (kb KnowledgeBase) validate() error {
	if len(kb.FAQ) == 0 {
		return errors.New("knowledge base has no faq entries")
	}
	for i, e := range kb.FAQ {
		if strings.TrimSpace(e.Answer) == "" || len(e.Keywords) == 0 {
			return fmt.Errorf("faq entry %d (%s) needs keywords and an answer", i, e.ID)
		}
	}
	seen := make(map[string]bool, len(kb.Customers))
	for i, c := range kb.Customers {
		if strings.TrimSpace(c.ID) == "" {
			return fmt.Errorf("customer %d has no id", i)
		}
		if seen[c.ID] {
			return fmt.Errorf("duplicate customer id %q", c.ID)
		}
		seen[c.ID] = true
		if len(c.Factors) == 0 {
			return fmt.Errorf("customer %q has no verification factors", c.ID)
		}
	}
	return nil
}
