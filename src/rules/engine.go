// Package rules evaluates a user's categorization rules against transactions.
// Rules run in ascending priority and the first full match wins.
package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"finsync-server/src/models"
	"finsync-server/src/repository"
)

type compiledRule struct {
	rule       models.CategorizationRule
	logic      models.RuleLogic
	conditions []Condition
}

// RuleSet is a user's rules parsed and ordered for evaluation. Build it once
// per batch with Compile and reuse it for every transaction.
type RuleSet struct {
	rules []compiledRule
}

// Compile drops inactive rules, parses conditions and sorts by priority.
// The sort is stable, so rules sharing a priority keep their input order.
func Compile(rules []models.CategorizationRule) *RuleSet {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if !r.IsActive {
			continue
		}
		compiled = append(compiled, compiledRule{
			rule:       r,
			logic:      normalizeLogic(r.Logic),
			conditions: ParseConditions(r.Conditions),
		})
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].rule.Priority < compiled[j].rule.Priority
	})
	return &RuleSet{rules: compiled}
}

func (s *RuleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Match returns the first rule matching txn.
func (s *RuleSet) Match(txn *models.Transaction) (*models.CategorizationRule, bool) {
	if s == nil {
		return nil, false
	}
	for i := range s.rules {
		if s.rules[i].matches(txn) {
			return &s.rules[i].rule, true
		}
	}
	return nil, false
}

// Categorize returns the target category of the first matching rule, or nil.
func (s *RuleSet) Categorize(txn *models.Transaction) *string {
	rule, ok := s.Match(txn)
	if !ok {
		return nil
	}
	id := rule.CategoryID
	return &id
}

func (r compiledRule) matches(txn *models.Transaction) bool {
	if len(r.conditions) == 0 {
		return false
	}
	switch r.logic {
	case models.LogicAnd:
		for _, c := range r.conditions {
			if !Matches(txn, c) {
				return false
			}
		}
		return true
	case models.LogicOr:
		for _, c := range r.conditions {
			if Matches(txn, c) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func normalizeLogic(l models.RuleLogic) models.RuleLogic {
	switch strings.ToUpper(strings.TrimSpace(string(l))) {
	case "", "AND":
		return models.LogicAnd
	case "OR":
		return models.LogicOr
	default:
		return ""
	}
}

// Engine loads rule sets on demand. It never writes.
type Engine struct {
	Rules repository.RuleStore
}

func NewEngine(store repository.RuleStore) *Engine {
	return &Engine{Rules: store}
}

// Load fetches and compiles the user's full rule set.
func (e *Engine) Load(ctx context.Context, userID int64) (*RuleSet, error) {
	rules, err := e.Rules.FindMany(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load rules for user %d: %w", userID, err)
	}
	return Compile(rules), nil
}

// Categorize returns the category for txn. When set is nil the user's rules
// are loaded fresh. A nil category with a nil error means no rule matched.
func (e *Engine) Categorize(ctx context.Context, txn *models.Transaction, userID int64, set *RuleSet) (*string, error) {
	if set == nil {
		var err error
		set, err = e.Load(ctx, userID)
		if err != nil {
			return nil, err
		}
	}
	return set.Categorize(txn), nil
}
