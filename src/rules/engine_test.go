package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finsync-server/src/models"
)

type stubRuleStore struct {
	rules []models.CategorizationRule
	err   error
	calls int
}

func (s *stubRuleStore) FindMany(ctx context.Context, userID int64) ([]models.CategorizationRule, error) {
	s.calls++
	return s.rules, s.err
}

func rule(id int64, priority int, category, conditions string) models.CategorizationRule {
	return models.CategorizationRule{
		ID:         id,
		UserID:     1,
		CategoryID: category,
		Priority:   priority,
		IsActive:   true,
		Conditions: []byte(conditions),
	}
}

func scenarioRules() []models.CategorizationRule {
	return []models.CategorizationRule{
		rule(1, 1, "cat-transport", `[{"field":"description","operator":"contains","value":"Uber"}]`),
		rule(2, 2, "cat-food", `[{"field":"amount","operator":"lt","value":20}]`),
	}
}

func TestRuleSet_Scenario(t *testing.T) {
	set := Compile(scenarioRules())

	uber := &models.Transaction{Description: "UBER *TRIP", Amount: decimal.RequireFromString("25.50")}
	mcd := &models.Transaction{Description: "McDonalds", Amount: decimal.RequireFromString("15.00")}

	assert.Equal(t, "cat-transport", *set.Categorize(uber))
	assert.Equal(t, "cat-food", *set.Categorize(mcd))
}

func TestRuleSet_PriorityWinsRegardlessOfInputOrder(t *testing.T) {
	both := `[{"field":"description","operator":"contains","value":"shop"}]`
	rules := []models.CategorizationRule{
		rule(10, 2, "cat-second", both),
		rule(11, 1, "cat-first", both),
	}
	txn := &models.Transaction{Description: "Corner Shop"}

	assert.Equal(t, "cat-first", *Compile(rules).Categorize(txn))
}

func TestRuleSet_TiesKeepInputOrder(t *testing.T) {
	both := `[{"field":"description","operator":"contains","value":"shop"}]`
	rules := []models.CategorizationRule{
		rule(1, 5, "cat-a", both),
		rule(2, 5, "cat-b", both),
	}
	assert.Equal(t, "cat-a", *Compile(rules).Categorize(&models.Transaction{Description: "shop"}))
}

func TestRuleSet_SkipsInactiveRules(t *testing.T) {
	inactive := rule(1, 1, "cat-inactive", `[{"field":"description","operator":"contains","value":"a"}]`)
	inactive.IsActive = false
	active := rule(2, 2, "cat-active", `[{"field":"description","operator":"contains","value":"a"}]`)

	set := Compile([]models.CategorizationRule{inactive, active})
	assert.Equal(t, 1, set.Len())
	assert.Equal(t, "cat-active", *set.Categorize(&models.Transaction{Description: "a"}))
}

func TestRuleSet_Logic(t *testing.T) {
	conds := `[
		{"field":"description","operator":"contains","value":"netflix"},
		{"field":"amount","operator":"gt","value":100}
	]`
	txn := &models.Transaction{Description: "NETFLIX.COM", Amount: decimal.RequireFromString("-15.99")}

	and := rule(1, 1, "cat-and", conds)
	assert.Nil(t, Compile([]models.CategorizationRule{and}).Categorize(txn), "AND needs every condition")

	lower := rule(2, 1, "cat-and-lower", conds)
	lower.Logic = "and"
	assert.Nil(t, Compile([]models.CategorizationRule{lower}).Categorize(txn))

	or := rule(3, 1, "cat-or", conds)
	or.Logic = models.LogicOr
	assert.Equal(t, "cat-or", *Compile([]models.CategorizationRule{or}).Categorize(txn))

	unknown := rule(4, 1, "cat-xor", conds)
	unknown.Logic = "XOR"
	assert.Nil(t, Compile([]models.CategorizationRule{unknown}).Categorize(txn))
}

func TestRuleSet_InvalidConditionIsNonMatch(t *testing.T) {
	conds := `[
		{"field":"description","operator":"contains","value":"gym"},
		{"field":"description","operator":"regex","value":".*"}
	]`
	txn := &models.Transaction{Description: "City Gym"}

	and := rule(1, 1, "cat-and", conds)
	assert.Nil(t, Compile([]models.CategorizationRule{and}).Categorize(txn))

	or := rule(2, 1, "cat-or", conds)
	or.Logic = models.LogicOr
	assert.Equal(t, "cat-or", *Compile([]models.CategorizationRule{or}).Categorize(txn))
}

func TestRuleSet_EmptyConditionsNeverMatch(t *testing.T) {
	set := Compile([]models.CategorizationRule{rule(1, 1, "cat-all", `[]`)})
	assert.Nil(t, set.Categorize(&models.Transaction{Description: "x"}))
}

func TestRuleSet_NoMatchIsNil(t *testing.T) {
	set := Compile(scenarioRules())
	assert.Nil(t, set.Categorize(&models.Transaction{Description: "Rent", Amount: decimal.NewFromInt(1500)}))

	var empty *RuleSet
	assert.Nil(t, empty.Categorize(&models.Transaction{}))
}

func TestEngine_LoadsRulesWhenNotSupplied(t *testing.T) {
	store := &stubRuleStore{rules: scenarioRules()}
	engine := NewEngine(store)
	txn := &models.Transaction{Description: "Uber ride"}

	got, err := engine.Categorize(context.Background(), txn, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "cat-transport", *got)
	assert.Equal(t, 1, store.calls)

	set := Compile(scenarioRules())
	_, err = engine.Categorize(context.Background(), txn, 1, set)
	require.NoError(t, err)
	assert.Equal(t, 1, store.calls, "supplied rule set must not trigger a load")
}

func TestEngine_LoadErrorPropagates(t *testing.T) {
	engine := NewEngine(&stubRuleStore{err: errors.New("db down")})

	got, err := engine.Categorize(context.Background(), &models.Transaction{}, 1, nil)
	assert.Nil(t, got)
	assert.ErrorContains(t, err, "db down")
}
