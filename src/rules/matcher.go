package rules

import (
	"strings"

	"github.com/shopspring/decimal"

	"finsync-server/src/models"
)

// Matches evaluates one condition against a transaction. It never panics: an
// invalid condition, an absent field or a value that cannot be coerced all
// evaluate to false.
func Matches(txn *models.Transaction, cond Condition) bool {
	if txn == nil || !cond.valid {
		return false
	}

	switch cond.Field {
	case FieldAmount:
		return matchAmount(txn.Amount, cond)
	case FieldDescription:
		return matchText(txn.Description, cond)
	case FieldMerchant:
		if txn.MerchantName == nil {
			return false
		}
		return matchText(*txn.MerchantName, cond)
	default:
		return false
	}
}

func matchText(value string, cond Condition) bool {
	switch cond.Operator {
	case OpContains:
		return strings.Contains(strings.ToLower(value), cond.Text)
	case OpEquals:
		return strings.ToLower(value) == cond.Text
	case OpGT, OpLT, OpGTE, OpLTE:
		n, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return false
		}
		return compare(n, cond)
	default:
		return false
	}
}

func matchAmount(amount decimal.Decimal, cond Condition) bool {
	switch cond.Operator {
	case OpContains:
		return strings.Contains(strings.ToLower(amount.String()), cond.Text)
	case OpEquals:
		if cond.HasNumber {
			return amount.Equal(cond.Number)
		}
		return strings.ToLower(amount.String()) == cond.Text
	case OpGT, OpLT, OpGTE, OpLTE:
		return compare(amount, cond)
	default:
		return false
	}
}

func compare(n decimal.Decimal, cond Condition) bool {
	if !cond.HasNumber {
		return false
	}
	switch cond.Operator {
	case OpGT:
		return n.GreaterThan(cond.Number)
	case OpLT:
		return n.LessThan(cond.Number)
	case OpGTE:
		return n.GreaterThanOrEqual(cond.Number)
	case OpLTE:
		return n.LessThanOrEqual(cond.Number)
	default:
		return false
	}
}
