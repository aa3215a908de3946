package rules

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

type Field string

const (
	FieldDescription Field = "description"
	FieldMerchant    Field = "merchant"
	FieldAmount      Field = "amount"
)

type Operator string

const (
	OpContains Operator = "contains"
	OpEquals   Operator = "equals"
	OpGT       Operator = "gt"
	OpLT       Operator = "lt"
	OpGTE      Operator = "gte"
	OpLTE      Operator = "lte"
)

// Condition is a validated rule condition. A Condition that failed
// validation is kept so positions stay stable, but it never matches.
type Condition struct {
	Field    Field
	Operator Operator
	// Text is the lower-cased value as a string.
	Text string
	// Number is set when the value reads as a number.
	Number    decimal.Decimal
	HasNumber bool
	valid     bool
}

func (c Condition) Valid() bool { return c.valid }

type rawCondition struct {
	Field    string          `json:"field"`
	Operator string          `json:"operator"`
	Value    json.RawMessage `json:"value"`
}

// ParseConditions decodes a JSON array of conditions. Elements that do not
// validate come back as invalid conditions. A payload that is not an array
// yields a single invalid condition.
func ParseConditions(raw json.RawMessage) []Condition {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return []Condition{{}}
	}
	conds := make([]Condition, 0, len(items))
	for _, item := range items {
		conds = append(conds, ParseCondition(item))
	}
	return conds
}

func ParseCondition(raw json.RawMessage) Condition {
	var rc rawCondition
	if err := json.Unmarshal(raw, &rc); err != nil {
		return Condition{}
	}

	cond := Condition{
		Field:    Field(strings.ToLower(strings.TrimSpace(rc.Field))),
		Operator: Operator(strings.ToLower(strings.TrimSpace(rc.Operator))),
	}
	switch cond.Field {
	case FieldDescription, FieldMerchant, FieldAmount:
	default:
		return Condition{}
	}
	switch cond.Operator {
	case OpContains, OpEquals, OpGT, OpLT, OpGTE, OpLTE:
	default:
		return Condition{}
	}

	text, ok := scalarText(rc.Value)
	if !ok {
		return Condition{}
	}
	cond.Text = strings.ToLower(text)
	if n, err := decimal.NewFromString(strings.TrimSpace(text)); err == nil {
		cond.Number = n
		cond.HasNumber = true
	}
	cond.valid = true
	return cond
}

// scalarText accepts JSON strings and numbers only.
func scalarText(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", false
		}
		return n.String(), true
	}
	return "", false
}
