package models

import (
	"encoding/json"
	"time"
)

type RuleLogic string

const (
	LogicAnd RuleLogic = "AND"
	LogicOr  RuleLogic = "OR"
)

type CategorizationRule struct {
	ID         int64           `json:"id"`
	UserID     int64           `json:"user_id"`
	Name       string          `json:"name"`
	CategoryID string          `json:"category_id"`
	Priority   int             `json:"priority"`
	IsActive   bool            `json:"is_active"`
	Logic      RuleLogic       `json:"logic"`
	Conditions json.RawMessage `json:"conditions"` // JSONB array of {field, operator, value}
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
