package models

import "github.com/shopspring/decimal"

type Account struct {
	ID             string          `json:"id"`
	UserID         int64           `json:"user_id"`
	ItemID         string          `json:"item_id"`
	ExternalID     string          `json:"external_id"`
	Name           string          `json:"name"`
	OfficialName   string          `json:"official_name"`
	Mask           string          `json:"mask"`
	Type           string          `json:"type"`
	Subtype        string          `json:"subtype"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
}
