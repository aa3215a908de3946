package models

import "time"

type PlaidItem struct {
	ItemID          string    `json:"item_id"`
	UserID          int64     `json:"user_id"`
	AccessToken     string    `json:"-"`
	InstitutionID   string    `json:"institution_id"`
	InstitutionName string    `json:"institution_name"`
	Cursor          *string   `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}
