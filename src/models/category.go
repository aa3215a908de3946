package models

import "time"

// TransfersCategoryName is the reserved category linked transfer legs are moved into.
const TransfersCategoryName = "Transfers"

type Category struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
