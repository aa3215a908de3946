package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionSource string

const (
	SourceAggregator TransactionSource = "aggregator"
	SourceManual     TransactionSource = "manual"
	SourceImport     TransactionSource = "import"
)

// Transaction amounts are signed from the account holder's point of view:
// negative is money leaving the account, positive is money coming in.
type Transaction struct {
	ID             string            `json:"id"`
	UserID         int64             `json:"user_id"`
	AccountID      string            `json:"account_id"`
	ExternalID     *string           `json:"external_id"`
	Date           time.Time         `json:"date"`
	AuthorizedDate *time.Time        `json:"authorized_date"`
	Description    string            `json:"description"`
	RawDescription *string           `json:"raw_description"`
	MerchantName   *string           `json:"merchant_name"`
	Amount         decimal.Decimal   `json:"amount"`
	Pending        bool              `json:"pending"`
	Source         TransactionSource `json:"source"`
	CategoryID     *string           `json:"category_id"`
	Notes          *string           `json:"notes"`
	IsTransfer     bool              `json:"is_transfer"`
	TransferID     *string           `json:"transfer_id"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}
