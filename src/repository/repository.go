// Package repository declares the storage contracts the sync and
// categorization core depends on. Every read and write is scoped by the
// owning user.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/aarondl/opt/omit"
	"github.com/aarondl/opt/omitnull"
	"github.com/shopspring/decimal"

	"finsync-server/src/models"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicate       = errors.New("duplicate key")
	ErrAlreadyTransfer = errors.New("transaction already linked as a transfer")

	// ErrInvalidReference means a referenced row, such as a category, does
	// not exist.
	ErrInvalidReference = errors.New("invalid reference")
)

// TransactionFilter selects a user's transactions. Results are always ordered
// by date descending, then id. A zero Limit returns every match.
type TransactionFilter struct {
	UserID     int64
	AccountID  string
	IsTransfer *bool
	DateFrom   *time.Time
	DateTo     *time.Time
	Limit      int
	Offset     int
}

type TransactionPage struct {
	Total int                  `json:"total"`
	Items []models.Transaction `json:"items"`
}

// TransactionPatch describes a partial update. Unset fields are left alone;
// omitnull fields may also be cleared to NULL.
type TransactionPatch struct {
	Date           omit.Val[time.Time]
	AuthorizedDate omitnull.Val[time.Time]
	Description    omit.Val[string]
	RawDescription omitnull.Val[string]
	MerchantName   omitnull.Val[string]
	Amount         omit.Val[decimal.Decimal]
	Pending        omit.Val[bool]
	CategoryID     omitnull.Val[string]
	Notes          omitnull.Val[string]
}

// IsEmpty reports whether the patch sets nothing.
func (p TransactionPatch) IsEmpty() bool {
	return p.Date.IsUnset() && p.AuthorizedDate.IsUnset() && p.Description.IsUnset() &&
		p.RawDescription.IsUnset() && p.MerchantName.IsUnset() && p.Amount.IsUnset() &&
		p.Pending.IsUnset() && p.CategoryID.IsUnset() && p.Notes.IsUnset()
}

type TransactionStore interface {
	FindMany(ctx context.Context, filter TransactionFilter) (TransactionPage, error)
	FindByExternalID(ctx context.Context, userID int64, externalID string) (*models.Transaction, error)
	// Create assigns an id when txn.ID is empty. It returns ErrDuplicate when
	// the external id is already stored.
	Create(ctx context.Context, txn *models.Transaction) error
	CreateMany(ctx context.Context, txns []models.Transaction) (int, error)
	Update(ctx context.Context, userID int64, id string, patch TransactionPatch) error
	UpdateByExternalID(ctx context.Context, userID int64, externalID string, patch TransactionPatch) error
	Delete(ctx context.Context, userID int64, id string) error
	// DeleteByExternalID reports whether a row was removed.
	DeleteByExternalID(ctx context.Context, userID int64, externalID string) (bool, error)
	DeleteMany(ctx context.Context, userID int64, ids []string) (int, error)
	// MarkTransfer flags a non-transfer transaction as one leg of transferID.
	// It returns ErrAlreadyTransfer when the row is already flagged.
	MarkTransfer(ctx context.Context, userID int64, id, transferID, categoryID string) error
	// UnlinkTransfer clears the transfer flag on every leg of transferID and
	// drops the reserved transfers category from them. It returns how many
	// legs were cleared.
	UnlinkTransfer(ctx context.Context, userID int64, transferID string) (int, error)
	// RunInTx runs fn against a store bound to a single atomic transaction.
	RunInTx(ctx context.Context, fn func(TransactionStore) error) error
}

type RuleStore interface {
	FindMany(ctx context.Context, userID int64) ([]models.CategorizationRule, error)
}

type RuleWriter interface {
	RuleStore
	FindByID(ctx context.Context, userID, ruleID int64) (*models.CategorizationRule, error)
	Create(ctx context.Context, rule *models.CategorizationRule) (*models.CategorizationRule, error)
	Update(ctx context.Context, rule *models.CategorizationRule) (*models.CategorizationRule, error)
	Delete(ctx context.Context, userID, ruleID int64) error
}

type CategoryStore interface {
	// UpsertByName returns the user's category with that name, creating it
	// if needed. Concurrent callers get the same row.
	UpsertByName(ctx context.Context, userID int64, name string) (*models.Category, error)
	FindMany(ctx context.Context, userID int64) ([]models.Category, error)
}

type AccountStore interface {
	FindByExternalID(ctx context.Context, userID int64, externalID string) (*models.Account, error)
	SaveAccounts(ctx context.Context, userID int64, itemID string, accounts []models.Account) error
}

type ItemStore interface {
	GetItem(ctx context.Context, itemID string) (*models.PlaidItem, error)
	ListItems(ctx context.Context, userID int64) ([]models.PlaidItem, error)
	SaveItem(ctx context.Context, item *models.PlaidItem) error
	UpdateCursor(ctx context.Context, itemID, cursor string) error
}
