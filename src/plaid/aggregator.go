package plaid

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"finsync-server/src/models"
)

// ErrMutationDuringPagination means the feed changed while a pass was paging.
// The pass must restart from the last persisted cursor.
var ErrMutationDuringPagination = errors.New("aggregator data changed during pagination")

// FeedTransaction is one transaction as delivered by the aggregator. Amount
// keeps the aggregator's sign: positive means money left the account.
type FeedTransaction struct {
	ExternalID          string
	AccountID           string
	Amount              decimal.Decimal
	Date                time.Time
	AuthorizedDate      *time.Time
	Name                string
	MerchantName        *string
	OriginalDescription *string
	Pending             bool
}

type SyncPage struct {
	Added      []FeedTransaction
	Modified   []FeedTransaction
	Removed    []string
	NextCursor string
	HasMore    bool
}

type LinkSession struct {
	LinkToken  string    `json:"link_token"`
	Expiration time.Time `json:"expiration"`
}

type ExchangeResult struct {
	AccessToken     string
	ItemID          string
	InstitutionID   string
	InstitutionName string
}

// Aggregator is the upstream bank-data feed.
type Aggregator interface {
	CreateLinkSession(ctx context.Context, userID int64) (LinkSession, error)
	ExchangePublicToken(ctx context.Context, userID int64, publicToken string) (ExchangeResult, error)
	ListAccounts(ctx context.Context, accessToken string) ([]models.Account, error)
	// SyncChanges fetches one page of changes after cursor. A nil cursor
	// requests the full history.
	SyncChanges(ctx context.Context, accessToken string, cursor *string) (SyncPage, error)
}
