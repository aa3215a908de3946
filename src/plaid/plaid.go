// Package plaid adapts the Plaid API to the aggregator feed used by sync.
package plaid

import (
	"context"
	"fmt"
	"strconv"
	"time"

	plaidgo "github.com/plaid/plaid-go/v41/plaid"
	"github.com/shopspring/decimal"

	"finsync-server/src/models"
)

const mutationDuringPagination = "TRANSACTIONS_SYNC_MUTATION_DURING_PAGINATION"

type Options struct {
	ClientID   string
	Secret     string
	Env        string
	WebhookURL string
	ClientName string
	PageSize   int
	// BaseURL replaces the environment's API host when set.
	BaseURL string
}

// Client talks to Plaid and implements Aggregator.
type Client struct {
	api        *plaidgo.APIClient
	webhookURL string
	clientName string
	pageSize   int32
}

var _ Aggregator = (*Client)(nil)

func NewPlaidClient(opts Options) (*Client, error) {
	configuration := plaidgo.NewConfiguration()
	configuration.AddDefaultHeader("PLAID-CLIENT-ID", opts.ClientID)
	configuration.AddDefaultHeader("PLAID-SECRET", opts.Secret)

	switch opts.Env {
	case "sandbox":
		configuration.UseEnvironment(plaidgo.Sandbox)
	case "production":
		configuration.UseEnvironment(plaidgo.Production)
	default:
		return nil, fmt.Errorf("invalid Plaid environment: %q", opts.Env)
	}
	if opts.BaseURL != "" {
		configuration.Servers = plaidgo.ServerConfigurations{{URL: opts.BaseURL}}
	}

	name := opts.ClientName
	if name == "" {
		name = "Finsync"
	}
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > 500 {
		pageSize = 500
	}
	return &Client{
		api:        plaidgo.NewAPIClient(configuration),
		webhookURL: opts.WebhookURL,
		clientName: name,
		pageSize:   int32(pageSize),
	}, nil
}

func (c *Client) CreateLinkSession(ctx context.Context, userID int64) (LinkSession, error) {
	user := plaidgo.LinkTokenCreateRequestUser{
		ClientUserId: strconv.FormatInt(userID, 10),
	}
	request := plaidgo.NewLinkTokenCreateRequest(
		c.clientName,
		"en",
		[]plaidgo.CountryCode{plaidgo.COUNTRYCODE_US},
	)
	request.SetUser(user)
	request.SetProducts([]plaidgo.Products{plaidgo.PRODUCTS_TRANSACTIONS})
	if c.webhookURL != "" {
		request.SetWebhook(c.webhookURL)
	}

	resp, _, err := c.api.PlaidApi.LinkTokenCreate(ctx).LinkTokenCreateRequest(*request).Execute()
	if err != nil {
		return LinkSession{}, fmt.Errorf("create link token: %w", err)
	}
	return LinkSession{LinkToken: resp.GetLinkToken(), Expiration: resp.GetExpiration()}, nil
}

func (c *Client) ExchangePublicToken(ctx context.Context, userID int64, publicToken string) (ExchangeResult, error) {
	exchangeReq := plaidgo.NewItemPublicTokenExchangeRequest(publicToken)
	exchangeResp, _, err := c.api.PlaidApi.ItemPublicTokenExchange(ctx).ItemPublicTokenExchangeRequest(*exchangeReq).Execute()
	if err != nil {
		return ExchangeResult{}, fmt.Errorf("exchange public token for user %d: %w", userID, err)
	}

	result := ExchangeResult{
		AccessToken: exchangeResp.GetAccessToken(),
		ItemID:      exchangeResp.GetItemId(),
	}

	// Institution details are optional; a failed lookup does not fail the link.
	itemReq := plaidgo.NewItemGetRequest(result.AccessToken)
	itemResp, _, err := c.api.PlaidApi.ItemGet(ctx).ItemGetRequest(*itemReq).Execute()
	if err == nil {
		item := itemResp.GetItem()
		result.InstitutionID = item.GetInstitutionId()
		result.InstitutionName = item.GetInstitutionName()
	}
	return result, nil
}

func (c *Client) ListAccounts(ctx context.Context, accessToken string) ([]models.Account, error) {
	request := plaidgo.NewAccountsGetRequest(accessToken)
	resp, _, err := c.api.PlaidApi.AccountsGet(ctx).AccountsGetRequest(*request).Execute()
	if err != nil {
		return nil, fmt.Errorf("get accounts: %w", err)
	}

	accounts := make([]models.Account, 0, len(resp.GetAccounts()))
	for _, acc := range resp.GetAccounts() {
		balances := acc.GetBalances()
		accounts = append(accounts, models.Account{
			ExternalID:     acc.GetAccountId(),
			Name:           acc.GetName(),
			OfficialName:   acc.GetOfficialName(),
			Mask:           acc.GetMask(),
			Type:           string(acc.GetType()),
			Subtype:        string(acc.GetSubtype()),
			CurrentBalance: decimal.NewFromFloat(balances.GetCurrent()),
		})
	}
	return accounts, nil
}

func (c *Client) SyncChanges(ctx context.Context, accessToken string, cursor *string) (SyncPage, error) {
	request := plaidgo.NewTransactionsSyncRequest(accessToken)
	if cursor != nil && *cursor != "" {
		request.SetCursor(*cursor)
	}
	request.SetCount(c.pageSize)

	resp, _, err := c.api.PlaidApi.TransactionsSync(ctx).TransactionsSyncRequest(*request).Execute()
	if err != nil {
		if perr, convErr := plaidgo.ToPlaidError(err); convErr == nil && perr.ErrorCode == mutationDuringPagination {
			return SyncPage{}, ErrMutationDuringPagination
		}
		return SyncPage{}, fmt.Errorf("sync transactions: %w", err)
	}

	page := SyncPage{
		NextCursor: resp.GetNextCursor(),
		HasMore:    resp.GetHasMore(),
	}
	for _, t := range resp.GetAdded() {
		ft, err := feedTransaction(t)
		if err != nil {
			return SyncPage{}, err
		}
		page.Added = append(page.Added, ft)
	}
	for _, t := range resp.GetModified() {
		ft, err := feedTransaction(t)
		if err != nil {
			return SyncPage{}, err
		}
		page.Modified = append(page.Modified, ft)
	}
	for _, r := range resp.GetRemoved() {
		page.Removed = append(page.Removed, r.GetTransactionId())
	}
	return page, nil
}

func feedTransaction(t plaidgo.Transaction) (FeedTransaction, error) {
	date, err := parseDate(t.GetDate())
	if err != nil {
		return FeedTransaction{}, fmt.Errorf("transaction %s: %w", t.GetTransactionId(), err)
	}
	ft := FeedTransaction{
		ExternalID: t.GetTransactionId(),
		AccountID:  t.GetAccountId(),
		Amount:     decimal.NewFromFloat(t.GetAmount()),
		Date:       date,
		Name:       t.GetName(),
		Pending:    t.GetPending(),
	}
	if v, ok := t.GetMerchantNameOk(); ok && v != nil && *v != "" {
		name := *v
		ft.MerchantName = &name
	}
	if v, ok := t.GetOriginalDescriptionOk(); ok && v != nil && *v != "" {
		desc := *v
		ft.OriginalDescription = &desc
	}
	if v, ok := t.GetAuthorizedDateOk(); ok && v != nil && *v != "" {
		if d, err := parseDate(*v); err == nil {
			ft.AuthorizedDate = &d
		}
	}
	return ft, nil
}

func parseDate(s string) (time.Time, error) {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return d, nil
}

// WebhookKey fetches the verification key Plaid signed a webhook with.
func (c *Client) WebhookKey(ctx context.Context, kid string) (*plaidgo.JWKPublicKey, error) {
	req := plaidgo.NewWebhookVerificationKeyGetRequest(kid)
	resp, _, err := c.api.PlaidApi.WebhookVerificationKeyGet(ctx).
		WebhookVerificationKeyGetRequest(*req).
		Execute()
	if err != nil {
		return nil, err
	}
	key := resp.GetKey()
	return &key, nil
}
