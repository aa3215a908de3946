package plaid

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newStubClient points a client at a local server that answers each API path
// with the paired JSON body, or a 500 when the path is not listed.
func newStubClient(t *testing.T, routes map[string]string) (*Client, map[string]map[string]any) {
	t.Helper()
	seen := map[string]map[string]any{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		seen[r.URL.Path] = body

		resp, ok := routes[r.URL.Path]
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error_type":"API_ERROR","error_code":"INTERNAL_SERVER_ERROR","error_message":"stub","request_id":"r"}`))
			return
		}
		_, _ = w.Write([]byte(resp))
	}))
	t.Cleanup(srv.Close)

	c, err := NewPlaidClient(Options{ClientID: "id", Secret: "secret", Env: "sandbox", BaseURL: srv.URL})
	require.NoError(t, err)
	return c, seen
}

func TestExchangePublicToken_ReadsInstitution(t *testing.T) {
	c, seen := newStubClient(t, map[string]string{
		"/item/public_token/exchange": `{"access_token":"access-sandbox-1","item_id":"item-1","request_id":"r1"}`,
		"/item/get": `{"item":{"item_id":"item-1","institution_id":"ins_1","institution_name":"Chase",
			"webhook":null,"error":null,"available_products":[],"billed_products":[],
			"consent_expiration_time":null,"update_type":"background"},"request_id":"r2"}`,
	})

	res, err := c.ExchangePublicToken(context.Background(), 7, "public-sandbox-1")
	require.NoError(t, err)
	assert.Equal(t, ExchangeResult{
		AccessToken:     "access-sandbox-1",
		ItemID:          "item-1",
		InstitutionID:   "ins_1",
		InstitutionName: "Chase",
	}, res)
	assert.Equal(t, "public-sandbox-1", seen["/item/public_token/exchange"]["public_token"])
	assert.Equal(t, "access-sandbox-1", seen["/item/get"]["access_token"])
}

func TestExchangePublicToken_ItemLookupFailureKeepsLink(t *testing.T) {
	c, _ := newStubClient(t, map[string]string{
		"/item/public_token/exchange": `{"access_token":"access-sandbox-1","item_id":"item-1","request_id":"r1"}`,
	})

	res, err := c.ExchangePublicToken(context.Background(), 7, "public-sandbox-1")
	require.NoError(t, err)
	assert.Equal(t, "item-1", res.ItemID)
	assert.Empty(t, res.InstitutionID)
	assert.Empty(t, res.InstitutionName)
}

func TestExchangePublicToken_ExchangeFailure(t *testing.T) {
	c, _ := newStubClient(t, map[string]string{})

	_, err := c.ExchangePublicToken(context.Background(), 7, "public-sandbox-1")
	assert.ErrorContains(t, err, "exchange public token for user 7")
}

func TestCreateLinkSession_SendsUser(t *testing.T) {
	c, seen := newStubClient(t, map[string]string{
		"/link/token/create": `{"link_token":"link-sandbox-1","expiration":"2024-01-05T10:00:00Z","request_id":"r1"}`,
	})

	session, err := c.CreateLinkSession(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "link-sandbox-1", session.LinkToken)

	sent := seen["/link/token/create"]
	require.NotNil(t, sent)
	assert.Equal(t, map[string]any{"client_user_id": "42"}, sent["user"])
	assert.Equal(t, "Finsync", sent["client_name"])
	assert.Equal(t, []any{"transactions"}, sent["products"])
}
