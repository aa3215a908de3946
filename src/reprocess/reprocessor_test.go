package reprocess

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finsync-server/src/db/memdb"
	"finsync-server/src/models"
	"finsync-server/src/rules"
	"finsync-server/src/transfers"
)

const userID int64 = 7

func setup(t *testing.T) (*memdb.DB, *Reprocessor) {
	t.Helper()
	ctx := context.Background()
	db := memdb.New()
	for _, r := range []models.CategorizationRule{
		{UserID: userID, Name: "rides", CategoryID: "cat-transport", Priority: 1, IsActive: true,
			Conditions: []byte(`[{"field":"description","operator":"contains","value":"uber"}]`)},
		{UserID: userID, Name: "small", CategoryID: "cat-food", Priority: 2, IsActive: true,
			Conditions: []byte(`[{"field":"amount","operator":"lt","value":20}]`)},
	} {
		_, err := db.Rules().Create(ctx, &r)
		require.NoError(t, err)
	}

	logger, _ := test.NewNullLogger()
	linker := transfers.NewLinker(db.Transactions(), db.Categories(), nil, logger)
	return db, NewReprocessor(db.Transactions(), rules.NewEngine(db.Rules()), linker, logger)
}

func add(t *testing.T, db *memdb.DB, id, account, desc, amount string, date time.Time, category *string) {
	t.Helper()
	require.NoError(t, db.Transactions().Create(context.Background(), &models.Transaction{
		ID: id, UserID: userID, AccountID: account, Description: desc,
		Amount: decimal.RequireFromString(amount), Date: date, CategoryID: category,
	}))
}

var day = time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func TestProcessAllTransactions(t *testing.T) {
	db, p := setup(t)
	add(t, db, "t-uber", "bank", "UBER *TRIP", "-25.50", day, nil)
	add(t, db, "t-snack", "bank", "Vending", "5", day, strPtr("cat-misc"))
	add(t, db, "t-big", "bank", "Rent", "1500", day, strPtr("cat-housing"))
	add(t, db, "t-xfer-out", "bank", "To savings", "400", day.AddDate(-1, 0, 0), nil)
	add(t, db, "t-xfer-in", "savings", "From checking", "-400", day.AddDate(-1, 0, 2), nil)

	res, err := p.ProcessAllTransactions(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.CategorizedCount, "uber, snack and the -400 leg match before transfer linking")
	assert.Equal(t, 1, res.TransferCount, "full history is scanned")

	uber, _ := db.Transactions().Get("t-uber")
	assert.Equal(t, "cat-transport", *uber.CategoryID)
	snack, _ := db.Transactions().Get("t-snack")
	assert.Equal(t, "cat-food", *snack.CategoryID)
	big, _ := db.Transactions().Get("t-big")
	assert.Equal(t, "cat-housing", *big.CategoryID, "no match never clears a category")

	out, _ := db.Transactions().Get("t-xfer-out")
	in, _ := db.Transactions().Get("t-xfer-in")
	assert.True(t, out.IsTransfer)
	assert.Equal(t, *out.CategoryID, *in.CategoryID)
}

func TestProcessAllTransactions_Idempotent(t *testing.T) {
	db, p := setup(t)
	add(t, db, "t-uber", "bank", "UBER *TRIP", "-25.50", day, nil)
	add(t, db, "t-snack", "bank", "Vending", "5", day, nil)
	add(t, db, "t-out", "bank", "To card", "-70", day, nil)
	add(t, db, "t-in", "card", "Payment", "70", day, nil)

	first, err := p.ProcessAllTransactions(context.Background(), userID)
	require.NoError(t, err)
	assert.Positive(t, first.CategorizedCount)
	assert.Equal(t, 1, first.TransferCount)

	second, err := p.ProcessAllTransactions(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 0, second.CategorizedCount)
	assert.Equal(t, 0, second.TransferCount)
}

func TestProcessAllTransactions_SkipsLinkedTransfers(t *testing.T) {
	db, p := setup(t)
	add(t, db, "t-out", "bank", "Uber transfer", "-70", day, nil)
	add(t, db, "t-in", "card", "Payment", "70", day, nil)
	_, err := p.ProcessAllTransactions(context.Background(), userID)
	require.NoError(t, err)
	linked, _ := db.Transactions().Get("t-out")
	require.True(t, linked.IsTransfer)
	transfersCat := *linked.CategoryID

	_, err = p.ProcessAllTransactions(context.Background(), userID)
	require.NoError(t, err)
	again, _ := db.Transactions().Get("t-out")
	assert.Equal(t, transfersCat, *again.CategoryID)
}

func TestProcessAllTransactions_StageErrors(t *testing.T) {
	t.Run("load", func(t *testing.T) {
		db, p := setup(t)
		db.FailOn("transactions.FindMany", errors.New("timeout"))

		_, err := p.ProcessAllTransactions(context.Background(), userID)
		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, StageLoad, stageErr.Stage)
	})

	t.Run("rules", func(t *testing.T) {
		db, p := setup(t)
		db.FailOn("rules.FindMany", errors.New("timeout"))

		_, err := p.ProcessAllTransactions(context.Background(), userID)
		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, StageLoad, stageErr.Stage)
	})

	t.Run("categorize fails fast", func(t *testing.T) {
		db, p := setup(t)
		add(t, db, "t-1", "bank", "Uber", "-30", day, nil)
		add(t, db, "t-2", "bank", "Uber", "-31", day.AddDate(0, 0, -1), nil)
		db.FailOn("transactions.Update", errors.New("deadlock"))

		res, err := p.ProcessAllTransactions(context.Background(), userID)
		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, StageCategorize, stageErr.Stage)
		assert.Equal(t, 0, res.CategorizedCount)
		assert.ErrorContains(t, err, "deadlock")
	})

	t.Run("transfers keeps categorize count", func(t *testing.T) {
		db, p := setup(t)
		add(t, db, "t-1", "bank", "Uber", "-30", day, nil)
		add(t, db, "t-2", "card", "Payment", "30", day, nil)
		db.FailOn("categories.UpsertByName", errors.New("unique violation storm"))

		res, err := p.ProcessAllTransactions(context.Background(), userID)
		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, StageTransfers, stageErr.Stage)
		assert.Equal(t, 1, stageErr.Result.CategorizedCount)
		assert.Equal(t, 1, res.CategorizedCount)
		assert.Equal(t, 0, res.TransferCount)
	})
}
