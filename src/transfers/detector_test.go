package transfers

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"finsync-server/src/models"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func txn(id, account, amount, date string) models.Transaction {
	return models.Transaction{
		ID:          id,
		UserID:      1,
		AccountID:   account,
		Amount:      decimal.RequireFromString(amount),
		Date:        day(date),
		Description: id,
	}
}

func TestIsTransferPair(t *testing.T) {
	tests := []struct {
		name string
		a, b models.Transaction
		want bool
	}{
		{"four days apart", txn("a", "bank", "-100", "2024-01-01"), txn("b", "credit", "100", "2024-01-05"), true},
		{"five days apart", txn("a", "bank", "-100", "2024-01-01"), txn("b", "credit", "100", "2024-01-06"), false},
		{"same day", txn("a", "bank", "-42.10", "2024-03-01"), txn("b", "savings", "42.10", "2024-03-01"), true},
		{"same account", txn("a", "bank", "-100", "2024-01-01"), txn("b", "bank", "100", "2024-01-01"), false},
		{"same sign", txn("a", "bank", "-100", "2024-01-01"), txn("b", "credit", "-100", "2024-01-01"), false},
		{"off by a cent", txn("a", "bank", "-100.00", "2024-01-01"), txn("b", "credit", "99.99", "2024-01-01"), false},
		{"different scale still sums to zero", txn("a", "bank", "-100.10", "2024-01-01"), txn("b", "credit", "100.1", "2024-01-01"), true},
		{"zero amounts", txn("a", "bank", "0", "2024-01-01"), txn("b", "credit", "0", "2024-01-01"), false},
		{"across month end", txn("a", "bank", "-5", "2024-01-30"), txn("b", "credit", "5", "2024-02-03"), true},
		{"across leap day", txn("a", "bank", "-5", "2024-02-27"), txn("b", "credit", "5", "2024-03-03"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransferPair(&tt.a, &tt.b))
			assert.Equal(t, tt.want, IsTransferPair(&tt.b, &tt.a), "must be symmetric")
		})
	}
}

func TestIsTransferPair_IgnoresTimeOfDay(t *testing.T) {
	a := txn("a", "bank", "-100", "2024-01-01")
	b := txn("b", "credit", "100", "2024-01-05")
	a.Date = a.Date.Add(1 * time.Hour)
	b.Date = b.Date.Add(23 * time.Hour)

	assert.True(t, IsTransferPair(&a, &b))
	assert.True(t, IsTransferPair(&b, &a))
}

func TestIsTransferPair_Nil(t *testing.T) {
	a := txn("a", "bank", "-1", "2024-01-01")
	assert.False(t, IsTransferPair(&a, nil))
	assert.False(t, IsTransferPair(nil, &a))
}

func TestIsTransferPair_SymmetricOverGrid(t *testing.T) {
	accounts := []string{"bank", "credit"}
	amounts := []string{"-10", "10", "0", "10.01"}
	dates := []string{"2024-01-01", "2024-01-04", "2024-01-06"}

	var all []models.Transaction
	for _, acc := range accounts {
		for _, amt := range amounts {
			for _, d := range dates {
				all = append(all, txn(acc+amt+d, acc, amt, d))
			}
		}
	}
	for i := range all {
		for j := range all {
			assert.Equal(t, IsTransferPair(&all[i], &all[j]), IsTransferPair(&all[j], &all[i]))
			if IsTransferPair(&all[i], &all[j]) {
				assert.True(t, all[i].Amount.Add(all[j].Amount).IsZero())
				assert.NotEqual(t, all[i].AccountID, all[j].AccountID)
			}
		}
	}
}
