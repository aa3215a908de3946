// Package transfers finds pairs of transactions that move money between two
// of a user's own accounts and links them so they drop out of income and
// expense totals.
package transfers

import (
	"cloud.google.com/go/civil"

	"finsync-server/src/models"
)

// TransferWindowDays is the largest calendar-day gap between two legs of a transfer.
const TransferWindowDays = 4

// IsTransferPair reports whether a and b look like the two legs of one
// transfer: different accounts, amounts summing to exactly zero, dated at
// most TransferWindowDays apart, and neither amount zero. The result does
// not depend on argument order.
func IsTransferPair(a, b *models.Transaction) bool {
	if a == nil || b == nil {
		return false
	}
	if a.AccountID == b.AccountID {
		return false
	}
	if !a.Amount.Add(b.Amount).IsZero() {
		return false
	}
	if daysApart(a, b) > TransferWindowDays {
		return false
	}
	if a.Amount.IsZero() || b.Amount.IsZero() {
		return false
	}
	return true
}

func daysApart(a, b *models.Transaction) int {
	days := civil.DateOf(a.Date).DaysSince(civil.DateOf(b.Date))
	if days < 0 {
		return -days
	}
	return days
}
