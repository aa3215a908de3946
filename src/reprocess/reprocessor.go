// Package reprocess re-applies the current rules to a user's whole ledger and
// re-runs transfer detection over all history.
package reprocess

import (
	"context"
	"fmt"

	"github.com/aarondl/opt/omitnull"
	"github.com/sirupsen/logrus"

	"finsync-server/src/models"
	"finsync-server/src/repository"
	"finsync-server/src/rules"
	"finsync-server/src/transfers"
)

type Stage string

const (
	StageLoad       Stage = "load"
	StageCategorize Stage = "categorize"
	StageTransfers  Stage = "transfers"
)

// StageError reports which stage of a run failed along with the counts the
// earlier stages reached.
type StageError struct {
	Stage  Stage
	Result models.ReprocessResult
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("reprocess %s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

type TransferScanner interface {
	DetectAndLinkTransfers(ctx context.Context, userID int64, txns []models.Transaction, lookbackDays *int) (int, error)
}

type Reprocessor struct {
	Transactions repository.TransactionStore
	Rules        *rules.Engine
	Transfers    TransferScanner
	Log          logrus.FieldLogger
}

func NewReprocessor(txns repository.TransactionStore, engine *rules.Engine, scanner TransferScanner, log logrus.FieldLogger) *Reprocessor {
	return &Reprocessor{Transactions: txns, Rules: engine, Transfers: scanner, Log: log}
}

// ProcessAllTransactions recategorizes every transaction of the user and then
// scans the full history for transfers. Only changed categories are written,
// so a second run without rule changes reports zero categorized.
//
// The first failed write stops the run.
func (p *Reprocessor) ProcessAllTransactions(ctx context.Context, userID int64) (models.ReprocessResult, error) {
	var result models.ReprocessResult
	log := p.Log.WithField("user_id", userID)

	page, err := p.Transactions.FindMany(ctx, repository.TransactionFilter{UserID: userID})
	if err != nil {
		return result, &StageError{Stage: StageLoad, Result: result, Err: err}
	}
	set, err := p.Rules.Load(ctx, userID)
	if err != nil {
		return result, &StageError{Stage: StageLoad, Result: result, Err: err}
	}

	txns := page.Items
	for i := range txns {
		txn := &txns[i]
		if txn.IsTransfer {
			continue
		}
		categoryID, err := p.Rules.Categorize(ctx, txn, userID, set)
		if err != nil {
			return result, &StageError{Stage: StageCategorize, Result: result, Err: err}
		}
		if categoryID == nil || sameCategory(txn.CategoryID, categoryID) {
			continue
		}
		patch := repository.TransactionPatch{CategoryID: omitnull.From(*categoryID)}
		if err := p.Transactions.Update(ctx, userID, txn.ID, patch); err != nil {
			return result, &StageError{
				Stage:  StageCategorize,
				Result: result,
				Err:    fmt.Errorf("update transaction %s: %w", txn.ID, err),
			}
		}
		txn.CategoryID = categoryID
		result.CategorizedCount++
	}

	// A nil lookback scans all history.
	transfersLinked, err := p.Transfers.DetectAndLinkTransfers(ctx, userID, nil, nil)
	result.TransferCount = transfersLinked
	if err != nil {
		return result, &StageError{Stage: StageTransfers, Result: result, Err: err}
	}

	log.WithFields(logrus.Fields{
		"scanned":     len(txns),
		"categorized": result.CategorizedCount,
		"transfers":   result.TransferCount,
	}).Info("Reprocess.Completed")
	return result, nil
}

func sameCategory(current, next *string) bool {
	return current != nil && next != nil && *current == *next
}

var _ TransferScanner = (*transfers.Linker)(nil)
