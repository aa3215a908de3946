// Package memdb is an in-process implementation of the repository
// interfaces. It backs the single-process mode and the package tests.
package memdb

import (
	"sync"
	"time"

	"finsync-server/src/models"
)

type DB struct {
	mu         sync.Mutex
	txns       map[string]models.Transaction
	rules      map[int64]models.CategorizationRule
	nextRuleID int64
	categories map[string]models.Category
	accounts   map[string]models.Account
	items      map[string]models.PlaidItem
	failures   map[string]error
	now        func() time.Time
}

func New() *DB {
	return &DB{
		txns:       make(map[string]models.Transaction),
		rules:      make(map[int64]models.CategorizationRule),
		categories: make(map[string]models.Category),
		accounts:   make(map[string]models.Account),
		items:      make(map[string]models.PlaidItem),
		failures:   make(map[string]error),
		now:        time.Now,
	}
}

// FailOn makes the named operation (for example "transactions.Create")
// return err until cleared with a nil err.
func (db *DB) FailOn(op string, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err == nil {
		delete(db.failures, op)
		return
	}
	db.failures[op] = err
}

// fail must be called with mu held.
func (db *DB) fail(op string) error {
	return db.failures[op]
}

func (db *DB) Transactions() *TransactionStore {
	return &TransactionStore{db: db}
}

func (db *DB) Rules() *RuleStore {
	return &RuleStore{db: db}
}

func (db *DB) Categories() *CategoryStore {
	return &CategoryStore{db: db}
}

func (db *DB) Accounts() *AccountStore {
	return &AccountStore{db: db}
}

func (db *DB) Items() *ItemStore {
	return &ItemStore{db: db}
}
