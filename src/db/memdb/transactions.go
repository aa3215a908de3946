package memdb

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"finsync-server/src/models"
	"finsync-server/src/repository"
)

var _ repository.TransactionStore = (*TransactionStore)(nil)

type TransactionStore struct {
	db   *DB
	inTx bool
}

func (s *TransactionStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.db.mu.Lock()
	return s.db.mu.Unlock
}

// Get returns a stored transaction regardless of owner. Test helper.
func (s *TransactionStore) Get(id string) (models.Transaction, bool) {
	defer s.lock()()
	t, ok := s.db.txns[id]
	return t, ok
}

// All returns every stored transaction ordered like FindMany. Test helper.
func (s *TransactionStore) All() []models.Transaction {
	defer s.lock()()
	out := make([]models.Transaction, 0, len(s.db.txns))
	for _, t := range s.db.txns {
		out = append(out, t)
	}
	sortTransactions(out)
	return out
}

func (s *TransactionStore) FindMany(ctx context.Context, filter repository.TransactionFilter) (repository.TransactionPage, error) {
	defer s.lock()()
	if err := s.db.fail("transactions.FindMany"); err != nil {
		return repository.TransactionPage{}, err
	}

	var items []models.Transaction
	for _, t := range s.db.txns {
		if t.UserID != filter.UserID {
			continue
		}
		if filter.AccountID != "" && t.AccountID != filter.AccountID {
			continue
		}
		if filter.IsTransfer != nil && t.IsTransfer != *filter.IsTransfer {
			continue
		}
		if filter.DateFrom != nil && t.Date.Before(*filter.DateFrom) {
			continue
		}
		if filter.DateTo != nil && t.Date.After(*filter.DateTo) {
			continue
		}
		items = append(items, t)
	}
	sortTransactions(items)

	page := repository.TransactionPage{Total: len(items)}
	if filter.Offset > 0 {
		if filter.Offset >= len(items) {
			items = nil
		} else {
			items = items[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	page.Items = items
	return page, nil
}

func sortTransactions(items []models.Transaction) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].Date.Equal(items[j].Date) {
			return items[i].Date.After(items[j].Date)
		}
		return items[i].ID < items[j].ID
	})
}

func (s *TransactionStore) FindByExternalID(ctx context.Context, userID int64, externalID string) (*models.Transaction, error) {
	defer s.lock()()
	if err := s.db.fail("transactions.FindByExternalID"); err != nil {
		return nil, err
	}
	t, ok := s.byExternalID(userID, externalID)
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

func (s *TransactionStore) byExternalID(userID int64, externalID string) (models.Transaction, bool) {
	for _, t := range s.db.txns {
		if t.UserID == userID && t.ExternalID != nil && *t.ExternalID == externalID {
			return t, true
		}
	}
	return models.Transaction{}, false
}

func (s *TransactionStore) Create(ctx context.Context, txn *models.Transaction) error {
	defer s.lock()()
	if err := s.db.fail("transactions.Create"); err != nil {
		return err
	}
	return s.create(txn)
}

func (s *TransactionStore) create(txn *models.Transaction) error {
	if txn.ExternalID != nil {
		for _, t := range s.db.txns {
			if t.ExternalID != nil && *t.ExternalID == *txn.ExternalID {
				return repository.ErrDuplicate
			}
		}
	}
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	} else if _, exists := s.db.txns[txn.ID]; exists {
		return repository.ErrDuplicate
	}
	if txn.Source == "" {
		txn.Source = models.SourceManual
	}
	now := s.db.now()
	txn.CreatedAt, txn.UpdatedAt = now, now
	s.db.txns[txn.ID] = *txn
	return nil
}

func (s *TransactionStore) CreateMany(ctx context.Context, txns []models.Transaction) (int, error) {
	err := s.RunInTx(ctx, func(tx repository.TransactionStore) error {
		inner := tx.(*TransactionStore)
		if err := s.db.fail("transactions.CreateMany"); err != nil {
			return err
		}
		for i := range txns {
			if err := inner.create(&txns[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(txns), nil
}

func (s *TransactionStore) Update(ctx context.Context, userID int64, id string, patch repository.TransactionPatch) error {
	defer s.lock()()
	if err := s.db.fail("transactions.Update"); err != nil {
		return err
	}
	t, ok := s.db.txns[id]
	if !ok || t.UserID != userID {
		return repository.ErrNotFound
	}
	s.apply(&t, patch)
	return nil
}

func (s *TransactionStore) UpdateByExternalID(ctx context.Context, userID int64, externalID string, patch repository.TransactionPatch) error {
	defer s.lock()()
	if err := s.db.fail("transactions.UpdateByExternalID"); err != nil {
		return err
	}
	t, ok := s.byExternalID(userID, externalID)
	if !ok {
		return repository.ErrNotFound
	}
	s.apply(&t, patch)
	return nil
}

func (s *TransactionStore) apply(t *models.Transaction, p repository.TransactionPatch) {
	if v, ok := p.Date.Get(); ok {
		t.Date = v
	}
	if !p.AuthorizedDate.IsUnset() {
		t.AuthorizedDate = p.AuthorizedDate.MustPtr()
	}
	if v, ok := p.Description.Get(); ok {
		t.Description = v
	}
	if !p.RawDescription.IsUnset() {
		t.RawDescription = p.RawDescription.MustPtr()
	}
	if !p.MerchantName.IsUnset() {
		t.MerchantName = p.MerchantName.MustPtr()
	}
	if v, ok := p.Amount.Get(); ok {
		t.Amount = v
	}
	if v, ok := p.Pending.Get(); ok {
		t.Pending = v
	}
	if !p.CategoryID.IsUnset() {
		t.CategoryID = p.CategoryID.MustPtr()
	}
	if !p.Notes.IsUnset() {
		t.Notes = p.Notes.MustPtr()
	}
	t.UpdatedAt = s.db.now()
	s.db.txns[t.ID] = *t
}

func (s *TransactionStore) Delete(ctx context.Context, userID int64, id string) error {
	defer s.lock()()
	if err := s.db.fail("transactions.Delete"); err != nil {
		return err
	}
	t, ok := s.db.txns[id]
	if !ok || t.UserID != userID {
		return repository.ErrNotFound
	}
	delete(s.db.txns, id)
	return nil
}

func (s *TransactionStore) DeleteByExternalID(ctx context.Context, userID int64, externalID string) (bool, error) {
	defer s.lock()()
	if err := s.db.fail("transactions.DeleteByExternalID"); err != nil {
		return false, err
	}
	t, ok := s.byExternalID(userID, externalID)
	if !ok {
		return false, nil
	}
	delete(s.db.txns, t.ID)
	return true, nil
}

func (s *TransactionStore) DeleteMany(ctx context.Context, userID int64, ids []string) (int, error) {
	defer s.lock()()
	if err := s.db.fail("transactions.DeleteMany"); err != nil {
		return 0, err
	}
	deleted := 0
	for _, id := range ids {
		if t, ok := s.db.txns[id]; ok && t.UserID == userID {
			delete(s.db.txns, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *TransactionStore) MarkTransfer(ctx context.Context, userID int64, id, transferID, categoryID string) error {
	defer s.lock()()
	if err := s.db.fail("transactions.MarkTransfer"); err != nil {
		return err
	}
	t, ok := s.db.txns[id]
	if !ok || t.UserID != userID {
		return repository.ErrNotFound
	}
	if t.IsTransfer {
		return repository.ErrAlreadyTransfer
	}
	tid, cid := transferID, categoryID
	t.IsTransfer = true
	t.TransferID = &tid
	t.CategoryID = &cid
	t.UpdatedAt = s.db.now()
	s.db.txns[id] = t
	return nil
}

func (s *TransactionStore) UnlinkTransfer(ctx context.Context, userID int64, transferID string) (int, error) {
	defer s.lock()()
	if err := s.db.fail("transactions.UnlinkTransfer"); err != nil {
		return 0, err
	}
	reserved := ""
	for _, c := range s.db.categories {
		if c.UserID == userID && c.Name == models.TransfersCategoryName {
			reserved = c.ID
		}
	}
	cleared := 0
	for id, t := range s.db.txns {
		if t.UserID != userID || t.TransferID == nil || *t.TransferID != transferID {
			continue
		}
		t.IsTransfer = false
		t.TransferID = nil
		if t.CategoryID != nil && *t.CategoryID == reserved {
			t.CategoryID = nil
		}
		t.UpdatedAt = s.db.now()
		s.db.txns[id] = t
		cleared++
	}
	return cleared, nil
}

// RunInTx holds the store lock for the duration of fn and restores the
// previous rows if fn fails.
func (s *TransactionStore) RunInTx(ctx context.Context, fn func(repository.TransactionStore) error) error {
	if s.inTx {
		return fn(s)
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	snapshot := make(map[string]models.Transaction, len(s.db.txns))
	for k, v := range s.db.txns {
		snapshot[k] = v
	}
	if err := fn(&TransactionStore{db: s.db, inTx: true}); err != nil {
		s.db.txns = snapshot
		return err
	}
	return nil
}
