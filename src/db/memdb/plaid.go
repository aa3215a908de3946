package memdb

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"finsync-server/src/models"
	"finsync-server/src/repository"
)

var (
	_ repository.AccountStore = (*AccountStore)(nil)
	_ repository.ItemStore    = (*ItemStore)(nil)
)

type AccountStore struct {
	db *DB
}

func (s *AccountStore) FindByExternalID(ctx context.Context, userID int64, externalID string) (*models.Account, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.db.fail("accounts.FindByExternalID"); err != nil {
		return nil, err
	}
	for _, a := range s.db.accounts {
		if a.UserID == userID && a.ExternalID == externalID {
			return &a, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *AccountStore) SaveAccounts(ctx context.Context, userID int64, itemID string, accounts []models.Account) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, acc := range accounts {
		acc.UserID = userID
		acc.ItemID = itemID
		for id, existing := range s.db.accounts {
			if existing.ExternalID == acc.ExternalID {
				acc.ID = id
				break
			}
		}
		if acc.ID == "" {
			acc.ID = uuid.NewString()
		}
		s.db.accounts[acc.ID] = acc
	}
	return nil
}

type ItemStore struct {
	db *DB
}

func (s *ItemStore) GetItem(ctx context.Context, itemID string) (*models.PlaidItem, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.db.fail("items.GetItem"); err != nil {
		return nil, err
	}
	item, ok := s.db.items[itemID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &item, nil
}

func (s *ItemStore) ListItems(ctx context.Context, userID int64) ([]models.PlaidItem, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.PlaidItem
	for _, item := range s.db.items {
		if item.UserID == userID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

// SaveItem inserts or refreshes an item, keeping any stored cursor.
func (s *ItemStore) SaveItem(ctx context.Context, item *models.PlaidItem) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	stored := *item
	if existing, ok := s.db.items[item.ItemID]; ok {
		stored.Cursor = existing.Cursor
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = s.db.now()
	}
	s.db.items[item.ItemID] = stored
	return nil
}

func (s *ItemStore) UpdateCursor(ctx context.Context, itemID, cursor string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.db.fail("items.UpdateCursor"); err != nil {
		return err
	}
	item, ok := s.db.items[itemID]
	if !ok {
		return repository.ErrNotFound
	}
	c := cursor
	item.Cursor = &c
	s.db.items[itemID] = item
	return nil
}
