package memdb

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"finsync-server/src/models"
	"finsync-server/src/repository"
)

var _ repository.CategoryStore = (*CategoryStore)(nil)

type CategoryStore struct {
	db *DB
}

func (s *CategoryStore) UpsertByName(ctx context.Context, userID int64, name string) (*models.Category, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.db.fail("categories.UpsertByName"); err != nil {
		return nil, err
	}
	for _, c := range s.db.categories {
		if c.UserID == userID && c.Name == name {
			return &c, nil
		}
	}
	c := models.Category{ID: uuid.NewString(), UserID: userID, Name: name, CreatedAt: s.db.now()}
	s.db.categories[c.ID] = c
	return &c, nil
}

func (s *CategoryStore) FindMany(ctx context.Context, userID int64) ([]models.Category, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.Category
	for _, c := range s.db.categories {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Count returns how many categories a user owns. Test helper.
func (s *CategoryStore) Count(userID int64) int {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := 0
	for _, c := range s.db.categories {
		if c.UserID == userID {
			n++
		}
	}
	return n
}
