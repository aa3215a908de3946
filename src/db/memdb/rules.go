package memdb

import (
	"context"
	"sort"

	"finsync-server/src/models"
	"finsync-server/src/repository"
)

var _ repository.RuleWriter = (*RuleStore)(nil)

type RuleStore struct {
	db *DB
}

func (s *RuleStore) FindMany(ctx context.Context, userID int64) ([]models.CategorizationRule, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.db.fail("rules.FindMany"); err != nil {
		return nil, err
	}
	var out []models.CategorizationRule
	for _, r := range s.db.rules {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *RuleStore) FindByID(ctx context.Context, userID, ruleID int64) (*models.CategorizationRule, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	r, ok := s.db.rules[ruleID]
	if !ok || r.UserID != userID {
		return nil, repository.ErrNotFound
	}
	return &r, nil
}

func (s *RuleStore) Create(ctx context.Context, rule *models.CategorizationRule) (*models.CategorizationRule, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.db.fail("rules.Create"); err != nil {
		return nil, err
	}
	s.db.nextRuleID++
	r := *rule
	r.ID = s.db.nextRuleID
	r.CreatedAt = s.db.now()
	r.UpdatedAt = r.CreatedAt
	s.db.rules[r.ID] = r
	return &r, nil
}

func (s *RuleStore) Update(ctx context.Context, rule *models.CategorizationRule) (*models.CategorizationRule, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	existing, ok := s.db.rules[rule.ID]
	if !ok || existing.UserID != rule.UserID {
		return nil, repository.ErrNotFound
	}
	r := *rule
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = s.db.now()
	s.db.rules[r.ID] = r
	return &r, nil
}

func (s *RuleStore) Delete(ctx context.Context, userID, ruleID int64) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	r, ok := s.db.rules[ruleID]
	if !ok || r.UserID != userID {
		return repository.ErrNotFound
	}
	delete(s.db.rules, ruleID)
	return nil
}
