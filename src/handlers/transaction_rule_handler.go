package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"finsync-server/src/models"
	"finsync-server/src/repository"
	"finsync-server/src/rules"
)

type ruleRequest struct {
	Name       string           `json:"name"`
	CategoryID string           `json:"category_id"`
	Priority   int              `json:"priority"`
	IsActive   *bool            `json:"is_active"`
	Logic      models.RuleLogic `json:"logic"`
	Conditions json.RawMessage  `json:"conditions"`
}

func (req ruleRequest) toModel(userID int64) (*models.CategorizationRule, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, errors.New("name is required")
	}
	if _, err := uuid.Parse(req.CategoryID); err != nil {
		return nil, errors.New("category_id must be a uuid")
	}
	logic := models.RuleLogic(strings.ToUpper(strings.TrimSpace(string(req.Logic))))
	switch logic {
	case "":
		logic = models.LogicAnd
	case models.LogicAnd, models.LogicOr:
	default:
		return nil, fmt.Errorf("logic %q must be AND or OR", req.Logic)
	}
	conds := rules.ParseConditions(req.Conditions)
	if len(conds) == 0 {
		return nil, errors.New("conditions must be a non-empty array")
	}
	for i, c := range conds {
		if !c.Valid() {
			return nil, fmt.Errorf("conditions[%d] is invalid", i)
		}
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	return &models.CategorizationRule{
		UserID:     userID,
		Name:       req.Name,
		CategoryID: req.CategoryID,
		Priority:   req.Priority,
		IsActive:   active,
		Logic:      logic,
		Conditions: req.Conditions,
	}, nil
}

func parseRuleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "rule_id")
	ruleID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ruleID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return 0, false
	}
	return ruleID, true
}

// checkCategory writes a 422 and returns false unless the rule's category
// belongs to the caller.
func checkCategory(w http.ResponseWriter, r *http.Request, categories repository.CategoryStore, rule *models.CategorizationRule, log logrus.FieldLogger) bool {
	owned, err := ownedCategories(r.Context(), categories, rule.UserID)
	if err != nil {
		storeError(w, log.WithField("user_id", rule.UserID), err, "failed to load categories")
		return false
	}
	if !owned[rule.CategoryID] {
		writeError(w, http.StatusUnprocessableEntity, "unknown category")
		return false
	}
	return true
}

// recategorize schedules a full reprocess after a rule change. The rule
// change itself already succeeded, so a scheduling failure is only logged.
func recategorize(ctx context.Context, sched Scheduler, userID int64, log logrus.FieldLogger) {
	if err := sched.ScheduleProcessAll(ctx, userID); err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("Handler.Rules.ScheduleProcessAll")
	}
}

func CreateTransactionRule(store repository.RuleWriter, categories repository.CategoryStore, sched Scheduler, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}
		var req ruleRequest
		if !decodeBody(w, r, &req) {
			return
		}
		rule, err := req.toModel(userID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !checkCategory(w, r, categories, rule, log) {
			return
		}
		created, err := store.Create(r.Context(), rule)
		if err != nil {
			storeError(w, log.WithField("user_id", userID), err, "failed to create transaction rule")
			return
		}
		log.WithFields(logrus.Fields{"user_id": userID, "rule_id": created.ID}).Info("Handler.CreateTransactionRule")
		recategorize(r.Context(), sched, userID, log)
		writeJSON(w, http.StatusCreated, created)
	}
}

func GetAllTransactionRules(store repository.RuleWriter, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}
		list, err := store.FindMany(r.Context(), userID)
		if err != nil {
			storeError(w, log.WithField("user_id", userID), err, "failed to get transaction rules")
			return
		}
		if list == nil {
			list = []models.CategorizationRule{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func GetTransactionRuleByID(store repository.RuleWriter, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}
		ruleID, ok := parseRuleID(w, r)
		if !ok {
			return
		}
		rule, err := store.FindByID(r.Context(), userID, ruleID)
		if err != nil {
			storeError(w, log.WithField("rule_id", ruleID), err, "failed to get transaction rule")
			return
		}
		writeJSON(w, http.StatusOK, rule)
	}
}

func UpdateTransactionRule(store repository.RuleWriter, categories repository.CategoryStore, sched Scheduler, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}
		ruleID, ok := parseRuleID(w, r)
		if !ok {
			return
		}
		var req ruleRequest
		if !decodeBody(w, r, &req) {
			return
		}
		rule, err := req.toModel(userID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !checkCategory(w, r, categories, rule, log) {
			return
		}
		rule.ID = ruleID

		updated, err := store.Update(r.Context(), rule)
		if err != nil {
			storeError(w, log.WithField("rule_id", ruleID), err, "failed to update transaction rule")
			return
		}
		log.WithFields(logrus.Fields{"user_id": userID, "rule_id": ruleID}).Info("Handler.UpdateTransactionRule")
		recategorize(r.Context(), sched, userID, log)
		writeJSON(w, http.StatusOK, updated)
	}
}

func DeleteTransactionRule(store repository.RuleWriter, sched Scheduler, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}
		ruleID, ok := parseRuleID(w, r)
		if !ok {
			return
		}
		if err := store.Delete(r.Context(), userID, ruleID); err != nil {
			storeError(w, log.WithField("rule_id", ruleID), err, "failed to delete transaction rule")
			return
		}
		log.WithFields(logrus.Fields{"user_id": userID, "rule_id": ruleID}).Info("Handler.DeleteTransactionRule")
		recategorize(r.Context(), sched, userID, log)
		w.WriteHeader(http.StatusNoContent)
	}
}

// TriggerTransactionRules schedules a reprocess without changing any rule.
func TriggerTransactionRules(sched Scheduler, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}
		if err := sched.ScheduleProcessAll(r.Context(), userID); err != nil {
			log.WithError(err).WithField("user_id", userID).Error("Handler.TriggerTransactionRules")
			writeError(w, http.StatusInternalServerError, "failed to schedule reprocess")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
	}
}
