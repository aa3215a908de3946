package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"finsync-server/src/models"
)

const QueueTransactions = "transactions"

const (
	JobSyncItem        = "sync-item"
	JobProcessAll      = "process-all"
	JobDetectTransfers = "detect-transfers"
)

type SyncItemPayload struct {
	ItemID string `json:"item_id"`
}

type ProcessAllPayload struct {
	UserID int64 `json:"user_id"`
}

type DetectTransfersPayload struct {
	UserID       int64 `json:"user_id"`
	LookbackDays *int  `json:"lookback_days,omitempty"`
}

type Syncer interface {
	SyncTransactions(ctx context.Context, itemID string) (models.SyncResult, error)
}

type Reprocessor interface {
	ProcessAllTransactions(ctx context.Context, userID int64) (models.ReprocessResult, error)
}

type TransferScanner interface {
	DetectAndLinkTransfers(ctx context.Context, userID int64, txns []models.Transaction, lookbackDays *int) (int, error)
}

// Worker runs the transactions queue jobs.
type Worker struct {
	Sync      Syncer
	Reprocess Reprocessor
	Transfers TransferScanner
	Log       logrus.FieldLogger
}

func (w *Worker) Register(q Queue) {
	handlers := map[string]Handler{
		JobSyncItem:        w.syncItem,
		JobProcessAll:      w.processAll,
		JobDetectTransfers: w.detectTransfers,
	}
	q.Process(QueueTransactions, func(ctx context.Context, job *Job) error {
		h, ok := handlers[job.Name]
		if !ok {
			return Permanent(fmt.Errorf("unknown job %q on queue %s", job.Name, job.Queue))
		}
		return h(ctx, job)
	})
}

func decode(job *Job, v any) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", job.Name, err))
	}
	return nil
}

func (w *Worker) syncItem(ctx context.Context, job *Job) error {
	var p SyncItemPayload
	if err := decode(job, &p); err != nil {
		return err
	}
	if p.ItemID == "" {
		return Permanent(fmt.Errorf("%s job %s has no item_id", job.Name, job.ID))
	}
	res, err := w.Sync.SyncTransactions(ctx, p.ItemID)
	if err != nil {
		return err
	}
	w.Log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"item_id":  p.ItemID,
		"added":    res.AddedCount,
		"modified": res.ModifiedCount,
		"removed":  res.RemovedCount,
	}).Info("Jobs.SyncItem.Done")
	return nil
}

func (w *Worker) processAll(ctx context.Context, job *Job) error {
	var p ProcessAllPayload
	if err := decode(job, &p); err != nil {
		return err
	}
	res, err := w.Reprocess.ProcessAllTransactions(ctx, p.UserID)
	if err != nil {
		return err
	}
	w.Log.WithFields(logrus.Fields{
		"job_id":      job.ID,
		"user_id":     p.UserID,
		"categorized": res.CategorizedCount,
		"transfers":   res.TransferCount,
	}).Info("Jobs.ProcessAll.Done")
	return nil
}

func (w *Worker) detectTransfers(ctx context.Context, job *Job) error {
	var p DetectTransfersPayload
	if err := decode(job, &p); err != nil {
		return err
	}
	n, err := w.Transfers.DetectAndLinkTransfers(ctx, p.UserID, nil, p.LookbackDays)
	if err != nil {
		return err
	}
	w.Log.WithFields(logrus.Fields{"job_id": job.ID, "user_id": p.UserID, "pairs": n}).Info("Jobs.DetectTransfers.Done")
	return nil
}

// Scheduler enqueues transactions jobs with their dedupe keys.
type Scheduler struct {
	Queue       Queue
	MaxAttempts int
}

func (s *Scheduler) ScheduleSync(ctx context.Context, itemID string) error {
	_, err := s.Queue.Enqueue(ctx, QueueTransactions, JobSyncItem, SyncItemPayload{ItemID: itemID},
		EnqueueOptions{DedupeKey: "sync:" + itemID, MaxAttempts: s.MaxAttempts})
	return err
}

func (s *Scheduler) ScheduleProcessAll(ctx context.Context, userID int64) error {
	_, err := s.Queue.Enqueue(ctx, QueueTransactions, JobProcessAll, ProcessAllPayload{UserID: userID},
		EnqueueOptions{DedupeKey: "process-all:" + strconv.FormatInt(userID, 10), MaxAttempts: s.MaxAttempts})
	return err
}

func (s *Scheduler) ScheduleDetectTransfers(ctx context.Context, userID int64, lookbackDays *int) error {
	_, err := s.Queue.Enqueue(ctx, QueueTransactions, JobDetectTransfers,
		DetectTransfersPayload{UserID: userID, LookbackDays: lookbackDays},
		EnqueueOptions{DedupeKey: "detect-transfers:" + strconv.FormatInt(userID, 10), MaxAttempts: s.MaxAttempts})
	return err
}
