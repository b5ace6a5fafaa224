package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/alexnthnz/notification-engine/internal/monitoring"
)

// Scheduler periodically claims due SCHEDULED notifications and hands them to the dispatcher
type Scheduler struct {
	repo       Repository
	directory  Directory
	dispatcher *Dispatcher
	metrics    *monitoring.Metrics
	logger     *zap.Logger
	batchSize  int
	now        func() time.Time
	cron       *cron.Cron
}

// NewScheduler creates a new scheduler claiming at most batchSize notifications per tick
func NewScheduler(
	repo Repository,
	directory Directory,
	dispatcher *Dispatcher,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
	batchSize int,
) *Scheduler {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Scheduler{
		repo:       repo,
		directory:  directory,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger,
		batchSize:  batchSize,
		now:        time.Now,
	}
}

// Start runs Tick every interval until Stop is called; overlapping ticks are skipped
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) error {
	cronLogger := cron.PrintfLogger(zap.NewStdLog(s.logger))
	s.cron = cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if _, err := s.Tick(ctx); err != nil {
			s.logger.Error("Scheduler tick failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule claim loop: %w", err)
	}

	s.cron.Start()
	s.logger.Info("Scheduler started", zap.Duration("interval", interval))
	return nil
}

// Stop halts the loop and waits for a running tick to return
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// ClaimDue atomically moves due notifications from SCHEDULED to SENDING.
// A notification claimed by another worker or cancelled concurrently is simply absent.
func (s *Scheduler) ClaimDue(ctx context.Context, now time.Time) ([]*Notification, error) {
	claimed, err := s.repo.ClaimDue(ctx, now, s.batchSize)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordClaims(len(claimed))
	return claimed, nil
}

// Tick claims due notifications and starts their dispatch, returning one batch per claim
func (s *Scheduler) Tick(ctx context.Context) ([]*Batch, error) {
	claimed, err := s.ClaimDue(ctx, s.now())
	if err != nil {
		return nil, err
	}

	batches := make([]*Batch, 0, len(claimed))
	for _, n := range claimed {
		ids, err := s.repo.RecipientIDs(ctx, n.ID)
		if err != nil {
			s.logger.Error("Failed to load recipients of claimed notification",
				zap.Error(err), zap.String("notification_id", n.ID))
			if _, err := s.repo.TransitionStatus(ctx, n.ID, StatusSending, StatusFailed, s.now()); err != nil {
				s.logger.Error("Failed to fail claimed notification", zap.Error(err), zap.String("notification_id", n.ID))
			}
			continue
		}

		recipients, err := lookupRecipients(ctx, s.directory, n.TenantID, ids)
		if err != nil {
			// contacts unavailable: in-app delivery still works from ids alone
			s.logger.Warn("Contact lookup failed", zap.Error(err), zap.String("notification_id", n.ID))
			recipients = make([]Recipient, len(ids))
			for i, id := range ids {
				recipients[i] = Recipient{ID: id}
			}
		}

		s.logger.Info("Dispatching scheduled notification",
			zap.String("notification_id", n.ID),
			zap.Int("recipients", len(recipients)),
		)
		batches = append(batches, s.dispatcher.Dispatch(ctx, n, recipients))
	}
	return batches, nil
}

// lookupRecipients keeps the order of ids; users missing from the directory keep only their id
func lookupRecipients(ctx context.Context, directory Directory, tenantID string, ids []string) ([]Recipient, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	found, err := directory.Lookup(ctx, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to look up recipients: %w", err)
	}
	byID := make(map[string]Recipient, len(found))
	for _, r := range found {
		byID[r.ID] = r
	}

	out := make([]Recipient, len(ids))
	for i, id := range ids {
		r, ok := byID[id]
		if !ok {
			r = Recipient{ID: id}
		}
		out[i] = r
	}
	return out, nil
}
