// Package scheduler runs the periodic dispatch tasks under distributed leases
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/amirphl/orochi-dispatch/app/services"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/repository"
	"github.com/amirphl/orochi-dispatch/utils"
)

// Task names double as lease names and metric labels
const (
	TaskCampaigns     = "campaigns"
	TaskReconcile     = "reconcile"
	TaskStatusRefresh = "status_refresh"
)

// Config controls task intervals and lease lifetimes. Zero values fall back to defaults.
type Config struct {
	CampaignInterval      time.Duration
	ReconcileInterval     time.Duration
	StatusRefreshInterval time.Duration

	CampaignLockTTL      time.Duration
	ReconcileLockTTL     time.Duration
	StatusRefreshLockTTL time.Duration

	DueLimit int
	// RunOnStart fires every task once right after Start
	RunOnStart bool
}

func (c *Config) applyDefaults() {
	if c.CampaignInterval <= 0 {
		c.CampaignInterval = time.Minute
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 5 * time.Minute
	}
	if c.StatusRefreshInterval <= 0 {
		c.StatusRefreshInterval = 5 * time.Minute
	}
	if c.CampaignLockTTL <= 0 {
		c.CampaignLockTTL = 90 * time.Second
	}
	if c.ReconcileLockTTL <= 0 {
		c.ReconcileLockTTL = 330 * time.Second
	}
	if c.StatusRefreshLockTTL <= 0 {
		c.StatusRefreshLockTTL = 330 * time.Second
	}
	if c.DueLimit <= 0 {
		c.DueLimit = utils.DefaultDueCampaignLimit
	}
}

// Coordinator starts due campaigns and runs the reconciliation and status refresh sweeps.
// Every run first takes a named lease so only one replica works a task per cycle.
type Coordinator struct {
	campaignRepo repository.CampaignRepository
	tx           repository.Transactor
	dispatch     businessflow.CampaignDispatchFlow
	reconcile    businessflow.ReconciliationFlow
	refresh      businessflow.StatusRefreshFlow
	locker       services.Locker
	cfg          Config
	logger       zerolog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func NewCoordinator(
	campaignRepo repository.CampaignRepository,
	tx repository.Transactor,
	dispatch businessflow.CampaignDispatchFlow,
	reconcile businessflow.ReconciliationFlow,
	refresh businessflow.StatusRefreshFlow,
	locker services.Locker,
	cfg Config,
	logger zerolog.Logger,
) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		campaignRepo: campaignRepo,
		tx:           tx,
		dispatch:     dispatch,
		reconcile:    reconcile,
		refresh:      refresh,
		locker:       locker,
		cfg:          cfg,
		logger:       logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers the tasks on a cron runner and returns a stop function that waits for
// running tasks to return.
func (s *Coordinator) Start(parent context.Context) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil, errors.New("scheduler already started")
	}

	ctx, cancel := context.WithCancel(parent)
	cl := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	tasks := []struct {
		name     string
		interval time.Duration
	}{
		{TaskCampaigns, s.cfg.CampaignInterval},
		{TaskReconcile, s.cfg.ReconcileInterval},
		{TaskStatusRefresh, s.cfg.StatusRefreshInterval},
	}
	for _, t := range tasks {
		spec := fmt.Sprintf("@every %s", t.interval)
		if _, err := c.AddFunc(spec, func() { s.RunTask(ctx, t.name) }); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to register task %s: %w", t.name, err)
		}
	}

	s.cron = c
	c.Start()
	s.logger.Info().
		Dur("campaign_interval", s.cfg.CampaignInterval).
		Dur("reconcile_interval", s.cfg.ReconcileInterval).
		Dur("status_refresh_interval", s.cfg.StatusRefreshInterval).
		Msg("scheduler started")

	if s.cfg.RunOnStart {
		for _, t := range tasks {
			go s.RunTask(ctx, t.name)
		}
	}

	return func() {
		s.mu.Lock()
		c := s.cron
		s.cron = nil
		s.mu.Unlock()
		cancel()
		if c != nil {
			<-c.Stop().Done()
		}
		s.logger.Info().Msg("scheduler stopped")
	}, nil
}

// RunTask executes one cycle of the named task if its lease can be taken.
// It reports whether the task body ran.
func (s *Coordinator) RunTask(ctx context.Context, task string) bool {
	var (
		ttl time.Duration
		fn  func(context.Context) error
	)
	switch task {
	case TaskCampaigns:
		ttl, fn = s.cfg.CampaignLockTTL, s.runDueCampaigns
	case TaskReconcile:
		ttl, fn = s.cfg.ReconcileLockTTL, s.runReconcile
	case TaskStatusRefresh:
		ttl, fn = s.cfg.StatusRefreshLockTTL, s.runStatusRefresh
	default:
		s.logger.Error().Str("task", task).Msg("unknown scheduler task")
		return false
	}

	log := s.logger.With().Str("task", task).Logger()
	acquired, err := s.locker.TryAcquire(ctx, task, ttl)
	switch {
	case err != nil:
		// Lock backend unavailable: run anyway, the work itself is idempotent
		lockAcquisitionsTotal.WithLabelValues(task, "error").Inc()
		log.Warn().Err(err).Msg("lease backend error, running without lease")
	case !acquired:
		lockAcquisitionsTotal.WithLabelValues(task, "held").Inc()
		log.Debug().Msg("lease held elsewhere, skipping cycle")
		return false
	default:
		lockAcquisitionsTotal.WithLabelValues(task, "acquired").Inc()
	}

	start := time.Now()
	err = fn(ctx)
	taskDurationSeconds.WithLabelValues(task).Observe(time.Since(start).Seconds())
	if err != nil {
		taskRunsTotal.WithLabelValues(task, "error").Inc()
		log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("scheduler task failed")
		return true
	}
	taskRunsTotal.WithLabelValues(task, "ok").Inc()
	return true
}

func (s *Coordinator) runDueCampaigns(ctx context.Context) error {
	started, err := s.StartDueCampaigns(ctx)
	if err != nil {
		return err
	}
	if started > 0 {
		s.logger.Info().Int("started", started).Msg("due campaigns started")
	}
	return nil
}

func (s *Coordinator) runReconcile(ctx context.Context) error {
	res, err := s.reconcile.Sweep(ctx)
	if err != nil {
		return err
	}
	s.logger.Info().
		Int("examined", res.Examined).
		Int("finalized", res.Finalized).
		Int("requeued", res.Requeued).
		Int("cooling_down", res.CoolingDown).
		Int("errors", res.Errors).
		Int("expired_reservations", res.ExpiredReservations).
		Msg("reconciliation sweep done")
	return nil
}

func (s *Coordinator) runStatusRefresh(ctx context.Context) error {
	res, err := s.refresh.RefreshDeliveryStatuses(ctx)
	if err != nil {
		return err
	}
	if res.Checked > 0 {
		s.logger.Info().
			Int("checked", res.Checked).
			Int("updated", res.Updated).
			Int("delivered", res.Delivered).
			Int("failed", res.Failed).
			Msg("delivery statuses refreshed")
	}
	return nil
}

// StartDueCampaigns claims every due campaign and hands it to the dispatch pipeline.
// It returns how many campaigns were claimed.
func (s *Coordinator) StartDueCampaigns(ctx context.Context) (int, error) {
	now := utils.UTCNow()
	due, err := s.campaignRepo.ListDue(ctx, now, s.cfg.DueLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list due campaigns: %w", err)
	}

	started := 0
	for _, candidate := range due {
		if ctx.Err() != nil {
			return started, ctx.Err()
		}
		log := s.logger.With().Uint("campaign_id", candidate.ID).Uint("tenant_id", candidate.TenantID).Logger()

		claimed, err := s.claimDue(ctx, candidate.ID, now)
		if err != nil {
			dueCampaignsTotal.WithLabelValues("error").Inc()
			log.Error().Err(err).Msg("failed to claim due campaign")
			continue
		}
		if claimed == nil {
			dueCampaignsTotal.WithLabelValues("lost").Inc()
			continue
		}
		started++

		res, err := s.dispatch.DispatchClaimed(ctx, claimed, models.CampaignStatusScheduled)
		switch {
		case err != nil:
			dueCampaignsTotal.WithLabelValues("error").Inc()
			log.Error().Err(err).Msg("scheduled dispatch failed")
		case !res.OK:
			dueCampaignsTotal.WithLabelValues(res.Reason).Inc()
			log.Warn().Str("reason", res.Reason).Msg("scheduled dispatch rejected")
		default:
			dueCampaignsTotal.WithLabelValues("ok").Inc()
			log.Info().Int64("enqueued", res.EnqueuedCount).Msg("scheduled campaign dispatched")
		}
	}
	return started, nil
}

// claimDue re-checks the campaign under a row lock and flips it to sending.
// A nil campaign means another worker got there first or it is no longer due.
func (s *Coordinator) claimDue(ctx context.Context, id uint, now time.Time) (*models.Campaign, error) {
	var claimed *models.Campaign
	err := s.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		c, err := s.campaignRepo.ByIDForUpdate(txCtx, id)
		if err != nil {
			return err
		}
		if c == nil || !c.IsDue(now) {
			return nil
		}
		ok, err := s.campaignRepo.UpdateStatusCAS(txCtx, c.TenantID, c.ID,
			[]models.CampaignStatus{c.Status}, models.CampaignStatusSending,
			repository.CampaignStatusChange{StartedAt: &now})
		if err != nil || !ok {
			return err
		}
		c.Status = models.CampaignStatusSending
		c.StartedAt = &now
		claimed = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// cronLogger adapts zerolog to cron.Logger
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
