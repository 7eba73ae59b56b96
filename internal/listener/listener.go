package listener

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"inffits/internal"
	"inffits/internal/config"
	"inffits/internal/logctx"
	"inffits/internal/report"
	"inffits/internal/slot"
	"inffits/internal/storage"
)

const metaLastWatch = "watcher_last_run"

type Syncer interface {
	Sync(ctx context.Context, user internal.UserInfo, slot internal.Slot) (internal.SyncOutcome, error)
	ResetSession()
}

// Service keeps the cached profile in step with the server snapshot. The engine it
// drives should have no chooser: conflicts need a user and are left for an
// interactive sync.
type Service struct {
	db     *storage.DB
	cfg    config.Config
	engine Syncer
}

func NewService(db *storage.DB, cfg config.Config, engine Syncer) *Service {
	return &Service{db: db, cfg: cfg, engine: engine}
}

func (s *Service) Run(ctx context.Context) error {
	log := logctx.From(ctx)
	interval := time.Duration(s.cfg.WatchIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	for {
		if _, err := s.RunCycle(ctx); err != nil {
			log.Warn("watcher cycle error", "err", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// RunCycle reconciles the watched page's slot once. Nothing happens while nobody
// is logged in.
func (s *Service) RunCycle(ctx context.Context) (internal.SyncOutcome, error) {
	log := logctx.From(ctx)
	token, err := s.db.AccessToken()
	if err != nil {
		return "", err
	}
	profile, err := s.db.LoadProfile()
	if err != nil {
		return "", err
	}
	if token == "" || profile == nil {
		log.Debug("watcher idle, no session")
		return "", nil
	}

	pageSlot, err := slot.Resolve(s.cfg.WatchPageURL, slot.Hints{})
	if err != nil {
		return "", err
	}

	// Each cycle is its own session: a conflict seen last cycle is decided again.
	s.engine.ResetSession()
	outcome, err := s.engine.Sync(ctx, profile.UserInfo, pageSlot)
	if err != nil {
		return outcome, err
	}
	_ = s.db.SetMetadata(metaLastWatch, time.Now().UTC().Format(time.RFC3339))

	if s.cfg.WatchAutoExport {
		if err := s.export(); err != nil {
			return outcome, err
		}
	}

	log.Info("watcher cycle done", "slot", pageSlot, "outcome", outcome)
	return outcome, nil
}

func (s *Service) export() error {
	runs, err := s.db.ListSyncRuns(500)
	if err != nil {
		return err
	}
	profile, err := s.db.LoadProfile()
	if err != nil {
		return err
	}
	outputPath := filepath.Join(s.cfg.OutputDir, "watcher", "sync_runs.xlsx")
	if err := report.ExportSyncRunsToXLSX(runs, profile, outputPath); err != nil {
		return fmt.Errorf("export sync runs: %w", err)
	}
	return nil
}
