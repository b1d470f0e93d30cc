// Package janitor reclaims rows whose expiry has passed. Every read path
// already filters on expiry, so a missed or late sweep never changes what
// callers observe; the sweeper only frees storage and strips stale secrets.
package janitor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fileworks/tessera/pkg/audit"
	"github.com/fileworks/tessera/pkg/identity"
	"github.com/fileworks/tessera/pkg/sessions"
	"github.com/fileworks/tessera/pkg/sysconfig"
	"github.com/fileworks/tessera/pkg/tenants"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SweepResult reports how many rows each category removed or repaired.
type SweepResult struct {
	ExpiredInvitations int64
	PurgedInvitations  int64
	PurgedSessions     int64
	ClearedResetTokens int64
	PurgedAuditRows    int64

	RetentionDays int
	Started       time.Time
	Duration      time.Duration
}

// Sweeper runs the cleanup categories against the shared database.
type Sweeper struct {
	invitations *tenants.Store
	sessions    *sessions.Store
	users       *identity.Store
	auditLog    *audit.DBLogger
	config      *sysconfig.Store
	logger      *logrus.Logger
}

// NewSweeper creates a sweeper over the given database handle.
func NewSweeper(db *sql.DB, logger *logrus.Logger) (*Sweeper, error) {
	auditLog, err := audit.NewDBLogger(db)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}
	return &Sweeper{
		invitations: tenants.NewStore(db),
		sessions:    sessions.NewStore(db),
		users:       identity.NewStore(db),
		auditLog:    auditLog,
		config:      sysconfig.NewStore(db, auditLog),
		logger:      logger,
	}, nil
}

// Run executes every sweep category once and records a cleanup_run audit
// entry with the per-category counts. Categories run in parallel, each
// writing a distinct result field; the first failure cancels the rest and
// no audit entry is written.
func (s *Sweeper) Run(ctx context.Context) (*SweepResult, error) {
	started := time.Now().UTC()
	result := &SweepResult{
		Started:       started,
		RetentionDays: audit.ClampRetentionDays(s.config.GetInt(ctx, sysconfig.KeyAuditLogRetentionDays)),
	}

	// The group context is cancelled once Wait returns; the cleanup_run
	// entry below must go through the caller's context instead.
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(4)

	eg.Go(func() error {
		// Overdue pending rows move to expired first so the purge
		// below catches them in the same run.
		expired, err := s.invitations.ExpirePendingInvitations(gctx, started)
		if err != nil {
			return err
		}
		purged, err := s.invitations.DeleteExpiredInvitations(gctx)
		if err != nil {
			return err
		}
		result.ExpiredInvitations = expired
		result.PurgedInvitations = purged
		return nil
	})

	eg.Go(func() error {
		purged, err := s.sessions.DeleteExpired(gctx, started)
		if err != nil {
			return err
		}
		result.PurgedSessions = purged
		return nil
	})

	eg.Go(func() error {
		cleared, err := s.users.ClearExpiredResetTokens(gctx, started)
		if err != nil {
			return err
		}
		result.ClearedResetTokens = cleared
		return nil
	})

	eg.Go(func() error {
		cutoff := started.AddDate(0, 0, -result.RetentionDays)
		purged, err := s.auditLog.PurgeOlderThan(gctx, cutoff)
		if err != nil {
			return err
		}
		result.PurgedAuditRows = purged
		return nil
	})

	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("sweep failed: %w", err)
	}
	result.Duration = time.Since(started)

	if err := s.auditLog.LogCleanupRun(ctx, map[string]interface{}{
		"invitations_expired":  result.ExpiredInvitations,
		"invitations_purged":   result.PurgedInvitations,
		"sessions_purged":      result.PurgedSessions,
		"reset_tokens_cleared": result.ClearedResetTokens,
		"audit_rows_purged":    result.PurgedAuditRows,
		"retention_days":       result.RetentionDays,
		"duration_ms":          result.Duration.Milliseconds(),
	}); err != nil {
		s.logger.Warnf("Failed to record cleanup run: %v", err)
	}

	s.logger.Infof("Sweep completed in %v: %d invitations expired, %d invitations purged, %d sessions purged, %d reset tokens cleared, %d audit rows purged (retention %dd)",
		result.Duration.Round(time.Millisecond), result.ExpiredInvitations, result.PurgedInvitations,
		result.PurgedSessions, result.ClearedResetTokens, result.PurgedAuditRows, result.RetentionDays)

	return result, nil
}
