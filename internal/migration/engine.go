// Package migration copies legacy file-backed session data into the
// authoritative gateway. Runs are idempotent: existence in the destination
// is the only skip criterion, so a crashed run can simply be repeated.
package migration

import (
	"context"
	"fmt"

	"conduit/internal/logging"
	"conduit/internal/model"
	"conduit/internal/store"
	"conduit/internal/store/filestore"
)

// Report summarizes one migration run.
type Report struct {
	SessionsMigrated int      `json:"sessions_migrated"`
	SessionsSkipped  int      `json:"sessions_skipped"`
	MessagesMigrated int      `json:"messages_migrated"`
	ConfigMigrated   bool     `json:"config_migrated"`
	Errors           []string `json:"errors,omitempty"`
}

// Engine drains a legacy file store into the destination gateway.
type Engine struct {
	source *filestore.Store
	dest   store.Gateway
	logger logging.Logger
}

// NewEngine wires a migration from source to dest.
func NewEngine(source *filestore.Store, dest store.Gateway, logger logging.Logger) *Engine {
	return &Engine{
		source: source,
		dest:   dest,
		logger: logging.OrNop(logger),
	}
}

// Run migrates the config record and every legacy session that does not
// already exist in the destination. Per-record failures are recorded in the
// report and skipped; only a failure to enumerate the source aborts the run.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	if err := e.migrateConfig(ctx, report); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("config: %v", err))
		e.logger.Warn("config migration failed: %v", err)
	}

	ids, err := e.source.ListSessionIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("enumerate legacy sessions: %w", err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		migrated, messages, err := e.migrateSession(ctx, id)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("session %s: %v", id, err))
			e.logger.Warn("skipping session %s: %v", id, err)
			continue
		}
		if !migrated {
			report.SessionsSkipped++
			continue
		}
		report.SessionsMigrated++
		report.MessagesMigrated += messages
	}

	e.logger.Info("migration complete: %d session(s) migrated, %d skipped, %d message(s), config=%t, %d error(s)",
		report.SessionsMigrated, report.SessionsSkipped, report.MessagesMigrated,
		report.ConfigMigrated, len(report.Errors))
	return report, nil
}

// migrateConfig copies the legacy config only when the destination has none.
func (e *Engine) migrateConfig(ctx context.Context, report *Report) error {
	existing, err := e.dest.LoadConfig(ctx)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	legacy, err := e.source.LoadConfig(ctx)
	if err != nil {
		return err
	}
	if legacy == nil {
		return nil
	}
	if err := e.dest.SaveConfig(ctx, legacy); err != nil {
		return err
	}
	report.ConfigMigrated = true
	return nil
}

// migrateSession copies one legacy record unless the destination already has
// it. Returns whether a write happened and how many messages it carried.
func (e *Engine) migrateSession(ctx context.Context, sessionID string) (bool, int, error) {
	exists, err := e.dest.SessionExists(ctx, sessionID)
	if err != nil {
		return false, 0, err
	}
	if exists {
		return false, 0, nil
	}

	record, err := e.source.LoadSession(ctx, sessionID)
	if err != nil {
		return false, 0, err
	}
	if record == nil {
		return false, 0, nil
	}
	normalizeRecord(record)

	if err := e.dest.SaveSession(ctx, record); err != nil {
		return false, 0, err
	}
	return true, len(record.Messages), nil
}

// normalizeRecord repairs counters legacy files commonly lack so the
// migrated record is self-consistent.
func normalizeRecord(record *model.SessionRecord) {
	if record.Metadata.MessageCount == 0 && len(record.Messages) > 0 {
		record.Metadata.MessageCount = len(record.Messages)
	}
	if record.Metadata.LastActivityAt.IsZero() {
		record.Metadata.LastActivityAt = record.Metadata.CreatedAt
	}
}
