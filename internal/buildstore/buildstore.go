// Package buildstore is the persistence layer: builds, append-only logs,
// the cost ledger, pending-gate state, pinned contract snapshots, and the
// startup orphan scan.
package buildstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"forgeguard/internal/buildmodel"
	"forgeguard/internal/forgeerr"
	"forgeguard/internal/logging"
	"forgeguard/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ContractDoc is one pinned governance document in a contract batch. A
// build reads its batch from Forge/Contracts/ at start; the snapshot makes
// the batch immutable for the build's lifetime (glossary: "Contract batch").
type ContractDoc struct {
	ID      uint   `json:"id" gorm:"primaryKey;autoIncrement"`
	Batch   string `json:"batch" gorm:"index;not null"`
	Path    string `json:"path" gorm:"not null"`
	Content string `json:"content"`
}

// Store is the GORM-backed BuildStore.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Config holds connection parameters for the PostgreSQL store.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// New opens a PostgreSQL-backed Store with the connection-pool and timeout
// policy the service runs under (statement timeout 30s,
// idle-in-transaction 60s).
func New(cfg *Config) (*Store, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s options='-c statement_timeout=30000 -c idle_in_transaction_session_timeout=60000'",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("buildstore: connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("buildstore: underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return NewWithDB(db)
}

// NewFromURL opens a PostgreSQL-backed Store from a DATABASE_URL-style
// connection string, applying the same pool sizing as New.
func NewFromURL(databaseURL string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("buildstore: connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("buildstore: underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return NewWithDB(db)
}

// NewWithDB wraps an already-open gorm.DB (tests use this with a sqlite
// dialector) and auto-migrates the store's tables.
func NewWithDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(
		&buildmodel.Build{},
		&buildmodel.BuildLog{},
		&buildmodel.BuildCost{},
		&ContractDoc{},
	); err != nil {
		return nil, fmt.Errorf("buildstore: automigrate: %w", err)
	}
	return &Store{db: db, log: logging.L().With(zap.String("component", "buildstore"))}, nil
}

// Create inserts a new build row, generating an id when unset.
func (s *Store) Create(ctx context.Context, b *buildmodel.Build) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Status == "" {
		b.Status = buildmodel.StatusPending
	}
	return s.db.WithContext(ctx).Create(b).Error
}

// Get loads one build by id.
func (s *Store) Get(ctx context.Context, id string) (*buildmodel.Build, error) {
	var b buildmodel.Build
	if err := s.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

// UpdateStatus transitions a build's status, stamping completed_at for
// terminal states and recording error_detail when given.
func (s *Store) UpdateStatus(ctx context.Context, id string, status buildmodel.Status, errorDetail string) error {
	updates := map[string]any{"status": status, "updated_at": time.Now().UTC()}
	if errorDetail != "" {
		updates["error_detail"] = errorDetail
	}
	switch status {
	case buildmodel.StatusCompleted, buildmodel.StatusFailed, buildmodel.StatusCancelled:
		updates["completed_at"] = time.Now().UTC()
	case buildmodel.StatusPaused:
		updates["paused_at"] = time.Now().UTC()
	case buildmodel.StatusRunning:
		updates["paused_at"] = nil
	}
	return s.db.WithContext(ctx).Model(&buildmodel.Build{}).Where("id = ?", id).Updates(updates).Error
}

// SetPhase records the build's current phase and completed-phase high-water
// mark. completedPhases is monotonic: the store refuses to lower it.
func (s *Store) SetPhase(ctx context.Context, id, phase string, completedPhases int) error {
	return s.db.WithContext(ctx).Model(&buildmodel.Build{}).
		Where("id = ? AND completed_phases <= ?", id, completedPhases).
		Updates(map[string]any{"phase": phase, "completed_phases": completedPhases, "updated_at": time.Now().UTC()}).Error
}

// SetLoopCount records the consecutive audit-failure counter.
func (s *Store) SetLoopCount(ctx context.Context, id string, n int) error {
	return s.db.WithContext(ctx).Model(&buildmodel.Build{}).Where("id = ?", id).
		Update("loop_count", n).Error
}

// SetGate persists the pending gate of a paused build so it survives a
// process restart.
func (s *Store) SetGate(ctx context.Context, id string, gate *buildmodel.PendingGate) error {
	if gate != nil && gate.RegisteredAt.IsZero() {
		gate.RegisteredAt = time.Now().UTC()
	}
	// A column-level Update bypasses the field's json serializer, so the
	// gate is encoded here in the same form the serializer reads back.
	var value any
	if gate != nil {
		data, err := json.Marshal(gate)
		if err != nil {
			return fmt.Errorf("buildstore: encode gate: %w", err)
		}
		value = string(data)
	}
	return s.db.WithContext(ctx).Model(&buildmodel.Build{}).Where("id = ?", id).
		Update("pending_gate", value).Error
}

// ClearGate removes a resolved gate.
func (s *Store) ClearGate(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&buildmodel.Build{}).Where("id = ?", id).
		Update("pending_gate", nil).Error
}

// AppendLog appends one BuildLog row. Rows are never revised.
func (s *Store) AppendLog(ctx context.Context, entry buildmodel.BuildLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(&entry).Error
}

// ListLogs returns up to limit log rows for a build strictly after afterTS,
// in append order.
func (s *Store) ListLogs(ctx context.Context, buildID string, afterTS time.Time, limit int) ([]buildmodel.BuildLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	var rows []buildmodel.BuildLog
	q := s.db.WithContext(ctx).Where("build_id = ?", buildID)
	if !afterTS.IsZero() {
		q = q.Where("timestamp > ?", afterTS)
	}
	err := q.Order("id asc").Limit(limit).Find(&rows).Error
	return rows, err
}

// AppendCost appends one cost-ledger row.
func (s *Store) AppendCost(ctx context.Context, row buildmodel.BuildCost) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// SumCostUSD returns the build's total estimated spend.
func (s *Store) SumCostUSD(ctx context.Context, buildID string) (float64, error) {
	var total float64
	err := s.db.WithContext(ctx).Model(&buildmodel.BuildCost{}).
		Where("build_id = ?", buildID).
		Select("COALESCE(SUM(usd), 0)").Scan(&total).Error
	return total, err
}

// ListCosts returns every cost row for a build in insertion order.
func (s *Store) ListCosts(ctx context.Context, buildID string) ([]buildmodel.BuildCost, error) {
	var rows []buildmodel.BuildCost
	err := s.db.WithContext(ctx).Where("build_id = ?", buildID).Order("id asc").Find(&rows).Error
	return rows, err
}

// SnapshotContracts pins a set of governance documents under one batch id
// in a single transaction. Returns the batch id.
func (s *Store) SnapshotContracts(ctx context.Context, docs map[string]string) (string, error) {
	batch := uuid.NewString()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for path, content := range docs {
			if err := tx.Create(&ContractDoc{Batch: batch, Path: path, Content: content}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return batch, nil
}

// LoadContracts returns the documents pinned under a batch id.
func (s *Store) LoadContracts(ctx context.Context, batch string) (map[string]string, error) {
	var docs []ContractDoc
	if err := s.db.WithContext(ctx).Where("batch = ?", batch).Find(&docs).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(docs))
	for _, d := range docs {
		out[d.Path] = d.Content
	}
	return out, nil
}

// DeleteBuild cascade-deletes a build and its logs and cost rows in one
// transaction. Contract batches are shared across builds and retained.
func (s *Store) DeleteBuild(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("build_id = ?", id).Delete(&buildmodel.BuildLog{}).Error; err != nil {
			return err
		}
		if err := tx.Where("build_id = ?", id).Delete(&buildmodel.BuildCost{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&buildmodel.Build{}).Error
	})
}

// ListByStatus returns builds in a given status, used by the orphan scan
// and the pause-timeout watchdog.
func (s *Store) ListByStatus(ctx context.Context, status buildmodel.Status) ([]buildmodel.Build, error) {
	var rows []buildmodel.Build
	err := s.db.WithContext(ctx).Where("status = ?", status).Find(&rows).Error
	return rows, err
}

// CountActiveForUser returns the user's builds currently pending, running,
// or paused — the concurrent-build limit's denominator.
func (s *Store) CountActiveForUser(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&buildmodel.Build{}).
		Where("user_id = ? AND status IN ?", userID,
			[]buildmodel.Status{buildmodel.StatusPending, buildmodel.StatusRunning, buildmodel.StatusPaused}).
		Count(&n).Error
	return n, err
}

// HasActiveForProject reports whether the project already has a live build.
func (s *Store) HasActiveForProject(ctx context.Context, projectID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&buildmodel.Build{}).
		Where("project_id = ? AND status IN ?", projectID,
			[]buildmodel.Status{buildmodel.StatusPending, buildmodel.StatusRunning, buildmodel.StatusPaused}).
		Count(&n).Error
	return n > 0, err
}

// RecoverOrphans is the startup scan: builds left in
// `running` with no live driver either rehydrate their gate (becoming
// paused) or are marked failed with the orphan reason. Returns the ids of
// builds marked failed.
func (s *Store) RecoverOrphans(ctx context.Context) ([]string, error) {
	running, err := s.ListByStatus(ctx, buildmodel.StatusRunning)
	if err != nil {
		return nil, err
	}
	var failed []string
	for _, b := range running {
		if b.PendingGate != nil {
			if err := s.UpdateStatus(ctx, b.ID, buildmodel.StatusPaused, ""); err != nil {
				return failed, err
			}
			s.log.Info("orphan build rehydrated to paused", zap.String("build_id", b.ID), zap.String("gate", string(b.PendingGate.Kind)))
		} else {
			if err := s.UpdateStatus(ctx, b.ID, buildmodel.StatusFailed, "orphaned by restart"); err != nil {
				return failed, err
			}
			failed = append(failed, b.ID)
			s.log.Warn("orphan build marked failed", zap.String("build_id", b.ID))
		}
		metrics.Get().OrphanRecoveriesTotal.Inc()
		_ = s.AppendLog(ctx, buildmodel.BuildLog{
			BuildID: b.ID,
			Source:  buildmodel.SourceSystem,
			Level:   buildmodel.LevelWarn,
			Message: string(forgeerr.KindOrphanBuild) + ": build had no live driver at startup",
		})
	}
	return failed, nil
}
