// Package store persists outbreak clusters as alert rows and serves
// read-only alert queries.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/hed1ad/herdguard/pkg/outbreak"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrNotFound is returned when an alert does not exist.
var ErrNotFound = eris.New("alert not found")

// Open connects to the database. sqlite DSNs are file paths or ":memory:";
// postgres DSNs are URLs or key=value strings.
func Open(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
	case DriverPostgres:
		// PrepareStmt keeps the migrator off the simple protocol.
		cfg.PrepareStmt = true
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, eris.Errorf("store: unsupported driver %q", driver)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: open %s", driver)
	}

	if driver == DriverSQLite {
		// Every sqlite connection would otherwise see its own :memory: database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, eris.Wrap(err, "store: sqlite handle")
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// Store reads and writes alert rows.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// New migrates the schema and returns a Store.
func New(db *gorm.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if err := db.AutoMigrate(&Alert{}); err != nil {
		return nil, eris.Wrap(err, "store: migrate")
	}
	return s, nil
}

// SaveClusters upserts one alert per cluster. Re-saving a cluster refreshes
// its figures but keeps its resolution state.
func (s *Store) SaveClusters(ctx context.Context, clusters []outbreak.Cluster) error {
	if len(clusters) == 0 {
		return nil
	}
	alerts := make([]Alert, len(clusters))
	for i, c := range clusters {
		alerts[i] = FromCluster(c)
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"updated_at", "severity", "severity_level", "description", "affected_count",
			"avg_anomaly_score", "ensemble_score", "categories", "metrics", "top_contributors", "methods",
		}),
	}).Create(&alerts).Error
	if err != nil {
		return eris.Wrap(err, "store: save clusters")
	}
	s.log.Info("store: alerts saved", zap.Int("count", len(alerts)))
	return nil
}

// Filter narrows ListAlerts.
type Filter struct {
	LocationID     string
	MinSeverity    outbreak.Severity
	UnresolvedOnly bool
	// Since keeps alerts whose window ends after it.
	Since time.Time
	// Limit caps the number of rows; zero means no limit.
	Limit int
}

// ListAlerts returns matching alerts, newest window first.
func (s *Store) ListAlerts(ctx context.Context, f Filter) ([]Alert, error) {
	q := s.db.WithContext(ctx).Model(&Alert{}).Where("severity_level >= ?", int(f.MinSeverity))
	if f.LocationID != "" {
		q = q.Where("location_id = ?", f.LocationID)
	}
	if f.UnresolvedOnly {
		q = q.Where("resolved = ?", false)
	}
	if !f.Since.IsZero() {
		q = q.Where("end_date > ?", f.Since.UTC())
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var alerts []Alert
	if err := q.Order("start_date DESC").Order("location_id").Find(&alerts).Error; err != nil {
		return nil, eris.Wrap(err, "store: list alerts")
	}
	return alerts, nil
}

// Get returns one alert.
func (s *Store) Get(ctx context.Context, id string) (*Alert, error) {
	var a Alert
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, eris.Wrapf(ErrNotFound, "store: alert %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: get alert %s", id)
	}
	return &a, nil
}

// Resolve marks an alert resolved.
func (s *Store) Resolve(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&Alert{}).Where("id = ?", id).
		Updates(map[string]any{"resolved": true, "resolved_at": now})
	if res.Error != nil {
		return eris.Wrapf(res.Error, "store: resolve %s", id)
	}
	if res.RowsAffected == 0 {
		return eris.Wrapf(ErrNotFound, "store: alert %s", id)
	}
	s.log.Info("store: alert resolved", zap.String("id", id))
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return eris.Wrap(err, "store: close")
	}
	return sqlDB.Close()
}
