package datastore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/Hugo0713/Kunpeng-AED/internal/errors"
	"github.com/Hugo0713/Kunpeng-AED/internal/logger"
	"github.com/Hugo0713/Kunpeng-AED/internal/observability/metrics"
)

const (
	componentDatastore = "datastore"
	slowQueryThreshold = 200 * time.Millisecond
)

// MySQLConfig locates a MySQL database.
type MySQLConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string
}

// DSN formats the go-sql-driver connection string.
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.Username, c.Password, c.Host, c.Port, c.Database)
}

// Config selects and configures the backend.
type Config struct {
	Type       string // sqlite|mysql
	SQLitePath string
	MySQL      MySQLConfig
}

// Interface is the history store used by the recorder.
type Interface interface {
	StartRun(ctx context.Context, run *Run) error
	EndRun(ctx context.Context, runID string, at time.Time) error
	SaveDetection(ctx context.Context, d *Detection) error
	RecentDetections(ctx context.Context, limit int) ([]Detection, error)
	LabelCounts(ctx context.Context, since time.Time) ([]LabelCount, error)
	Close() error
}

// Store implements Interface with GORM.
type Store struct {
	DB      *gorm.DB
	dbType  string
	metrics *metrics.DatastoreMetrics
	log     logger.Logger
}

// Open connects to the configured database and migrates the schema.
func Open(cfg Config, m *metrics.DatastoreMetrics) (*Store, error) {
	log := GetLogger()

	var dialector gorm.Dialector
	var target string
	switch strings.ToLower(cfg.Type) {
	case "", "sqlite":
		if cfg.SQLitePath == "" {
			return nil, configError("sqlite path is required")
		}
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.New(err).
					Component(componentDatastore).
					Category(errors.CategoryFileIO).
					FileContext(cfg.SQLitePath).
					Build()
			}
		}
		dialector = sqlite.Open(cfg.SQLitePath)
		target = cfg.SQLitePath
		cfg.Type = "sqlite"
	case "mysql":
		if cfg.MySQL.Host == "" || cfg.MySQL.Database == "" {
			return nil, configError("mysql host and database are required")
		}
		dialector = mysql.Open(cfg.MySQL.DSN())
		target = fmt.Sprintf("%s:%d/%s", cfg.MySQL.Host, cfg.MySQL.Port, cfg.MySQL.Database)
	default:
		return nil, configError(fmt.Sprintf("unsupported datastore type %q", cfg.Type))
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.NewGormLoggerAdapter(log.Module("gorm"), slowQueryThreshold),
	})
	if err != nil {
		return nil, errors.New(err).
			Component(componentDatastore).
			Category(errors.CategoryDatabase).
			Context("db_type", cfg.Type).
			Context("operation", "open").
			Build()
	}

	start := time.Now()
	if err := db.AutoMigrate(&Run{}, &Detection{}); err != nil {
		return nil, errors.New(err).
			Component(componentDatastore).
			Category(errors.CategoryDatabase).
			Context("db_type", cfg.Type).
			Context("operation", "auto_migrate").
			Build()
	}
	log.Info("datastore ready",
		logger.String("db_type", cfg.Type),
		logger.String("target", target),
		logger.Duration("migration", time.Since(start)))

	return &Store{DB: db, dbType: cfg.Type, metrics: m, log: log}, nil
}

func configError(msg string) error {
	return errors.Newf("%s", msg).
		Component(componentDatastore).
		Category(errors.CategoryConfiguration).
		Build()
}

// observe records the metric for op and wraps err.
func (s *Store) observe(op string, start time.Time, err error) error {
	s.metrics.RecordOperation(op, time.Since(start), err)
	if err == nil {
		return nil
	}
	return errors.New(err).
		Component(componentDatastore).
		Category(errors.CategoryDatabase).
		Context("db_type", s.dbType).
		Context("operation", op).
		Build()
}

// StartRun inserts run.
func (s *Store) StartRun(ctx context.Context, run *Run) error {
	start := time.Now()
	return s.observe("start_run", start, s.DB.WithContext(ctx).Create(run).Error)
}

// EndRun stamps the end time of a run.
func (s *Store) EndRun(ctx context.Context, runID string, at time.Time) error {
	start := time.Now()
	res := s.DB.WithContext(ctx).Model(&Run{}).Where("id = ?", runID).Update("ended_at", at)
	if res.Error == nil && res.RowsAffected == 0 {
		return errors.Newf("run %s not found", runID).
			Component(componentDatastore).
			Category(errors.CategoryNotFound).
			Build()
	}
	return s.observe("end_run", start, res.Error)
}

// SaveDetection inserts d.
func (s *Store) SaveDetection(ctx context.Context, d *Detection) error {
	start := time.Now()
	return s.observe("save_detection", start, s.DB.WithContext(ctx).Create(d).Error)
}

// RecentDetections returns up to limit detections, newest first.
func (s *Store) RecentDetections(ctx context.Context, limit int) ([]Detection, error) {
	start := time.Now()
	var out []Detection
	err := s.DB.WithContext(ctx).Order("timestamp desc, id desc").Limit(limit).Find(&out).Error
	return out, s.observe("recent_detections", start, err)
}

// LabelCounts counts detections per label since the given time, most
// frequent first.
func (s *Store) LabelCounts(ctx context.Context, since time.Time) ([]LabelCount, error) {
	start := time.Now()
	var out []LabelCount
	err := s.DB.WithContext(ctx).Model(&Detection{}).
		Select("label, count(*) as count").
		Where("timestamp >= ?", since).
		Group("label").
		Order("count desc, label").
		Scan(&out).Error
	return out, s.observe("label_counts", start, err)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return s.observe("close", time.Now(), err)
	}
	return s.observe("close", time.Now(), sqlDB.Close())
}

// GetLogger returns the datastore logger.
func GetLogger() logger.Logger {
	return logger.Global().Module(componentDatastore)
}
