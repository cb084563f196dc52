package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"leasegate/pkg/models"
	"leasegate/pkg/storage"
)

// HistoryStore keeps the full lease audit trail in a relational database.
type HistoryStore struct {
	db *gorm.DB
}

var _ storage.HistoryStore = (*HistoryStore)(nil)

// NewHistoryStore connects to Postgres and migrates the schema.
func NewHistoryStore(connString string) (*HistoryStore, error) {
	return Open(postgres.Open(connString))
}

// Open builds a store on any gorm dialector and migrates the schema.
func Open(dialector gorm.Dialector) (*HistoryStore, error) {
	config := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true, // Cache prepared statements for performance
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&models.LeaseEvent{}); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return &HistoryStore{db: db}, nil
}

func (s *HistoryStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database connection.
func (s *HistoryStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Record persists a lease event.
func (s *HistoryStore) Record(ctx context.Context, event *models.LeaseEvent) error {
	result := s.db.WithContext(ctx).Create(event)
	if result.Error != nil {
		return fmt.Errorf("failed to record lease event: %w", result.Error)
	}
	return nil
}

// ListByResource returns the latest events for resource, newest first.
func (s *HistoryStore) ListByResource(ctx context.Context, resource string, limit int) ([]models.LeaseEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []models.LeaseEvent

	// SELECT * FROM lease_events WHERE resource = ? ORDER BY occurred_at DESC LIMIT ?
	result := s.db.WithContext(ctx).
		Where("resource = ?", resource).
		Order("occurred_at desc").
		Limit(limit).
		Find(&events)

	if result.Error != nil {
		return nil, fmt.Errorf("failed to list lease events: %w", result.Error)
	}
	return events, nil
}

// LastAcquired returns the most recent ACQUIRED event for a lease node.
func (s *HistoryStore) LastAcquired(ctx context.Context, node string) (*models.LeaseEvent, error) {
	var event models.LeaseEvent
	result := s.db.WithContext(ctx).
		Where("node = ? AND type = ?", node, models.LeaseAcquired).
		Order("occurred_at desc").
		First(&event)

	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &event, nil
}

// Prune deletes events older than cutoff and returns how many were removed.
func (s *HistoryStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("occurred_at < ?", cutoff).
		Delete(&models.LeaseEvent{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune lease events: %w", result.Error)
	}
	return result.RowsAffected, nil
}
