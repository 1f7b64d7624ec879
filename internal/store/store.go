// Package store persists delivered results and server sessions in SQLite.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"roundtrip/internal/domain"
)

const summaryLimit = 256

// Store wraps the gorm connection.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(&ResultRecord{}, &SessionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveResult records a delivered result envelope.
func (s *Store) SaveResult(ctx context.Context, env domain.ResultEnvelope) error {
	rec := ResultRecord{
		RequestID:   env.RequestID,
		Tag:         env.Tag,
		Status:      string(env.Status),
		ResultCount: len(env.Results),
		RoundTripMS: env.RoundTrip().Milliseconds(),
		SentAt:      env.SentAt,
		ReceivedAt:  env.ReceivedAt,
	}
	if len(env.Results) > 0 {
		first := env.Results[0]
		rec.PayloadType = string(first.Type)
		rec.PayloadSize = len(first.Data)
		if first.Type == domain.PayloadTypeText {
			rec.Summary = truncate(string(first.Data), summaryLimit)
		}
	}

	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("save result %d: %w", env.RequestID, err)
	}
	return nil
}

// RecentResults returns the newest results first. An empty tag matches all.
func (s *Store) RecentResults(ctx context.Context, tag string, limit int) ([]ResultRecord, error) {
	var records []ResultRecord

	q := s.db.WithContext(ctx).Order("id desc")
	if tag != "" {
		q = q.Where("tag = ?", tag)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	return records, nil
}

// StatusCount is the number of results with a given status.
type StatusCount struct {
	Status string
	Count  int64
}

// CountByStatus aggregates stored results per status.
func (s *Store) CountByStatus(ctx context.Context) ([]StatusCount, error) {
	var counts []StatusCount
	err := s.db.WithContext(ctx).
		Model(&ResultRecord{}).
		Select("status, count(*) as count").
		Group("status").
		Order("status").
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("count results: %w", err)
	}
	return counts, nil
}

// SaveSession records a finished server session.
func (s *Store) SaveSession(ctx context.Context, rec SessionRecord) error {
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("save session %s: %w", rec.SessionID, err)
	}
	return nil
}

// RecentSessions returns the newest sessions first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	var records []SessionRecord

	q := s.db.WithContext(ctx).Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return records, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
