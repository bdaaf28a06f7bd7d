package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/georgeshao/farmcast/internal/storage"
	"github.com/georgeshao/farmcast/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

type SQLiteStore struct {
	db *sql.DB
}

func New(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL lets history reads proceed while a prediction is being written
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite works best with single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(schemaSQL)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreatePrediction(ctx context.Context, rec *storage.PredictionRecord) error {
	inputs, err := json.Marshal(rec.Inputs)
	if err != nil {
		return fmt.Errorf("failed to marshal inputs: %w", err)
	}

	value, err := json.Marshal(rec.PredictedValue)
	if err != nil {
		return fmt.Errorf("failed to marshal predicted value: %w", err)
	}

	_, err = s.db.ExecContext(ctx, insertPrediction,
		rec.ID,
		string(rec.Kind),
		string(inputs),
		string(value),
		toNullFloat64(rec.Probability),
		rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert prediction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListPredictions(ctx context.Context, filter storage.PredictionFilter) ([]*storage.PredictionRecord, int, error) {
	limit := int64(filter.Limit)
	if limit <= 0 {
		limit = -1 // no limit in SQLite
	}
	offset := int64(filter.Offset)
	if offset < 0 {
		offset = 0
	}

	var (
		rows  *sql.Rows
		total int64
		err   error
	)

	if filter.Kind != nil {
		rows, err = s.db.QueryContext(ctx, listPredictionsByKind, string(*filter.Kind), limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx, listPredictions, limit, offset)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list predictions: %w", err)
	}

	records, err := scanPredictions(rows)
	if err != nil {
		return nil, 0, err
	}

	if filter.Kind != nil {
		err = s.db.QueryRowContext(ctx, countPredictionsByKind, string(*filter.Kind)).Scan(&total)
	} else {
		err = s.db.QueryRowContext(ctx, countPredictions).Scan(&total)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count predictions: %w", err)
	}

	return records, int(total), nil
}

func (s *SQLiteStore) CreateMetrics(ctx context.Context, rec *storage.MetricsRecord) error {
	metrics, err := json.Marshal(rec.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	_, err = s.db.ExecContext(ctx, insertMetrics,
		rec.ID,
		string(rec.Kind),
		string(metrics),
		rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert metrics: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestMetrics(ctx context.Context, kind types.ModelKind) (*storage.MetricsRecord, error) {
	records, err := s.ListMetrics(ctx, kind, 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

func (s *SQLiteStore) ListMetrics(ctx context.Context, kind types.ModelKind, limit int) ([]*storage.MetricsRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, listMetricsByKind, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics: %w", err)
	}
	defer rows.Close()

	var records []*storage.MetricsRecord
	for rows.Next() {
		var (
			id, k, metrics string
			createdAt      int64
		)
		if err := rows.Scan(&id, &k, &metrics, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan metrics: %w", err)
		}

		record := &storage.MetricsRecord{
			ID:        id,
			Kind:      types.ModelKind(k),
			CreatedAt: time.Unix(0, createdAt),
		}
		if err := json.Unmarshal([]byte(metrics), &record.Metrics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate metrics: %w", err)
	}

	return records, nil
}

func scanPredictions(rows *sql.Rows) ([]*storage.PredictionRecord, error) {
	defer rows.Close()

	records := make([]*storage.PredictionRecord, 0)
	for rows.Next() {
		var (
			id, kind, inputs, value string
			probability             sql.NullFloat64
			createdAt               int64
		)
		if err := rows.Scan(&id, &kind, &inputs, &value, &probability, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan prediction: %w", err)
		}

		record := &storage.PredictionRecord{
			ID:          id,
			Kind:        types.ModelKind(kind),
			Probability: fromNullFloat64(probability),
			CreatedAt:   time.Unix(0, createdAt),
		}
		if err := json.Unmarshal([]byte(inputs), &record.Inputs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal inputs: %w", err)
		}
		if err := json.Unmarshal([]byte(value), &record.PredictedValue); err != nil {
			return nil, fmt.Errorf("failed to unmarshal predicted value: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate predictions: %w", err)
	}

	return records, nil
}

func toNullFloat64(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func fromNullFloat64(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	return &nf.Float64
}
