package pebbledb

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/georgeshao/farmcast/internal/storage"
	"github.com/georgeshao/farmcast/pkg/types"
)

// Key prefixes. Index keys embed an inverted timestamp so a forward scan
// yields newest entries first.
const (
	prefixPred    = "pred:"  // pred:{id} → prediction JSON
	prefixKindIdx = "pk:"    // pk:{kind}:{inv}:{id} → empty
	prefixAllIdx  = "pa:"    // pa:{inv}:{id} → empty
	prefixMetrics = "mx:"    // mx:{kind}:{inv}:{id} → metrics JSON
	prefixCount   = "count:" // count:{kind} → int64
	allKindsCount = "_all"
)

type PebbleStore struct {
	db          *pebble.DB
	batchWriter *BatchWriter
	useBatch    bool
}

type predictionData struct {
	ID             string                 `json:"id"`
	Kind           string                 `json:"kind"`
	Inputs         map[string]interface{} `json:"inputs"`
	PredictedValue interface{}            `json:"predicted_value"`
	Probability    *float64               `json:"probability,omitempty"`
	CreatedAt      int64                  `json:"created_at"` // Unix nano
}

type metricsData struct {
	ID        string                 `json:"id"`
	Kind      string                 `json:"kind"`
	Metrics   map[string]interface{} `json:"metrics"`
	CreatedAt int64                  `json:"created_at"` // Unix nano
}

// New opens a pebble store at dbPath. With useBatch, prediction writes are
// queued and committed by a background flusher instead of synchronously.
func New(dbPath string, useBatch bool) (*PebbleStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	opts := &pebble.Options{
		Merger: &pebble.Merger{
			Name: "int64_add",
			Merge: func(key, value []byte) (pebble.ValueMerger, error) {
				return &int64Merger{sum: decodeInt64(value)}, nil
			},
		},
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}

	store := &PebbleStore{
		db:       db,
		useBatch: useBatch,
	}

	if useBatch {
		store.batchWriter = NewBatchWriter(db, DefaultBatchWriterConfig())
	}

	return store, nil
}

func (s *PebbleStore) Close() error {
	// flush queued history before the DB goes away
	if s.batchWriter != nil {
		if err := s.batchWriter.Close(); err != nil {
			return fmt.Errorf("failed to close batch writer: %w", err)
		}
	}
	return s.db.Close()
}

func invertedTs(ts int64) int64 {
	return math.MaxInt64 - ts
}

func predKey(id string) []byte {
	return []byte(prefixPred + id)
}

func kindIdxKey(kind string, ts int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixKindIdx, kind, invertedTs(ts), id))
}

func kindIdxPrefix(kind string) []byte {
	return []byte(prefixKindIdx + kind + ":")
}

func allIdxKey(ts int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixAllIdx, invertedTs(ts), id))
}

func metricsKey(kind string, ts int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixMetrics, kind, invertedTs(ts), id))
}

func metricsPrefix(kind string) []byte {
	return []byte(prefixMetrics + kind + ":")
}

func countKey(kind string) []byte {
	return []byte(prefixCount + kind)
}

func encodeInt64(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func decodeInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

type int64Merger struct {
	sum int64
}

func (m *int64Merger) MergeNewer(value []byte) error {
	m.sum += decodeInt64(value)
	return nil
}

func (m *int64Merger) MergeOlder(value []byte) error {
	m.sum += decodeInt64(value)
	return nil
}

func (m *int64Merger) Finish(includesBase bool) ([]byte, io.Closer, error) {
	return encodeInt64(m.sum), nil, nil
}

func upperBound(prefix []byte) []byte {
	ub := make([]byte, len(prefix))
	copy(ub, prefix)
	for i := len(ub) - 1; i >= 0; i-- {
		if ub[i] < 0xff {
			ub[i]++
			return ub[:i+1]
		}
	}
	return nil // prefix is all 0xff: no upper bound
}

func (s *PebbleStore) CreatePrediction(ctx context.Context, rec *storage.PredictionRecord) error {
	data := predictionData{
		ID:             rec.ID,
		Kind:           string(rec.Kind),
		Inputs:         rec.Inputs,
		PredictedValue: rec.PredictedValue,
		Probability:    rec.Probability,
		CreatedAt:      rec.CreatedAt.UnixNano(),
	}

	value, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal prediction: %w", err)
	}

	ops := []writeOp{
		{key: predKey(rec.ID), value: value},
		{key: kindIdxKey(data.Kind, data.CreatedAt, rec.ID)},
		{key: allIdxKey(data.CreatedAt, rec.ID)},
		{key: countKey(data.Kind), value: encodeInt64(1), merge: true},
		{key: countKey(allKindsCount), value: encodeInt64(1), merge: true},
	}

	if s.useBatch {
		return s.batchWriter.Submit(ops)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	applyOps(batch, ops)
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) ListPredictions(ctx context.Context, filter storage.PredictionFilter) ([]*storage.PredictionRecord, int, error) {
	prefix := []byte(prefixAllIdx)
	total := s.getCount(allKindsCount)
	if filter.Kind != nil {
		prefix = kindIdxPrefix(string(*filter.Kind))
		total = s.getCount(string(*filter.Kind))
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	records := make([]*storage.PredictionRecord, 0)
	skipped := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if skipped < filter.Offset {
			skipped++
			continue
		}
		if filter.Limit > 0 && len(records) >= filter.Limit {
			break
		}

		id := extractIDFromIdxKey(iter.Key())
		if id == "" {
			continue
		}
		data, err := s.getPredictionData(id)
		if err != nil {
			return nil, 0, err
		}
		if data != nil {
			records = append(records, toPredictionRecord(data))
		}
	}

	return records, int(total), nil
}

func (s *PebbleStore) getPredictionData(id string) (*predictionData, error) {
	value, closer, err := s.db.Get(predKey(id))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prediction: %w", err)
	}
	defer closer.Close()

	var data predictionData
	if err := json.Unmarshal(value, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prediction: %w", err)
	}
	return &data, nil
}

func (s *PebbleStore) getCount(kind string) int64 {
	value, closer, err := s.db.Get(countKey(kind))
	if err != nil {
		return 0
	}
	defer closer.Close()
	return decodeInt64(value)
}

// CreateMetrics always writes synchronously so the latest metrics are
// readable as soon as a training run settles.
func (s *PebbleStore) CreateMetrics(ctx context.Context, rec *storage.MetricsRecord) error {
	data := metricsData{
		ID:        rec.ID,
		Kind:      string(rec.Kind),
		Metrics:   rec.Metrics,
		CreatedAt: rec.CreatedAt.UnixNano(),
	}

	value, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	return s.db.Set(metricsKey(data.Kind, data.CreatedAt, rec.ID), value, pebble.Sync)
}

func (s *PebbleStore) LatestMetrics(ctx context.Context, kind types.ModelKind) (*storage.MetricsRecord, error) {
	records, err := s.ListMetrics(ctx, kind, 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

func (s *PebbleStore) ListMetrics(ctx context.Context, kind types.ModelKind, limit int) ([]*storage.MetricsRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	prefix := metricsPrefix(string(kind))
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var records []*storage.MetricsRecord
	for iter.First(); iter.Valid() && len(records) < limit; iter.Next() {
		var data metricsData
		if err := json.Unmarshal(iter.Value(), &data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
		}
		records = append(records, &storage.MetricsRecord{
			ID:        data.ID,
			Kind:      types.ModelKind(data.Kind),
			Metrics:   data.Metrics,
			CreatedAt: time.Unix(0, data.CreatedAt),
		})
	}

	return records, nil
}

func toPredictionRecord(data *predictionData) *storage.PredictionRecord {
	return &storage.PredictionRecord{
		ID:             data.ID,
		Kind:           types.ModelKind(data.Kind),
		Inputs:         data.Inputs,
		PredictedValue: data.PredictedValue,
		Probability:    data.Probability,
		CreatedAt:      time.Unix(0, data.CreatedAt),
	}
}

// extractIDFromIdxKey extracts the prediction ID from an index key.
// Key formats: pk:{kind}:{inv}:{id} and pa:{inv}:{id}
func extractIDFromIdxKey(key []byte) string {
	i := bytes.LastIndexByte(key, ':')
	if i < 0 || i == len(key)-1 {
		return ""
	}
	return string(key[i+1:])
}
