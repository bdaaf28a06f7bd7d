package storage

import (
	"context"

	"github.com/georgeshao/farmcast/pkg/types"
)

// Store holds prediction history and training metrics. Both are append-only.
type Store interface {
	CreatePrediction(ctx context.Context, rec *PredictionRecord) error
	ListPredictions(ctx context.Context, filter PredictionFilter) ([]*PredictionRecord, int, error)

	CreateMetrics(ctx context.Context, rec *MetricsRecord) error
	// LatestMetrics returns nil, nil when no metrics exist for kind.
	LatestMetrics(ctx context.Context, kind types.ModelKind) (*MetricsRecord, error)
	ListMetrics(ctx context.Context, kind types.ModelKind, limit int) ([]*MetricsRecord, error)

	Close() error
}
