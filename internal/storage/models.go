package storage

import (
	"time"

	"github.com/georgeshao/farmcast/pkg/types"
)

type PredictionRecord struct {
	ID     string
	Kind   types.ModelKind
	Inputs map[string]interface{}
	// PredictedValue is a string or a float64.
	PredictedValue interface{}
	Probability    *float64
	CreatedAt      time.Time
}

type MetricsRecord struct {
	ID        string
	Kind      types.ModelKind
	Metrics   map[string]interface{}
	CreatedAt time.Time
}

type PredictionFilter struct {
	Kind   *types.ModelKind
	Limit  int // 0 means no limit
	Offset int
}
