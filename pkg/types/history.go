package types

type PredictionEntry struct {
	ID          string                 `json:"id"`
	Kind        ModelKind              `json:"kind"`
	Input       map[string]interface{} `json:"input"`
	Result      interface{}            `json:"result"`
	Probability *float64               `json:"probability,omitempty"`
	CreatedAt   string                 `json:"createdAt"`
}

type HistoryPage struct {
	Rows  []PredictionEntry `json:"rows"`
	Total int               `json:"total"`
	Page  int               `json:"page"`
	Limit int               `json:"limit"`
}

// RecentHistory merges the most recent predictions of every kind.
type RecentHistory struct {
	Rows    []PredictionEntry `json:"rows"`
	PerKind int               `json:"perKind"`
}
