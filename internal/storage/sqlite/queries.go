package sqlite

const (
	insertPrediction = `INSERT INTO predictions (id, kind, inputs, predicted_value, probability, created_at)
VALUES (?, ?, ?, ?, ?, ?)`

	listPredictions = `SELECT id, kind, inputs, predicted_value, probability, created_at
FROM predictions
ORDER BY created_at DESC, id DESC
LIMIT ? OFFSET ?`

	listPredictionsByKind = `SELECT id, kind, inputs, predicted_value, probability, created_at
FROM predictions
WHERE kind = ?
ORDER BY created_at DESC, id DESC
LIMIT ? OFFSET ?`

	countPredictions = `SELECT COUNT(*) FROM predictions`

	countPredictionsByKind = `SELECT COUNT(*) FROM predictions WHERE kind = ?`

	insertMetrics = `INSERT INTO training_metrics (id, kind, metrics, created_at)
VALUES (?, ?, ?, ?)`

	listMetricsByKind = `SELECT id, kind, metrics, created_at
FROM training_metrics
WHERE kind = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`
)
