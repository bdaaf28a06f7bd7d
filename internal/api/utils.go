package api

import (
	"math"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/georgeshao/farmcast/internal/parse"
	"github.com/georgeshao/farmcast/internal/predictor"
	"github.com/georgeshao/farmcast/internal/storage"
	"github.com/georgeshao/farmcast/pkg/types"
)

// maxPage keeps (page-1)*limit from overflowing.
const maxPage = math.MaxInt / maxPageLimit

// parsePage reads page and limit, clamping them to 1 <= page <= maxPage and
// 1 <= limit <= maxPageLimit.
func parsePage(c *fiber.Ctx) (int, int) {
	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	if page > maxPage {
		page = maxPage
	}
	limit := c.QueryInt("limit", defaultPageLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return page, limit
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatCell(v interface{}) string {
	return parse.String(v)
}

func recordToEntry(record *storage.PredictionRecord) types.PredictionEntry {
	return types.PredictionEntry{
		ID:          record.ID,
		Kind:        record.Kind,
		Input:       record.Inputs,
		Result:      record.PredictedValue,
		Probability: record.Probability,
		CreatedAt:   formatTime(record.CreatedAt),
	}
}

func recordToMetrics(record *storage.MetricsRecord) *types.ModelMetrics {
	if record == nil {
		return nil
	}
	return &types.ModelMetrics{
		ID:        record.ID,
		Kind:      record.Kind,
		Metrics:   record.Metrics,
		CreatedAt: formatTime(record.CreatedAt),
	}
}

// resultToResponse shapes a prediction into the response body of its kind.
func resultToResponse(result *predictor.Result) interface{} {
	metrics := recordToMetrics(result.Metrics)

	switch result.Kind {
	case types.KindSoilHealth:
		return types.SoilHealthResponse{
			Prediction: types.SoilPrediction{
				Label:       parse.String(result.Value),
				Probability: result.Probability,
			},
			Suggestion:   result.Suggestion,
			ModelMetrics: metrics,
			AutoTrained:  result.AutoTrained,
			Saved:        result.Saved,
		}
	case types.KindCrop:
		return types.CropResponse{
			PredictedCrop: parse.String(result.Value),
			ModelMetrics:  metrics,
			AutoTrained:   result.AutoTrained,
			Saved:         result.Saved,
		}
	case types.KindRainfall:
		resp := types.RainfallResponse{
			Input:               result.Inputs,
			PredictedRainfallMm: result.Value,
			PredictionSource:    result.Source,
			ModelMetrics:        metrics,
			AutoTrained:         result.AutoTrained,
			Saved:               result.Saved,
		}
		if result.Irrigation != nil {
			resp.Irrigation = *result.Irrigation
		}
		return resp
	case types.KindYield:
		return types.YieldResponse{
			Prediction:   types.YieldPrediction{PredictedYield: result.Value},
			ModelMetrics: metrics,
			AutoTrained:  result.AutoTrained,
			Saved:        result.Saved,
		}
	case types.KindDisease:
		return types.DiseaseResponse{
			Disease:        parse.String(result.Value),
			Confidence:     result.Confidence,
			Recommendation: result.Suggestion,
		}
	}
	return fiber.Map{"kind": result.Kind, "prediction": result.Value}
}
