package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/georgeshao/farmcast/internal/predictor"
	"github.com/georgeshao/farmcast/internal/storage"
	"github.com/georgeshao/farmcast/internal/training"
	"github.com/georgeshao/farmcast/pkg/types"
)

func SetupRoutes(app *fiber.App, store storage.Store, p *predictor.Service, guard *training.Guard) {
	h := NewHandler(store, p, guard)

	ml := app.Group("/api/ml")

	ml.Post("/predict-soil-health", h.Predict(types.KindSoilHealth))
	ml.Post("/train-soil-health", h.Train(types.KindSoilHealth))
	ml.Post("/predict-crop", h.Predict(types.KindCrop))
	ml.Post("/train-crop", h.Train(types.KindCrop))
	ml.Post("/predict-rainfall", h.Predict(types.KindRainfall))
	ml.Post("/train-rainfall", h.Train(types.KindRainfall))
	ml.Post("/predict-yield", h.Predict(types.KindYield))
	ml.Post("/train-yield", h.Train(types.KindYield))
	ml.Post("/train/:kind", h.TrainKind)

	ml.Get("/soil-history", h.History(types.KindSoilHealth))
	ml.Get("/soil-history/export", h.ExportSoilHistory)
	ml.Get("/yield-history", h.History(types.KindYield))
	ml.Get("/history/:kind", h.HistoryByKind)
	ml.Get("/metrics", h.ListMetrics)
	ml.Get("/models", h.ListModels)

	yield := app.Group("/api/yield")

	yield.Post("/predict", h.Predict(types.KindYield))
	yield.Post("/train", h.Train(types.KindYield))
	yield.Get("/history", h.History(types.KindYield))

	app.Post("/api/disease/predict", h.PredictDisease)

	app.Get("/api/history", h.RecentHistory)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
}
