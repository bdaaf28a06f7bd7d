package api

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/sync/errgroup"

	"github.com/georgeshao/farmcast/internal/predictor"
	"github.com/georgeshao/farmcast/internal/storage"
	"github.com/georgeshao/farmcast/internal/training"
	"github.com/georgeshao/farmcast/pkg/types"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 500
	recentPerKind    = 50
	recentMetrics    = 10

	leafImageField = "leafImage"
	maxLeafImage   = 5 * 1024 * 1024
)

var leafImageTypes = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

type Handler struct {
	store     storage.Store
	predictor *predictor.Service
	guard     *training.Guard
}

func NewHandler(store storage.Store, p *predictor.Service, guard *training.Guard) *Handler {
	return &Handler{
		store:     store,
		predictor: p,
		guard:     guard,
	}
}

// Predict returns the handler for one prediction kind.
func (h *Handler) Predict(kind types.ModelKind) fiber.Handler {
	return func(c *fiber.Ctx) error {
		input := make(map[string]interface{})
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&input); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid request body"})
			}
		}

		result, err := h.predictor.Predict(c.Context(), kind, input)
		if err != nil {
			return writePredictError(c, kind, err)
		}

		return c.JSON(resultToResponse(result))
	}
}

// PredictDisease classifies an uploaded leaf image. The upload is written to
// a temp file for the script and removed once the prediction returns.
func (h *Handler) PredictDisease(c *fiber.Ctx) error {
	file, err := c.FormFile(leafImageField)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Please upload an image file."})
	}

	ext := strings.ToLower(filepath.Ext(file.Filename))
	if !leafImageTypes[ext] {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Only images (jpeg, jpg, png) are allowed!"})
	}
	if file.Size > maxLeafImage {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(types.ErrorResponse{Error: "Image must be 5MB or smaller"})
	}

	tmp, err := os.CreateTemp("", "leaf-*"+ext)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: "Failed to store upload"})
	}
	imagePath := tmp.Name()
	tmp.Close()
	defer func() {
		if err := os.Remove(imagePath); err != nil && !os.IsNotExist(err) {
			log.Printf("[%s] Failed to remove upload %s: %v", types.KindDisease, imagePath, err)
		}
	}()

	if err := c.SaveFile(file, imagePath); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: "Failed to store upload"})
	}

	result, err := h.predictor.Predict(c.Context(), types.KindDisease, map[string]interface{}{"imagePath": imagePath})
	if err != nil {
		return writePredictError(c, types.KindDisease, err)
	}

	return c.JSON(resultToResponse(result))
}

// Train returns the admin training handler for one kind.
func (h *Handler) Train(kind types.ModelKind) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return h.train(c, kind)
	}
}

func (h *Handler) TrainKind(c *fiber.Ctx) error {
	kind, err := types.ParseModelKind(c.Params("kind"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: err.Error()})
	}
	return h.train(c, kind)
}

func (h *Handler) train(c *fiber.Ctx, kind types.ModelKind) error {
	out, rec, err := h.guard.TrainNow(c.Context(), kind)
	if err != nil {
		var tfe *training.TrainingFailedError
		if errors.As(err, &tfe) {
			return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{
				Error:  tfe.Error(),
				Stderr: tfe.Stderr,
				Stdout: strings.TrimSpace(tfe.Stdout),
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: err.Error()})
	}

	resp := types.TrainResponse{Kind: kind, Metrics: recordToMetrics(rec)}
	if out != nil {
		resp.Output = out.Stdout
	}
	return c.JSON(resp)
}

// History returns the paginated history handler for one kind.
func (h *Handler) History(kind types.ModelKind) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return h.history(c, kind)
	}
}

func (h *Handler) HistoryByKind(c *fiber.Ctx) error {
	kind, err := types.ParseModelKind(c.Params("kind"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: err.Error()})
	}
	return h.history(c, kind)
}

func (h *Handler) history(c *fiber.Ctx, kind types.ModelKind) error {
	page, limit := parsePage(c)

	records, total, err := h.store.ListPredictions(c.Context(), storage.PredictionFilter{
		Kind:   &kind,
		Limit:  limit,
		Offset: (page - 1) * limit,
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: "Failed to list history"})
	}

	rows := make([]types.PredictionEntry, 0, len(records))
	for _, rec := range records {
		rows = append(rows, recordToEntry(rec))
	}

	return c.JSON(types.HistoryPage{
		Rows:  rows,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

// RecentHistory merges the latest predictions of every kind, newest first.
func (h *Handler) RecentHistory(c *fiber.Ctx) error {
	perKind := make([][]*storage.PredictionRecord, len(types.AllKinds))

	g, ctx := errgroup.WithContext(c.Context())
	for i, kind := range types.AllKinds {
		i, kind := i, kind
		g.Go(func() error {
			records, _, err := h.store.ListPredictions(ctx, storage.PredictionFilter{
				Kind:  &kind,
				Limit: recentPerKind,
			})
			if err != nil {
				return fmt.Errorf("failed to list %s history: %w", kind, err)
			}
			perKind[i] = records
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: "Failed to list history"})
	}

	var merged []*storage.PredictionRecord
	for _, records := range perKind {
		merged = append(merged, records...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.After(merged[j].CreatedAt)
	})

	rows := make([]types.PredictionEntry, 0, len(merged))
	for _, rec := range merged {
		rows = append(rows, recordToEntry(rec))
	}

	return c.JSON(types.RecentHistory{Rows: rows, PerKind: recentPerKind})
}

var soilExportColumns = []string{"nitrogen", "phosphorus", "potassium", "ph"}

func (h *Handler) ExportSoilHistory(c *fiber.Ctx) error {
	kind := types.KindSoilHealth
	records, _, err := h.store.ListPredictions(c.Context(), storage.PredictionFilter{Kind: &kind})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: "Failed to export history"})
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := append([]string{"id", "createdAt"}, soilExportColumns...)
	header = append(header, "predictedLabel", "probability")
	if err := w.Write(header); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: "Failed to export history"})
	}

	for _, rec := range records {
		row := []string{rec.ID, formatTime(rec.CreatedAt)}
		for _, col := range soilExportColumns {
			row = append(row, formatCell(rec.Inputs[col]))
		}
		row = append(row, formatCell(rec.PredictedValue))
		if rec.Probability != nil {
			row = append(row, formatCell(*rec.Probability))
		} else {
			row = append(row, "")
		}
		if err := w.Write(row); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: "Failed to export history"})
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: "Failed to export history"})
	}

	c.Set(fiber.HeaderContentType, "text/csv; charset=utf-8")
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="soil_history.csv"`)
	return c.Send(buf.Bytes())
}

// ListMetrics returns recent training metrics for one kind, or for all kinds
// merged when no kind is given.
func (h *Handler) ListMetrics(c *fiber.Ctx) error {
	kinds := types.AllKinds
	if q := c.Query("kind"); q != "" {
		kind, err := types.ParseModelKind(q)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: err.Error()})
		}
		kinds = []types.ModelKind{kind}
	}

	perKind := make([][]*storage.MetricsRecord, len(kinds))
	g, ctx := errgroup.WithContext(c.Context())
	for i, kind := range kinds {
		i, kind := i, kind
		g.Go(func() error {
			records, err := h.store.ListMetrics(ctx, kind, recentMetrics)
			if err != nil {
				return err
			}
			perKind[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: "Failed to list metrics"})
	}

	var merged []*storage.MetricsRecord
	for _, records := range perKind {
		merged = append(merged, records...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.After(merged[j].CreatedAt)
	})
	if len(merged) > recentMetrics {
		merged = merged[:recentMetrics]
	}

	resp := make([]*types.ModelMetrics, 0, len(merged))
	for _, rec := range merged {
		resp = append(resp, recordToMetrics(rec))
	}
	return c.JSON(resp)
}

func (h *Handler) ListModels(c *fiber.Ctx) error {
	statuses, err := h.predictor.ModelStatuses(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: "Failed to check models"})
	}
	return c.JSON(statuses)
}

func writePredictError(c *fiber.Ctx, kind types.ModelKind, err error) error {
	var verr *predictor.ValidationError
	var tfe *training.TrainingFailedError
	var execErr *predictor.ExecutionError

	switch {
	case errors.As(err, &verr):
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: verr.Message})
	case errors.Is(err, predictor.ErrModelNotTrained):
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{
			Error: fmt.Sprintf("%s model not trained. Train the model first (POST /api/ml/train/%s)", kind.Title(), kind),
		})
	case errors.Is(err, predictor.ErrModelStillMissing):
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{
			Error: fmt.Sprintf("%s model still missing after server-side training. Check backend logs.", kind.Title()),
		})
	case errors.As(err, &tfe):
		stderr := tfe.Stderr
		if strings.TrimSpace(stderr) == "" {
			stderr = tfe.Error()
		}
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{
			Error:  "Server-side training failed",
			Stderr: stderr,
		})
	case errors.As(err, &execErr):
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{
			Error:  execErr.Error(),
			Stderr: execErr.Stderr(),
			Stdout: execErr.Stdout(),
		})
	case predictor.IsClientError(err):
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: err.Error()})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: err.Error()})
}
