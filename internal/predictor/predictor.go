// Package predictor runs the predict flow for every model kind: validate the
// request, make sure a model artifact exists, invoke the prediction script,
// decode its output, record the prediction and attach the latest metrics.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/georgeshao/farmcast/internal/parse"
	"github.com/georgeshao/farmcast/internal/runner"
	"github.com/georgeshao/farmcast/internal/storage"
	"github.com/georgeshao/farmcast/pkg/types"
)

// Runner invokes a prediction script with positional arguments.
type Runner interface {
	Predict(ctx context.Context, kind types.ModelKind, args []string) (*runner.Output, error)
}

// TrainingGuard trains a missing model, coalescing concurrent callers.
type TrainingGuard interface {
	EnsureTrained(ctx context.Context, kind types.ModelKind) error
	InFlight(kind types.ModelKind) bool
}

type Config struct {
	MLDir string
	// AutoTrain lists the kinds that are trained on demand when their
	// artifact is missing.
	AutoTrain []types.ModelKind
}

func DefaultConfig() Config {
	return Config{
		MLDir:     "./ml",
		AutoTrain: []types.ModelKind{types.KindSoilHealth},
	}
}

type Service struct {
	runner      Runner
	guard       TrainingGuard
	store       storage.Store
	config      Config
	definitions map[types.ModelKind]Definition
	autoTrain   map[types.ModelKind]bool
}

func NewService(r Runner, guard TrainingGuard, store storage.Store, config Config) *Service {
	autoTrain := make(map[types.ModelKind]bool, len(config.AutoTrain))
	for _, k := range config.AutoTrain {
		autoTrain[k] = true
	}
	return &Service{
		runner:      r,
		guard:       guard,
		store:       store,
		config:      config,
		definitions: DefaultDefinitions(),
		autoTrain:   autoTrain,
	}
}

// Result is the outcome of a successful prediction.
type Result struct {
	Kind   types.ModelKind
	Inputs map[string]interface{}
	// Value is a string, or a float64 for numeric kinds when the output
	// was numeric.
	Value       interface{}
	Probability *float64
	Stage       parse.Stage
	AutoTrained bool
	// Saved is false when the history write failed.
	Saved      bool
	RecordID   string
	Metrics    *storage.MetricsRecord
	Suggestion string
	Irrigation *types.IrrigationAdvice
	Source     string
	// Confidence is the disease classifier's score, in percent.
	Confidence *float64
}

func (s *Service) Definition(kind types.ModelKind) (Definition, bool) {
	def, ok := s.definitions[kind]
	return def, ok
}

func (s *Service) LazyTrain(kind types.ModelKind) bool {
	return s.autoTrain[kind]
}

// Predict validates input, trains the model first if it is missing and the
// kind allows it, runs the prediction script and records the result.
func (s *Service) Predict(ctx context.Context, kind types.ModelKind, input map[string]interface{}) (*Result, error) {
	def, ok := s.definitions[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	inputs, args, err := validate(def, input)
	if err != nil {
		return nil, err
	}

	result := &Result{Kind: kind, Inputs: inputs, Source: def.Artifact}

	if s.autoTrain[kind] {
		if _, found := s.ArtifactPath(kind); !found {
			log.Printf("[%s] Model artifact %s not found, training before predicting", kind, def.Artifact)
			result.AutoTrained = true
			if err := s.guard.EnsureTrained(ctx, kind); err != nil {
				return nil, err
			}
		}
	}

	// prediction processes outlive a disconnected client
	out, err := s.runner.Predict(context.WithoutCancel(ctx), kind, args)
	if err != nil {
		if out != nil && reportsModelMissing(out.Stdout, out.Stderr) {
			return nil, s.modelMissing(kind)
		}
		if out != nil {
			log.Printf("[%s] Prediction failed: %v (stderr: %s)", kind, err, strings.TrimSpace(out.Stderr))
		}
		return nil, &ExecutionError{Kind: kind, Output: out, Err: err}
	}

	decoded := parse.Decode(out.Stdout)
	if decoded.Object != nil && !hasAnyField(decoded.Object, def.ValueFields) {
		if msg, ok := decoded.Object["error"]; ok {
			if reportsModelMissing(parse.String(msg), "") {
				return nil, s.modelMissing(kind)
			}
			return nil, &ExecutionError{Kind: kind, Output: out, Err: fmt.Errorf("script reported error: %v", msg)}
		}
	}
	if decoded.Degraded() {
		log.Printf("[%s] Prediction output was not clean JSON, decoded via %s", kind, decoded.Stage)
	}

	result.Stage = decoded.Stage
	s.resolveValue(def, decoded, result)

	if def.NoHistory {
		return result, nil
	}

	s.persist(ctx, result)
	result.Metrics = s.latestMetrics(ctx, kind)

	return result, nil
}

func (s *Service) resolveValue(def Definition, decoded parse.Decoded, result *Result) {
	value := parse.Value(decoded, def.ValueFields...)

	switch def.Kind {
	case types.KindSoilHealth:
		label := strings.TrimSpace(parse.String(value))
		result.Value = label
		if p, ok := parse.Float(decoded.Object, "probability"); ok {
			result.Probability = &p
		}
		result.Suggestion = SoilSuggestion(label)
	case types.KindCrop:
		result.Value = strings.TrimSpace(parse.String(value))
	case types.KindDisease:
		result.Value = strings.TrimSpace(parse.String(value))
		if c, ok := parse.Float(decoded.Object, "confidence"); ok {
			result.Confidence = &c
		}
		if decoded.Object != nil {
			result.Suggestion = parse.String(decoded.Object["recommendation"])
		}
	case types.KindRainfall, types.KindYield:
		if f, ok := parse.ToFloat(value); ok {
			result.Value = f
		} else {
			result.Value = parse.String(value)
		}
	default:
		result.Value = value
	}

	if def.Kind == types.KindRainfall {
		predicted, known := result.Value.(float64)
		moisture, _ := parse.ToFloat(result.Inputs["soilMoisture"])
		advice := IrrigationAdvice(predicted, known, moisture)
		result.Irrigation = &advice
	}
}

// persist records the prediction. A failed write is logged and reported
// through Result.Saved; the prediction itself is still returned.
func (s *Service) persist(ctx context.Context, result *Result) {
	rec := &storage.PredictionRecord{
		ID:             "pred_" + uuid.New().String(),
		Kind:           result.Kind,
		Inputs:         result.Inputs,
		PredictedValue: result.Value,
		Probability:    result.Probability,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreatePrediction(context.WithoutCancel(ctx), rec); err != nil {
		log.Printf("[%s] Failed to save prediction, history entry lost: %v", result.Kind, err)
		return
	}
	result.Saved = true
	result.RecordID = rec.ID
}

func (s *Service) latestMetrics(ctx context.Context, kind types.ModelKind) *storage.MetricsRecord {
	rec, err := s.store.LatestMetrics(ctx, kind)
	if err != nil {
		log.Printf("[%s] Failed to look up training metrics: %v", kind, err)
		return nil
	}
	return rec
}

func (s *Service) modelMissing(kind types.ModelKind) error {
	if s.autoTrain[kind] {
		log.Printf("[%s] Model still missing after training", kind)
		return fmt.Errorf("%s: %w", kind, ErrModelStillMissing)
	}
	return fmt.Errorf("%s: %w", kind, ErrModelNotTrained)
}

// ArtifactPath probes the known locations of the kind's model artifact.
func (s *Service) ArtifactPath(kind types.ModelKind) (string, bool) {
	def, ok := s.definitions[kind]
	if !ok {
		return "", false
	}
	for _, candidate := range s.artifactCandidates(def.Artifact) {
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

func (s *Service) artifactCandidates(artifact string) []string {
	return []string{
		filepath.Join(s.config.MLDir, artifact),
		filepath.Join(s.config.MLDir, "..", artifact),
		artifact,
	}
}

// ModelStatuses reports artifact presence and training state for every kind.
func (s *Service) ModelStatuses(ctx context.Context) ([]types.ModelStatus, error) {
	statuses := make([]types.ModelStatus, len(types.AllKinds))

	g, ctx := errgroup.WithContext(ctx)
	for i, kind := range types.AllKinds {
		i, kind := i, kind
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			status := types.ModelStatus{
				Kind:      kind,
				Training:  s.guard.InFlight(kind),
				LazyTrain: s.autoTrain[kind],
			}
			if path, found := s.ArtifactPath(kind); found {
				status.Exists = true
				if abs, err := filepath.Abs(path); err == nil {
					path = abs
				}
				status.Path = path
				if st, err := os.Stat(path); err == nil {
					status.SizeBytes = st.Size()
					mod := st.ModTime().UTC().Format(time.RFC3339)
					status.ModifiedAt = &mod
				}
			}
			statuses[i] = status
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to probe model artifacts: %w", err)
	}
	return statuses, nil
}

func hasAnyField(obj map[string]interface{}, fields []string) bool {
	for _, f := range fields {
		if v, ok := obj[f]; ok && v != nil {
			return true
		}
	}
	return false
}

// reportsModelMissing recognizes the "model-not-found" marker the scripts
// print when no artifact is available.
func reportsModelMissing(outputs ...string) bool {
	for _, out := range outputs {
		lower := strings.ToLower(out)
		if strings.Contains(lower, "model-not-found") || strings.Contains(lower, "model not found") {
			return true
		}
	}
	return false
}

// IsClientError reports whether err should be surfaced as a 400.
func IsClientError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr) || errors.Is(err, ErrModelNotTrained) || errors.Is(err, ErrUnknownKind)
}
