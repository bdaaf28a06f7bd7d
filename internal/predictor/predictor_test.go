package predictor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/georgeshao/farmcast/internal/runner"
	"github.com/georgeshao/farmcast/internal/storage"
	"github.com/georgeshao/farmcast/internal/storage/sqlite"
	"github.com/georgeshao/farmcast/internal/training"
	"github.com/georgeshao/farmcast/pkg/types"
)

type fakeRunner struct {
	mu       sync.Mutex
	calls    int
	lastArgs []string
	stdout   string
	stderr   string
	err      error
}

func (f *fakeRunner) Predict(ctx context.Context, kind types.ModelKind, args []string) (*runner.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastArgs = args
	out := &runner.Output{Stdout: f.stdout, Stderr: f.stderr}
	if f.err != nil {
		out.ExitCode = 2
		return out, f.err
	}
	return out, nil
}

func (f *fakeRunner) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeTrainer writes the artifact into dir once released.
type fakeTrainer struct {
	calls    atomic.Int32
	release  chan struct{}
	dir      string
	artifact string
	err      error
}

func (f *fakeTrainer) Train(ctx context.Context, kind types.ModelKind) (*runner.Output, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return &runner.Output{Stderr: "not enough soil samples", ExitCode: 1}, f.err
	}
	if f.artifact != "" {
		if err := os.WriteFile(filepath.Join(f.dir, f.artifact), []byte("model"), 0644); err != nil {
			return nil, err
		}
	}
	return &runner.Output{Stdout: `{"accuracy": 0.9}`}, nil
}

// failingStore fails the operations selected by its flags.
type failingStore struct {
	storage.Store
	failWrites  bool
	failMetrics bool
}

func (s *failingStore) CreatePrediction(ctx context.Context, rec *storage.PredictionRecord) error {
	if s.failWrites {
		return errors.New("disk full")
	}
	return s.Store.CreatePrediction(ctx, rec)
}

func (s *failingStore) LatestMetrics(ctx context.Context, kind types.ModelKind) (*storage.MetricsRecord, error) {
	if s.failMetrics {
		return nil, errors.New("connection reset")
	}
	return s.Store.LatestMetrics(ctx, kind)
}

type testEnv struct {
	service *Service
	runner  *fakeRunner
	trainer *fakeTrainer
	guard   *training.Guard
	store   *failingStore
	mlDir   string
}

func setupTestService(t *testing.T) (*testEnv, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "predictor_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	mlDir := filepath.Join(tempDir, "ml")
	if err := os.MkdirAll(mlDir, 0755); err != nil {
		t.Fatalf("Failed to create ml dir: %v", err)
	}

	db, err := sqlite.New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("Failed to create store: %v", err)
	}

	store := &failingStore{Store: db}
	r := &fakeRunner{}
	trainer := &fakeTrainer{dir: mlDir, artifact: "soil_model.pkl"}
	guard := training.NewGuard(trainer, store)

	config := DefaultConfig()
	config.MLDir = mlDir

	env := &testEnv{
		service: NewService(r, guard, store, config),
		runner:  r,
		trainer: trainer,
		guard:   guard,
		store:   store,
		mlDir:   mlDir,
	}
	cleanup := func() {
		db.Close()
		os.RemoveAll(tempDir)
	}
	return env, cleanup
}

func (e *testEnv) writeArtifact(t *testing.T, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(e.mlDir, name), []byte("model"), 0644); err != nil {
		t.Fatalf("Failed to write artifact: %v", err)
	}
}

func soilInput() map[string]interface{} {
	return map[string]interface{}{"nitrogen": 40.0, "phosphorus": 20.0, "potassium": 30.0, "ph": 6.5}
}

func TestPredictSoilTrainsMissingModel(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()
	env.runner.stdout = `{"predicted_label": "Good", "probability": 0.92}`

	result, err := env.service.Predict(context.Background(), types.KindSoilHealth, soilInput())
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}

	if got := env.trainer.calls.Load(); got != 1 {
		t.Errorf("Expected 1 training invocation, got %d", got)
	}
	if env.runner.Calls() != 1 {
		t.Errorf("Expected 1 prediction invocation, got %d", env.runner.Calls())
	}
	if !result.AutoTrained {
		t.Error("Expected autoTrained to be true")
	}
	if result.Value != "Good" {
		t.Errorf("Expected label Good, got %v", result.Value)
	}
	if result.Probability == nil || *result.Probability != 0.92 {
		t.Errorf("Expected probability 0.92, got %v", result.Probability)
	}
	if result.Suggestion != soilSuggestions["Good"] {
		t.Errorf("Unexpected suggestion: %q", result.Suggestion)
	}
	if !result.Saved {
		t.Error("Expected prediction to be saved")
	}
	if result.Metrics == nil || result.Metrics.Metrics["accuracy"] != 0.9 {
		t.Errorf("Expected metrics from training, got %+v", result.Metrics)
	}
	want := []string{"40", "20", "30", "6.5"}
	if strings.Join(env.runner.lastArgs, " ") != strings.Join(want, " ") {
		t.Errorf("Expected args %v, got %v", want, env.runner.lastArgs)
	}

	// artifact now exists, so no further training
	result, err = env.service.Predict(context.Background(), types.KindSoilHealth, soilInput())
	if err != nil {
		t.Fatalf("Second Predict failed: %v", err)
	}
	if result.AutoTrained {
		t.Error("Expected autoTrained to be false once the artifact exists")
	}
	if got := env.trainer.calls.Load(); got != 1 {
		t.Errorf("Expected training count to stay at 1, got %d", got)
	}
}

func TestPredictSoilConcurrentCallersShareTraining(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()
	env.runner.stdout = `{"predicted_label": "Fair", "probability": 0.6}`
	env.trainer.release = make(chan struct{})

	const callers = 6
	results := make([]*Result, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.service.Predict(context.Background(), types.KindSoilHealth, soilInput())
		}(i)
	}

	deadline := time.Now().Add(5 * time.Second)
	for env.guard.Waiters(types.KindSoilHealth) < callers {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for callers to join training")
		}
		time.Sleep(time.Millisecond)
	}
	close(env.trainer.release)
	wg.Wait()

	if got := env.trainer.calls.Load(); got != 1 {
		t.Errorf("Expected exactly 1 training invocation, got %d", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Errorf("Caller %d failed: %v", i, errs[i])
			continue
		}
		if !results[i].AutoTrained || results[i].Value != "Fair" {
			t.Errorf("Caller %d: unexpected result %+v", i, results[i])
		}
	}
}

func TestPredictSoilTrainingFailure(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()
	env.trainer.err = errors.New("exit status 1")

	for i := 1; i <= 2; i++ {
		_, err := env.service.Predict(context.Background(), types.KindSoilHealth, soilInput())
		var tfe *training.TrainingFailedError
		if !errors.As(err, &tfe) {
			t.Fatalf("Expected *TrainingFailedError, got %v", err)
		}
		if !strings.Contains(tfe.Error(), "not enough soil samples") {
			t.Errorf("Expected stderr in error, got %q", tfe.Error())
		}
		if got := env.trainer.calls.Load(); got != int32(i) {
			t.Errorf("Expected %d training invocations, got %d", i, got)
		}
	}
	if env.runner.Calls() != 0 {
		t.Errorf("Expected no prediction invocations, got %d", env.runner.Calls())
	}
}

func TestPredictSoilModelStillMissing(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()
	env.trainer.artifact = ""
	env.runner.stdout = `{"error": "model-not-found"}`
	env.runner.err = errors.New("exit status 2")

	_, err := env.service.Predict(context.Background(), types.KindSoilHealth, soilInput())
	if !errors.Is(err, ErrModelStillMissing) {
		t.Fatalf("Expected ErrModelStillMissing, got %v", err)
	}
	if IsClientError(err) {
		t.Error("ModelStillMissing should not be a client error")
	}
}

func TestValidationInvokesNothing(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()

	for _, kind := range types.AllKinds {
		def, _ := env.service.Definition(kind)
		for _, name := range def.RequiredFields() {
			input := fullInput(kind)
			delete(input, name)

			_, err := env.service.Predict(context.Background(), kind, input)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("%s without %s: expected ValidationError, got %v", kind, name, err)
				continue
			}
			if len(verr.Fields) != 1 || verr.Fields[0] != name {
				t.Errorf("%s without %s: unexpected fields %v", kind, name, verr.Fields)
			}
		}
	}

	if env.runner.Calls() != 0 || env.trainer.calls.Load() != 0 {
		t.Errorf("Validation failures must not invoke processes (predict=%d train=%d)",
			env.runner.Calls(), env.trainer.calls.Load())
	}
}

func TestValidationMessages(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()

	tests := []struct {
		name    string
		kind    types.ModelKind
		input   map[string]interface{}
		message string
	}{
		{
			name:    "yield missing crop",
			kind:    types.KindYield,
			input:   map[string]interface{}{"area": 2.0, "rainfall": 800.0, "temperature": 27.0},
			message: "area, rainfall, temperature and crop are required",
		},
		{
			name:    "yield blank crop",
			kind:    types.KindYield,
			input:   map[string]interface{}{"area": 2.0, "rainfall": 800.0, "temperature": 27.0, "crop": "  "},
			message: "area, rainfall, temperature and crop are required",
		},
		{
			name:    "soil null ph",
			kind:    types.KindSoilHealth,
			input:   map[string]interface{}{"nitrogen": 40.0, "phosphorus": 20.0, "potassium": 30.0, "ph": nil},
			message: "nitrogen, phosphorus, potassium and ph are required",
		},
		{
			name:    "crop non-numeric humidity",
			kind:    types.KindCrop,
			input:   map[string]interface{}{"temperature": 25.0, "humidity": "wet", "rainfall": 100.0},
			message: "humidity must be numeric",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.service.Predict(context.Background(), tt.kind, tt.input)
			if err == nil || err.Error() != tt.message {
				t.Errorf("Expected %q, got %v", tt.message, err)
			}
			if !IsClientError(err) {
				t.Error("Expected a client error")
			}
		})
	}
}

func TestPredictCropArguments(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()
	env.runner.stdout = `{"predictedCrop": "rice"}`

	input := map[string]interface{}{
		"temperature": "25.5",
		"humidity":    80.0,
		"rainfall":    200.0,
		"nitrogen":    50.0,
		"soilType":    "Clay",
		"season":      "Kharif",
	}
	result, err := env.service.Predict(context.Background(), types.KindCrop, input)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if result.Value != "rice" {
		t.Errorf("Expected rice, got %v", result.Value)
	}
	want := "25.5 80 200 None None 50 None None Clay  Kharif"
	if got := strings.Join(env.runner.lastArgs, " "); got != want {
		t.Errorf("Expected args %q, got %q", want, got)
	}
	if result.AutoTrained || env.trainer.calls.Load() != 0 {
		t.Error("Crop should not train on demand")
	}
}

func TestPredictOutputDegradation(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()
	env.writeArtifact(t, "soil_model.pkl")

	tests := []struct {
		name   string
		stdout string
		want   string
	}{
		{name: "clean json", stdout: `{"predicted_label": "Poor"}`, want: "Poor"},
		{name: "noisy output", stdout: "loading model...\n{\"predicted_label\": \"Fair\"}\ndone", want: "Fair"},
		{name: "double encoded", stdout: `{"predicted_label": "{\"predicted_label\": \"Good\"}"}`, want: "Good"},
		{name: "plain text", stdout: "  Excellent \n", want: "Excellent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.runner.stdout = tt.stdout
			result, err := env.service.Predict(context.Background(), types.KindSoilHealth, soilInput())
			if err != nil {
				t.Fatalf("Predict failed: %v", err)
			}
			if result.Value != tt.want {
				t.Errorf("Expected %q, got %v", tt.want, result.Value)
			}
		})
	}
}

func TestSoilSuggestionFallback(t *testing.T) {
	for _, label := range []string{"Excellent", "", "good"} {
		if s := SoilSuggestion(label); s != genericSoilSuggestion {
			t.Errorf("Label %q: expected generic suggestion, got %q", label, s)
		}
	}
	for label := range soilSuggestions {
		if SoilSuggestion(label) == "" {
			t.Errorf("Label %q has an empty suggestion", label)
		}
	}
}

func TestPredictYieldModelNotTrained(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()
	env.runner.stderr = "model-not-found"
	env.runner.err = errors.New("exit status 2")

	_, err := env.service.Predict(context.Background(), types.KindYield, fullInput(types.KindYield))
	if !errors.Is(err, ErrModelNotTrained) {
		t.Fatalf("Expected ErrModelNotTrained, got %v", err)
	}
	if !IsClientError(err) {
		t.Error("ModelNotTrained should be a client error")
	}
	if env.trainer.calls.Load() != 0 {
		t.Error("Yield should not train on demand")
	}
}

func TestPredictYieldNumericValue(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()
	env.runner.stdout = `{"predicted_yield_per_ha": 3.42}`

	result, err := env.service.Predict(context.Background(), types.KindYield, fullInput(types.KindYield))
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if result.Value != 3.42 {
		t.Errorf("Expected 3.42, got %v", result.Value)
	}
	if got := strings.Join(env.runner.lastArgs, " "); got != "2 800 27 Rice 0" {
		t.Errorf("Unexpected args %q", got)
	}
}

func TestPredictExecutionFailure(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()
	env.runner.stderr = "Traceback: ValueError"
	env.runner.err = errors.New("exit status 1")

	_, err := env.service.Predict(context.Background(), types.KindCrop, fullInput(types.KindCrop))
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Expected *ExecutionError, got %v", err)
	}
	if execErr.Stderr() != "Traceback: ValueError" {
		t.Errorf("Expected stderr to be carried, got %q", execErr.Stderr())
	}
	if IsClientError(err) {
		t.Error("Execution failure should not be a client error")
	}
}

func TestPredictRainfallIrrigation(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()

	tests := []struct {
		name     string
		stdout   string
		moisture float64
		required bool
		reason   string
		mm       int
	}{
		{name: "rain expected", stdout: "4.2\n", moisture: 10, required: false, reason: "Rain expected"},
		{name: "moist soil", stdout: "0.5", moisture: 42, required: false, reason: "Soil moisture sufficient"},
		{name: "dry", stdout: "0.5", moisture: 20, required: true, reason: "Dry conditions", mm: 20},
		{name: "nearly moist", stdout: `{"predicted_rainfall_mm": 1}`, moisture: 39, required: true, reason: "Dry conditions", mm: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.runner.stdout = tt.stdout
			input := map[string]interface{}{"temperature": 30.0, "humidity": 40.0, "soilMoisture": tt.moisture}
			result, err := env.service.Predict(context.Background(), types.KindRainfall, input)
			if err != nil {
				t.Fatalf("Predict failed: %v", err)
			}
			if _, ok := result.Value.(float64); !ok {
				t.Errorf("Expected numeric rainfall, got %T", result.Value)
			}
			adv := result.Irrigation
			if adv == nil || adv.Required != tt.required || adv.Reason != tt.reason {
				t.Fatalf("Unexpected advice %+v", adv)
			}
			if tt.required && (adv.SuggestedMm == nil || *adv.SuggestedMm != tt.mm) {
				t.Errorf("Expected %d mm, got %v", tt.mm, adv.SuggestedMm)
			}
			if result.Source != "rainfall_model.pkl" {
				t.Errorf("Unexpected source %q", result.Source)
			}
			if len(env.runner.lastArgs) != 5 || env.runner.lastArgs[3] != "0" {
				t.Errorf("Unexpected args %v", env.runner.lastArgs)
			}
		})
	}
}

func TestPredictPersistenceAndMetricsFailuresAreAbsorbed(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()
	env.runner.stdout = `{"predictedCrop": "maize"}`
	env.store.failWrites = true
	env.store.failMetrics = true

	result, err := env.service.Predict(context.Background(), types.KindCrop, fullInput(types.KindCrop))
	if err != nil {
		t.Fatalf("Predict should succeed, got %v", err)
	}
	if result.Saved {
		t.Error("Expected saved=false after a failed write")
	}
	if result.Metrics != nil {
		t.Error("Expected nil metrics after a failed lookup")
	}
	if result.Value != "maize" {
		t.Errorf("Expected maize, got %v", result.Value)
	}
}

func TestPredictRecordsHistory(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()
	env.runner.stdout = `{"predicted_yield_per_ha": 2.5}`

	result, err := env.service.Predict(context.Background(), types.KindYield, fullInput(types.KindYield))
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}

	kind := types.KindYield
	rows, total, err := env.store.ListPredictions(context.Background(), storage.PredictionFilter{Kind: &kind})
	if err != nil {
		t.Fatalf("ListPredictions failed: %v", err)
	}
	if total != 1 || len(rows) != 1 {
		t.Fatalf("Expected 1 row, got %d (total %d)", len(rows), total)
	}
	if rows[0].ID != result.RecordID {
		t.Errorf("Expected record %s, got %s", result.RecordID, rows[0].ID)
	}
	if rows[0].Inputs["crop"] != "Rice" {
		t.Errorf("Expected crop input to be stored, got %v", rows[0].Inputs)
	}
}

func TestModelStatuses(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()
	env.writeArtifact(t, "yield_model.pkl")

	statuses, err := env.service.ModelStatuses(context.Background())
	if err != nil {
		t.Fatalf("ModelStatuses failed: %v", err)
	}
	if len(statuses) != len(types.AllKinds) {
		t.Fatalf("Expected %d statuses, got %d", len(types.AllKinds), len(statuses))
	}
	for _, st := range statuses {
		switch st.Kind {
		case types.KindYield:
			if !st.Exists || st.SizeBytes != int64(len("model")) || st.ModifiedAt == nil {
				t.Errorf("Unexpected yield status %+v", st)
			}
		case types.KindSoilHealth:
			if st.Exists || !st.LazyTrain {
				t.Errorf("Unexpected soil status %+v", st)
			}
		default:
			if st.Exists || st.LazyTrain {
				t.Errorf("Unexpected %s status %+v", st.Kind, st)
			}
		}
	}
}

func fullInput(kind types.ModelKind) map[string]interface{} {
	switch kind {
	case types.KindSoilHealth:
		return soilInput()
	case types.KindCrop:
		return map[string]interface{}{"temperature": 25.0, "humidity": 70.0, "rainfall": 150.0}
	case types.KindRainfall:
		return map[string]interface{}{"temperature": 30.0, "humidity": 40.0, "soilMoisture": 20.0}
	case types.KindYield:
		return map[string]interface{}{"area": 2.0, "rainfall": 800.0, "temperature": 27.0, "crop": "Rice"}
	}
	return nil
}

func TestPredictDiseaseKeepsNoHistory(t *testing.T) {
	env, cleanup := setupTestService(t)
	defer cleanup()
	env.runner.stdout = `{"disease": "Tomato Early Blight", "confidence": 88.5, "recommendation": "Use copper-based fungicides."}`

	result, err := env.service.Predict(context.Background(), types.KindDisease,
		map[string]interface{}{"imagePath": "/tmp/leaf-1.png"})
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if result.Value != "Tomato Early Blight" {
		t.Errorf("Unexpected disease %v", result.Value)
	}
	if result.Confidence == nil || *result.Confidence != 88.5 {
		t.Errorf("Expected confidence 88.5, got %v", result.Confidence)
	}
	if result.Suggestion != "Use copper-based fungicides." {
		t.Errorf("Unexpected recommendation %q", result.Suggestion)
	}
	if got := strings.Join(env.runner.lastArgs, " "); got != "/tmp/leaf-1.png" {
		t.Errorf("Expected the image path as the only arg, got %q", got)
	}
	if result.Saved || result.RecordID != "" {
		t.Error("Disease predictions should not be recorded")
	}

	_, total, err := env.store.ListPredictions(context.Background(), storage.PredictionFilter{})
	if err != nil {
		t.Fatalf("ListPredictions failed: %v", err)
	}
	if total != 0 {
		t.Errorf("Expected no history rows, got %d", total)
	}

	_, err = env.service.Predict(context.Background(), types.KindDisease, map[string]interface{}{})
	if err == nil || err.Error() != "imagePath is required" {
		t.Errorf("Expected a missing image error, got %v", err)
	}
}
