package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/georgeshao/farmcast/pkg/types"
)

const pipeWaitDelay = 2 * time.Second

type Scripts struct {
	Predict string
	Train   string
}

type Config struct {
	Python               string
	MLDir                string
	MaxProcesses         int
	PredictionsPerSecond float64
	ProcessTimeout       time.Duration // zero means processes run to completion
	Scripts              map[types.ModelKind]Scripts
}

func DefaultScripts() map[types.ModelKind]Scripts {
	return map[types.ModelKind]Scripts{
		types.KindSoilHealth: {Predict: "predict_soil.py", Train: "train_soil.py"},
		types.KindCrop:       {Predict: "predict.py", Train: "train_model.py"},
		types.KindRainfall:   {Predict: "predict_rain.py", Train: "train_rainfall.py"},
		types.KindYield:      {Predict: "predict_yield.py", Train: "train_yield.py"},
		types.KindDisease:    {Predict: "predict_disease.py"},
	}
}

func DefaultConfig() Config {
	return Config{
		MLDir:                "./ml",
		MaxProcesses:         4,
		PredictionsPerSecond: 10,
		Scripts:              DefaultScripts(),
	}
}

type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// ExitError is returned when a script could not be started or exited with a
// non-zero status. Output holds whatever the process wrote before failing.
type ExitError struct {
	Script string
	Output *Output
	Err    error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Script, e.Output.ExitCode)
	if e.Output.ExitCode < 0 {
		msg = fmt.Sprintf("%s failed to start", e.Script)
	}
	if stderr := strings.TrimSpace(e.Output.Stderr); stderr != "" {
		return msg + ": " + stderr
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ProcessRunner invokes model scripts as child processes.
type ProcessRunner struct {
	config       Config
	sem          chan struct{}
	mu           sync.Mutex
	rateLimiters map[types.ModelKind]*rate.Limiter
}

func New(config Config) *ProcessRunner {
	if config.MaxProcesses <= 0 {
		config.MaxProcesses = 1
	}
	if config.Scripts == nil {
		config.Scripts = DefaultScripts()
	}
	// scripts run with MLDir as their working directory, so relative paths
	// must be resolved against the process cwd before that happens
	if abs, err := filepath.Abs(config.MLDir); err == nil {
		config.MLDir = abs
	}
	if config.Python == "" {
		config.Python = ResolvePython(config.MLDir)
	} else if strings.ContainsRune(config.Python, filepath.Separator) && !filepath.IsAbs(config.Python) {
		if abs, err := filepath.Abs(config.Python); err == nil {
			config.Python = abs
		}
	}
	return &ProcessRunner{
		config:       config,
		sem:          make(chan struct{}, config.MaxProcesses),
		rateLimiters: make(map[types.ModelKind]*rate.Limiter),
	}
}

func (r *ProcessRunner) Config() Config {
	return r.config
}

// Predict runs the prediction script for kind with positional args.
func (r *ProcessRunner) Predict(ctx context.Context, kind types.ModelKind, args []string) (*Output, error) {
	scripts, ok := r.config.Scripts[kind]
	if !ok || scripts.Predict == "" {
		return nil, fmt.Errorf("no prediction script configured for %s", kind)
	}

	if err := r.getRateLimiter(kind).Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	return r.run(ctx, scripts.Predict, args)
}

// Train runs the training script for kind with no arguments.
func (r *ProcessRunner) Train(ctx context.Context, kind types.ModelKind) (*Output, error) {
	scripts, ok := r.config.Scripts[kind]
	if !ok || scripts.Train == "" {
		return nil, fmt.Errorf("no training script configured for %s", kind)
	}
	return r.run(ctx, scripts.Train, nil)
}

func (r *ProcessRunner) run(ctx context.Context, script string, args []string) (*Output, error) {
	r.sem <- struct{}{}
	defer func() { <-r.sem }()

	if r.config.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.ProcessTimeout)
		defer cancel()
	}

	scriptPath := filepath.Join(r.config.MLDir, script)
	cmdArgs := append([]string{scriptPath}, args...)
	cmd := exec.CommandContext(ctx, r.config.Python, cmdArgs...)
	cmd.Dir = r.config.MLDir
	// don't hang on pipes held open by grandchildren once the script is gone
	cmd.WaitDelay = pipeWaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	out := &Output{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err == nil {
		return out, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
	} else {
		out.ExitCode = -1
	}
	if ctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("%s timed out after %v: %w", script, r.config.ProcessTimeout, err)
	}
	log.Printf("[runner] %s failed after %v: %v", script, out.Duration.Round(time.Millisecond), err)

	return out, &ExitError{Script: script, Output: out, Err: err}
}

func (r *ProcessRunner) getRateLimiter(kind types.ModelKind) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limiter, ok := r.rateLimiters[kind]; ok {
		return limiter
	}

	limit := rate.Inf
	if r.config.PredictionsPerSecond > 0 {
		limit = rate.Limit(r.config.PredictionsPerSecond)
	}
	limiter := rate.NewLimiter(limit, 1)
	r.rateLimiters[kind] = limiter
	return limiter
}

// ResolvePython prefers a project virtualenv next to the ML directory and
// falls back to whatever interpreter is on PATH.
func ResolvePython(mlDir string) string {
	for _, candidate := range []string{
		filepath.Join(mlDir, "..", ".venv", "bin", "python"),
		filepath.Join(mlDir, "..", ".venv", "Scripts", "python.exe"),
	} {
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return candidate
		}
	}
	for _, name := range []string{"python3", "python"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	return "python3"
}
