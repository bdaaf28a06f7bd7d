package training

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/georgeshao/farmcast/internal/parse"
	"github.com/georgeshao/farmcast/internal/runner"
	"github.com/georgeshao/farmcast/internal/storage"
	"github.com/georgeshao/farmcast/pkg/types"
)

// Trainer runs the training executable for a model kind.
type Trainer interface {
	Train(ctx context.Context, kind types.ModelKind) (*runner.Output, error)
}

type TrainingFailedError struct {
	Kind   types.ModelKind
	Stdout string
	Stderr string
	Err    error
}

func (e *TrainingFailedError) Error() string {
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		return fmt.Sprintf("training %s failed: %s", e.Kind, stderr)
	}
	return fmt.Sprintf("training %s failed: %v", e.Kind, e.Err)
}

func (e *TrainingFailedError) Unwrap() error {
	return e.Err
}

// Guard coalesces concurrent training requests so that at most one training
// process per kind is running at a time. Every caller that joins a run
// observes that run's outcome; the slot is cleared once the run settles.
type Guard struct {
	trainer Trainer
	store   storage.Store
	group   singleflight.Group

	mu       sync.Mutex
	inFlight map[types.ModelKind]int // running trainer processes, lazy and admin
	waiters  map[types.ModelKind]int
}

func NewGuard(trainer Trainer, store storage.Store) *Guard {
	return &Guard{
		trainer:  trainer,
		store:    store,
		inFlight: make(map[types.ModelKind]int),
		waiters:  make(map[types.ModelKind]int),
	}
}

// EnsureTrained starts a training run for kind, or joins the one already in
// flight, and waits for it to settle. A cancelled ctx stops the wait but not
// the shared run.
func (g *Guard) EnsureTrained(ctx context.Context, kind types.ModelKind) error {
	ch := g.group.DoChan(string(kind), func() (interface{}, error) {
		_, _, err := g.run(context.Background(), kind)
		return nil, err
	})

	// counted after DoChan so a waiter is only visible once it has joined
	g.addWaiter(kind, 1)
	defer g.addWaiter(kind, -1)

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrainNow runs training directly, without coalescing, and returns the raw
// process output together with the latest metrics for kind.
func (g *Guard) TrainNow(ctx context.Context, kind types.ModelKind) (*runner.Output, *storage.MetricsRecord, error) {
	ctx = context.WithoutCancel(ctx)

	out, rec, err := g.run(ctx, kind)
	if err != nil {
		return out, nil, err
	}
	if rec != nil {
		return out, rec, nil
	}

	latest, err := g.store.LatestMetrics(ctx, kind)
	if err != nil {
		log.Printf("[%s] Failed to read back metrics: %v", kind, err)
		return out, nil, nil
	}
	return out, latest, nil
}

func (g *Guard) InFlight(kind types.ModelKind) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight[kind] > 0
}

// Waiters reports how many EnsureTrained callers are currently waiting on kind.
func (g *Guard) Waiters(kind types.ModelKind) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters[kind]
}

func (g *Guard) addWaiter(kind types.ModelKind, delta int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.waiters[kind] += delta
	if g.waiters[kind] <= 0 {
		delete(g.waiters, kind)
	}
}

func (g *Guard) addInFlight(kind types.ModelKind, delta int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight[kind] += delta
	if g.inFlight[kind] <= 0 {
		delete(g.inFlight, kind)
	}
}

func (g *Guard) run(ctx context.Context, kind types.ModelKind) (*runner.Output, *storage.MetricsRecord, error) {
	g.addInFlight(kind, 1)
	defer g.addInFlight(kind, -1)

	start := time.Now()
	log.Printf("[%s] Training started", kind)

	out, err := g.trainer.Train(ctx, kind)
	if err != nil {
		log.Printf("[%s] Training failed after %v: %v", kind, time.Since(start).Round(time.Millisecond), err)
		tfe := &TrainingFailedError{Kind: kind, Err: err}
		if out != nil {
			tfe.Stdout = out.Stdout
			tfe.Stderr = out.Stderr
		}
		return out, nil, tfe
	}

	log.Printf("[%s] Training finished in %v", kind, time.Since(start).Round(time.Millisecond))

	return out, g.recordMetrics(ctx, kind, out.Stdout), nil
}

// recordMetrics stores the last JSON object the trainer printed. Returns nil
// when nothing was reported or the write failed.
func (g *Guard) recordMetrics(ctx context.Context, kind types.ModelKind, stdout string) *storage.MetricsRecord {
	obj, ok := parse.LastObject(stdout)
	if !ok {
		log.Printf("[%s] Trainer reported no metrics", kind)
		return nil
	}

	metrics := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		switch k {
		case "_id", "createdAt", "created_at", "kind":
			continue
		}
		metrics[k] = v
	}

	rec := &storage.MetricsRecord{
		ID:        "mx_" + uuid.New().String(),
		Kind:      kind,
		Metrics:   metrics,
		CreatedAt: time.Now().UTC(),
	}
	if err := g.store.CreateMetrics(ctx, rec); err != nil {
		log.Printf("[%s] Failed to save training metrics: %v", kind, err)
		return nil
	}
	return rec
}
