// Package detection wraps the face-model runtime behind a load-once,
// never-failing detect call.
package detection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"facekiosk/internal/faceclient"
)

// ErrModelsLoad is the fixed message shown when model assets cannot be loaded.
var ErrModelsLoad = errors.New("Failed to load face detection models")

// Models are loaded from the asset location in this order.
var Models = []string{"tiny_face_detector", "face_landmark_68", "face_recognition"}

// Result is either Detected or NotDetected.
type Result interface {
	isResult()
}

// Detected carries the descriptor of the single face found in a frame.
type Detected struct {
	Descriptor []float32
	Score      float64
}

// NotDetected means no face, no frame, models not ready or a runtime failure.
type NotDetected struct{}

func (Detected) isResult()    {}
func (NotDetected) isResult() {}

// Runtime is the face-model backend.
type Runtime interface {
	LoadModel(ctx context.Context, name, uri string) error
	Detect(ctx context.Context, frame []byte) (*faceclient.DetectResult, error)
}

// Adapter loads models once and exposes DetectFace.
type Adapter struct {
	runtime  Runtime
	modelURL string
	log      *slog.Logger

	loaded   atomic.Bool
	loadOnce sync.Once
	done     chan struct{}

	mu      sync.RWMutex
	loadErr error
}

// NewAdapter creates an adapter; call Load (or LoadAsync) before detecting.
func NewAdapter(rt Runtime, modelURL string, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{runtime: rt, modelURL: modelURL, log: log, done: make(chan struct{})}
}

// Load loads all models concurrently. It runs at most once; a failure is
// permanent and later calls return the same error.
func (a *Adapter) Load(ctx context.Context) error {
	a.loadOnce.Do(func() {
		defer close(a.done)
		g, gctx := errgroup.WithContext(ctx)
		for _, name := range Models {
			g.Go(func() error {
				return a.runtime.LoadModel(gctx, name, a.modelURL)
			})
		}
		if err := g.Wait(); err != nil {
			a.log.Error("face model load failed", "error", err, "model_url", a.modelURL)
			a.mu.Lock()
			a.loadErr = ErrModelsLoad
			a.mu.Unlock()
			return
		}
		a.loaded.Store(true)
		a.log.Info("face models loaded", "models", Models)
	})
	<-a.done
	return a.Err()
}

// LoadAsync starts Load in the background.
func (a *Adapter) LoadAsync(ctx context.Context) {
	go func() { _ = a.Load(ctx) }()
}

// Done is closed when loading has finished, successfully or not.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

// ModelsLoaded reports whether all models are ready.
func (a *Adapter) ModelsLoaded() bool {
	return a.loaded.Load()
}

// Err returns ErrModelsLoad after a failed load, nil otherwise.
func (a *Adapter) Err() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.loadErr
}

// DetectFace never blocks on loading and never fails: anything other than a
// found face is NotDetected.
func (a *Adapter) DetectFace(ctx context.Context, frame []byte) Result {
	if !a.loaded.Load() || len(frame) == 0 {
		return NotDetected{}
	}
	res, err := a.runtime.Detect(ctx, frame)
	if err != nil {
		if ctx.Err() == nil {
			a.log.Debug("face detection failed", "error", err)
		}
		return NotDetected{}
	}
	if res == nil || !res.Found {
		return NotDetected{}
	}
	return Detected{Descriptor: res.Descriptor, Score: res.Score}
}
