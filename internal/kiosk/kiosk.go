// Package kiosk runs one attendance session at a time: it owns the camera,
// polls the detector on a fixed interval, feeds the debounce machine and
// records attendance on confirmation.
package kiosk

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"facekiosk/internal/attendance"
	"facekiosk/internal/camera"
	"facekiosk/internal/debounce"
	"facekiosk/internal/detection"
	"facekiosk/internal/metrics"
)

// RecordFailedMessage is shown when the store rejects an attendance write.
const RecordFailedMessage = "Failed to record attendance"

var (
	// ErrNameRequired is returned when the trimmed name is empty.
	ErrNameRequired = errors.New("Please enter your name first")
	// ErrModelsNotLoaded is returned when a session is started before the models are ready.
	ErrModelsNotLoaded = errors.New("face detection models not loaded")
	// ErrSessionActive is returned when starting while a session is running.
	ErrSessionActive = errors.New("session already active")
)

// Detector is the detection adapter.
type Detector interface {
	ModelsLoaded() bool
	Err() error
	DetectFace(ctx context.Context, frame []byte) detection.Result
}

// Recorder writes attendance and lists recent records.
type Recorder interface {
	MarkAttendance(ctx context.Context, in attendance.Checkin) (attendance.Record, error)
	Recent(ctx context.Context) ([]attendance.Record, error)
}

// Options configures a Kiosk.
type Options struct {
	PollInterval time.Duration
	Debounce     debounce.Config
	WriteTimeout time.Duration
	Clock        clockwork.Clock
	Logger       *slog.Logger
}

// Status is a snapshot of everything the kiosk page displays.
type Status struct {
	ModelsLoaded bool   `json:"models_loaded"`
	ModelError   string `json:"model_error,omitempty"`
	CameraActive bool   `json:"camera_active"`
	CameraError  string `json:"camera_error,omitempty"`
	Polling      bool   `json:"polling"`
	State        string `json:"state"`
	Name         string `json:"name,omitempty"`
	FaceDetected bool   `json:"face_detected"`
	Timer        int    `json:"timer"`
	Required     int    `json:"required"`
	Marked       bool   `json:"marked"`
	RecordError  string `json:"record_error,omitempty"`
}

// Kiosk owns a single camera and at most one active session.
type Kiosk struct {
	cam      camera.Source
	det      Detector
	rec      Recorder
	clock    clockwork.Clock
	cfg      debounce.Config
	poll     time.Duration
	writeTTL time.Duration
	log      *slog.Logger

	// ops serializes Start and Stop.
	ops sync.Mutex

	mu          sync.Mutex
	machine     debounce.Machine
	name        string
	gen         uint64
	cancel      context.CancelFunc
	done        chan struct{}
	polling     bool
	cameraErr   string
	recordErr   string
	records     []attendance.Record
	lastFrame   []byte
	lastDesc    []float32
	cooldown    clockwork.Timer
	inflight    sync.WaitGroup
	afterTick   func()
	afterRecord func()
}

// New creates a kiosk.
func New(cam camera.Source, det Detector, rec Recorder, opts Options) *Kiosk {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.Debounce.Required <= 0 {
		opts.Debounce = debounce.DefaultConfig
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Kiosk{
		cam:      cam,
		det:      det,
		rec:      rec,
		clock:    opts.Clock,
		cfg:      opts.Debounce,
		poll:     opts.PollInterval,
		writeTTL: opts.WriteTimeout,
		log:      opts.Logger,
		records:  []attendance.Record{},
	}
}

// Start arms a session for name: opens the camera, loads the records list and
// begins polling.
func (k *Kiosk) Start(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNameRequired
	}
	if !k.det.ModelsLoaded() {
		return ErrModelsNotLoaded
	}

	k.ops.Lock()
	defer k.ops.Unlock()

	k.mu.Lock()
	active := k.cancel != nil
	k.mu.Unlock()
	if active {
		return ErrSessionActive
	}

	if err := k.cam.Start(ctx); err != nil {
		k.cam.Stop()
		k.mu.Lock()
		k.cameraErr = err.Error()
		k.mu.Unlock()
		return err
	}

	records, err := k.rec.Recent(ctx)
	if err != nil {
		k.log.Warn("load attendance records failed", "error", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	ticker := k.clock.NewTicker(k.poll)
	done := make(chan struct{})

	k.mu.Lock()
	k.gen++
	gen := k.gen
	k.name = name
	k.cancel = cancel
	k.done = done
	k.polling = true
	k.cameraErr = ""
	k.recordErr = ""
	k.lastFrame, k.lastDesc = nil, nil
	if records != nil {
		k.records = records
	}
	k.machine = k.cfg.Arm(k.clock.Now())
	k.mu.Unlock()

	metrics.SessionActive.Set(1)
	k.log.Info("session started", "name", name)

	go k.loop(sessCtx, gen, ticker, done)
	return nil
}

// Stop cancels polling, waits for the poll loop to exit and releases the
// camera. Results that arrive afterwards are discarded. Safe to call when idle.
func (k *Kiosk) Stop() {
	k.ops.Lock()
	defer k.ops.Unlock()

	k.mu.Lock()
	cancel, done := k.cancel, k.done
	k.gen++
	k.cancel, k.done = nil, nil
	k.polling = false
	k.machine = k.cfg.Disarm(k.machine)
	k.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		k.log.Info("session stopped")
	}
	k.cam.Stop()
	metrics.SessionActive.Set(0)
}

// Close stops the session and waits for in-flight attendance writes.
func (k *Kiosk) Close() {
	k.Stop()
	k.inflight.Wait()
	k.mu.Lock()
	if k.cooldown != nil {
		k.cooldown.Stop()
	}
	k.mu.Unlock()
}

// Status returns the current snapshot, applying the cooldown first.
func (k *Kiosk) Status() Status {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.machine = k.cfg.Expire(k.machine, k.clock.Now())

	st := Status{
		ModelsLoaded: k.det.ModelsLoaded(),
		CameraActive: k.cam.Active(),
		CameraError:  k.cameraErr,
		Polling:      k.polling,
		State:        k.machine.State.String(),
		Name:         k.name,
		FaceDetected: k.machine.FaceDetected,
		Timer:        k.machine.Elapsed,
		Required:     k.cfg.RequiredSeconds(),
		Marked:       k.machine.Marked,
		RecordError:  k.recordErr,
	}
	if err := k.det.Err(); err != nil {
		st.ModelError = err.Error()
	}
	return st
}

// Records returns the displayed list of recent attendance records.
func (k *Kiosk) Records() []attendance.Record {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]attendance.Record(nil), k.records...)
}

func (k *Kiosk) loop(ctx context.Context, gen uint64, ticker clockwork.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			// ticks are serialized: a tick that comes due while this one is
			// still detecting is dropped by the ticker
			stop := k.tick(ctx, gen)
			if k.afterTick != nil {
				k.afterTick()
			}
			if stop {
				return
			}
		}
	}
}

// tick runs one poll. It returns true when polling must end.
func (k *Kiosk) tick(ctx context.Context, gen uint64) bool {
	var (
		frame  []byte
		result detection.Result = detection.NotDetected{}
	)
	if f, err := k.cam.Frame(ctx); err != nil {
		metrics.Detections.WithLabelValues("no_frame").Inc()
	} else {
		frame = f
		result = k.det.DetectFace(ctx, frame)
	}

	found, ok := result.(detection.Detected)
	if ok {
		metrics.Detections.WithLabelValues("detected").Inc()
	} else if frame != nil {
		metrics.Detections.WithLabelValues("not_detected").Inc()
	}

	k.mu.Lock()
	if gen != k.gen || ctx.Err() != nil {
		k.mu.Unlock()
		return true
	}
	var ev debounce.Event
	k.machine, ev = k.cfg.Step(k.machine, ok, k.clock.Now())
	if ok {
		k.lastFrame, k.lastDesc = frame, found.Descriptor
	}
	if ev != debounce.Confirm {
		k.mu.Unlock()
		return false
	}
	// confirmation cancels polling before the write is started
	k.polling = false
	in := attendance.Checkin{Name: k.name, Descriptor: k.lastDesc, Frame: k.lastFrame}
	k.inflight.Add(1)
	k.mu.Unlock()

	metrics.Confirmations.Inc()
	k.log.Info("continuous detection confirmed", "name", in.Name, "required_seconds", k.cfg.RequiredSeconds())
	go k.record(ctx, gen, in)
	return true
}

// record writes attendance outside the poll loop. The write itself is not
// cancelled by Stop; its result is only applied if the session is unchanged.
func (k *Kiosk) record(ctx context.Context, gen uint64, in attendance.Checkin) {
	defer k.inflight.Done()
	if k.afterRecord != nil {
		defer k.afterRecord()
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.writeTTL)
	defer cancel()

	_, err := k.rec.MarkAttendance(wctx, in)
	if err != nil {
		k.log.Error("mark attendance failed", "name", in.Name, "error", err)
		k.mu.Lock()
		if gen == k.gen {
			k.recordErr = RecordFailedMessage
			k.machine = k.cfg.Fail(k.machine)
		}
		k.mu.Unlock()
		return
	}

	k.mu.Lock()
	if gen != k.gen {
		k.mu.Unlock()
		return
	}
	k.machine = k.cfg.Acknowledge(k.machine, k.clock.Now())
	k.mu.Unlock()

	timer := k.clock.AfterFunc(k.cfg.Cooldown, k.expire)
	k.mu.Lock()
	if k.cooldown != nil {
		k.cooldown.Stop()
	}
	k.cooldown = timer
	k.mu.Unlock()

	records, err := k.rec.Recent(wctx)
	if err != nil {
		k.log.Warn("refresh attendance records failed", "error", err)
		return
	}
	k.mu.Lock()
	if gen == k.gen {
		k.records = records
	}
	k.mu.Unlock()
}

func (k *Kiosk) expire() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.machine = k.cfg.Expire(k.machine, k.clock.Now())
}
