package camera

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Push holds the latest frame uploaded by the kiosk page. The browser owns the
// actual device; Start only opens the buffer.
type Push struct {
	clock  clockwork.Clock
	maxAge time.Duration

	mu     sync.Mutex
	active bool
	frame  []byte
	at     time.Time
}

// NewPush creates a push buffer. Frames older than maxAge are treated as missing.
func NewPush(clock clockwork.Clock, maxAge time.Duration) *Push {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if maxAge <= 0 {
		maxAge = time.Second
	}
	return &Push{clock: clock, maxAge: maxAge}
}

// Start opens the buffer and drops any frame left from a previous session.
func (p *Push) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = true
	p.frame = nil
	return nil
}

// Stop closes the buffer and drops the held frame.
func (p *Push) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = false
	p.frame = nil
}

// Active reports whether frames are being accepted.
func (p *Push) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Put normalizes and stores a frame.
func (p *Push) Put(data []byte) error {
	if !p.Active() {
		return ErrNotActive
	}
	frame, err := Normalize(data)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return ErrNotActive
	}
	p.frame = frame
	p.at = p.clock.Now()
	return nil
}

// Frame returns the held frame if it is fresh enough.
func (p *Push) Frame(context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return nil, ErrNotActive
	}
	if p.frame == nil || p.clock.Since(p.at) > p.maxAge {
		return nil, ErrNoFrame
	}
	return p.frame, nil
}
