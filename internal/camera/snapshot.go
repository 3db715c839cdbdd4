package camera

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"
)

// Snapshot reads frames from an HTTP snapshot endpoint (IP camera or webcam bridge).
type Snapshot struct {
	url    string
	client *http.Client
	log    *slog.Logger
	active atomic.Bool
}

// NewSnapshot creates a snapshot camera. The target resolution is appended to
// every request as width/height query parameters.
func NewSnapshot(rawURL string, log *slog.Logger) *Snapshot {
	if log == nil {
		log = slog.Default()
	}
	return &Snapshot{
		url:    rawURL,
		client: &http.Client{Timeout: 2 * time.Second},
		log:    log,
	}
}

// Start probes the endpoint once.
func (s *Snapshot) Start(ctx context.Context) error {
	if _, err := s.fetch(ctx); err != nil {
		s.log.Warn("camera start failed", "error", err)
		s.active.Store(false)
		return ErrCameraAccess
	}
	s.active.Store(true)
	return nil
}

// Stop marks the camera inactive.
func (s *Snapshot) Stop() {
	s.active.Store(false)
}

// Active reports whether Start succeeded and Stop has not been called.
func (s *Snapshot) Active() bool {
	return s.active.Load()
}

// Frame fetches a fresh frame.
func (s *Snapshot) Frame(ctx context.Context) ([]byte, error) {
	if !s.active.Load() {
		return nil, ErrNotActive
	}
	return s.fetch(ctx)
}

func (s *Snapshot) fetch(ctx context.Context) ([]byte, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return nil, fmt.Errorf("camera url: %w", err)
	}
	q := u.Query()
	q.Set("width", strconv.Itoa(Width))
	q.Set("height", strconv.Itoa(Height))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("camera request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("camera error %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return Normalize(data)
}
