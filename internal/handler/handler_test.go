package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"

	"facekiosk/internal/attendance"
	"facekiosk/internal/auth"
	"facekiosk/internal/camera"
	"facekiosk/internal/httpmiddleware"
	"facekiosk/internal/kiosk"
)

type fakeKiosk struct {
	startErr error
	started  string
	stopped  int
	records  []attendance.Record
}

func (k *fakeKiosk) Start(_ context.Context, name string) error {
	if k.startErr != nil {
		return k.startErr
	}
	k.started = name
	return nil
}
func (k *fakeKiosk) Stop() { k.stopped++ }
func (k *fakeKiosk) Status() kiosk.Status {
	return kiosk.Status{ModelsLoaded: true, Name: k.started, Polling: k.started != "", Required: 3, State: "armed"}
}
func (k *fakeKiosk) Records() []attendance.Record { return k.records }

type fakeFrames struct {
	got []byte
	err error
}

func (f *fakeFrames) Put(data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.got = data
	return nil
}

type fakeDevices struct {
	mu     sync.Mutex
	tokens map[string]string // token -> device
	err    error
}

func (d *fakeDevices) UpsertDevice(context.Context, string) error { return d.err }

func (d *fakeDevices) SaveRefreshToken(_ context.Context, deviceID, token string, _ time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tokens == nil {
		d.tokens = map[string]string{}
	}
	d.tokens[token] = deviceID
	return nil
}

func (d *fakeDevices) ConsumeRefreshToken(_ context.Context, token string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.tokens[token]
	if !ok {
		return "", attendance.ErrTokenRevoked
	}
	delete(d.tokens, token)
	return id, nil
}

type fakeRecords struct {
	userID        string
	limit, offset int
	err           error
}

func (r *fakeRecords) ListRecords(_ context.Context, userID string, limit, offset int) ([]attendance.Record, error) {
	r.userID, r.limit, r.offset = userID, limit, offset
	if r.err != nil {
		return nil, r.err
	}
	return nil, nil
}

type env struct {
	router  *gin.Engine
	kiosk   *fakeKiosk
	frames  *fakeFrames
	devices *fakeDevices
	records *fakeRecords
	issuer  *auth.Issuer
	token   string
}

func newEnv(t *testing.T, checks map[string]Check) *env {
	t.Helper()
	return newEnvWith(t, checks, RouterOptions{})
}

func newEnvWith(t *testing.T, checks map[string]Check, opts RouterOptions) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	e := &env{
		kiosk:   &fakeKiosk{},
		frames:  &fakeFrames{},
		devices: &fakeDevices{},
		records: &fakeRecords{},
		issuer:  auth.NewIssuer("facekiosk", "test-key", time.Minute, time.Hour),
	}
	h := New(Deps{
		Kiosk:   e.kiosk,
		Frames:  e.frames,
		Devices: e.devices,
		Records: e.records,
		Issuer:  e.issuer,
		Checks:  checks,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	e.router = h.Router(opts)

	pair, err := e.issuer.Issue("kiosk-1", auth.RoleKiosk)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	e.token = pair.AccessToken
	return e
}

func (e *env) do(method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *env) json(method, path, body string) *httptest.ResponseRecorder {
	return e.do(method, path, strings.NewReader(body), "application/json")
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	e := newEnv(t, map[string]Check{
		"db":    func(context.Context) error { return nil },
		"redis": func(context.Context) error { return errors.New("down") },
	})
	w := e.do(http.MethodGet, "/healthz", nil, "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	decode(t, w, &body)
	if body["db"] != true || body["redis"] != false || body["status"] != "degraded" {
		t.Errorf("body = %v", body)
	}

	ok := newEnv(t, map[string]Check{"db": func(context.Context) error { return nil }})
	if w := ok.do(http.MethodGet, "/healthz", nil, ""); w.Code != http.StatusOK {
		t.Errorf("healthy status = %d", w.Code)
	}
}

func TestKioskRoutesRequireToken(t *testing.T) {
	e := newEnv(t, nil)
	e.token = ""
	for _, path := range []string{"/v1/kiosk", "/v1/kiosk/records", "/v1/records"} {
		if w := e.do(http.MethodGet, path, nil, ""); w.Code != http.StatusUnauthorized {
			t.Errorf("%s status = %d, want 401", path, w.Code)
		}
	}
}

func TestStartSession(t *testing.T) {
	tests := []struct {
		name     string
		startErr error
		want     int
	}{
		{"ok", nil, http.StatusAccepted},
		{"blank name", kiosk.ErrNameRequired, http.StatusBadRequest},
		{"already active", kiosk.ErrSessionActive, http.StatusConflict},
		{"models loading", kiosk.ErrModelsNotLoaded, http.StatusServiceUnavailable},
		{"camera denied", camera.ErrCameraAccess, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, nil)
			e.kiosk.startErr = tt.startErr
			w := e.json(http.MethodPost, "/v1/kiosk/session", `{"name":"Alice"}`)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestStartSession_CameraErrorMessage(t *testing.T) {
	e := newEnv(t, nil)
	e.kiosk.startErr = camera.ErrCameraAccess
	w := e.json(http.MethodPost, "/v1/kiosk/session", `{"name":"Alice"}`)
	var body struct {
		Error string `json:"error"`
	}
	decode(t, w, &body)
	if body.Error != "Failed to access camera" {
		t.Errorf("error = %q", body.Error)
	}
}

func TestStopSessionAndStatus(t *testing.T) {
	e := newEnv(t, nil)
	if w := e.json(http.MethodPost, "/v1/kiosk/session", `{"name":"Bob"}`); w.Code != http.StatusAccepted {
		t.Fatalf("start status = %d", w.Code)
	}

	w := e.do(http.MethodGet, "/v1/kiosk", nil, "")
	var st kiosk.Status
	decode(t, w, &st)
	if st.Name != "Bob" || !st.Polling || st.Required != 3 {
		t.Errorf("status = %+v", st)
	}

	if w := e.do(http.MethodDelete, "/v1/kiosk/session", nil, ""); w.Code != http.StatusOK {
		t.Errorf("stop status = %d", w.Code)
	}
	if e.kiosk.stopped != 1 {
		t.Errorf("stopped = %d", e.kiosk.stopped)
	}
}

func TestPushFrame(t *testing.T) {
	t.Run("raw body", func(t *testing.T) {
		e := newEnv(t, nil)
		w := e.do(http.MethodPost, "/v1/kiosk/frames", bytes.NewReader([]byte("jpeg")), "image/jpeg")
		if w.Code != http.StatusNoContent || string(e.frames.got) != "jpeg" {
			t.Errorf("status = %d got = %q", w.Code, e.frames.got)
		}
	})

	t.Run("multipart", func(t *testing.T) {
		e := newEnv(t, nil)
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, _ := mw.CreateFormFile("frame", "frame.jpg")
		_, _ = part.Write([]byte("from-form"))
		mw.Close()
		w := e.do(http.MethodPost, "/v1/kiosk/frames", &buf, mw.FormDataContentType())
		if w.Code != http.StatusNoContent || string(e.frames.got) != "from-form" {
			t.Errorf("status = %d got = %q", w.Code, e.frames.got)
		}
	})

	t.Run("inactive camera", func(t *testing.T) {
		e := newEnv(t, nil)
		e.frames.err = camera.ErrNotActive
		w := e.do(http.MethodPost, "/v1/kiosk/frames", strings.NewReader("jpeg"), "image/jpeg")
		if w.Code != http.StatusConflict {
			t.Errorf("status = %d", w.Code)
		}
	})

	t.Run("undecodable", func(t *testing.T) {
		e := newEnv(t, nil)
		e.frames.err = errors.New("decode frame: unknown format")
		w := e.do(http.MethodPost, "/v1/kiosk/frames", strings.NewReader("jpeg"), "image/jpeg")
		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("status = %d", w.Code)
		}
	})

	t.Run("empty", func(t *testing.T) {
		e := newEnv(t, nil)
		w := e.do(http.MethodPost, "/v1/kiosk/frames", strings.NewReader(""), "image/jpeg")
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d", w.Code)
		}
	})
}

func TestKioskRecords(t *testing.T) {
	e := newEnv(t, nil)
	e.kiosk.records = []attendance.Record{{ID: "r1", UserName: "Alice", DetectionDuration: 3, Status: "present"}}
	w := e.do(http.MethodGet, "/v1/kiosk/records", nil, "")
	var body struct {
		Records []attendance.Record `json:"records"`
	}
	decode(t, w, &body)
	if len(body.Records) != 1 || body.Records[0].UserName != "Alice" {
		t.Errorf("records = %+v", body.Records)
	}
}

func TestListRecords_Paging(t *testing.T) {
	tests := []struct {
		query             string
		wantLimit, wantOf int
	}{
		{"user_id=u1", 50, 0},
		{"user_id=u1&limit=5&offset=10", 5, 10},
		{"user_id=u1&limit=1000", 200, 0},
		{"user_id=u1&limit=-3&offset=-1", 50, 0},
		{"user_id=u1&limit=abc", 50, 0},
	}
	for _, tt := range tests {
		e := newEnv(t, nil)
		w := e.do(http.MethodGet, "/v1/records?"+tt.query, nil, "")
		if w.Code != http.StatusOK {
			t.Fatalf("%q status = %d", tt.query, w.Code)
		}
		if e.records.limit != tt.wantLimit || e.records.offset != tt.wantOf || e.records.userID != "u1" {
			t.Errorf("%q: got limit=%d offset=%d user=%q", tt.query, e.records.limit, e.records.offset, e.records.userID)
		}
		var body struct {
			Records []attendance.Record `json:"records"`
		}
		decode(t, w, &body)
		if body.Records == nil {
			t.Errorf("%q: records must be an empty array, not null", tt.query)
		}
	}
}

func TestDeviceRegisterAndRefresh(t *testing.T) {
	e := newEnv(t, nil)
	e.token = ""

	if w := e.json(http.MethodPost, "/v1/devices/register", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing device_id status = %d", w.Code)
	}

	w := e.json(http.MethodPost, "/v1/devices/register", `{"device_id":"lobby"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d (%s)", w.Code, w.Body.String())
	}
	var pair auth.TokenPair
	decode(t, w, &pair)
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("pair = %+v", pair)
	}

	e.token = pair.AccessToken
	if w := e.do(http.MethodGet, "/v1/kiosk", nil, ""); w.Code != http.StatusOK {
		t.Errorf("issued access token rejected: %d", w.Code)
	}
	e.token = ""

	body := `{"refresh_token":"` + pair.RefreshToken + `"}`
	w = e.json(http.MethodPost, "/v1/devices/refresh", body)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d (%s)", w.Code, w.Body.String())
	}
	var rotated auth.TokenPair
	decode(t, w, &rotated)
	if rotated.RefreshToken == pair.RefreshToken {
		t.Error("refresh token was not rotated")
	}

	if w := e.json(http.MethodPost, "/v1/devices/refresh", body); w.Code != http.StatusUnauthorized {
		t.Errorf("reused refresh token status = %d", w.Code)
	}
	if w := e.json(http.MethodPost, "/v1/devices/refresh", `{"refresh_token":"`+pair.AccessToken+`"}`); w.Code != http.StatusUnauthorized {
		t.Errorf("access token as refresh status = %d", w.Code)
	}
}

func TestLiveRoutesKeepUpWithPollRate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	e := newEnvWith(t, nil, RouterOptions{
		Limiter:     httpmiddleware.NewTokenBucket(clock, 120, 120),
		LiveLimiter: httpmiddleware.NewTokenBucket(clock, 3000, 3000),
	})

	// 10 frames and 10 status polls per second for 30s
	for i := 0; i < 300; i++ {
		if w := e.do(http.MethodPost, "/v1/kiosk/frames", strings.NewReader("jpeg"), "image/jpeg"); w.Code != http.StatusNoContent {
			t.Fatalf("frame %d status = %d", i, w.Code)
		}
		if w := e.do(http.MethodGet, "/v1/kiosk", nil, ""); w.Code != http.StatusOK {
			t.Fatalf("status poll %d status = %d", i, w.Code)
		}
		clock.Advance(100 * time.Millisecond)
	}

	// management routes still have their own budget
	limited := false
	for i := 0; i < 200 && !limited; i++ {
		limited = e.do(http.MethodGet, "/v1/records", nil, "").Code == http.StatusTooManyRequests
	}
	if !limited {
		t.Error("management routes were never rate limited")
	}
	if w := e.do(http.MethodPost, "/v1/kiosk/frames", strings.NewReader("jpeg"), "image/jpeg"); w.Code != http.StatusNoContent {
		t.Errorf("frame after management limit status = %d", w.Code)
	}
}

func TestLiveRoutesRequireToken(t *testing.T) {
	e := newEnvWith(t, nil, RouterOptions{
		LiveLimiter: httpmiddleware.NewTokenBucket(clockwork.NewFakeClock(), 10, 10),
	})
	e.token = ""
	if w := e.do(http.MethodPost, "/v1/kiosk/frames", strings.NewReader("jpeg"), "image/jpeg"); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}
