package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// Box is a face bounding box in frame pixels.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Point is a landmark position.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DetectResult is the runtime's answer for one frame. Found is false when no
// face was detected.
type DetectResult struct {
	Found      bool      `json:"found"`
	Score      float64   `json:"score"`
	Box        *Box      `json:"box,omitempty"`
	Landmarks  []Point   `json:"landmarks,omitempty"`
	Descriptor []float32 `json:"descriptor,omitempty"`
}

// Client calls the face-model runtime.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. Detection runs every poll tick so the timeout is short.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}

// LoadModel asks the runtime to load one network from the asset location.
func (c *Client) LoadModel(ctx context.Context, name, uri string) error {
	if c.Skip {
		return nil
	}

	body, _ := json.Marshal(map[string]string{"name": name, "uri": uri})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/models/load", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("load model %s: face service error %s: %s", name, resp.Status, string(bodyBytes))
	}
	return nil
}

// Detect runs single-face detection with landmarks and descriptor on a JPEG frame.
func (c *Client) Detect(ctx context.Context, frame []byte) (*DetectResult, error) {
	if c.Skip {
		return &DetectResult{
			Found:      true,
			Score:      0.95,
			Box:        &Box{X: 220, Y: 140, Width: 200, Height: 200},
			Descriptor: make([]float32, 128),
		}, nil
	}
	if len(frame) == 0 {
		return nil, fmt.Errorf("frame required")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("detector", "tiny_face_detector")
	_ = w.WriteField("landmarks", "true")
	_ = w.WriteField("descriptor", "true")
	fw, err := w.CreateFormFile("frame", "frame.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(frame); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/detect", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out DetectResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}
