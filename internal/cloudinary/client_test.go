package cloudinary

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func fixedClient(baseURL string) *Client {
	c := New("demo", "key-1", "abcd", "attendance")
	c.BaseURL = baseURL
	c.Now = func() time.Time { return time.Unix(1700000000, 0) }
	return c
}

func TestSign(t *testing.T) {
	t.Parallel()
	c := fixedClient("")
	got := c.sign(map[string]string{
		"timestamp": "1700000000",
		"api_key":   "key-1",
		"folder":    "attendance",
		"public_id": "rec-1",
		"file":      "ignored",
	})
	if want := "7247c710f50f22b1b79c8db43d793437268884d5"; got != want {
		t.Errorf("sign = %s, want %s", got, want)
	}
}

func TestUpload(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/demo/image/upload" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
			return
		}
		if r.FormValue("signature") != "7247c710f50f22b1b79c8db43d793437268884d5" {
			t.Errorf("signature = %s", r.FormValue("signature"))
		}
		if r.FormValue("public_id") != "rec-1" || r.FormValue("api_key") != "key-1" {
			t.Errorf("form = %v", r.Form)
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("file: %v", err)
			return
		}
		body, _ := io.ReadAll(f)
		if string(body) != "jpeg-bytes" {
			t.Errorf("file = %q", body)
		}
		_, _ = io.WriteString(w, `{"public_id":"attendance/rec-1","secure_url":"https://res.example/rec-1.jpg"}`)
	}))
	defer srv.Close()

	res, err := fixedClient(srv.URL).Upload(context.Background(), []byte("jpeg-bytes"), "rec-1")
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if res.SecureURL != "https://res.example/rec-1.jpg" {
		t.Errorf("SecureURL = %s", res.SecureURL)
	}
}

func TestUpload_Errors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"Invalid Signature"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := fixedClient(srv.URL)
	if _, err := c.Upload(context.Background(), nil, ""); err == nil {
		t.Error("expected error for empty image")
	}
	_, err := c.Upload(context.Background(), []byte("x"), "")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v, want upload failure with status", err)
	}
}
