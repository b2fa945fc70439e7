package faceclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"roomattend/internal/recognition"
)

func TestRecognize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/recognize" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req struct {
			ImageURL string `json:"image_url"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ImageURL != "https://cdn.example/frame.jpg" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"faces_detected":2,"detections":[
			{"label":3,"confidence":41.5,"box":{"x":10,"y":20,"w":80,"h":80}},
			{"label":"unknown","confidence":95}
		]}`))
	}))
	defer srv.Close()

	got, err := New(srv.URL, false).Recognize(context.Background(), "https://cdn.example/frame.jpg")
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d detections, want 2", len(got))
	}
	if got[0].Label != recognition.Label("3") || got[0].Confidence != 41.5 || got[0].Box == nil || got[0].Box.W != 80 {
		t.Errorf("first detection = %+v", got[0])
	}
	if got[1].Label != "unknown" || got[1].Box != nil {
		t.Errorf("second detection = %+v", got[1])
	}
}

func TestRecognizeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, false)
	_, err := c.Recognize(context.Background(), "https://cdn.example/frame.jpg")
	if err == nil || !strings.Contains(err.Error(), "model not loaded") {
		t.Errorf("Recognize error = %v, want service message", err)
	}
	if _, err := c.Recognize(context.Background(), ""); err == nil {
		t.Error("Recognize with empty url should fail")
	}
}

func TestSkipMode(t *testing.T) {
	c := New("http://127.0.0.1:0", true)
	got, err := c.Recognize(context.Background(), "")
	if err != nil || got == nil || len(got) != 0 {
		t.Errorf("skip Recognize = %v, %v; want empty, nil", got, err)
	}
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("skip Health = %v", err)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		status  int
		wantErr bool
	}{
		{http.StatusOK, false},
		{http.StatusInternalServerError, true},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		err := New(srv.URL, false).Health(context.Background())
		srv.Close()
		if (err != nil) != tt.wantErr {
			t.Errorf("Health with %d = %v, wantErr %v", tt.status, err, tt.wantErr)
		}
	}
}
