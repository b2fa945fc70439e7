package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"roomattend/internal/attendance"
	"roomattend/internal/auth"
	"roomattend/internal/config"
	"roomattend/internal/pipeline"
	"roomattend/internal/queue"
)

type fixture struct {
	router *gin.Engine
	frames *queue.InMemory
	logs   *attendance.MemoryLog
	cfg    config.App
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.App{
		JWTIssuer:       "roomattend",
		JWTSigningKey:   "test-key",
		AccessTTL:       time.Minute,
		RefreshTTL:      time.Hour,
		RateLimitPerMin: 1000,
		Rooms:           []string{"R101", "R102"},
	}
	logs := attendance.NewMemoryLog()
	frames := queue.NewInMemory(8)
	srv := &server{
		cfg:    cfg,
		att:    attendance.NewService(logs, nil, cfg.Rooms),
		frames: frames,
		checks: map[string]HealthCheck{"db": func(context.Context) bool { return true }},
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return &fixture{router: newRouter(srv), frames: frames, logs: logs, cfg: cfg}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) register(t *testing.T, device, room string) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/v1/devices/register", "", gin.H{"device_id": device, "room": room})
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d: %s", w.Code, w.Body)
	}
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.AccessToken == "" {
		t.Fatalf("register response %s: %v", w.Body, err)
	}
	return resp.AccessToken
}

func TestRegisterDevice(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body gin.H
		want int
	}{
		{"known room", gin.H{"device_id": "cam-1", "room": "R101"}, http.StatusCreated},
		{"unknown room", gin.H{"device_id": "cam-1", "room": "R999"}, http.StatusBadRequest},
		{"missing room", gin.H{"device_id": "cam-1"}, http.StatusBadRequest},
		{"missing device", gin.H{"room": "R101"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := f.do(t, http.MethodPost, "/v1/devices/register", "", tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body)
			}
		})
	}
}

func TestSubmitFrameQueuesBatch(t *testing.T) {
	f := newFixture(t)
	token := f.register(t, "cam-1", "R101")

	ts := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	w := f.do(t, http.MethodPost, "/v1/frames", token, gin.H{
		"timestamp":  ts,
		"detections": []gin.H{{"label": 3, "confidence": 41.5}},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	src, err := pipeline.NewQueueSource(ctx, f.frames, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if b.Room != "R101" || !b.Timestamp.Equal(ts) || b.ID == "" {
		t.Errorf("batch = %+v", b)
	}
	if len(b.Detections) != 1 || b.Detections[0].Label != "3" {
		t.Errorf("detections = %+v", b.Detections)
	}
}

func TestSubmitFrameRejects(t *testing.T) {
	f := newFixture(t)
	token := f.register(t, "cam-1", "R101")
	ts := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		token string
		body  gin.H
		want  int
	}{
		{"no token", "", gin.H{"timestamp": ts}, http.StatusUnauthorized},
		{"other room", token, gin.H{"room": "R102", "timestamp": ts}, http.StatusForbidden},
		{"no timestamp", token, gin.H{"room": "R101"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := f.do(t, http.MethodPost, "/v1/frames", tt.token, tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body)
			}
		})
	}
	if f.frames.Len() != 0 {
		t.Errorf("queue holds %d frames, want 0", f.frames.Len())
	}
}

func TestListLogs(t *testing.T) {
	f := newFixture(t)
	token := f.register(t, "cam-1", "R101")
	ctx := context.Background()
	for _, st := range []attendance.Status{attendance.StatusLate, attendance.StatusLeftEarly} {
		_, err := f.logs.Append(ctx, attendance.Record{
			SessionID: "S1", PersonID: "P1", Room: "R101", Date: "2025-03-03", Status: st,
			Timestamp: time.Date(2025, 3, 3, 9, 10, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	w := f.do(t, http.MethodGet, "/v1/logs?session_id=S1&status=late", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	var resp struct {
		Records []attendance.Record `json:"records"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Records) != 1 || resp.Records[0].Status != attendance.StatusLate {
		t.Errorf("records = %+v", resp.Records)
	}

	if w := f.do(t, http.MethodGet, "/v1/logs?status=absent", token, nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad status filter = %d, want 400", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/v1/logs?date=03/03/2025", token, nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad date filter = %d, want 400", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d: %s", w.Code, w.Body)
	}
}

func TestDeviceTokenRoomClaim(t *testing.T) {
	f := newFixture(t)
	token := f.register(t, "cam-9", "R102")
	claims, err := auth.Parse(token, f.cfg.JWTSigningKey, f.cfg.JWTIssuer)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Room != "R102" || claims.Subject != "cam-9" {
		t.Errorf("claims = %+v", claims)
	}
}
