package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSyncForwarder_RelaysAcceptedFromWorker(t *testing.T) {
	var gotMethod, gotPath string
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"status":"accepted"}`))
	}))
	defer worker.Close()

	f := NewSyncForwarder(worker.URL, slog.New(slog.NewJSONHandler(io.Discard, nil)))

	req := httptest.NewRequest(http.MethodPost, "/sync/run", nil)
	w := httptest.NewRecorder()
	f.TriggerSync(w, req)

	if gotMethod != http.MethodPost || gotPath != "/sync/run" {
		t.Errorf("ワーカーへの転送が %s %s でした, want POST /sync/run", gotMethod, gotPath)
	}
	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", w.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスのパースに失敗しました: %v", err)
	}
	if resp["status"] != "accepted" {
		t.Errorf("status = %s, want accepted", resp["status"])
	}
}

func TestSyncForwarder_ReturnsBadGatewayWhenWorkerUnreachable(t *testing.T) {
	// 接続先のないポートを指すURL
	f := NewSyncForwarder("http://127.0.0.1:1", slog.New(slog.NewJSONHandler(io.Discard, nil)))

	req := httptest.NewRequest(http.MethodPost, "/sync/run", nil)
	w := httptest.NewRecorder()
	f.TriggerSync(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}

	var resp errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスのパースに失敗しました: %v", err)
	}
	if resp.Code != "WORKER_UNREACHABLE" {
		t.Errorf("code = %s, want WORKER_UNREACHABLE", resp.Code)
	}
}

func TestSyncForwarder_RelaysErrorStatusFromWorker(t *testing.T) {
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer worker.Close()

	f := NewSyncForwarder(worker.URL, slog.New(slog.NewJSONHandler(io.Discard, nil)))

	req := httptest.NewRequest(http.MethodPost, "/sync/run", nil)
	w := httptest.NewRecorder()
	f.TriggerSync(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("ワーカーのステータスをそのまま中継すべき: status = %d, want 503", w.Code)
	}
}
