package evidence

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/posinsight/posinsight/internal/ledger"
)

func setupHandlerTestRouter(t *testing.T) (*gin.Engine, *Workflow, *ledger.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := ledger.NewMemoryStore()
	workflow := NewWorkflow(store, t.TempDir(), nil, testLogger())
	handler := NewHandler(workflow)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)

	return r, workflow, store
}

func TestHandler_ListPending(t *testing.T) {
	router, workflow, store := setupHandlerTestRouter(t)

	rec := appendFlagged(t, store, time.Date(2026, 4, 10, 14, 0, 0, 0, time.UTC))
	corrID, _ := workflow.Open(rec)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/evidence/pending", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp struct {
		Pending []struct {
			CorrelationID string  `json:"correlation_id"`
			RecordID      int64   `json:"record_id"`
			FraudScore    float64 `json:"fraud_score"`
		} `json:"pending"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp.Count != 1 {
		t.Fatalf("Expected 1 pending capture, got %d", resp.Count)
	}
	if resp.Pending[0].CorrelationID != corrID {
		t.Errorf("Correlation ID mismatch: %s != %s", resp.Pending[0].CorrelationID, corrID)
	}
}

func TestHandler_Submit_Multipart(t *testing.T) {
	router, workflow, store := setupHandlerTestRouter(t)

	rec := appendFlagged(t, store, time.Date(2026, 4, 10, 15, 0, 0, 0, time.UTC))
	corrID, _ := workflow.Open(rec)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, _ := mw.CreateFormFile("photo", "capture.jpg")
	part.Write([]byte("jpeg data"))
	mw.Close()

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/evidence/"+corrID, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		EvidencePath string `json:"evidence_path"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.EvidencePath == "" {
		t.Error("Expected evidence path in response")
	}
	if len(workflow.Pending()) != 0 {
		t.Error("Capture should be resolved")
	}
}

func TestHandler_Submit_RawBody(t *testing.T) {
	router, workflow, store := setupHandlerTestRouter(t)

	rec := appendFlagged(t, store, time.Date(2026, 4, 10, 16, 0, 0, 0, time.UTC))
	corrID, _ := workflow.Open(rec)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/evidence/"+corrID, bytes.NewBufferString("raw jpeg bytes"))
	req.Header.Set("Content-Type", "image/jpeg")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_Submit_UnknownCapture(t *testing.T) {
	router, _, _ := setupHandlerTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/evidence/2026-01-01T00:00:00Z", bytes.NewBufferString("photo"))
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_Submit_MalformedCorrelationID(t *testing.T) {
	router, _, _ := setupHandlerTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/evidence/not-a-timestamp", bytes.NewBufferString("photo"))
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_Submit_EmptyBody(t *testing.T) {
	router, workflow, store := setupHandlerTestRouter(t)

	rec := appendFlagged(t, store, time.Date(2026, 4, 10, 17, 0, 0, 0, time.UTC))
	corrID, _ := workflow.Open(rec)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/evidence/"+corrID, nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if len(workflow.Pending()) != 1 {
		t.Error("Capture should remain pending")
	}
}
