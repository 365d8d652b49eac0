package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestRecorders(t *testing.T) {
	RecordRequest("GET", "/inbound", 200, 100*time.Millisecond)
	RecordInboundNotification("Notification", "processed")
	RecordIngest("push", true)
	RecordIngest("reconcile", false)
	RecordEmailCompleted("processed")
	RecordObjectFetch("ok")
	RecordWebhookDelivery("delivered", 300*time.Millisecond)
	RecordWebhookSkipped()
	RecordSuspension()
	RecordConfirmation("delivered", true)
	RecordReconcileRun("ok", 10, 2, 2, 0)
	RecordReconcileRun("skipped", 0, 0, 0, 0)
	SetSQSMessagesInFlight(3)
	SetSQSMessagesInFlight(0)
	RecordIngestGuardHit()
	RecordRateLimitRejection("/subscriptions")
}

func TestHandler(t *testing.T) {
	RecordIngest("push", true)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	if !strings.Contains(rec.Body.String(), "mailhook_emails_ingested_total") {
		t.Error("metrics output should include mailhook_emails_ingested_total")
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	var pattern string

	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/inbound/{id}", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	r.Get("/items/{id}", func(w http.ResponseWriter, req *http.Request) {
		pattern = RoutePattern(req)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/inbound/123", nil))
	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/items/abc", nil))
	if pattern != "/items/{id}" {
		t.Errorf("expected route pattern /items/{id}, got %q", pattern)
	}
}

func TestRoutePattern_Unmatched(t *testing.T) {
	req := httptest.NewRequest("GET", "/nowhere", nil)
	if got := RoutePattern(req); got != "unmatched" {
		t.Errorf("expected unmatched, got %s", got)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}
