package metrics

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func scrape(t *testing.T) []byte {
	t.Helper()
	rr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status=%d", rr.Code)
	}
	return rr.Body.Bytes()
}

func TestMiddlewareEmitsRequestCounters(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.POST("/api/v1/inference", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/inference", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	body := scrape(t)
	if !bytes.Contains(body, []byte("persona_http_requests_total")) {
		t.Fatal("expected persona_http_requests_total in scrape output")
	}
	if !bytes.Contains(body, []byte("/api/v1/inference")) {
		t.Fatal("expected the route pattern as a label value")
	}
}

func TestObserveInference(t *testing.T) {
	ObserveInference(OutcomeOK, 120*time.Millisecond, 1)
	ObserveInference(OutcomeFailed, 0, 2)
	ObserveInference(OutcomeRefused, 0, 0)

	body := scrape(t)
	for _, want := range []string{
		`persona_inference_requests_total{outcome="ok"}`,
		`persona_inference_requests_total{outcome="failed"}`,
		`persona_inference_requests_total{outcome="refused"}`,
		"persona_inference_latency_seconds",
		"persona_inference_retries_total",
	} {
		if !bytes.Contains(body, []byte(want)) {
			t.Fatalf("expected %s in scrape output", want)
		}
	}
}

func TestRecordEvent(t *testing.T) {
	RecordEvent("job.queued")
	RecordEvent("job.queued")

	body := scrape(t)
	if !bytes.Contains(body, []byte(`persona_journal_events_total{type="job.queued"}`)) {
		t.Fatal("expected the journal counter in scrape output")
	}
}

func TestRegisterGauge(t *testing.T) {
	RegisterGauge("test_memory_allocated_gb", "test gauge", func() float64 { return 12.5 })

	body := scrape(t)
	if !bytes.Contains(body, []byte("persona_test_memory_allocated_gb 12.5")) {
		t.Fatal("expected the gauge value in scrape output")
	}
}
