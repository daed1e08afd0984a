package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.TaskStarted()
	c.Dispatched(false)
	c.Signal("COMPLETED")
	c.Escalated()
	c.Records(1, 2)
	c.StaleWrite()
	c.SetOpenContexts(3)
	c.FirstRecord(time.Second)
	c.Settled(time.Second)
}

func TestCollector_Counts(t *testing.T) {
	c := New(prometheus.NewRegistry(), "test")
	c.Dispatched(true)
	c.Dispatched(true)
	c.Dispatched(false)
	c.Records(3, 1)
	c.SetOpenContexts(4)

	if got := testutil.ToFloat64(c.dispatchTotal.WithLabelValues("ok")); got != 2 {
		t.Errorf("dispatch ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.dispatchTotal.WithLabelValues("dropped")); got != 1 {
		t.Errorf("dispatch dropped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.recordsTotal.WithLabelValues("duplicate")); got != 1 {
		t.Errorf("duplicate records = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.openContexts); got != 4 {
		t.Errorf("open contexts = %v, want 4", got)
	}
}

func TestHandler_ExposesMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c := New(prometheus.NewRegistry(), "v1")
	c.TaskStarted()

	r := gin.New()
	r.Use(c.Middleware())
	r.GET("/metrics", c.Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{"fusion_tasks_total 1", `fusion_service_info{version="v1"} 1`} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
