package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordResolution(t *testing.T) {
	m := New()
	m.RecordResolution("current", OutcomeFound)
	m.RecordResolution("current", OutcomeFound)
	m.RecordResolution("future", OutcomeNone)

	if got := testutil.ToFloat64(m.ResolutionsTotal.WithLabelValues("current", OutcomeFound)); got != 2 {
		t.Errorf("current/found: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ResolutionsTotal.WithLabelValues("future", OutcomeNone)); got != 1 {
		t.Errorf("future/none: got %v, want 1", got)
	}
}

func TestChainCacheAndGauges(t *testing.T) {
	m := New()
	m.RecordChainCache(true)
	m.RecordChainCache(false)
	m.RecordChainCache(false)
	m.FeedClientsChanged(2)
	m.FeedClientsChanged(-1)
	m.AuditPurged(5)

	if got := testutil.ToFloat64(m.ChainCacheTotal.WithLabelValues("miss")); got != 2 {
		t.Errorf("misses: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.FeedClients); got != 1 {
		t.Errorf("feed clients: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AuditPurgedTotal); got != 5 {
		t.Errorf("purged: got %v, want 5", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordResolution("current", OutcomeFound)
	m.RecordChainCache(true)
	m.RecordHTTPRequest("/x", "GET", 200, time.Millisecond)
	m.RevisionPublished()
	m.SubscriptionCreated()
	m.FeedClientsChanged(1)
	m.AuditPurged(1)
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.RecordHTTPRequest("/api/products", "GET", http.StatusOK, 5*time.Millisecond)
	m.RevisionPublished()

	// Two instances must not collide on registration.
	_ = New()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{"m10n_http_requests_total", "m10n_revisions_published_total 1"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
