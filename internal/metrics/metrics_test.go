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

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveHTTP("/media/", 200, time.Millisecond)
	m.Datagram(DatagramSelf)
	m.SearchResponse()
	m.Notify("ssdp:alive", 6)
	m.BackoffWarning()
	m.Browse("BrowseDirectChildren", "ok")
	m.BytesStreamed(10)
	m.ThumbnailLookup(true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 from nil metrics handler, got %d", rec.Code)
	}
}

func TestInstancesAreIndependent(t *testing.T) {
	a := New()
	b := New()

	a.Datagram(DatagramSelf)
	a.Datagram(DatagramSelf)
	a.Notify("ssdp:alive", 6)
	a.BytesStreamed(100)
	a.BytesStreamed(-5)

	if got := testutil.ToFloat64(a.SSDPDatagramsTotal.WithLabelValues(DatagramSelf)); got != 2 {
		t.Fatalf("expected 2 self datagrams, got %v", got)
	}
	if got := testutil.ToFloat64(b.SSDPDatagramsTotal.WithLabelValues(DatagramSelf)); got != 0 {
		t.Fatalf("expected second instance untouched, got %v", got)
	}
	if got := testutil.ToFloat64(a.SSDPNotifiesTotal.WithLabelValues("ssdp:alive")); got != 6 {
		t.Fatalf("expected 6 notifies, got %v", got)
	}
	if got := testutil.ToFloat64(a.BytesStreamedTotal); got != 100 {
		t.Fatalf("expected 100 streamed bytes, got %v", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ObserveHTTP("/description.xml", 200, 5*time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), `minidlna_http_requests_total{route="/description.xml",status="200"} 1`) {
		t.Fatalf("expected http counter in output, got:\n%s", body)
	}
}
