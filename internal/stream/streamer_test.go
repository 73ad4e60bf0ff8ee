package stream

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"go2tv.app/mini-dlna/internal/contentdir"
	"go2tv.app/mini-dlna/internal/metrics"
)

type fixedDuration float64

func (d fixedDuration) Duration(string) (float64, bool) { return float64(d), d > 0 }
func (fixedDuration) Tags(string) map[string]string     { return map[string]string{} }

var videoProfile = contentdir.Profile{MIME: "video/mp4", Class: contentdir.ClassVideo}

func sampleFile(t *testing.T) (string, []byte) {
	t.Helper()
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	return path, data
}

func serve(t *testing.T, s *Streamer, method string, headers map[string]string, info contentdir.StreamInfo) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "http://192.168.1.5:8200/media/clip.mp4", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Serve(rec, req, info)
	return rec
}

func TestRangeRequestReturnsPartialContent(t *testing.T) {
	path, data := sampleFile(t)
	m := metrics.New()
	s := New(Options{Metrics: m})

	rec := serve(t, s, http.MethodGet, map[string]string{"Range": "bytes=100-199"}, contentdir.StreamInfo{Path: path, Profile: videoProfile})
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 100-199/1000" {
		t.Fatalf("unexpected Content-Range: %q", got)
	}
	if got := rec.Header().Get("Content-Length"); got != "100" {
		t.Fatalf("unexpected Content-Length: %q", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), data[100:200]) {
		t.Fatal("body does not match source bytes [100,200)")
	}
	if got := testutil.ToFloat64(m.BytesStreamedTotal); got != 100 {
		t.Fatalf("expected 100 streamed bytes recorded, got %v", got)
	}
}

func TestNoRangeReturnsWholeFile(t *testing.T) {
	path, data := sampleFile(t)
	s := New(Options{ChunkSize: 4096})

	rec := serve(t, s, http.MethodGet, nil, contentdir.StreamInfo{Path: path, Profile: videoProfile})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), data) {
		t.Fatalf("expected full body, got %d bytes", rec.Body.Len())
	}
	h := rec.Header()
	if h.Get("Content-Range") != "" {
		t.Fatalf("unexpected Content-Range on full response: %q", h.Get("Content-Range"))
	}
	if h.Get("Accept-Ranges") != "bytes" || h.Get("transferMode.dlna.org") != "Streaming" || h.Get("Connection") != "keep-alive" {
		t.Fatalf("missing DLNA transport headers: %v", h)
	}
	if h.Get("Content-Type") != "video/mp4" || h.Get("Content-Length") != "1000" {
		t.Fatalf("unexpected content headers: %v", h)
	}
	if !strings.Contains(h.Get("contentFeatures.dlna.org"), "DLNA.ORG_OP=01") {
		t.Fatalf("expected range-only features without duration, got %q", h.Get("contentFeatures.dlna.org"))
	}
	if h.Get("X-Content-Duration") != "" {
		t.Fatal("duration header must be absent when duration is unknown")
	}
}

func TestRangeVariants(t *testing.T) {
	path, data := sampleFile(t)
	s := New(Options{})
	info := contentdir.StreamInfo{Path: path, Profile: videoProfile}

	cases := []struct {
		name       string
		header     string
		wantStatus int
		wantRange  string
		wantBody   []byte
	}{
		{name: "suffix", header: "bytes=-100", wantStatus: 206, wantRange: "bytes 900-999/1000", wantBody: data[900:]},
		{name: "open ended", header: "bytes=900-", wantStatus: 206, wantRange: "bytes 900-999/1000", wantBody: data[900:]},
		{name: "end clamped", header: "bytes=990-5000", wantStatus: 206, wantRange: "bytes 990-999/1000", wantBody: data[990:]},
		{name: "whole file explicit", header: "bytes=0-999", wantStatus: 200, wantBody: data},
		{name: "suffix larger than file", header: "bytes=-5000", wantStatus: 200, wantBody: data},
		{name: "garbage", header: "bytes=abc", wantStatus: 200, wantBody: data},
		{name: "wrong unit", header: "items=0-5", wantStatus: 200, wantBody: data},
		{name: "inverted", header: "bytes=50-10", wantStatus: 200, wantBody: data},
		{name: "multi range", header: "bytes=0-1,5-6", wantStatus: 200, wantBody: data},
	}
	for _, tc := range cases {
		rec := serve(t, s, http.MethodGet, map[string]string{"Range": tc.header}, info)
		if rec.Code != tc.wantStatus {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.wantStatus, rec.Code)
		}
		if got := rec.Header().Get("Content-Range"); got != tc.wantRange {
			t.Fatalf("%s: unexpected Content-Range %q", tc.name, got)
		}
		if !bytes.Equal(rec.Body.Bytes(), tc.wantBody) {
			t.Fatalf("%s: body mismatch, got %d bytes", tc.name, rec.Body.Len())
		}
	}
}

func TestRangeBeyondEOFIsUnsatisfiable(t *testing.T) {
	path, _ := sampleFile(t)
	s := New(Options{})

	for _, header := range []string{"bytes=1000-", "bytes=5000-6000", "bytes=-0"} {
		rec := serve(t, s, http.MethodGet, map[string]string{"Range": header}, contentdir.StreamInfo{Path: path, Profile: videoProfile})
		if rec.Code != http.StatusRequestedRangeNotSatisfiable {
			t.Fatalf("%s: expected 416, got %d", header, rec.Code)
		}
		if got := rec.Header().Get("Content-Range"); got != "bytes */1000" {
			t.Fatalf("%s: unexpected Content-Range %q", header, got)
		}
	}
}

func TestHeadSendsHeadersOnly(t *testing.T) {
	path, _ := sampleFile(t)
	s := New(Options{})

	rec := serve(t, s, http.MethodHead, map[string]string{"Range": "bytes=100-199"}, contentdir.StreamInfo{Path: path, Profile: videoProfile})
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected empty body for HEAD, got %d bytes", rec.Body.Len())
	}
	if rec.Header().Get("Content-Length") != "100" {
		t.Fatalf("unexpected Content-Length: %q", rec.Header().Get("Content-Length"))
	}
}

func TestTimeSeekUsesDuration(t *testing.T) {
	path, data := sampleFile(t)
	s := New(Options{Tags: fixedDuration(100)})
	info := contentdir.StreamInfo{Path: path, Profile: videoProfile}

	rec := serve(t, s, http.MethodGet, map[string]string{"TimeSeekRange.dlna.org": "npt=10-20"}, info)
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 100-200/1000" {
		t.Fatalf("unexpected Content-Range: %q", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), data[100:201]) {
		t.Fatalf("unexpected body length %d", rec.Body.Len())
	}
	if got := rec.Header().Get("X-Content-Duration"); got != "100.000" {
		t.Fatalf("unexpected X-Content-Duration: %q", got)
	}
	if got := rec.Header().Get("TimeSeekRange.dlna.org"); got != "npt=10.000-20.000/100.000" {
		t.Fatalf("unexpected echoed TimeSeekRange: %q", got)
	}
	if !strings.Contains(rec.Header().Get("contentFeatures.dlna.org"), "DLNA.ORG_OP=11") {
		t.Fatalf("expected time seek flag, got %q", rec.Header().Get("contentFeatures.dlna.org"))
	}

	open := serve(t, s, http.MethodGet, map[string]string{"TimeSeekRange.dlna.org": "npt=50.5-"}, info)
	if got := open.Header().Get("Content-Range"); got != "bytes 505-999/1000" {
		t.Fatalf("unexpected open-ended Content-Range: %q", got)
	}

	past := serve(t, s, http.MethodGet, map[string]string{"TimeSeekRange.dlna.org": "npt=200-"}, info)
	if past.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("expected 416 for seek past the end, got %d", past.Code)
	}

	bad := serve(t, s, http.MethodGet, map[string]string{"TimeSeekRange.dlna.org": "npt=10"}, info)
	if bad.Code != http.StatusOK || bad.Body.Len() != 1000 {
		t.Fatalf("expected malformed time seek to be ignored, got %d", bad.Code)
	}
}

func TestTimeSeekClockForm(t *testing.T) {
	path, data := sampleFile(t)
	s := New(Options{Tags: fixedDuration(100)})
	info := contentdir.StreamInfo{Path: path, Profile: videoProfile}

	rec := serve(t, s, http.MethodGet, map[string]string{"TimeSeekRange.dlna.org": "npt=0:00:10-0:00:20.0"}, info)
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 100-200/1000" {
		t.Fatalf("unexpected Content-Range: %q", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), data[100:201]) {
		t.Fatalf("unexpected body length %d", rec.Body.Len())
	}
}

func TestParseNPTBound(t *testing.T) {
	cases := []struct {
		raw  string
		want float64
		ok   bool
	}{
		{"", 0, true},
		{"10", 10, true},
		{" 50.5 ", 50.5, true},
		{"0:01:10", 70, true},
		{"1:00:00.5", 3600.5, true},
		{"0:00:07.25", 7.25, true},
		{"-3", 0, false},
		{"abc", 0, false},
		{"NaN", 0, false},
		{"0:xx:10", 0, false},
	}
	for _, tc := range cases {
		got, err := parseNPTBound(tc.raw)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("parseNPTBound(%q) = %v, %v; want %v", tc.raw, got, err, tc.want)
		}
		if !tc.ok && !errors.Is(err, errMalformed) {
			t.Fatalf("parseNPTBound(%q) expected malformed, got %v, %v", tc.raw, got, err)
		}
	}
}

func TestTimeSeekIgnoredWithoutDuration(t *testing.T) {
	path, _ := sampleFile(t)
	s := New(Options{})

	rec := serve(t, s, http.MethodGet, map[string]string{"TimeSeekRange.dlna.org": "npt=10-20"}, contentdir.StreamInfo{Path: path, Profile: videoProfile})
	if rec.Code != http.StatusOK || rec.Body.Len() != 1000 {
		t.Fatalf("expected full file, got %d with %d bytes", rec.Code, rec.Body.Len())
	}
	if rec.Header().Get("TimeSeekRange.dlna.org") != "" {
		t.Fatal("time seek must not be echoed without a duration")
	}
}

func TestMissingFileIs404(t *testing.T) {
	s := New(Options{})
	rec := serve(t, s, http.MethodGet, nil, contentdir.StreamInfo{Path: filepath.Join(t.TempDir(), "gone.mp4"), Profile: videoProfile})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCaptionHeaderOnRequest(t *testing.T) {
	path, _ := sampleFile(t)
	s := New(Options{})
	info := contentdir.StreamInfo{Path: path, Profile: videoProfile, SubtitleIDs: []string{"Films/clip.srt"}}

	rec := serve(t, s, http.MethodHead, map[string]string{"getCaptionInfo.sec": "1"}, info)
	if got := rec.Header().Get("CaptionInfo.sec"); got != "http://192.168.1.5:8200/media/Films/clip.srt" {
		t.Fatalf("unexpected caption header: %q", got)
	}
	plain := serve(t, s, http.MethodHead, nil, info)
	if plain.Header().Get("CaptionInfo.sec") != "" {
		t.Fatal("caption header must only be sent on request")
	}
}

type brokenWriter struct {
	*httptest.ResponseRecorder
	writes int
}

func (b *brokenWriter) Write(p []byte) (int, error) {
	b.writes++
	return 0, errors.New("broken pipe")
}

func TestClientDisconnectEndsQuietly(t *testing.T) {
	path, _ := sampleFile(t)
	s := New(Options{ChunkSize: 4096})
	w := &brokenWriter{ResponseRecorder: httptest.NewRecorder()}
	req := httptest.NewRequest(http.MethodGet, "/media/clip.mp4", nil)

	s.Serve(w, req, contentdir.StreamInfo{Path: path, Profile: videoProfile})
	if w.writes != 1 {
		t.Fatalf("expected streaming to stop after the first failed write, got %d writes", w.writes)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }

func TestReadErrorAfterHeadersAbortsConnection(t *testing.T) {
	s := New(Options{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/media/clip.mp4", nil)

	defer func() {
		if got := recover(); got != http.ErrAbortHandler {
			t.Fatalf("expected http.ErrAbortHandler panic, got %v", got)
		}
	}()
	s.copy(rec, req, failingReader{}, 100)
	t.Fatal("copy should not return after a read error")
}
