// Package stream serves media files with HTTP byte ranges and DLNA time seek.
package stream

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/anacrolix/dms/dlna"

	"go2tv.app/mini-dlna/internal/adapters"
	"go2tv.app/mini-dlna/internal/contentdir"
	"go2tv.app/mini-dlna/internal/metrics"
)

const (
	DefaultChunkSize = 64 * 1024

	headerTransferMode    = "transferMode.dlna.org"
	headerContentFeatures = "contentFeatures.dlna.org"
	headerTimeSeek        = "TimeSeekRange.dlna.org"
	headerContentDuration = "X-Content-Duration"
	headerGetCaption      = "getCaptionInfo.sec"
	headerCaption         = "CaptionInfo.sec"
)

type Options struct {
	ChunkSize int
	// Tags supplies durations for time seek; optional.
	Tags    adapters.TagReader
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Streamer struct {
	chunkSize int
	tags      adapters.TagReader
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func New(opts Options) *Streamer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	return &Streamer{chunkSize: chunk, tags: opts.Tags, logger: logger, metrics: opts.Metrics}
}

// span is an inclusive byte range.
type span struct {
	start, end int64
}

func (s span) length() int64 { return s.end - s.start + 1 }

// Serve writes info.Path honoring Range and TimeSeekRange.dlna.org. The path
// must already be sandboxed.
func (s *Streamer) Serve(w http.ResponseWriter, r *http.Request, info contentdir.StreamInfo) {
	f, err := os.Open(info.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		s.fail(w, r, "stream_open_failed", err)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		s.fail(w, r, "stream_stat_failed", err)
		return
	}
	if stat.IsDir() {
		http.NotFound(w, r)
		return
	}
	size := stat.Size()

	var duration float64
	if info.Profile.IsAV() && s.tags != nil {
		if d, ok := s.tags.Duration(info.Path); ok {
			duration = d
		}
	}

	full := span{start: 0, end: size - 1}
	served := full
	if raw := r.Header.Get("Range"); raw != "" {
		rng, err := parseRange(raw, size)
		switch {
		case errors.Is(err, errUnsatisfiable):
			s.unsatisfiable(w, size)
			return
		case err != nil:
			s.logger.Debug("stream_range_ignored", slog.String("range", raw), slog.String("error", err.Error()))
		default:
			served = rng
		}
	}

	var seekEcho string
	if raw := r.Header.Get(headerTimeSeek); raw != "" && duration > 0 {
		rng, echo, err := timeSeekRange(raw, size, duration)
		switch {
		case errors.Is(err, errUnsatisfiable):
			s.unsatisfiable(w, size)
			return
		case err != nil:
			s.logger.Debug("stream_timeseek_ignored", slog.String("timeseek", raw), slog.String("error", err.Error()))
		default:
			served = rng
			seekEcho = echo
		}
	}

	if served.start > 0 {
		if _, err := f.Seek(served.start, io.SeekStart); err != nil {
			s.fail(w, r, "stream_seek_failed", err)
			return
		}
	}

	h := w.Header()
	h.Set("Content-Type", info.Profile.MIME)
	h.Set("Content-Length", strconv.FormatInt(max(served.length(), 0), 10))
	h.Set("Accept-Ranges", "bytes")
	h.Set("Connection", "keep-alive")
	h.Set(headerTransferMode, "Streaming")
	h.Set(headerContentFeatures, contentdir.ContentFeatures(info.Profile, duration > 0))
	if duration > 0 {
		h.Set(headerContentDuration, formatSeconds(duration))
		if seekEcho != "" {
			h.Set(headerTimeSeek, seekEcho)
		}
	}
	if r.Header.Get(headerGetCaption) == "1" && len(info.SubtitleIDs) > 0 {
		h.Set(headerCaption, contentdir.MediaURL(r.Host, info.SubtitleIDs[0]))
	}

	status := http.StatusOK
	if size > 0 && served != full {
		status = http.StatusPartialContent
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", served.start, served.end, size))
	}
	w.WriteHeader(status)

	if r.Method == http.MethodHead || size == 0 {
		return
	}
	s.copy(w, r, f, served.length())
}

func (s *Streamer) copy(w http.ResponseWriter, r *http.Request, f io.Reader, remaining int64) {
	started := time.Now()
	buf := make([]byte, s.chunkSize)
	var written int64
	defer func() {
		s.metrics.BytesStreamed(written)
	}()

	ctx := r.Context()
	for remaining > 0 {
		if ctx.Err() != nil {
			s.logger.Debug("stream_cancelled", slog.String("path", r.URL.Path), slog.Int64("bytes", written))
			return
		}
		want := int64(len(buf))
		if remaining < want {
			want = remaining
		}
		n, readErr := f.Read(buf[:want])
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				s.logger.Debug("stream_client_gone", slog.String("path", r.URL.Path), slog.Int64("bytes", written))
				return
			}
			written += int64(n)
			remaining -= int64(n)
		}
		if readErr != nil {
			if readErr == io.EOF && remaining <= 0 {
				break
			}
			s.logger.Warn("stream_read_failed",
				slog.String("path", r.URL.Path),
				slog.Int64("bytes", written),
				slog.String("error", readErr.Error()),
			)
			// Headers are committed; the only signal left is dropping the
			// connection.
			panic(http.ErrAbortHandler)
		}
	}
	s.logger.Debug("stream_done",
		slog.String("path", r.URL.Path),
		slog.Int64("bytes", written),
		slog.Int64("duration_ms", time.Since(started).Milliseconds()),
	)
}

func (s *Streamer) unsatisfiable(w http.ResponseWriter, size int64) {
	w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
	http.Error(w, http.StatusText(http.StatusRequestedRangeNotSatisfiable), http.StatusRequestedRangeNotSatisfiable)
}

func (s *Streamer) fail(w http.ResponseWriter, r *http.Request, event string, err error) {
	s.logger.Error(event, slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

var (
	errUnsatisfiable = errors.New("range not satisfiable")
	errMalformed     = errors.New("malformed range")
)

// parseRange understands a single "bytes=a-b", "bytes=a-" or "bytes=-n".
// A well-formed range starting at or past the end is unsatisfiable (416, RFC
// 7233 section 4.4); anything malformed falls back to the whole file.
func parseRange(raw string, size int64) (span, error) {
	set, ok := strings.CutPrefix(strings.TrimSpace(raw), "bytes=")
	if !ok || strings.Contains(set, ",") {
		return span{}, errMalformed
	}
	first, last, ok := strings.Cut(strings.TrimSpace(set), "-")
	if !ok {
		return span{}, errMalformed
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n < 0 {
			return span{}, errMalformed
		}
		if n == 0 || size == 0 {
			return span{}, errUnsatisfiable
		}
		if n > size {
			n = size
		}
		return span{start: size - n, end: size - 1}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return span{}, errMalformed
	}
	end := size - 1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return span{}, errMalformed
		}
	}
	if start >= size {
		return span{}, errUnsatisfiable
	}
	if end >= size {
		end = size - 1
	}
	return span{start: start, end: end}, nil
}

// timeSeekRange converts "npt=a-b" into an approximate byte range assuming a
// constant bitrate, and returns the header value to echo. Bounds are seconds
// ("10", "50.5") or clock time ("0:01:10.5").
func timeSeekRange(raw string, size int64, duration float64) (span, string, error) {
	rangeSpec, ok := strings.CutPrefix(strings.TrimSpace(raw), "npt=")
	if !ok {
		return span{}, "", errMalformed
	}
	first, last, ok := strings.Cut(rangeSpec, "-")
	if !ok {
		return span{}, "", errMalformed
	}
	startSec, err := parseNPTBound(first)
	if err != nil {
		return span{}, "", err
	}
	endSec := duration
	hasEnd := strings.TrimSpace(last) != ""
	if hasEnd {
		if endSec, err = parseNPTBound(last); err != nil {
			return span{}, "", err
		}
		endSec = min(endSec, duration)
	}
	if startSec >= duration || size == 0 {
		return span{}, "", errUnsatisfiable
	}
	if endSec < startSec {
		return span{}, "", errMalformed
	}

	bytesPerSecond := float64(size) / duration
	start := int64(bytesPerSecond * startSec)
	end := size - 1
	if hasEnd {
		end = min(int64(bytesPerSecond*endSec), size-1)
	}
	if end < start {
		end = start
	}
	echo := fmt.Sprintf("npt=%s-%s/%s", formatSeconds(startSec), formatSeconds(endSec), formatSeconds(duration))
	return span{start: start, end: end}, echo, nil
}

// parseNPTBound reads one side of an npt range; an empty bound is 0.
func parseNPTBound(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if !strings.Contains(raw, ":") {
		sec, err := strconv.ParseFloat(raw, 64)
		if err != nil || sec < 0 || math.IsNaN(sec) || math.IsInf(sec, 0) {
			return 0, fmt.Errorf("%w: npt %q", errMalformed, raw)
		}
		return sec, nil
	}
	// dlna.ParseNPTTime wants exactly three fraction digits.
	clock, frac, _ := strings.Cut(raw, ".")
	frac = (frac + "000")[:3]
	d, err := dlna.ParseNPTTime(clock + "." + frac)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: npt %q", errMalformed, raw)
	}
	return d.Seconds(), nil
}

func formatSeconds(sec float64) string {
	return strconv.FormatFloat(sec, 'f', 3, 64)
}
