package httpfront

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"go2tv.app/mini-dlna/internal/buildinfo"
)

const subscriptionTimeout = "Second-1800"

var readFile = os.ReadFile

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(r.URL.Path, "/media/")
	info, err := s.content.Streamable(rel)
	if err != nil {
		s.logger.Debug("media_not_found", slog.String("path", rel), slog.String("error", err.Error()))
		http.NotFound(w, r)
		return
	}
	s.streamer.Serve(w, r, info)
}

func (s *Server) handleArt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cover, err := s.content.CoverFor(id)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	st, err := os.Stat(cover)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	key := cover + "|" + strconv.FormatInt(st.Size(), 10) + "|" + strconv.FormatInt(st.ModTime().UnixNano(), 10)

	entry, hit := s.thumbnails.Get(key)
	s.metrics.ThumbnailLookup(hit)
	if !hit {
		data, err := readFile(cover)
		if err != nil {
			s.logger.Warn("art_read_failed", slog.String("path", cover), slog.String("error", err.Error()))
			if errors.Is(err, os.ErrNotExist) {
				http.NotFound(w, r)
				return
			}
			httpError(w, http.StatusInternalServerError, "cover unavailable")
			return
		}
		entry, _ = s.thumbnails.Put(key, data)
	}

	w.Header().Set("Content-Type", entry.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(entry.Data)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(entry.Data)
}

// handleSubscribe acknowledges GENA subscriptions without ever delivering
// events. Renewals keep their SID.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.services[r.PathValue("service")]; !ok {
		http.NotFound(w, r)
		return
	}
	sid := r.Header.Get("SID")
	if sid == "" {
		if r.Header.Get("CALLBACK") == "" || r.Header.Get("NT") != "upnp:event" {
			httpError(w, http.StatusPreconditionFailed, "missing CALLBACK or NT")
			return
		}
		sid = "uuid:" + uuid.NewString()
	}
	s.logger.Debug("event_subscribe",
		slog.String("service", r.PathValue("service")),
		slog.String("sid", sid),
		slog.String("callback", r.Header.Get("CALLBACK")),
	)
	w.Header().Set("SID", sid)
	w.Header().Set("TIMEOUT", subscriptionTimeout)
	w.Header().Set("Server", s.device.FriendlyName)
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("SID") == "" {
		httpError(w, http.StatusPreconditionFailed, "missing SID")
		return
	}
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}

type healthReport struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	UDN       string `json:"udn"`
	UptimeSec int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(healthReport{
		Status:    "ok",
		Version:   buildinfo.Version,
		UDN:       s.device.UDN,
		UptimeSec: int64(time.Since(s.started) / time.Second),
	})
}
