// Package ssdp announces the media server on the LAN and answers M-SEARCH
// discovery requests.
package ssdp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"go2tv.app/mini-dlna/internal/domain"
	"go2tv.app/mini-dlna/internal/metrics"
)

const (
	burstGap         = 500 * time.Millisecond
	maxSleepSlice    = 5 * time.Second
	readTimeout      = time.Second
	joinTimeout      = 6 * time.Second
	immediateReplies = 3
	minReplyDelay    = 10 * time.Millisecond
	maxReplyDelay    = 100 * time.Millisecond
	minBackoffFactor = 1.2
	maxBackoffFactor = 2.0
	replyPoolSize    = 32
)

type State int32

const (
	StateInit State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Config struct {
	UUID     string
	Location string
	// Server is the SERVER header value.
	Server           string
	MaxAge           int
	InitialInterval  time.Duration
	MaxInterval      time.Duration
	BackoffWarnRatio float64
	// LocalIP is used to drop our own multicast traffic.
	LocalIP    net.IP
	Interfaces []string
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

var (
	backoffFactor = func() float64 {
		return minBackoffFactor + rand.Float64()*(maxBackoffFactor-minBackoffFactor)
	}
	replyDelay = func() time.Duration {
		return minReplyDelay + rand.N(maxReplyDelay-minReplyDelay+1)
	}
)

type Engine struct {
	cfg    Config
	ads    []Advertisement
	id     identity
	logger *slog.Logger

	state     atomic.Int32
	running   atomic.Bool
	searches  atomic.Int64
	transport Transport
	pool      *ants.Pool

	wake         chan struct{}
	announceDone chan struct{}
	receiveDone  chan struct{}
	stopOnce     sync.Once
}

func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 1800
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 60 * time.Second
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = max(1800*time.Second, cfg.InitialInterval)
	}
	if cfg.BackoffWarnRatio <= 0 {
		cfg.BackoffWarnRatio = 0.8
	}
	if cfg.Server == "" {
		cfg.Server = defaultServerHeader()
	}
	return &Engine{
		cfg:    cfg,
		ads:    Advertisements(cfg.UUID),
		id:     identity{location: cfg.Location, server: cfg.Server, maxAge: cfg.MaxAge},
		logger: logger,
	}
}

func defaultServerHeader() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return host + " UPnP/1.0 DLNADOC/1.50 mini-dlna"
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

// Start binds the socket and launches the announce and receive loops. A bind
// or join failure is reported as a component-unavailable error.
func (e *Engine) Start() error {
	if !e.state.CompareAndSwap(int32(StateInit), int32(StateRunning)) {
		return fmt.Errorf("ssdp engine cannot start from state %s", e.State())
	}

	transport, err := listen(e.cfg.Interfaces, e.logger)
	if err != nil {
		e.state.Store(int32(StateStopped))
		return domain.NewError(domain.KindComponentUnavailable, "ssdp start", err)
	}
	pool, err := ants.NewPool(replyPoolSize, ants.WithNonblocking(true))
	if err != nil {
		_ = transport.Close()
		e.state.Store(int32(StateStopped))
		return domain.NewError(domain.KindComponentUnavailable, "ssdp start", err)
	}

	e.transport = transport
	e.pool = pool
	e.searches.Store(0)
	e.wake = make(chan struct{})
	e.announceDone = make(chan struct{})
	e.receiveDone = make(chan struct{})
	e.running.Store(true)

	go e.announceLoop()
	go e.receiveLoop()

	e.logger.Info("ssdp_started",
		slog.String("location", e.cfg.Location),
		slog.String("uuid", e.cfg.UUID),
		slog.Int("advertisements", len(e.ads)),
	)
	return nil
}

// Stop sends ssdp:byebye and releases the socket. It is safe to call more
// than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if !e.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
			e.state.Store(int32(StateStopped))
			return
		}
		e.running.Store(false)
		close(e.wake)

		select {
		case <-e.announceDone:
		case <-time.After(joinTimeout):
			e.logger.Warn("ssdp_announce_join_timeout", slog.Duration("timeout", joinTimeout))
		}

		e.notifyAll(ntsByebye)
		if err := e.transport.Close(); err != nil {
			e.logger.Debug("ssdp_close_failed", slog.String("error", err.Error()))
		}
		select {
		case <-e.receiveDone:
		case <-time.After(2 * readTimeout):
		}
		e.pool.Release()

		e.state.Store(int32(StateStopped))
		e.logger.Info("ssdp_stopped")
	})
}

// Run starts the engine and stops it when ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	e.Stop()
	return nil
}

func (e *Engine) notifyAll(nts string) {
	sent := 0
	for _, adv := range e.ads {
		if err := e.transport.Multicast(e.id.notify(adv, nts)); err != nil {
			e.logger.Warn("ssdp_notify_failed", slog.String("nt", adv.NT), slog.String("nts", nts), slog.String("error", err.Error()))
			continue
		}
		sent++
	}
	e.cfg.Metrics.Notify(nts, sent)
	e.logger.Debug("ssdp_notify", slog.String("nts", nts), slog.Int("sent", sent))
}

func (e *Engine) announceLoop() {
	defer close(e.announceDone)

	e.notifyAll(ntsAlive)
	if !e.sleep(burstGap) {
		return
	}
	e.notifyAll(ntsAlive)

	interval := e.cfg.InitialInterval
	last := time.Now()
	for e.running.Load() {
		if !e.sleep(interval) {
			return
		}
		e.notifyAll(ntsAlive)

		now := time.Now()
		e.checkInterval(now.Sub(last), interval)
		last = now
		interval = nextInterval(interval, e.cfg.MaxInterval, backoffFactor())
	}
}

// nextInterval grows the announce interval by factor, capped at limit.
func nextInterval(current, limit time.Duration, factor float64) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > limit {
		next = limit
	}
	return next
}

// checkInterval flags announce intervals well below the planned backoff. It
// only logs; the protocol does not depend on it.
func (e *Engine) checkInterval(measured, expected time.Duration) bool {
	if float64(measured) >= e.cfg.BackoffWarnRatio*float64(expected) {
		return false
	}
	e.logger.Warn("ssdp_backoff_violation",
		slog.Duration("measured", measured),
		slog.Duration("expected", expected),
		slog.Float64("ratio", e.cfg.BackoffWarnRatio),
	)
	e.cfg.Metrics.BackoffWarning()
	return true
}

// sleep waits d in slices of at most maxSleepSlice, giving up as soon as the
// running flag drops. It reports whether the full duration elapsed.
func (e *Engine) sleep(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for e.running.Load() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		timer := time.NewTimer(min(remaining, maxSleepSlice))
		select {
		case <-timer.C:
		case <-e.wake:
			timer.Stop()
			return false
		}
	}
	return false
}

func (e *Engine) receiveLoop() {
	defer close(e.receiveDone)

	buf := make([]byte, 8192)
	for e.running.Load() {
		_ = e.transport.SetReadDeadline(time.Now().Add(readTimeout))
		n, src, err := e.transport.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			e.logger.Debug("ssdp_read_failed", slog.String("error", err.Error()))
			continue
		}
		e.handleDatagram(append([]byte(nil), buf[:n]...), src)
	}
}

func (e *Engine) handleDatagram(data []byte, src net.Addr) {
	udp, ok := src.(*net.UDPAddr)
	if !ok {
		e.cfg.Metrics.Datagram(metrics.DatagramIgnored)
		return
	}
	if e.cfg.LocalIP != nil && udp.IP.Equal(e.cfg.LocalIP) {
		e.cfg.Metrics.Datagram(metrics.DatagramSelf)
		return
	}

	st, err := parseSearch(data)
	switch {
	case errors.Is(err, errNotSearch), errors.Is(err, errBadMAN):
		e.cfg.Metrics.Datagram(metrics.DatagramIgnored)
		return
	case err != nil:
		e.logger.Debug("ssdp_datagram_malformed", slog.String("from", udp.String()), slog.String("error", err.Error()))
		e.cfg.Metrics.Datagram(metrics.DatagramParseError)
		return
	}

	targets := targetsFor(st, e.ads)
	if len(targets) == 0 {
		e.cfg.Metrics.Datagram(metrics.DatagramIgnored)
		return
	}
	e.cfg.Metrics.Datagram(metrics.DatagramSearch)

	if e.searches.Add(1) <= immediateReplies {
		e.reply(targets, udp)
		return
	}
	delay := replyDelay()
	err = e.pool.Submit(func() {
		time.Sleep(delay)
		if e.running.Load() {
			e.reply(targets, udp)
		}
	})
	if err != nil {
		e.logger.Warn("ssdp_reply_dropped", slog.String("to", udp.String()), slog.String("error", err.Error()))
	}
}

func (e *Engine) reply(targets []Advertisement, dst *net.UDPAddr) {
	for _, adv := range targets {
		if err := e.transport.Unicast(e.id.searchResponse(adv, time.Now()), dst); err != nil {
			e.logger.Debug("ssdp_reply_failed", slog.String("to", dst.String()), slog.String("error", err.Error()))
			continue
		}
		e.cfg.Metrics.SearchResponse()
		e.logger.Debug("ssdp_search_response", slog.String("to", dst.String()), slog.String("st", adv.NT))
	}
}
