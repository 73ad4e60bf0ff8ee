package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	go2tvadapters "go2tv.app/mini-dlna/internal/adapters/go2tv"
	"go2tv.app/mini-dlna/internal/buildinfo"
	"go2tv.app/mini-dlna/internal/config"
	"go2tv.app/mini-dlna/internal/diagnostics"
	"go2tv.app/mini-dlna/internal/discovery"
	"go2tv.app/mini-dlna/internal/domain"
	"go2tv.app/mini-dlna/internal/lifecycle"
)

const serverName = "mini-dlna"

type selfTestOutput struct {
	Server struct {
		Name         string `json:"name"`
		Version      string `json:"version"`
		FriendlyName string `json:"friendly_name,omitempty"`
		UUID         string `json:"uuid,omitempty"`
		Listen       string `json:"listen,omitempty"`
		ConfigError  string `json:"config_error,omitempty"`
	} `json:"server"`
	Go2TVAdapters struct {
		TagsWired bool `json:"tags_wired"`
		MimeWired bool `json:"mime_wired"`
		SSDPWired bool `json:"ssdp_wired"`
	} `json:"go2tv_adapters"`
	Dependencies  diagnostics.DependencyReport `json:"dependencies"`
	SharedFolders []diagnostics.FolderStatus   `json:"shared_folders"`
	Network       diagnostics.NetworkReport    `json:"network"`
	Healthy       bool                         `json:"healthy"`
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	selfTest := flag.Bool("self-test", false, "run dependency, folder and network diagnostics then exit")
	probe := flag.Bool("probe", false, "search the LAN for media servers then exit")
	probeTimeout := flag.Int("probe-timeout", 2500, "LAN probe timeout in milliseconds")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.Version)
		return
	}

	if *selfTest {
		if err := runSelfTest(*configPath, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	runCtx, stopSignals := signal.NotifyContext(context.Background(), lifecycle.TerminationSignals()...)
	defer stopSignals()

	if *probe {
		if err := runProbe(runCtx, *configPath, *probeTimeout, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logLevel := parseLogLevel(cfg.Logging.Level)
	if env := os.Getenv("MINIDLNA_LOG_LEVEL"); env != "" {
		logLevel = parseLogLevel(env)
	}
	logger, closeLog, err := newLogger(cfg.Logging, logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeLog()

	logger.Info(
		"media_server_start",
		slog.String("server", serverName),
		slog.String("version", buildinfo.Version),
		slog.String("friendly_name", cfg.Server.FriendlyName),
		slog.String("uuid", cfg.Server.UUID),
		slog.String("log_level", logLevel.String()),
		slog.Int("shared_paths", len(cfg.SharedPaths)),
	)

	runErr := run(runCtx, cfg, logger)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("media_server_failed", slog.String("error", runErr.Error()))
		closeLog()
		os.Exit(1)
	}
	logger.Info("media_server_stopped")
}

func runSelfTest(configPath string, w io.Writer) error {
	var out selfTestOutput
	out.Server.Name = serverName
	out.Server.Version = buildinfo.Version

	var (
		ffmpegPath string
		sharedDirs []string
		interfaces []string
		readTags   = true
	)
	cfg, err := config.Load(configPath)
	if err != nil {
		out.Server.ConfigError = err.Error()
	} else {
		out.Server.FriendlyName = cfg.Server.FriendlyName
		out.Server.UUID = cfg.Server.UUID
		out.Server.Listen = cfg.ListenAddr()
		ffmpegPath = cfg.Metadata.FFmpegPath
		sharedDirs = cfg.SharedPaths
		interfaces = cfg.Server.Interfaces
		readTags = cfg.Metadata.TagsEnabled()
	}

	bundle := go2tvadapters.NewBundle(go2tvadapters.Options{FFmpegPath: ffmpegPath, ReadTags: readTags})
	out.Go2TVAdapters.TagsWired = bundle.Tags != nil
	out.Go2TVAdapters.MimeWired = bundle.Mime != nil
	out.Go2TVAdapters.SSDPWired = bundle.Search != nil

	out.Dependencies = diagnostics.DetectDependencies(ffmpegPath)
	out.SharedFolders = diagnostics.CheckSharedFolders(sharedDirs)
	out.Network = diagnostics.DetectNetwork(interfaces)
	out.Healthy = out.Server.ConfigError == "" && diagnostics.Healthy(out.SharedFolders, out.Network)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}

// runProbe lists the media servers on the LAN. The configuration is optional
// and only used to recognise this server among the answers.
func runProbe(ctx context.Context, configPath string, timeoutMS int, w io.Writer) error {
	var selfUUID string
	if cfg, err := config.Load(configPath); err == nil {
		selfUUID = cfg.Server.UUID
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(os.Getenv("MINIDLNA_LOG_LEVEL")),
	}))
	bundle := go2tvadapters.NewBundle(go2tvadapters.Options{})
	svc := discovery.NewService(bundle.Search, selfUUID, logger)

	started := time.Now()
	devices, err := svc.ListMediaServers(ctx, timeoutMS, true)
	if err != nil {
		return err
	}
	logger.Info("probe_finished",
		slog.Int("devices", len(devices)),
		slog.Int64("duration_ms", time.Since(started).Milliseconds()),
	)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(devices)
}

// newLogger builds the process logger from the logging section. The returned
// close function releases a log file when one is used.
func newLogger(cfg config.LoggingConfig, level slog.Level) (*slog.Logger, func(), error) {
	var (
		out     io.Writer
		closeFn = func() {}
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, domain.NewError(domain.KindConfigurationFatal, "open log file", err)
		}
		out = f
		closeFn = func() { _ = f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler), closeFn, nil
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		fmt.Fprintf(os.Stderr, "invalid log level %q; defaulting to info\n", raw)
		return slog.LevelInfo
	}
}
