package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	shellcache "github.com/always-cache/shellcache"
	"github.com/always-cache/shellcache/cache"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// CLI flags
	configFlag         string
	originFlag         string
	hostFlag           string
	portFlag           int
	cacheVersionFlag   string
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "YAML config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (default 8080)")
	flag.StringVar(&cacheVersionFlag, "version", "", "Cache version tag")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for in-memory db)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

// loadConfig reads the config and applies the flags that were set on the command line.
func loadConfig() (Config, error) {
	config, err := getConfig(configFlag)
	if err != nil {
		return config, err
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "origin":
			config.Origin = originFlag
		case "host":
			config.Host = hostFlag
		case "port":
			config.Port = portFlag
		case "version":
			config.Version = cacheVersionFlag
		case "db":
			config.DB = dbFilenameFlag
		case "vv":
			config.Log.Trace = verbosityTraceFlag
		case "log-file":
			config.Log.File = logFilenameFlag
		}
	})
	return config, config.validate()
}

func setupLogger(config LogConfig) {
	// set log level
	logLevel := zerolog.DebugLevel
	if config.Trace {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to a rotated logfile if specified
	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	if config.File != "" {
		logOutputs = append(logOutputs, &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			Compress:   config.Compress,
			LocalTime:  true,
		})
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("release", version).Logger()
}

func createWorker(config Config, storage cache.Storage, metrics *shellcache.Metrics) (*shellcache.Worker, error) {
	originUrl, err := config.originURL()
	if err != nil {
		return nil, err
	}
	return shellcache.CreateWorker(shellcache.Config{
		Version:    config.Version,
		Storage:    storage,
		OriginURL:  originUrl,
		OriginHost: config.Host,
		Manifest:   config.Manifest,
		AllowList:  config.allowList(),
		Logger:     &log.Logger,
		Metrics:    metrics,
	}), nil
}

func newRouter(container *shellcache.Container, metrics *shellcache.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/-/status", func(w http.ResponseWriter, r *http.Request) {
		report, err := container.Status(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("Could not create status report")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(report); err != nil {
			log.Error().Err(err).Msg("Could not write status report")
		}
	})
	r.Handle("/metrics", metrics.Handler())
	r.Handle("/*", container)
	return r
}

func main() {
	flag.Parse()

	config, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	setupLogger(config.Log)

	storage, err := cache.NewSQLiteStorage(config.dbFilename())
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot open cache DB")
	}
	defer storage.Close()

	originUrl, err := config.originURL()
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse url")
	}
	metrics := shellcache.NewMetrics()
	container := shellcache.NewContainer(shellcache.ContainerConfig{
		OriginURL:  originUrl,
		OriginHost: config.Host,
		Logger:     &log.Logger,
		Metrics:    metrics,
	})

	if err := startWorker(context.Background(), container, storage, config, metrics); err != nil {
		log.Fatal().Err(err).Msg("Cannot register worker")
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: newRouter(container, metrics),
	}
	go func() {
		log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", config.Port, originUrl.String(), config.Host)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	for sig := range signals {
		if sig == syscall.SIGHUP {
			reload(container, storage, metrics)
			continue
		}
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		break
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Shutdown failed")
	}
	if w := container.Controller(); w != nil {
		w.Wait()
	}
}

// startWorker registers the configured version. If that fails, e.g. because the
// origin is down, the newest complete cache left in storage is served instead.
func startWorker(ctx context.Context, container *shellcache.Container, storage cache.Storage, config Config, metrics *shellcache.Metrics) error {
	worker, err := createWorker(config, storage, metrics)
	if err != nil {
		return err
	}
	registerErr := container.Register(ctx, worker)
	if registerErr == nil {
		return nil
	}
	log.Error().Err(registerErr).Msg("Cannot register worker, looking for an installed cache")
	names, err := storage.Keys(ctx)
	if err != nil {
		return errors.Join(registerErr, err)
	}
	for i := len(names) - 1; i >= 0; i-- {
		if names[i] == config.Version {
			continue
		}
		previous := config
		previous.Version = names[i]
		worker, err := createWorker(previous, storage, metrics)
		if err != nil {
			return errors.Join(registerErr, err)
		}
		if err := container.Restore(ctx, worker); err != nil {
			log.Warn().Err(err).Str("version", names[i]).Msg("Cannot restore cache")
			continue
		}
		log.Warn().Str("version", names[i]).Msg("Serving previously installed version")
		return nil
	}
	return registerErr
}

// reload re-reads the config and registers a new worker if the version changed.
// Origin and port changes need a restart.
func reload(container *shellcache.Container, storage cache.Storage, metrics *shellcache.Metrics) {
	config, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Msg("Not reloading, invalid configuration")
		return
	}
	current := container.Controller()
	if current != nil && current.Version() == config.Version {
		log.Info().Str("version", config.Version).Msg("Version unchanged")
		return
	}
	worker, err := createWorker(config, storage, metrics)
	if err != nil {
		log.Error().Err(err).Msg("Cannot create worker")
		return
	}
	if err := container.Register(context.Background(), worker); err != nil {
		log.Error().Err(err).Msg("Update failed, keeping current version")
		return
	}
	if current != nil {
		current.Wait()
	}
}
