package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	classifier "github.com/always-cache/offline-cache/pkg/request-classifier"

	"github.com/go-redis/redis/v8"
	"github.com/pires/go-proxyproto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// StartServer loads the config, starts the proxy and blocks until it is
// stopped by a signal, by stop, or by a server error.
func StartServer(sf *serverFlags, stop <-chan struct{}) error {
	cfg, fileUsed, err := loadConfig(sf.c)
	if err != nil {
		return fmt.Errorf("fail to load config, %w", err)
	}
	if sf.origin != "" {
		cfg.Origin = sf.origin
	}
	if sf.listen != "" {
		cfg.Listen = sf.listen
	}
	if sf.logFile != "" {
		cfg.Log.File = sf.logFile
	}
	if sf.verbosityTrace {
		cfg.Log.Level = "trace"
	}

	closeLog, err := setupLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	if cfg.Origin == "" {
		return errors.New("please specify origin")
	}
	originURL, err := url.Parse(cfg.Origin)
	if err != nil {
		return fmt.Errorf("could not parse origin url: %w", err)
	}
	manifest, err := cfg.manifest()
	if err != nil {
		return err
	}
	store, err := newStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	ocache := offlinecache.CreateCache(offlinecache.Config{
		Store:          store,
		OriginURL:      *originURL,
		OriginHost:     cfg.OriginHost,
		Logger:         &log.Logger,
		Name:           cfg.Name,
		RootDocument:   cfg.RootDocument,
		Rules:          classifier.NewRules(cfg.patterns()),
		SkipWaiting:    cfg.SkipWaiting,
		ClientIdle:     cfg.ClientIdle,
		Retain:         cfg.Retain,
		NetworkTimeout: cfg.NetworkTimeout,
	})

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	if cfg.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln}
	}
	server := &http.Server{Handler: ocache}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if stop != nil {
		go func() {
			select {
			case <-stop:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Msgf("Proxying %s to %s (with hostname '%s')", ln.Addr(), originURL, cfg.OriginHost)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// the proxy keeps passing requests through if the install fails
		if err := ocache.Register(gctx, cfg.Version, manifest); err != nil {
			log.Error().Err(err).Str("version", cfg.Version).Msg("Could not register generation")
		}
		return nil
	})
	if cfg.Watch && fileUsed != "" {
		g.Go(func() error {
			watchConfig(gctx, fileUsed, func() {
				reloadGeneration(gctx, fileUsed, ocache)
			})
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		// wait for pending cache writes
		if werr := ocache.Shutdown(shutdownCtx); err == nil {
			err = werr
		}
		return err
	})
	return g.Wait()
}

// reloadGeneration registers the generation described by the config file.
// Nothing happens if its version is already installed.
func reloadGeneration(ctx context.Context, file string, ocache *offlinecache.OfflineCache) {
	cfg, _, err := loadConfig(file)
	if err != nil {
		log.Error().Err(err).Str("file", file).Msg("Could not reload config")
		return
	}
	manifest, err := cfg.manifest()
	if err != nil {
		log.Error().Err(err).Str("file", file).Msg("Could not reload manifest")
		return
	}
	log.Info().Str("version", cfg.Version).Msg("Config changed, registering generation")
	if err := ocache.Register(ctx, cfg.Version, manifest); err != nil {
		log.Error().Err(err).Str("version", cfg.Version).Msg("Could not register generation")
	}
}

func setupLogger(c LogConfig) (func(), error) {
	logLevel := zerolog.DebugLevel
	if c.Level != "" {
		level, err := zerolog.ParseLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		logLevel = level
	}

	// set up log output to stdout
	// also output to logfile if specified
	closeLog := func() {}
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if c.File != "" {
		logFileOutput, err := os.OpenFile(c.File, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return nil, fmt.Errorf("cannot open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
		closeLog = func() { logFileOutput.Close() }
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
	return closeLog, nil
}

func newStore(c StoreConfig) (cache.Store, error) {
	switch c.Type {
	case "", "sqlite":
		// "memory" gives a shared in-memory db
		path := c.Path
		if path == "memory" {
			path = ""
		}
		return cache.NewSQLiteStore(path)
	case "memory":
		return cache.NewMemStore(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		})
		logger := log.Logger.With().Str("store", "redis").Logger()
		return cache.NewRedisStore(cache.RedisStoreOpts{
			Client:       client,
			ClientCloser: client,
			Prefix:       c.RedisPrefix,
			Logger:       &logger,
		})
	default:
		return nil, fmt.Errorf("unknown store type %q", c.Type)
	}
}
