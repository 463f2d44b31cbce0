package main

import (
	"context"
	_ "embed"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	echoagent "github.com/tathmini/tathmini/apps/agent/echo"
	"github.com/tathmini/tathmini/core"
	"github.com/tathmini/tathmini/core/cache"
	"github.com/tathmini/tathmini/core/conflict"
	"github.com/tathmini/tathmini/core/syncq"
	broadcastsvc "github.com/tathmini/tathmini/services/broadcast"
	logsvc "github.com/tathmini/tathmini/services/logger"
	netsvc "github.com/tathmini/tathmini/services/network"
	inmemstore "github.com/tathmini/tathmini/storage/store/inmem"
	sqlitestore "github.com/tathmini/tathmini/storage/store/sqlite"
)

//go:embed offline.html
var offlineDoc []byte

func main() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	// set up loggers
	var logger core.Logger
	if conf.Debug {
		logger = logsvc.NewConsoleLogger(
			log.New(os.Stdout, "AGENT : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		)
	} else {
		logger = logsvc.NewRollbarLogger(
			log.New(os.Stdout, "AGENT : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
			conf,
		)
	}
	logger.Enable(!conf.Debug)

	// set up the durable store
	store, closeStore, err := setUpStore(conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up store: %v", err), err)
	}
	defer func() {
		if err = closeStore(); err != nil {
			logger.Error("closing store", err)
		}
	}()

	// set up services
	fetcher := netsvc.NewHTTPFetcher(conf, shellToken)
	registry := conflict.NewRegistry(logger)
	hub := broadcastsvc.NewHub()
	queue := syncq.NewService(store, netsvc.NewSyncRemote(fetcher, logger), registry, hub, logger)
	cacheSvc := cache.NewService(store, fetcher, cache.NewMetrics(), conf, logger)
	backend := netsvc.NewSessionBackend(fetcher)

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Agent initializing : version %q", conf.Build))
	defer logger.Info("Agent stopped")

	validate := validator.New()
	translator := newTranslator()
	core.InitValidators(validate, translator)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err = cacheSvc.PreloadOffline(ctx, offlineDoc); err != nil {
		logger.Error(fmt.Sprintf("preloading offline document: %v", err), err)
	}

	// drain whatever survived the last run, then again on every reconnect
	watcher := netsvc.NewWatcher(fetcher, conf, logger, func() {
		queue.Drain(ctx, "reconnect")
	})
	go watcher.Run(ctx)

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.

	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)

	go func() {
		if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Start Agent Service

	server := echoagent.NewServer(
		echoagent.ServerDeps{
			Conf:       conf,
			Logger:     logger,
			Store:      store,
			Fetcher:    fetcher,
			Cache:      cacheSvc,
			Queue:      queue,
			Conflicts:  registry,
			Backend:    backend,
			Hub:        hub,
			Validate:   validate,
			Translator: translator,
		},
	)
	server.Start()

	// =========================================================================
	// Shutdown

	select {
	case err = <-server.Errors():
		logger.Fatal(fmt.Sprintf("server error: %v", err), err)

	case sig := <-server.ShutdownSignal():
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))
		cancel()

		// give outstanding requests a deadline for completion
		shutCtx, shutCancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer shutCancel()

		if err = server.Shutdown(shutCtx); err != nil {
			logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = server.Close(); err != nil {
				logger.Fatal(fmt.Sprintf("could not force stop server: %v", err), err)
			}
		}
	}
}

// setUpStore opens the configured store engine; Open runs migrations for
// the sqlite engine.
func setUpStore(conf *core.Config) (core.KVStore, func() error, error) {
	if conf.Store.Engine == "memory" {
		store, err := inmemstore.Open()
		return store, func() error { return nil }, err
	}
	store, err := sqlitestore.Open(conf)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

// shellToken reads the bearer token the mobile shell provisions for the
// agent process. Background replays need it; interactive requests carry
// their own Authorization header.
func shellToken() string {
	return os.Getenv("TATHMINI_API_TOKEN")
}

func newTranslator() ut.Translator {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	return translator
}
