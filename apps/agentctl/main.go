package main

import (
	"log"
	"os"

	"github.com/tathmini/tathmini/core"
	"github.com/tathmini/tathmini/core/cache"
	"github.com/tathmini/tathmini/core/conflict"
	"github.com/tathmini/tathmini/core/syncq"
	broadcastsvc "github.com/tathmini/tathmini/services/broadcast"
	logsvc "github.com/tathmini/tathmini/services/logger"
	netsvc "github.com/tathmini/tathmini/services/network"
	sqlitestore "github.com/tathmini/tathmini/storage/store/sqlite"
)

var logger *log.Logger

func main() {
	defer os.Exit(0)

	logger = log.New(os.Stdout, "AGENTCTL : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)

	conf := core.NewConfig()
	svcLogger := logsvc.NewConsoleLogger(logger)
	svcLogger.Enable(true)

	// set up the store
	store, err := sqlitestore.Open(conf)
	errAndDie(err)
	defer store.Close()

	// set up services
	fetcher := netsvc.NewHTTPFetcher(conf, func() string { return os.Getenv("TATHMINI_API_TOKEN") })
	registry := conflict.NewRegistry(svcLogger)
	queue := syncq.NewService(store, netsvc.NewSyncRemote(fetcher, svcLogger), registry, broadcastsvc.NewHub(), svcLogger)
	cacheSvc := cache.NewService(store, fetcher, cache.NewMetrics(), conf, svcLogger)

	// start CLI
	cli := commandLine{
		store: store,
		queue: queue,
		cache: cacheSvc,
		out:   os.Stdout,
	}
	if err := cli.run(os.Args); err != nil {
		if err != errHelp {
			logger.Printf("\nerror: %s\n", err)
		}
		os.Exit(1)
	}
}

func errAndDie(err error) {
	if err != nil {
		logger.Fatal(err)
	}
}
