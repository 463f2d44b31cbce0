package netsvc

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tathmini/tathmini/core"
)

// Watcher probes the upstream health endpoint and fires the reconnect
// callback on every offline → online transition (including the first
// successful probe, which doubles as the drain-on-start trigger).
type Watcher struct {
	fetcher     core.Fetcher
	conf        *core.Config
	logger      core.Logger
	onReconnect func()

	// cadence between probes while online
	pollInterval time.Duration

	mu     sync.Mutex
	online bool
}

func NewWatcher(fetcher core.Fetcher, conf *core.Config, logger core.Logger, onReconnect func()) *Watcher {
	return &Watcher{
		fetcher:      fetcher,
		conf:         conf,
		logger:       logger,
		onReconnect:  onReconnect,
		pollInterval: 15 * time.Second,
	}
}

// Online reports the last observed connectivity state.
func (w *Watcher) Online() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.online
}

// Run blocks until ctx is cancelled. While offline, probes back off
// exponentially instead of hammering a dead link.
func (w *Watcher) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // keep probing forever

	for {
		if w.probe(ctx) {
			w.setOnline(true)
			bo.Reset()
			if !sleep(ctx, w.pollInterval) {
				return
			}
			continue
		}

		w.setOnline(false)
		if !sleep(ctx, bo.NextBackOff()) {
			return
		}
	}
}

func (w *Watcher) probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, w.conf.Upstream.NetworkTimeout)
	defer cancel()

	resp, err := w.fetcher.Do(pctx, core.Request{Method: http.MethodGet, URL: w.conf.Upstream.HealthPath})
	return err == nil && resp.OK()
}

func (w *Watcher) setOnline(online bool) {
	w.mu.Lock()
	wasOnline := w.online
	w.online = online
	w.mu.Unlock()

	if online && !wasOnline {
		if w.logger != nil {
			w.logger.Info("network: connectivity restored")
		}
		if w.onReconnect != nil {
			w.onReconnect()
		}
	}
	if !online && wasOnline && w.logger != nil {
		w.logger.Warn("network: connectivity lost")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
