// Package connectivity tracks whether the inventory backend is reachable.
//
// The monitor combines two signals: a periodic HTTP probe against the backend
// origin, and explicit reports from transports that just observed a success or
// failure. Subscribers are notified only on state transitions.
package connectivity

import (
	"context"
	"io"
	"log"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/patricksmith/highline-capture/internal/conf"
	"github.com/patricksmith/highline-capture/internal/logging"
)

var serviceLogger *slog.Logger

func init() {
	var err error
	logFilePath := filepath.Join("logs", "connectivity.log")
	serviceLogger, _, err = logging.NewFileLogger(logFilePath, "connectivity", slog.LevelInfo)
	if err != nil {
		log.Printf("Failed to initialize connectivity file logger at %s: %v", logFilePath, err)
		serviceLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
}

// Monitor watches backend reachability and fans state changes out to
// subscribers.
type Monitor struct {
	settings   *conf.Settings
	httpClient *http.Client

	mu          sync.RWMutex
	online      bool
	subscribers map[int]func(online bool)
	nextSubID   int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a connectivity monitor. The client starts in the online
// state; the first probe corrects it if the backend is unreachable.
func NewMonitor(settings *conf.Settings) *Monitor {
	timeout := settings.Connectivity.ProbeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Monitor{
		settings:    settings,
		httpClient:  &http.Client{Timeout: timeout},
		online:      true,
		subscribers: make(map[int]func(online bool)),
	}
}

// Start launches the periodic probe loop. It returns immediately.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	interval := m.settings.Connectivity.ProbeInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.probe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probe(ctx)
			}
		}
	}()
}

// Stop ends the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// IsOnline reports the last known reachability state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Subscribe registers a callback invoked on every online/offline transition.
// The returned function removes the subscription.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// Report feeds an observation from a transport into the monitor. A transport
// that just completed a request knows the backend is reachable; one that just
// hit a connection error knows it is not. Reports short-circuit the wait for
// the next probe tick.
func (m *Monitor) Report(online bool) {
	m.setOnline(online)
}

// probe issues a HEAD request against the backend origin. Any HTTP response,
// error status included, proves reachability; only transport errors do not.
func (m *Monitor) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.settings.Server.Origin, http.NoBody)
	if err != nil {
		serviceLogger.Error("Failed to build probe request", "origin", m.settings.Server.Origin, "error", err)
		return
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.setOnline(false)
		return
	}
	_ = resp.Body.Close()
	m.setOnline(true)
}

func (m *Monitor) setOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	callbacks := make([]func(bool), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		callbacks = append(callbacks, fn)
	}
	m.mu.Unlock()

	if online {
		serviceLogger.Info("Backend reachable, going online")
	} else {
		serviceLogger.Warn("Backend unreachable, going offline")
	}

	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					serviceLogger.Error("Connectivity subscriber panicked", "panic", r)
				}
			}()
			fn(online)
		}()
	}
}
