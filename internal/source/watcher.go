package source

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/trafegodns/trafegodns/internal/types"
)

// SnapshotFunc receives each successful observation snapshot.
type SnapshotFunc func([]types.Observation)

// WatcherConfig holds watcher timing configuration.
type WatcherConfig struct {
	// PollInterval is the cadence of periodic observations.
	PollInterval time.Duration
	// Debounce is how long to wait for further container events
	// before re-observing. Coalesces bursts during deployments.
	Debounce time.Duration
	// ReconnectInterval is the wait before resubscribing after an
	// event stream error.
	ReconnectInterval time.Duration
}

// DefaultWatcherConfig returns the default watcher timings.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		PollInterval:      60 * time.Second,
		Debounce:          500 * time.Millisecond,
		ReconnectInterval: 5 * time.Second,
	}
}

// Watcher drives a Source on a poll interval and, when the source
// also streams container events, re-observes shortly after each event
// burst. A failed observation keeps the previous snapshot.
type Watcher struct {
	src        Source
	onSnapshot SnapshotFunc
	cfg        WatcherConfig

	mu       sync.Mutex
	cancel   context.CancelFunc
	running  bool
	debounce *time.Timer
	last     []types.Observation
	hasLast  bool
}

// NewWatcher creates a watcher for src delivering snapshots to
// onSnapshot. Zero config fields take their defaults.
func NewWatcher(src Source, onSnapshot SnapshotFunc, cfg WatcherConfig) *Watcher {
	def := DefaultWatcherConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	return &Watcher{
		src:        src,
		onSnapshot: onSnapshot,
		cfg:        cfg,
	}
}

// Start performs an initial observation and begins the poll loop.
// Non-blocking; call Stop to halt.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.running = true
	w.mu.Unlock()

	w.observe(ctx)

	go w.pollLoop(ctx)

	if es, ok := w.src.(EventSource); ok {
		go w.eventLoop(ctx, es)
	}

	log.Info().
		Str("source", w.src.Name()).
		Dur("poll_interval", w.cfg.PollInterval).
		Dur("debounce", w.cfg.Debounce).
		Msg("Source watcher started")
	return nil
}

// Stop halts the watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	if w.debounce != nil {
		w.debounce.Stop()
		w.debounce = nil
	}
	w.running = false
}

// Last returns the most recent successful snapshot.
func (w *Watcher) Last() ([]types.Observation, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last, w.hasLast
}

// TriggerNow forces an immediate observation, bypassing debounce.
func (w *Watcher) TriggerNow(ctx context.Context) {
	w.mu.Lock()
	if w.debounce != nil {
		w.debounce.Stop()
		w.debounce = nil
	}
	w.mu.Unlock()

	w.observe(ctx)
}

func (w *Watcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.observe(ctx)
		}
	}
}

func (w *Watcher) eventLoop(ctx context.Context, es EventSource) {
	events := make(chan types.ContainerEvent, 16)

	go func() {
		for {
			if err := es.Watch(ctx, events); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn().
					Err(err).
					Dur("retry_in", w.cfg.ReconnectInterval).
					Msg("Event stream error, reconnecting")
				select {
				case <-ctx.Done():
					return
				case <-time.After(w.cfg.ReconnectInterval):
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			log.Debug().
				Str("type", string(evt.Type)).
				Str("container", evt.ContainerName).
				Msg("Container event received")
			w.scheduleObserve(ctx)
		}
	}
}

// scheduleObserve resets the debounce timer so a burst of events
// yields a single observation.
func (w *Watcher) scheduleObserve(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(w.cfg.Debounce, func() {
		if ctx.Err() == nil {
			w.observe(ctx)
		}
	})
}

func (w *Watcher) observe(ctx context.Context) {
	observations, err := w.src.Observe(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn().
			Err(err).
			Str("source", w.src.Name()).
			Msg("Observation failed, keeping last snapshot")
		return
	}

	w.mu.Lock()
	w.last = observations
	w.hasLast = true
	w.mu.Unlock()

	if w.onSnapshot != nil {
		w.onSnapshot(observations)
	}
}
