package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-yaml"
)

// Overlay is the shape of the optional YAML file. Zero fields keep the
// environment value.
type Overlay struct {
	Tuning    Tuning    `yaml:"tuning"`
	RateLimit RateLimit `yaml:"rate_limit"`
}

// Loader holds the live Tuning and RateLimit values. Without a file it
// simply serves the environment values; with one it applies the overlay
// and can hot-reload it.
type Loader struct {
	path   string
	base   Config
	logger *slog.Logger

	mu        sync.RWMutex
	tuning    Tuning
	rateLimit RateLimit
	onChange  []func(Tuning)
}

// NewLoader performs the initial load. path may be empty.
func NewLoader(base Config, path string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		path:      path,
		base:      base,
		logger:    logger.With("component", "config"),
		tuning:    base.Tuning,
		rateLimit: base.RateLimit,
	}
	if path == "" {
		return l, nil
	}
	tuning, rl, err := l.load()
	if err != nil {
		return nil, err
	}
	l.tuning, l.rateLimit = tuning, rl
	return l, nil
}

// Tuning returns the current query knobs.
func (l *Loader) Tuning() Tuning {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tuning
}

func (l *Loader) RateLimit() RateLimit {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rateLimit
}

// OnChange registers a callback invoked whenever the tuning reloads.
func (l *Loader) OnChange(fn func(Tuning)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that reloads the overlay on file
// changes. A bad file is logged and the previous values stay in effect.
// Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	if l.path == "" {
		return func() {}, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", l.path, err)
	}

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						l.logger.Warn("config reload failed, keeping previous values", "path", l.path, "error", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("config watcher error", "error", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// Reload forces an immediate re-read of the overlay file.
func (l *Loader) Reload() (Tuning, error) {
	if l.path == "" {
		return l.Tuning(), nil
	}
	tuning, rl, err := l.load()
	if err != nil {
		return Tuning{}, err
	}
	l.mu.Lock()
	l.tuning, l.rateLimit = tuning, rl
	callbacks := make([]func(Tuning), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()

	l.logger.Info("config reloaded",
		"circle_search_radius_meters", tuning.CircleSearchRadiusMeters,
		"max_bounds_results", tuning.MaxBoundsResults,
		"max_page_size", tuning.MaxPageSize)
	for _, fn := range callbacks {
		fn(tuning)
	}
	return tuning, nil
}

func (l *Loader) load() (Tuning, RateLimit, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return Tuning{}, RateLimit{}, fmt.Errorf("read config %s: %w", l.path, err)
	}
	var o Overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return Tuning{}, RateLimit{}, fmt.Errorf("parse config %s: %w", l.path, err)
	}

	tuning := l.base.Tuning
	if o.Tuning.CircleSearchRadiusMeters != 0 {
		tuning.CircleSearchRadiusMeters = o.Tuning.CircleSearchRadiusMeters
	}
	if o.Tuning.MaxBoundsResults != 0 {
		tuning.MaxBoundsResults = o.Tuning.MaxBoundsResults
	}
	if o.Tuning.MaxPageSize != 0 {
		tuning.MaxPageSize = o.Tuning.MaxPageSize
	}
	if err := tuning.Validate(); err != nil {
		return Tuning{}, RateLimit{}, fmt.Errorf("config %s: %w", l.path, err)
	}

	rl := l.base.RateLimit
	if o.RateLimit.RPS != 0 {
		rl.RPS = o.RateLimit.RPS
	}
	if o.RateLimit.Burst != 0 {
		rl.Burst = o.RateLimit.Burst
	}
	return tuning, rl, nil
}
