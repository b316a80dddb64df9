package syncengine

import (
	"context"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RunnerOptions configures the background trigger loop.
type RunnerOptions struct {
	// Interval is the base period between passes. Zero means the 30s
	// default.
	Interval time.Duration
	// JitterRatio spreads wakeups so a fleet of agents reconnecting after
	// an outage does not stampede the server. Clamped to [0, 1].
	JitterRatio float64
	// WatchPath, when set, is a journal file to watch; a write there means
	// a mutation was queued and a pass should start soon.
	WatchPath string
	Logger    Logger
}

// Runner periodically drives Engine.SyncAll and reacts to external
// triggers: journal writes, server notifications, manual kicks. Pulls
// run only on their own trigger, never as part of a push pass.
type Runner struct {
	engine    *Engine
	interval  time.Duration
	jitter    float64
	watch     string
	logger    Logger
	kicks     chan struct{}
	pullKicks chan struct{}
	rng       *rand.Rand
}

func NewRunner(engine *Engine, opts RunnerOptions) *Runner {
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Runner{
		engine:    engine,
		interval:  interval,
		jitter:    clampJitterRatio(opts.JitterRatio),
		watch:     strings.TrimSpace(opts.WatchPath),
		logger:    opts.Logger,
		kicks:     make(chan struct{}, 1),
		pullKicks: make(chan struct{}, 1),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Kick requests a push pass as soon as possible. Safe from any goroutine;
// a kick while one is already queued is absorbed.
func (r *Runner) Kick() {
	select {
	case r.kicks <- struct{}{}:
	default:
	}
}

// KickPull requests a pull of the authoritative state, used when the
// server announces new data. Absorbed like Kick.
func (r *Runner) KickPull() {
	select {
	case r.pullKicks <- struct{}{}:
	default:
	}
}

// Run loops until ctx is done. Journal watch failures degrade to the
// interval timer alone; they never stop the loop.
func (r *Runner) Run(ctx context.Context) error {
	var watchEvents chan struct{}
	if r.watch != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			r.logf("journal watch unavailable, relying on interval: %v", err)
		} else {
			defer watcher.Close()
			// Watch the directory, not the file: the journal saves via
			// tmp+rename, which replaces the inode a file watch follows,
			// and the file may not exist yet on a fresh agent.
			if err := watcher.Add(filepath.Dir(r.watch)); err != nil {
				r.logf("journal watch on %s unavailable: %v", r.watch, err)
			} else {
				watchEvents = make(chan struct{}, 1)
				go r.forwardWatchEvents(ctx, watcher, filepath.Base(r.watch), watchEvents)
			}
		}
	}

	timer := time.NewTimer(r.nextInterval())
	defer timer.Stop()
	for {
		pull := false
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-r.kicks:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-r.pullKicks:
			pull = true
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-watchEvents:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			// Let a burst of journal writes settle before syncing.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(250 * time.Millisecond):
			}
		}

		var res Result
		var err error
		if pull {
			res, err = r.engine.Pull(ctx)
		} else {
			res, err = r.engine.SyncAll(ctx)
		}
		switch {
		case err != nil:
			r.logf("sync pass failed: %v", err)
		case res.AlreadyRunning:
		case res.Offline:
			r.logf("server unreachable; will retry")
		case res.Synced+res.Deleted+res.Pulled+res.Failed > 0:
			r.logf("sync pass: pushed=%d deleted=%d pulled=%d failed=%d", res.Synced, res.Deleted, res.Pulled, res.Failed)
		}
		timer.Reset(r.nextInterval())
	}
}

func (r *Runner) forwardWatchEvents(ctx context.Context, watcher *fsnotify.Watcher, name string, out chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			select {
			case out <- struct{}{}:
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logf("journal watch error: %v", err)
		}
	}
}

func (r *Runner) nextInterval() time.Duration {
	if r.jitter == 0 {
		return r.interval
	}
	factor := 1 + ((r.rng.Float64()*2)-1)*r.jitter
	return time.Duration(float64(r.interval) * factor)
}

func clampJitterRatio(ratio float64) float64 {
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

func (r *Runner) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
