package session

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultScrollMean   = 500 * time.Millisecond
	defaultScrollStdDev = 150 * time.Millisecond
	defaultScrollMin    = 200 * time.Millisecond
	defaultScrollMax    = 5 * time.Second
	defaultScrollExpr   = "window.scrollBy(0, 40);"

	defaultFocusInterval = 2 * time.Second
	defaultIdleTimeout   = 120 * time.Second
	defaultCheckInterval = 5 * time.Second
)

// Caller is the slice of the channel client the keep-alive routines need.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// ScrollConfig paces the scroll routine with a truncated normal distribution.
type ScrollConfig struct {
	Mean       time.Duration
	StdDev     time.Duration
	Min        time.Duration
	Max        time.Duration
	Expression string
}

func (c ScrollConfig) withDefaults() ScrollConfig {
	if c.Mean <= 0 {
		c.Mean = defaultScrollMean
	}
	if c.StdDev <= 0 {
		c.StdDev = defaultScrollStdDev
	}
	if c.Min <= 0 {
		c.Min = defaultScrollMin
	}
	if c.Max <= 0 {
		c.Max = defaultScrollMax
	}
	if c.Expression == "" {
		c.Expression = defaultScrollExpr
	}
	return c
}

// nextDelay samples the truncated distribution: out-of-bounds samples are
// thrown away and redrawn, so the result always lands in [Min, Max].
func (c ScrollConfig) nextDelay() time.Duration {
	for {
		sample := time.Duration(rand.NormFloat64()*float64(c.StdDev) + float64(c.Mean))
		if sample >= c.Min && sample <= c.Max {
			return sample
		}
	}
}

// Config tunes the three keep-alive routines.
type Config struct {
	Scroll        ScrollConfig
	FocusInterval time.Duration
	IdleTimeout   time.Duration
	CheckInterval time.Duration
	// OnIdle is invoked with a human-readable reason when the watchdog fires.
	OnIdle func(reason string)
}

func (c Config) withDefaults() Config {
	c.Scroll = c.Scroll.withDefaults()
	if c.FocusInterval <= 0 {
		c.FocusInterval = defaultFocusInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = defaultCheckInterval
	}
	return c
}

// Keepalive supervises the maintenance routines that keep the remote tab
// active while extraction runs: randomized scrolling, focus enforcement and
// the idle watchdog. Each routine isolates its own failures; a dead routine
// never takes the session down, except for the watchdog whose whole job is
// to stop it.
type Keepalive struct {
	caller   Caller
	closer   func() error
	state    *State
	targetID string
	cfg      Config
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

// NewKeepalive wires the supervisor. closer is the best-effort channel close
// used by the watchdog; it may be nil.
func NewKeepalive(caller Caller, closer func() error, state *State, targetID string, cfg Config, logger zerolog.Logger) *Keepalive {
	return &Keepalive{
		caller:   caller,
		closer:   closer,
		state:    state,
		targetID: targetID,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// Start launches the three routines. They exit when the context is cancelled
// or the shared stop flag is set, within one loop iteration.
func (k *Keepalive) Start(ctx context.Context) {
	k.wg.Add(3)
	go k.scrollLoop(ctx)
	go k.focusLoop(ctx)
	go k.watchdog(ctx)
}

// Wait blocks until every routine has exited.
func (k *Keepalive) Wait() {
	k.wg.Wait()
}

func (k *Keepalive) scrollLoop(ctx context.Context) {
	defer k.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-k.state.Done():
			return
		case <-time.After(k.cfg.Scroll.nextDelay()):
		}
		params := map[string]any{
			"expression":    k.cfg.Scroll.Expression,
			"returnByValue": false,
		}
		if _, err := k.caller.Call(ctx, "Runtime.evaluate", params); err != nil {
			k.logger.Warn().Err(err).Msg("auto-scroll failed, stopping routine")
			return
		}
	}
}

func (k *Keepalive) focusLoop(ctx context.Context) {
	defer k.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-k.state.Done():
			return
		case <-time.After(k.cfg.FocusInterval):
		}
		if err := k.focusOnce(ctx); err != nil {
			k.logger.Warn().Err(err).Msg("keep-focus failed, stopping routine")
			return
		}
	}
}

func (k *Keepalive) focusOnce(ctx context.Context) error {
	if _, err := k.caller.Call(ctx, "Target.activateTarget", map[string]any{"targetId": k.targetID}); err != nil {
		return fmt.Errorf("activate target: %w", err)
	}
	if _, err := k.caller.Call(ctx, "Page.bringToFront", nil); err != nil {
		return fmt.Errorf("bring to front: %w", err)
	}
	return k.enforceActiveState(ctx)
}

// enforceActiveState makes the page report itself focused, active and
// un-idle even when the real browser window is backgrounded.
func (k *Keepalive) enforceActiveState(ctx context.Context) error {
	steps := []struct {
		method string
		params any
	}{
		{"Emulation.setFocusEmulationEnabled", map[string]any{"enabled": true}},
		{"Page.setWebLifecycleState", map[string]any{"state": "active"}},
		{"Emulation.setIdleOverride", map[string]any{"isUserActive": true, "isScreenUnlocked": true}},
	}
	for _, s := range steps {
		if _, err := k.caller.Call(ctx, s.method, s.params); err != nil {
			return fmt.Errorf("%s: %w", s.method, err)
		}
	}
	return nil
}

func (k *Keepalive) watchdog(ctx context.Context) {
	defer k.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-k.state.Done():
			return
		case <-time.After(k.cfg.CheckInterval):
		}
		elapsed := time.Since(k.state.LastActivity())
		if elapsed < k.cfg.IdleTimeout {
			continue
		}
		reason := fmt.Sprintf("%s without responses", k.cfg.IdleTimeout)
		if k.cfg.OnIdle != nil {
			k.cfg.OnIdle(reason)
		}
		k.logger.Warn().Dur("idle", elapsed).Msg("idle timeout reached, stopping session")
		k.state.Stop()
		if k.closer != nil {
			if err := k.closer(); err != nil {
				k.logger.Debug().Err(err).Msg("channel close after idle timeout")
			}
		}
		return
	}
}
