// Package app wires the daemon together and runs the event
// orchestrator: one loop multiplexing the reconfiguration signal, the
// control socket, compositor events and the schedule timer.
package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dusklight/duskd/internal/config"
	"github.com/dusklight/duskd/internal/ipc"
	"github.com/dusklight/duskd/internal/state"
	"github.com/dusklight/duskd/internal/sunsched"
	"github.com/dusklight/duskd/internal/wayland"
)

// minSleep bounds the timer so a boundary instant that just slipped
// into the past cannot spin the loop.
const minSleep = time.Second

// App owns the shared state and the event loop.
type App struct {
	cfg *config.Config
	st  *state.Manager

	// kick wakes the loop after a control command mutated state.
	kick chan struct{}
}

// New builds the application from validated configuration. The
// schedule must already carry coordinates or fixed times.
func New(cfg *config.Config, sched sunsched.Config) *App {
	return &App{
		cfg:  cfg,
		st:   state.NewManager(sched, cfg.LowTemp, cfg.HighTemp),
		kick: make(chan struct{}, 1),
	}
}

// State exposes the shared state manager.
func (a *App) State() *state.Manager {
	return a.st
}

// Run connects to the compositor and drives the orchestrator loop
// until the context is cancelled or the compositor connection is
// lost. Shared-memory tables are released on the way out.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Losing the compositor connection means no gamma control is
	// possible; it unwinds the whole process.
	onFatal := func(err error) {
		log.Error().Err(err).Msg("Fatal protocol error, initiating shutdown")
		cancel()
	}

	wl, err := wayland.Connect(wayland.Options{
		OutputFilter: a.cfg.Outputs,
		OnFatal:      onFatal,
	})
	if err != nil {
		return err
	}
	defer wl.Close()

	if a.cfg.Socket != "" {
		srv := ipc.NewServer(a.cfg.Socket, a.st, a.kick)
		go func() {
			if err := srv.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Control socket server failed")
				cancel()
			}
		}()
	}

	// A non-auto startup mode behaves like a set_mode command issued
	// at launch: it installs an override until the next sunrise.
	if mode := a.cfg.InitialMode(); mode != state.Auto {
		a.st.SetMode(mode, time.Now())
	}

	sigusr1 := make(chan os.Signal, 1)
	signal.Notify(sigusr1, syscall.SIGUSR1)
	defer signal.Stop(sigusr1)

	log.Info().Msg("duskd started")

	// The first pass always writes ramps so outputs never sit on
	// compositor defaults; afterwards only temperature changes or
	// output churn reach the protocol.
	force := true
	for {
		now := time.Now()
		ev := a.st.Evaluate(now)

		changed := a.st.RecordApplied(ev.Temperature)
		if changed || force {
			if err := wl.SetTemperature(ev.Temperature); err != nil {
				return err
			}
			log.Info().
				Int("kelvin", ev.Temperature).
				Str("phase", ev.Phase.String()).
				Str("automatic_phase", ev.AutomaticPhase.String()).
				Time("next_wake", ev.NextWake).
				Msg("Temperature applied")
		}
		force = false

		sleep := time.Until(ev.NextWake)
		if sleep < minSleep {
			sleep = minSleep
		}
		timer := time.NewTimer(sleep)

		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info().Msg("Shutting down")
			return nil

		case <-sigusr1:
			timer.Stop()
			log.Info().Msg("Reconfiguration signal received")
			force = true

		case <-a.kick:
			timer.Stop()

		case <-wl.Changed():
			timer.Stop()
			// New or resized outputs must not stay on a stale ramp.
			force = true

		case <-timer.C:
		}
	}
}

// SignalContext creates a context that is cancelled when SIGINT or SIGTERM is received.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	return ctx
}
