// Command jackgod is jackgo's server launcher: it parses the CLI surface,
// builds the chosen driver backend, wires it into a single internal/engine.
// Engine, starts the read-only diagnostics surface alongside it, and runs
// until a signal arrives or a fatal error is reported — then maps that
// error onto one of the documented process exit codes.
//
// The shutdown shape (a cancelable root context, a background goroutine
// that cancels it) is the one examples/sip-test/main.go uses for its own
// client process; jackgod does not duplicate the SIGINT/SIGTERM wiring
// here, since internal/engine.Run already owns a signal-wait goroutine of
// its own and cancels the whole run group on the same two signals.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jackgo/jackgo/internal/config"
	"github.com/jackgo/jackgo/internal/diag"
	"github.com/jackgo/jackgo/internal/driver"
	"github.com/jackgo/jackgo/internal/driver/dummy"
	"github.com/jackgo/jackgo/internal/driver/mem"
	"github.com/jackgo/jackgo/internal/engine"
	"github.com/jackgo/jackgo/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, _, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return int(config.ExitBadArgs)
	}

	log := logging.New(logging.Options{Verbose: cfg.Verbose})
	defer log.Sync()

	drv, bufSize, sampleRate, err := buildDriver(cfg)
	if err != nil {
		log.Errorw("jackgod: build driver failed", "driver", cfg.Driver, "err", err)
		return int(config.ExitBadArgs)
	}

	eng, err := engine.New(engine.Config{
		ServerName:         cfg.ServerName,
		UID:                os.Getuid(),
		PortMax:            cfg.PortMax,
		BufferSize:         bufSize,
		SampleRate:         sampleRate,
		Realtime:           cfg.Realtime,
		RTPriority:         cfg.RTPriority,
		ProcessTimeoutMsec: cfg.ClientTimeoutMsec,
	}, log.Named("engine"))
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrServerNameInUse):
			log.Errorw("jackgod: server name already in use", "name", cfg.ServerName)
			return int(config.ExitNameInUse)
		case errors.Is(err, engine.ErrRegistryAccess):
			log.Errorw("jackgod: shm registry access failure", "err", err)
			return int(config.ExitRegistryAccess)
		default:
			log.Errorw("jackgod: engine construction failed", "err", err)
			return int(config.ExitBadArgs)
		}
	}

	if err := eng.AttachDriver(drv); err != nil {
		log.Errorw("jackgod: driver attach failed", "driver", cfg.Driver, "err", err)
		return int(config.ExitBadArgs)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	diagSrv := diag.NewServer("127.0.0.1:8090", eng, log.Named("diag"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return diagSrv.Start(gctx) })
	g.Go(func() error { return eng.Run(gctx) })
	if cfg.Temporary {
		g.Go(func() error { return watchTemporary(gctx, eng, cancel, log) })
	}

	if err := g.Wait(); err != nil {
		log.Errorw("jackgod: exiting with error", "err", err)
		return 1
	}
	return int(config.ExitOK)
}

// buildDriver decodes cfg.DriverArg against the named backend's own Config
// type and constructs it, returning the period size and sample rate the
// daemon's buffer pool should be sized for before the driver is attached.
func buildDriver(cfg *config.Config) (driver.Driver, int, int, error) {
	switch cfg.Driver {
	case "dummy":
		dcfg, err := dummy.DecodeArgs(cfg.DriverArg)
		if err != nil {
			return nil, 0, 0, err
		}
		return dummy.New(dcfg), dcfg.BufferSize, dcfg.SampleRate, nil
	case "mem":
		dcfg, err := mem.DecodeArgs(cfg.DriverArg)
		if err != nil {
			return nil, 0, 0, err
		}
		return mem.New(dcfg), dcfg.BufferSize, dcfg.SampleRate, nil
	default:
		return nil, 0, 0, fmt.Errorf("jackgod: unknown driver %q (want \"dummy\" or \"mem\")", cfg.Driver)
	}
}

// watchTemporary implements -T: once at least one non-driver client has
// connected, exit as soon as the count drops back to zero rather than
// waiting indefinitely for a signal.
func watchTemporary(ctx context.Context, eng *engine.Engine, cancel context.CancelFunc, log logging.Logger) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	everConnected := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n := eng.NonDriverClientCount()
			if n > 0 {
				everConnected = true
			}
			if everConnected && n == 0 {
				log.Infow("jackgod: temporary server exiting, last client disconnected")
				cancel()
				return nil
			}
		}
	}
}
