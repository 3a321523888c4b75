// Command thor boots the kernel: it synthesizes an Eir handoff record,
// wires the physical allocator, kernel heap, IRQ relay and scheduler
// through kernel.Boot, creates the init thread, and runs the scheduler
// until interrupted.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thor-os/thor/pkg/kernel"
	"github.com/thor-os/thor/pkg/platform"
	"github.com/thor-os/thor/pkg/sched"
)

func main() {
	var logLevel string
	flag.StringVar(&logLevel, "log-level", "info", "Log level: debug | info | warn | error")
	flag.Parse()

	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	backend := platform.NewSimBackend()
	defer backend.Close()

	handoff := kernel.Handoff{
		BootstrapSize: 4096 * platform.PageSize,
		Modules: []kernel.Module{
			{Kind: kernel.ModuleInitELF, Data: []byte{}},
		},
	}
	opts := kernel.Options{
		KernelHeapSize: 1024 * platform.PageSize,
		TickPeriod:     10 * time.Millisecond,
	}

	k, th, err := kernel.Boot(handoff, opts, backend, logger, initEntry(logger))
	if err != nil {
		logger.Error("boot failed", "error", err)
		os.Exit(1)
	}
	logger.Info("kernel booted", "init_thread", th.ID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	logger.Info("thor kernel running")
	k.Run(ctx)
	logger.Info("thor kernel halted")
}

// initEntry stands in for the init ELF a real loader would have
// mapped at kernel.InitLoadAddr: there is no userland runtime built
// in this tree yet to hand control to, so it logs that it has the CPU
// once, parks itself, and never exits.
func initEntry(log *slog.Logger) func(t *sched.Thread) {
	return func(t *sched.Thread) {
		t.CheckIn()
		log.Info("init thread running", "id", t.ID())
		t.Block()
		select {}
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
