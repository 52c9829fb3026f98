// Command pvz-loopback connects a GPU frontend and backend, and a VPU client
// and service, inside one process and drives calls through them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/pvz/internal/config"
	"github.com/tinyrange/pvz/internal/loopback"
	"github.com/tinyrange/pvz/internal/rpc"
	"github.com/tinyrange/pvz/internal/vpuservice"
	"golang.org/x/term"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pvz-loopback: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML config file (default: built-in defaults)")
	calls := flag.Int("calls", 1000, "Number of CreateDevConfig calls to issue")
	workers := flag.Int("workers", 4, "Number of concurrent callers")
	heapPages := flag.Int("heap-pages", 16, "Pages to share for the heap mapping")
	vpuCores := flag.Int("vpu-cores", 2, "Cores on the VPU register file (0 skips the VPU)")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	writeConfig := flag.String("write-config", "", "Write the effective config to this path and exit")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *writeConfig != "" {
		return config.Write(*writeConfig, cfg)
	}
	if *calls < 0 || *workers <= 0 || *heapPages <= 0 {
		return fmt.Errorf("-calls, -workers and -heap-pages must be positive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	sys, err := loopback.Start(startCtx, cfg, loopback.Options{Logger: logger})
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		if err := sys.Close(); err != nil {
			slog.Error("Close loopback", "error", err)
		}
	}()
	slog.Info("Connected", "front", loopback.FrontDir, "back", loopback.BackDir, "version", cfg.ProtocolVersion)

	if err := sys.Front.Heartbeat(ctx); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}

	elapsed, busy, err := driveCalls(ctx, sys, *calls, *workers)
	if err != nil {
		return err
	}
	slog.Info("Calls complete",
		"calls", *calls,
		"workers", *workers,
		"busy", busy,
		"elapsed", elapsed,
		"handled", sys.Back.Server().Handled(),
	)

	if err := exerciseHeap(ctx, sys, *heapPages*cfg.PageSize); err != nil {
		return err
	}

	if *vpuCores > 0 {
		if err := exerciseVPU(ctx, cfg, *vpuCores, logger); err != nil {
			return err
		}
	}
	return nil
}

// driveCalls issues CreateDevConfig from several callers. Busy results are
// counted and retried.
func driveCalls(ctx context.Context, sys *loopback.System, calls, workers int) (time.Duration, uint64, error) {
	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.Default(int64(calls), "calls")
	}

	var (
		next    atomic.Int64
		busy    atomic.Uint64
		wg      sync.WaitGroup
		errOnce sync.Once
		callErr error
	)
	start := time.Now()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for next.Add(1) <= int64(calls) {
				for {
					_, err := sys.Front.CreateDevConfig(ctx, 0, 0)
					if errors.Is(err, rpc.ErrBusy) && ctx.Err() == nil {
						busy.Add(1)
						continue
					}
					if err != nil {
						errOnce.Do(func() { callErr = err })
						return
					}
					break
				}
				if bar != nil {
					bar.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	if bar != nil {
		bar.Finish()
	}
	return time.Since(start), busy.Load(), callErr
}

func exerciseHeap(ctx context.Context, sys *loopback.System, size int) error {
	heaps, err := sys.Front.CreateDevPhysHeaps(ctx, 0, 0, 1)
	if err != nil {
		return fmt.Errorf("create heaps: %w", err)
	}
	h, err := sys.Front.MapDevPhysHeap(ctx, 0, 0, heaps[0].ID, size)
	if err != nil {
		return fmt.Errorf("map heap %d: %w", heaps[0].ID, err)
	}
	slog.Info("Heap mapped", "heap", h.ID, "base", fmt.Sprintf("%#x", h.Base), "pages", h.Pages())

	if err := sys.Front.UnmapDevPhysHeap(ctx, h); err != nil {
		return fmt.Errorf("unmap heap: %w", err)
	}
	if err := sys.Front.DestroyDevPhysHeaps(ctx, 0, 0); err != nil {
		return fmt.Errorf("destroy heaps: %w", err)
	}
	if err := sys.Front.DestroyDevConfig(ctx, 0, 0); err != nil {
		return fmt.Errorf("destroy config: %w", err)
	}
	return nil
}

func exerciseVPU(ctx context.Context, cfg config.Config, cores int, logger *slog.Logger) error {
	vpu, err := loopback.StartVPU(cfg, vpuservice.NewRegisterFile(cores), logger)
	if err != nil {
		return err
	}
	defer vpu.Close()

	for core := 0; core < cores; core++ {
		h, err := vpu.Client.Open(ctx, uint32(core))
		if err != nil {
			return fmt.Errorf("vpu open core %d: %w", core, err)
		}
		id, err := vpu.Client.ReadReg(ctx, h, vpuservice.RegID)
		if err != nil {
			return fmt.Errorf("vpu read id: %w", err)
		}
		resp, err := vpu.Client.Command(ctx, h, vpuservice.CmdChecksum, []byte("pvz-loopback"))
		if err != nil {
			return fmt.Errorf("vpu command: %w", err)
		}
		slog.Info("VPU core", "core", core, "id", fmt.Sprintf("%#x", id), "checksum", resp.Data[0])
		if err := vpu.Client.ClearInstance(ctx, h); err != nil {
			return fmt.Errorf("vpu clear: %w", err)
		}
	}
	if err := vpu.Client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("vpu heartbeat: %w", err)
	}
	slog.Info("VPU complete", "sessions", vpu.Service.Sessions(), "handled", vpu.Server.Handled())
	return nil
}
