// SPDX-License-Identifier: ISC

package queryperf

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// HarnessConfig configures a [Harness] run: the shared destination and
// session parameters applied to every worker's dispatcher before it
// starts, plus the data source each worker reads its own queries from.
type HarnessConfig struct {
	// Workers is the number of parallel dispatchers to run. Must be 1
	// when DataPath is [stdinPath].
	Workers int

	// DataPath is the query data file path, or "-" for standard input.
	// Mutually exclusive with InlineData at the caller's discretion;
	// the CLI front end enforces that exclusivity.
	DataPath string

	// InlineData, if non-nil, is used as every worker's data source
	// instead of DataPath; each worker gets its own reader over the
	// same bytes.
	InlineData []byte

	Preload bool

	ServerAddress string
	ServerPort    uint16
	TestDuration  time.Duration
	QueryTimeout  time.Duration
	Window        int

	QueryClass  string
	Protocol    Protocol
	UseEDNS     bool
	UseDNSSECDO bool

	Logger *slog.Logger
}

// WorkerResult is one worker's outcome: either a completed dispatcher
// [Stats] snapshot, or the error that aborted it.
type WorkerResult struct {
	Index int
	Stats Stats
	Err   error
}

// HarnessResult aggregates every worker's outcome plus session-wide
// totals.
type HarnessResult struct {
	Workers []WorkerResult

	TotalSent      uint64
	TotalCompleted uint64
	SummedQPS      float64
}

// Harness runs N independent [*Dispatcher] instances in parallel, each
// with its own data source, and aggregates their statistics: one
// goroutine per dispatcher, driven through
// [golang.org/x/sync/errgroup] for bounded parallel fan-out.
type Harness struct {
	cfg HarnessConfig
}

// NewHarness creates a [*Harness] with the given configuration.
func NewHarness(cfg HarnessConfig) *Harness {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Harness{cfg: cfg}
}

// Run spawns cfg.Workers dispatchers and blocks until all of them
// finish (either by session completion or by an unrecoverable error).
// It returns [ErrStdinWithMultipleWorkers] immediately if
// cfg.DataPath is standard input and cfg.Workers > 1.
func (h *Harness) Run() (HarnessResult, error) {
	cfg := h.cfg
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.InlineData == nil && cfg.DataPath == stdinPath && cfg.Workers > 1 {
		return HarnessResult{}, ErrStdinWithMultipleWorkers
	}

	var g errgroup.Group
	results := make([]WorkerResult, cfg.Workers)

	for i := 0; i < cfg.Workers; i++ {
		i := i
		g.Go(func() error {
			stats, err := h.runWorker(i, cfg)
			results[i] = WorkerResult{Index: i, Stats: stats, Err: err}
			if err != nil {
				cfg.Logger.Error("worker failed", "worker", i, "error", err)
			}
			return nil // errors are carried in results, not failing the group
		})
	}
	_ = g.Wait()

	return aggregate(results), nil
}

// runWorker opens its own copy of the data source, builds and
// configures an independent dispatcher, and runs it to completion.
func (h *Harness) runWorker(index int, cfg HarnessConfig) (Stats, error) {
	source, closer, err := h.openWorkerSource(cfg)
	if err != nil {
		return Stats{}, fmt.Errorf("worker %d: %w", index, err)
	}
	defer closer()

	cfg.Logger.Info("worker starting", "worker", index)

	d := NewDispatcherFromReader(source)
	d.Logger = cfg.Logger.With("worker", index)

	if err := configureDispatcher(d, cfg); err != nil {
		return Stats{}, fmt.Errorf("worker %d: %w", index, err)
	}
	if cfg.Preload {
		if err := d.LoadQueries(); err != nil {
			return Stats{}, fmt.Errorf("worker %d: preload: %w", index, err)
		}
	}

	if err := d.Run(); err != nil {
		return d.Stats(), fmt.Errorf("worker %d: %w", index, err)
	}
	cfg.Logger.Info("worker finished", "worker", index,
		"sent", d.Stats().QueriesSent, "completed", d.Stats().QueriesCompleted)
	return d.Stats(), nil
}

// openWorkerSource gives worker index its own seekable view of the
// shared data: either a fresh file handle reopened from DataPath (each
// worker scans its own copy of the repository independently) or a
// fresh reader over InlineData.
func (h *Harness) openWorkerSource(cfg HarnessConfig) (io.ReadSeeker, func() error, error) {
	if cfg.InlineData != nil {
		return bytes.NewReader(cfg.InlineData), func() error { return nil }, nil
	}
	return openDataSource(cfg.DataPath)
}

// configureDispatcher applies the harness-wide settings to a freshly
// constructed dispatcher.
func configureDispatcher(d *Dispatcher, cfg HarnessConfig) error {
	if cfg.ServerAddress != "" {
		if err := d.SetServerAddress(cfg.ServerAddress); err != nil {
			return err
		}
	}
	if cfg.ServerPort != 0 {
		if err := d.SetServerPort(cfg.ServerPort); err != nil {
			return err
		}
	}
	if cfg.TestDuration != 0 {
		if err := d.SetTestDuration(cfg.TestDuration); err != nil {
			return err
		}
	}
	if cfg.QueryTimeout != 0 {
		if err := d.SetQueryTimeout(cfg.QueryTimeout); err != nil {
			return err
		}
	}
	if cfg.Window != 0 {
		if err := d.SetWindow(cfg.Window); err != nil {
			return err
		}
	}
	if cfg.QueryClass != "" {
		if err := d.SetDefaultQueryClass(cfg.QueryClass); err != nil {
			return err
		}
	}
	if err := d.SetProtocol(cfg.Protocol); err != nil {
		return err
	}
	if err := d.SetEDNS(cfg.UseEDNS); err != nil {
		return err
	}
	if err := d.SetDNSSEC(cfg.UseDNSSECDO); err != nil {
		return err
	}
	return nil
}

// aggregate sums per-worker totals and computes the summed QPS.
func aggregate(results []WorkerResult) HarnessResult {
	out := HarnessResult{Workers: results}
	for _, r := range results {
		out.TotalSent += r.Stats.QueriesSent
		out.TotalCompleted += r.Stats.QueriesCompleted
		out.SummedQPS += r.Stats.QPS()
	}
	return out
}
