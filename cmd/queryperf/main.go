// SPDX-License-Identifier: ISC

// Command queryperf is a DNS query load generator: it replays a file
// (or standard input) of query specifications against a server at a
// fixed window size and reports throughput.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jinmei/queryperfpp/internal/queryperf"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "queryperf:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("queryperf", flag.ContinueOnError)

	qclass := fs.String("C", "IN", "default query class")
	dataFile := fs.String("d", "-", "input data file path, - for standard input")
	dnssecDO := fs.String("D", "on", "set EDNS DO bit: on|off")
	useEDNS := fs.String("e", "on", "include EDNS OPT record: on|off")
	duration := fs.Int("l", 30, "test duration in seconds")
	preload := fs.Bool("L", false, "preload queries before starting")
	workers := fs.Int("n", 1, "number of parallel workers")
	port := fs.Int("p", 53, "destination UDP/TCP port")
	proto := fs.String("P", "udp", "default transport: udp|tcp")
	inline := fs.String("Q", "", "inline newline-separated query data")
	server := fs.String("s", queryperf.DefaultServer, "destination server address")
	help := fs.Bool("?", false, "show usage")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: queryperf [flags]\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return err
	}
	if *help {
		fs.Usage()
		return nil
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *inline != "" && hasExplicitFlag(fs, "d") {
		return fmt.Errorf("-d and -Q are mutually exclusive")
	}

	onOff := func(name, value string) (bool, error) {
		switch strings.ToLower(value) {
		case "on":
			return true, nil
		case "off":
			return false, nil
		default:
			return false, fmt.Errorf("invalid value %q for -%s: expected on or off", value, name)
		}
	}

	ednsOn, err := onOff("e", *useEDNS)
	if err != nil {
		return err
	}
	doOn, err := onOff("D", *dnssecDO)
	if err != nil {
		return err
	}
	if !ednsOn && doOn {
		logger.Warn("-D on overrides -e off: EDNS will be included")
		ednsOn = true
	}

	var transport queryperf.Protocol
	switch strings.ToLower(*proto) {
	case "udp":
		transport = queryperf.ProtocolUDP
	case "tcp":
		transport = queryperf.ProtocolTCP
	default:
		return fmt.Errorf("invalid value %q for -P: expected udp or tcp", *proto)
	}

	if *workers < 1 {
		return fmt.Errorf("-n must be at least 1")
	}

	cfg := queryperf.HarnessConfig{
		Workers:       *workers,
		DataPath:      *dataFile,
		Preload:       *preload,
		ServerAddress: *server,
		ServerPort:    uint16(*port),
		TestDuration:  time.Duration(*duration) * time.Second,
		QueryTimeout:  queryperf.DefaultQueryTimeout,
		Window:        queryperf.DefaultWindow,
		QueryClass:    *qclass,
		Protocol:      transport,
		UseEDNS:       ednsOn,
		UseDNSSECDO:   doOn,
		Logger:        logger,
	}
	if *inline != "" {
		cfg.InlineData = []byte(strings.ReplaceAll(*inline, `\n`, "\n"))
		cfg.DataPath = ""
	}
	if cfg.InlineData == nil && cfg.DataPath == "-" && cfg.Workers > 1 {
		return fmt.Errorf("cannot use standard input with more than one worker")
	}

	start := time.Now()
	result, err := queryperf.NewHarness(cfg).Run()
	if err != nil {
		return err
	}
	end := time.Now()

	report(os.Stdout, result, start, end)

	for _, w := range result.Workers {
		if w.Err != nil {
			return fmt.Errorf("worker %d: %w", w.Index, w.Err)
		}
	}
	return nil
}

// hasExplicitFlag reports whether name was explicitly set on the
// command line, as opposed to carrying its default value.
func hasExplicitFlag(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// report prints a free-form, informational summary: per-worker QPS, a
// summed line when there is more than one worker, and session totals.
func report(w *os.File, result queryperf.HarnessResult, start, end time.Time) {
	for _, worker := range result.Workers {
		fmt.Fprintf(w, "[worker %d] sent=%d completed=%d qps=%.2f\n",
			worker.Index, worker.Stats.QueriesSent, worker.Stats.QueriesCompleted, worker.Stats.QPS())
	}
	if len(result.Workers) > 1 {
		fmt.Fprintf(w, "[summed] qps=%.2f\n", result.SummedQPS)
	}

	var percentCompleted, percentLost float64
	if result.TotalSent > 0 {
		percentCompleted = 100 * float64(result.TotalCompleted) / float64(result.TotalSent)
		percentLost = 100 - percentCompleted
	}
	duration := end.Sub(start)
	var overallQPS float64
	if duration > 0 {
		overallQPS = float64(result.TotalCompleted) / duration.Seconds()
	}

	fmt.Fprintf(w, "queries sent: %d\n", result.TotalSent)
	fmt.Fprintf(w, "queries completed: %d\n", result.TotalCompleted)
	fmt.Fprintf(w, "percent completed: %.2f%%\n", percentCompleted)
	fmt.Fprintf(w, "percent lost: %.2f%%\n", percentLost)
	fmt.Fprintf(w, "started: %s\n", start.Format(time.RFC3339Nano))
	fmt.Fprintf(w, "finished: %s\n", end.Format(time.RFC3339Nano))
	fmt.Fprintf(w, "duration: %s\n", duration)
	fmt.Fprintf(w, "overall qps: %.2f\n", overallQPS)
}
