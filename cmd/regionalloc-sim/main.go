// Command regionalloc-sim runs a mutator and collector workload against the
// region allocator and prints what happened.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orizon-lang/regionalloc/internal/allocregion"
	"github.com/orizon-lang/regionalloc/internal/cli"
	"github.com/orizon-lang/regionalloc/internal/config"
	"github.com/orizon-lang/regionalloc/internal/heap"
	"github.com/orizon-lang/regionalloc/internal/metrics"
	"github.com/orizon-lang/regionalloc/internal/workload"
)

const toolName = "regionalloc-sim"

func main() {
	os.Exit(run())
}

// run returns the exit code so deferred cleanup runs before os.Exit.
func run() int {
	var (
		showVersion bool
		showHelp    bool
		jsonOutput  bool
		watch       bool
		useHTTP3    bool
		configFile  string
		metricsAddr string
		logLevel    string
		mutators    int
		pauses      int
		seed        int64
		linger      time.Duration
	)

	flag.BoolVar(&showVersion, "version", false, "show version information")
	flag.BoolVar(&showHelp, "help", false, "show help information")
	flag.BoolVar(&jsonOutput, "json", false, "output in JSON format")
	flag.BoolVar(&watch, "watch", false, "reload the log level when the config file changes")
	flag.BoolVar(&useHTTP3, "http3", false, "serve metrics over HTTP/3")
	flag.StringVar(&configFile, "config", "", "configuration file path")
	flag.StringVar(&metricsAddr, "metrics", "", "metrics listen address (host:port)")
	flag.StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	flag.IntVar(&mutators, "mutators", 0, "number of mutator goroutines")
	flag.IntVar(&pauses, "pauses", 0, "number of collection pauses")
	flag.Int64Var(&seed, "seed", 0, "workload seed (0 picks one from the clock)")
	flag.DurationVar(&linger, "linger", 0, "keep the metrics endpoint up this long after the run")

	flag.Usage = func() {
		cli.PrintUsage(os.Stderr, toolName, "Region allocator workload simulator", []cli.FlagInfo{
			{Name: "config", Usage: "configuration file path"},
			{Name: "mutators", Usage: "number of mutator goroutines", Default: "from config"},
			{Name: "pauses", Usage: "number of collection pauses", Default: "from config"},
			{Name: "seed", Usage: "workload seed", Default: "clock"},
			{Name: "log-level", Usage: "trace, debug, info, warn or error", Default: "from config"},
			{Name: "metrics", Usage: "metrics listen address"},
			{Name: "http3", Usage: "serve metrics over HTTP/3 with a self-signed certificate"},
			{Name: "linger", Usage: "keep the metrics endpoint up after the run"},
			{Name: "watch", Usage: "reload the log level when the config file changes"},
			{Name: "json", Usage: "print the report as JSON"},
			{Name: "version", Usage: "show version information"},
		}, []string{
			toolName + " --pauses 8 --mutators 16",
			toolName + " --config sim.json --watch --log-level debug",
			toolName + " --metrics 127.0.0.1:9464 --linger 30s",
		})
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		return 0
	}

	if showVersion {
		cli.PrintVersion(os.Stdout, toolName, jsonOutput)
		return 0
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return cli.ReportError(os.Stderr, "Failed to load config: %v", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if mutators > 0 {
		cfg.Workload.Mutators = mutators
	}
	if pauses > 0 {
		cfg.Workload.Pauses = pauses
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}
	if useHTTP3 {
		cfg.Metrics.HTTP3 = true
	}
	if err := cfg.Validate(); err != nil {
		return cli.ReportError(os.Stderr, "Invalid configuration: %v", err)
	}
	level, _ := cli.ParseLevel(cfg.LogLevel)
	logger := cli.NewLogger(os.Stderr, level)

	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	h, err := heap.New(heap.ConfigFrom(cfg.Heap, logger))
	if err != nil {
		return cli.ReportError(os.Stderr, "Failed to reserve heap: %v", err)
	}
	defer h.Close()

	a := heap.NewAllocator(h, allocregion.Options{
		MinFillWords:   uintptr(cfg.Allocation.MinFillWords),
		MinRetainBytes: uintptr(cfg.Allocation.MinRetainBytes),
		Logger:         logger,
	})
	d, err := workload.New(a, workload.ConfigFrom(cfg, seed, logger))
	if err != nil {
		return cli.ReportError(os.Stderr, "Invalid workload: %v", err)
	}

	if cfg.Metrics.Addr != "" {
		stop, err := startMetrics(cfg.Metrics, logger, map[string]metrics.MetricFunc{
			"regionalloc": func() map[string]float64 {
				out := h.Metrics()
				for k, v := range a.Metrics() {
					out[k] = v
				}
				for k, v := range d.Metrics() {
					out[k] = v
				}
				return out
			},
		})
		if err != nil {
			return cli.ReportError(os.Stderr, "Failed to start metrics: %v", err)
		}
		defer stop()
	}

	if watch && configFile != "" {
		go watchConfig(ctx, configFile, logger)
	}

	logger.Info("running %d mutators for %d pauses, seed %d", cfg.Workload.Mutators, cfg.Workload.Pauses, seed)
	report, err := d.Run(ctx)
	if err != nil {
		return cli.ReportError(os.Stderr, "Workload failed: %v", err)
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
	} else {
		printReport(report)
	}

	if linger > 0 && cfg.Metrics.Addr != "" {
		select {
		case <-ctx.Done():
		case <-time.After(linger):
		}
	}
	return 0
}

func startMetrics(mc config.MetricsConfig, logger *cli.Logger, collectors map[string]metrics.MetricFunc) (func(), error) {
	if mc.HTTP3 {
		tlsCfg, err := metrics.GenerateSelfSignedTLS([]string{"localhost", "127.0.0.1"}, 24*time.Hour)
		if err != nil {
			return nil, fmt.Errorf("certificate: %w", err)
		}
		bound, stop, err := metrics.StartHTTP3Server(mc.Addr, tlsCfg, collectors)
		if err != nil {
			return nil, err
		}
		logger.Info("metrics on https://%s/metrics (HTTP/3)", bound)
		return func() { _ = stop() }, nil
	}
	bound, stop, err := metrics.StartServer(mc.Addr, collectors)
	if err != nil {
		return nil, err
	}
	logger.Info("metrics on http://%s/metrics", bound)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = stop(ctx)
	}, nil
}

// watchConfig applies log level changes. Everything else needs a restart.
func watchConfig(ctx context.Context, path string, logger *cli.Logger) {
	w, err := config.NewWatcher(path)
	if err != nil {
		logger.Warn("config watch disabled: %v", err)
		return
	}
	defer w.Close()
	go w.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-w.Configs():
			if !ok {
				return
			}
			level, err := cli.ParseLevel(cfg.LogLevel)
			if err != nil {
				continue
			}
			logger.SetLevel(level)
			logger.Info("config reloaded, log level %s", level)
		case err := <-w.Errors():
			logger.Warn("config reload rejected: %v", err)
		}
	}
}

func printReport(r *workload.Report) {
	fmt.Printf("Objects:      %d (%d words)\n", r.Objects, r.Words)
	fmt.Printf("TLABs:        %d (%d filler words)\n", r.TLABs, r.FillerWords)
	fmt.Printf("Duration:     %v\n", r.Duration)
	fmt.Printf("Heap:         %s\n", r.Heap)
	for i, p := range r.Pauses {
		fmt.Printf("Pause %d: cset %d reclaimed %d evacuated %d promoted %d failed %d (%v)\n",
			i, p.CollectionSet, p.RegionsReclaimed, p.Evacuated, p.Promoted, p.Failed, p.Duration)
		fmt.Printf("  survivor: allocated %d direct %d end waste %d in %d regions\n",
			p.Survivor.Allocated, p.Survivor.DirectAllocated, p.Survivor.RegionEndWaste, p.Survivor.RegionsFilled)
		fmt.Printf("  old:      allocated %d direct %d end waste %d in %d regions\n",
			p.Old.Allocated, p.Old.DirectAllocated, p.Old.RegionEndWaste, p.Old.RegionsFilled)
	}
}
