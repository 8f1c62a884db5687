// Command tieredmap drives the tiered-memory hash map with a word-count
// workload: the "placement" subcommand measures fast/compressed tier
// placement under a given eviction target, and "memory" times raw
// allocator acquire/flush latency per tier.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"tieredmap/internal/allocator"
	"tieredmap/internal/config"
	"tieredmap/internal/hashmap"
	"tieredmap/internal/logging"
	"tieredmap/internal/sysmetrics"
	"tieredmap/internal/wordcount"
)

const sampleFile = "data/sample.txt"
const debugFile = "data/debug.txt"

func main() {
	configPath := flag.String("config", "", "path to a driver YAML config file")
	logLevel := flag.String("log-level", "", "override logging.level from config")
	logFormat := flag.String("log-format", "", "override logging.format from config")
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}
	sub := flag.Arg(0)
	args := flag.Args()[1:]

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}

	logger, logCloser := logging.New(cfg.Logging.Level, cfg.Logging.Format, "")
	defer logCloser.Close()

	switch sub {
	case "placement":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: tieredmap placement <buckets> <fast_pct>")
			os.Exit(1)
		}
		if err := runPlacement(cfg, logger, args[0], args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "memory":
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "usage: tieredmap memory <iters>")
			os.Exit(1)
		}
		if err := runMemory(cfg, logger, args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: tieredmap [-config path] <placement <buckets> <fast_pct> | memory <iters>>")
}

func loadConfig(path string) (*config.DriverConfig, error) {
	if path == "" {
		return config.DefaultDriverConfig(), nil
	}
	return config.LoadDriverConfig(path)
}

// countingReader wraps a reader to tally bytes read, for the placement
// subcommand's throughput figure.
type countingReader struct {
	r io.ReadCloser
	n *uint64
}

func (c countingReader) Read(buf []byte) (int, error) {
	n, err := c.r.Read(buf)
	*c.n += uint64(n)
	return n, err
}

func parseUint(s, name string) (uint64, error) {
	var v uint64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", name, s)
	}
	return v, nil
}

func runPlacement(cfg *config.DriverConfig, logger *slog.Logger, bucketsArg, fastPctArg string) error {
	buckets64, err := parseUint(bucketsArg, "buckets")
	if err != nil {
		return err
	}
	fastPct64, err := parseUint(fastPctArg, "fast_pct")
	if err != nil {
		return err
	}
	buckets := uint32(buckets64)
	fastPct := uint32(fastPct64)
	fastCap := buckets * fastPct / 100

	ta, err := allocator.New(allocator.Config{
		ChunkSize:       cfg.ChunkSizeRaw,
		NumChunks:       cfg.NumChunks,
		DiskBytesPerSec: cfg.DiskRateRaw,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("initializing allocator: %w", err)
	}
	defer ta.Close()

	m := hashmap.New(ta, buckets, fastCap)
	defer m.Close()

	sample, err := wordcount.OpenSample(sampleFile)
	if err != nil {
		return fmt.Errorf("opening sample: %w", err)
	}
	defer sample.Close()

	start := time.Now()
	var bytesRead uint64
	err = wordcount.Tokenize(countingReader{sample, &bytesRead}, func(word []byte) {
		key := word
		if v, ok := m.Get(key); ok {
			m.Put(key, v+1)
		} else {
			m.Put(key, 1)
		}
	})
	if err != nil {
		return fmt.Errorf("tokenizing sample: %w", err)
	}
	elapsed := time.Since(start)

	throughputMiBs := float64(bytesRead) / (1024 * 1024) / elapsed.Seconds()

	internalMiB := float64(m.MemUsage()) / (1024 * 1024)
	rssMiB, err := sysmetrics.ProcessRSSMiB()
	if err != nil {
		logger.Debug("rss read failed", "error", err)
	}

	if err := writeDebugDump(m); err != nil {
		return fmt.Errorf("writing debug dump: %w", err)
	}

	fmt.Printf("%d %.2f %.2f\n", fastPct, throughputMiBs, rssMiB)
	logger.Debug("placement run complete",
		"buckets", buckets, "fast_pct", fastPct, "fast_cap", fastCap,
		"size", m.Size(), "in_fast", m.InFast(),
		"internal_mib", internalMiB, "rss_mib", rssMiB)

	return nil
}

func writeDebugDump(m *hashmap.Map) error {
	if err := os.MkdirAll("data", 0755); err != nil {
		return err
	}
	f, err := os.Create(debugFile)
	if err != nil {
		return err
	}
	defer f.Close()
	return m.Debug(f)
}

func runMemory(cfg *config.DriverConfig, logger *slog.Logger, itersArg string) error {
	iters64, err := parseUint(itersArg, "iters")
	if err != nil {
		return err
	}
	iters := int(iters64)

	ta, err := allocator.New(allocator.Config{
		ChunkSize:       cfg.ChunkSizeRaw,
		NumChunks:       cfg.NumChunks,
		DiskBytesPerSec: cfg.DiskRateRaw,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("initializing allocator: %w", err)
	}
	defer ta.Close()

	for _, tier := range []allocator.Tier{allocator.TierFast, allocator.TierCompressed, allocator.TierDisk} {
		handles := make([]allocator.Handle, 0, iters)
		for i := 0; i < iters; i++ {
			h := ta.Create(tier)
			handles = append(handles, h)

			start := time.Now()
			view := ta.Acquire(h)
			copy(view, []byte("Hello, World!"))
			acquireNs := time.Since(start).Nanoseconds()

			start = time.Now()
			ta.Flush(h)
			flushNs := time.Since(start).Nanoseconds()

			fmt.Printf("%s acquire=%dns flush=%dns\n", tier, acquireNs, flushNs)
		}
		for _, h := range handles {
			ta.Destroy(h)
		}
	}

	return nil
}
