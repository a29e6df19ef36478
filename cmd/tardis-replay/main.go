// Command tardis-replay is a thin CLI wrapper over tardisgo.Client.Replay.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"tardisgo"
	"tardisgo/internal/config"
	"tardisgo/internal/logging"
)

func main() {
	var (
		exchange    = flag.String("exchange", "", "venue identifier, e.g. bitmex")
		from        = flag.String("from", "", "range start (YYYY-MM-DD or RFC3339)")
		to          = flag.String("to", "", "range end, exclusive (YYYY-MM-DD or RFC3339)")
		cacheDir    = flag.String("cache-dir", "", "cache directory (default: OS cache dir + .tardis-cache)")
		apiKeyEnv   = flag.String("api-key-env", "TARDIS_API_KEY", "environment variable holding the API key")
		concurrency = flag.Int("concurrency", 0, "fetch worker-pool size (0 = library default)")
		window      = flag.Int("window", 0, "prefetch window size (0 = library default)")
		configPath  = flag.String("config", "", "optional YAML config file")
		clearCache  = flag.Bool("clear-cache", false, "delete the cache directory and exit")
	)
	var channels stringList
	flag.Var(&channels, "channel", "channel filter as name:symbol,symbol (repeatable)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tardis-replay:", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stderr, cfg.Logging.Level, false)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []tardisgo.Option{}
	if dir := *cacheDir; dir != "" {
		opts = append(opts, tardisgo.WithCacheDir(dir))
	} else if cfg.CacheDir != "" {
		opts = append(opts, tardisgo.WithCacheDir(cfg.CacheDir))
	}
	if key := os.Getenv(*apiKeyEnv); key != "" {
		opts = append(opts, tardisgo.WithAPIKey(key))
	}
	if *concurrency > 0 {
		opts = append(opts, tardisgo.WithConcurrency(*concurrency))
	} else if cfg.Concurrency > 0 {
		opts = append(opts, tardisgo.WithConcurrency(cfg.Concurrency))
	}
	if *window > 0 {
		opts = append(opts, tardisgo.WithWindow(*window))
	} else if cfg.Window > 0 {
		opts = append(opts, tardisgo.WithWindow(cfg.Window))
	}

	client, err := tardisgo.NewClient(opts...)
	if err != nil {
		slog.Error("failed to build client", slog.Any("err", err))
		os.Exit(1)
	}

	if *clearCache {
		if err := client.ClearCache(); err != nil {
			slog.Error("clear cache failed", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("cache cleared")
		return
	}

	ex := *exchange
	if ex == "" {
		ex = cfg.Exchange
	}
	fromArg := *from
	if fromArg == "" {
		fromArg = cfg.From
	}
	toArg := *to
	if toArg == "" {
		toArg = cfg.To
	}

	filters, err := parseFilters(channels)
	if err != nil {
		slog.Error("invalid --channel flag", slog.Any("err", err))
		os.Exit(1)
	}
	if len(filters) == 0 {
		for _, name := range cfg.Channels {
			filters = append(filters, tardisgo.Filter{Channel: name})
		}
	}

	stream, err := client.Replay(ctx, ex, fromArg, toArg, filters...)
	if err != nil {
		slog.Error("replay failed to start", slog.Any("err", err))
		os.Exit(1)
	}
	defer stream.Close()

	enc := json.NewEncoder(os.Stdout)
	count := 0
	for {
		rec, ok, err := stream.Next(ctx)
		if err != nil {
			var terminal *tardisgo.Error
			if errors.As(err, &terminal) {
				slog.Error("replay failed", slog.String("kind", terminal.Kind.String()), slog.Any("err", err))
			} else {
				slog.Error("replay failed", slog.Any("err", err))
			}
			os.Exit(1)
		}
		if !ok {
			break
		}
		enc.Encode(map[string]any{
			"local_timestamp": rec.LocalTimestamp.Format("2006-01-02T15:04:05.000000Z"),
			"message":         json.RawMessage(rec.Message),
		})
		count++
	}
	slog.InfoContext(ctx, "replay complete", slog.Int("records", count))
}

// parseFilters turns repeated "-channel name:symbol,symbol" flags into
// tardisgo.Filter values. A channel with no colon means "all symbols".
func parseFilters(raw stringList) ([]tardisgo.Filter, error) {
	filters := make([]tardisgo.Filter, 0, len(raw))
	for _, s := range raw {
		name, symbolsPart, hasSymbols := strings.Cut(s, ":")
		if name == "" {
			return nil, fmt.Errorf("empty channel name in %q", s)
		}
		var symbols []string
		if hasSymbols && symbolsPart != "" {
			symbols = strings.Split(symbolsPart, ",")
		}
		filters = append(filters, tardisgo.Filter{Channel: name, Symbols: symbols})
	}
	return filters, nil
}

// stringList implements flag.Value to collect repeated -channel flags.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}
