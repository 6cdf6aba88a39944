// Command acache drives the answer caches: ask the configured model, query
// Wolfram|Alpha, and inspect or clear the cache files.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/ZanzyTHEbar/answercache/acache/app"
	"github.com/ZanzyTHEbar/answercache/acache/cache"
	"github.com/ZanzyTHEbar/answercache/acache/config"
	"github.com/ZanzyTHEbar/answercache/acache/model"
	"github.com/ZanzyTHEbar/answercache/acache/requests"
)

const usage = `Usage: acache [flags] <command> [args]

Commands:
  ask [--augmented] <prompt>   send a prompt to the configured model
  wolfram <question>           ask Wolfram|Alpha for a short answer
  stats [--json]               show cache statistics
  get <cache> <key>            print a cached value and its remaining lifetime
  set <cache> <key> <value>    store a value using the adaptive lifetime rule
  clear [cache...]             empty caches (all when none are named)

Flags:
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	flags := pflag.NewFlagSet("acache", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.SetInterspersed(false)
	configPath := flags.StringP("config", "c", "", "path to config.yaml")
	dataDir := flags.String("data-dir", "", "override cache.data_dir")
	logLevel := flags.String("log-level", "", "override log.level")
	flags.Usage = func() {
		fmt.Fprint(stderr, usage)
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return 2
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "acache: %v\n", err)
		return 1
	}
	if *dataDir != "" {
		cfg.Cache.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger := newLogger(cfg.Log, stderr)
	a, err := app.NewFactory(cfg, logger).Build()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize")
		return 1
	}

	cmd, rest := flags.Arg(0), flags.Args()[1:]
	switch cmd {
	case "ask":
		err = runAsk(ctx, a, rest, stdout, stderr)
	case "wolfram":
		err = runWolfram(ctx, a, rest, stdout)
	case "stats":
		err = runStats(a, rest, stdout, stderr)
	case "get":
		err = runGet(a, rest, stdout)
	case "set":
		err = runSet(a, rest, stdout)
	case "clear":
		err = runClear(a, rest, stdout)
	default:
		flags.Usage()
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "acache %s: %v\n", cmd, err)
		return 1
	}
	return 0
}

func newLogger(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func runAsk(ctx context.Context, a *app.App, args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("ask", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	augmented := fs.Bool("augmented", false, "cache under the augmented-context namespace")
	system := fs.String("system", "", "optional system message")
	if err := fs.Parse(args); err != nil {
		return err
	}
	prompt := strings.Join(fs.Args(), " ")
	if prompt == "" {
		return fmt.Errorf("missing prompt")
	}

	var msgs []model.Message
	if *system != "" {
		msgs = append(msgs, model.Message{Role: "system", Content: *system})
	}
	msgs = append(msgs, model.Message{Role: "user", Content: prompt})

	answer, err := a.Requests.Send(ctx, a.Endpoint.BuildRequest(msgs), requests.WithAugmented(*augmented))
	if answer != "" {
		fmt.Fprintln(stdout, answer)
	}
	return err
}

func runWolfram(ctx context.Context, a *app.App, args []string, stdout io.Writer) error {
	question := strings.Join(args, " ")
	if question == "" {
		return fmt.Errorf("missing question")
	}
	answer, errText := a.Wolfram.Query(ctx, question)
	if errText != "" {
		return fmt.Errorf("%s", errText)
	}
	fmt.Fprintln(stdout, answer)
	return nil
}

func runStats(a *app.App, args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("stats", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	stats := make([]cache.Stats, 0, len(a.Stores()))
	for _, s := range a.Stores() {
		stats = append(stats, s.Stats())
	}
	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}
	for _, s := range stats {
		fmt.Fprintf(stdout, "%-28s %5d live / %5d entries  %10d / %d bytes  %d priority\n",
			s.Name, s.LiveEntries, s.Entries, s.Size, s.MaxSize, s.PriorityEntries)
	}
	return nil
}

func lookupStore(a *app.App, name string) (*cache.Store, error) {
	s, ok := a.Store(name)
	if !ok {
		names := make([]string, 0, len(a.Stores()))
		for _, s := range a.Stores() {
			names = append(names, s.Name())
		}
		return nil, fmt.Errorf("unknown cache %q (have %s)", name, strings.Join(names, ", "))
	}
	return s, nil
}

func runGet(a *app.App, args []string, stdout io.Writer) error {
	if len(args) != 2 {
		return fmt.Errorf("want <cache> <key>")
	}
	s, err := lookupStore(a, args[0])
	if err != nil {
		return err
	}
	value, ok := s.Get(args[1])
	if !ok {
		return fmt.Errorf("%q not found", args[1])
	}
	fmt.Fprintln(stdout, value)
	if lt, ok := s.GetLifetime(args[1]); ok && lt != cache.Forever {
		fmt.Fprintf(stdout, "# expires in %s\n", lt.Round(time.Second))
	}
	return nil
}

func runSet(a *app.App, args []string, stdout io.Writer) error {
	if len(args) != 3 {
		return fmt.Errorf("want <cache> <key> <value>")
	}
	s, err := lookupStore(a, args[0])
	if err != nil {
		return err
	}
	if err := s.Put(args[1], args[2]); err != nil {
		return err
	}
	lt, _ := s.GetLifetime(args[1])
	fmt.Fprintf(stdout, "stored, lifetime %s\n", lt.Round(time.Second))
	return nil
}

func runClear(a *app.App, args []string, stdout io.Writer) error {
	stores := a.Stores()
	if len(args) > 0 {
		stores = stores[:0:0]
		for _, name := range args {
			s, err := lookupStore(a, name)
			if err != nil {
				return err
			}
			stores = append(stores, s)
		}
	}
	for _, s := range stores {
		if err := s.Clear(); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "cleared %s\n", s.Name())
	}
	return nil
}
