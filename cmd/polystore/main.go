package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/polystore"
	"github.com/unkn0wn-root/polystore/config"
	zaplog "github.com/unkn0wn-root/polystore/log/zap"
	pr "github.com/unkn0wn-root/polystore/provider"
)

const (
	managerKey = "manager"
	loggerKey  = "logger"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "polystore",
		Usage: "Inspect and move data between configured storage backends",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration",
				EnvVars: []string{"POLYSTORE_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "backend",
				Aliases: []string{"b"},
				Usage:   "Backend or alias to operate on (default: configured default)",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "warn",
			},
		},
		Before: setup,
		After:  teardown,
		Commands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "Print the value stored under a key as JSON",
				ArgsUsage: "KEY",
				Action:    getCommand,
			},
			{
				Name:      "set",
				Usage:     "Store a value; VALUE is parsed as JSON and falls back to a plain string",
				ArgsUsage: "KEY VALUE",
				Action:    setCommand,
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "ttl", Usage: "Expire after this long"},
					&cli.StringSliceFlag{Name: "replicate", Usage: "Also write to these backends (\"all\" for every backend)"},
				},
			},
			{
				Name:      "del",
				Usage:     "Delete a key",
				ArgsUsage: "KEY",
				Action:    delCommand,
			},
			{
				Name:   "keys",
				Usage:  "List keys",
				Action: keysCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "namespace", Aliases: []string{"n"}, Usage: "Only keys under this prefix"},
				},
			},
			{
				Name:   "size",
				Usage:  "Print the number of keys",
				Action: sizeCommand,
			},
			{
				Name:   "stats",
				Usage:  "Print per-backend key counts and manager counters",
				Action: statsCommand,
			},
			{
				Name:   "export",
				Usage:  "Dump a backend as JSON",
				Action: exportCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Write to this file instead of stdout"},
				},
			},
			{
				Name:   "import",
				Usage:  "Load a JSON dump into a backend",
				Action: importCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "in", Aliases: []string{"i"}, Usage: "Read from this file instead of stdin"},
					&cli.BoolFlag{Name: "clear", Usage: "Clear the backend first"},
				},
			},
			{
				Name:   "migrate",
				Usage:  "Copy every key from one backend to another",
				Action: migrateCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "from", Required: true},
					&cli.StringFlag{Name: "to", Required: true},
					&cli.IntFlag{Name: "batch-size", Value: 100},
					&cli.BoolFlag{Name: "clear-source", Usage: "Clear the source after a complete copy"},
				},
			},
			{
				Name:   "sync",
				Usage:  "Copy keys missing from target; optionally delete keys missing from source",
				Action: syncCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "source", Required: true},
					&cli.StringFlag{Name: "target", Required: true},
					&cli.BoolFlag{Name: "delete-missing"},
				},
			},
		},
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func setup(c *cli.Context) error {
	zl, err := newLogger(c.String("log-level"))
	if err != nil {
		return err
	}
	c.App.Metadata = map[string]any{loggerKey: zl}
	return nil
}

func teardown(c *cli.Context) error {
	var err error
	if m, ok := c.App.Metadata[managerKey].(*polystore.Manager); ok {
		err = m.Close(context.Background())
	}
	if zl, ok := c.App.Metadata[loggerKey].(*zap.Logger); ok {
		_ = zl.Sync()
	}
	return err
}

// manager loads the configuration and builds the Manager on first use, so
// help output works without a config.
func manager(c *cli.Context) (*polystore.Manager, error) {
	if m, ok := c.App.Metadata[managerKey].(*polystore.Manager); ok {
		return m, nil
	}
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	zl, _ := c.App.Metadata[loggerKey].(*zap.Logger)
	m, err := config.Build(c.Context, cfg, zaplog.New(zl), nil)
	if err != nil {
		return nil, err
	}
	c.App.Metadata[managerKey] = m
	return m, nil
}

func route(c *cli.Context) []polystore.Option {
	if b := c.String("backend"); b != "" {
		return []polystore.Option{polystore.Backend(b)}
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseValue reads s as JSON, or keeps it as a string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func getCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: get KEY")
	}
	m, err := manager(c)
	if err != nil {
		return err
	}
	v, ok, err := m.Get(c.Context, c.Args().First(), route(c)...)
	if err != nil {
		return err
	}
	if !ok {
		return pr.NotFound("key %q", c.Args().First())
	}
	return printJSON(c.App.Writer, v)
}

func setCommand(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("usage: set KEY VALUE")
	}
	m, err := manager(c)
	if err != nil {
		return err
	}
	opts := route(c)
	for _, r := range c.StringSlice("replicate") {
		if r == "all" {
			opts = append(opts, polystore.ReplicateAll())
			continue
		}
		opts = append(opts, polystore.Replicate(r))
	}
	return m.Set(c.Context, c.Args().Get(0), parseValue(c.Args().Get(1)), c.Duration("ttl"), opts...)
}

func delCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: del KEY")
	}
	m, err := manager(c)
	if err != nil {
		return err
	}
	ok, err := m.Delete(c.Context, c.Args().First(), route(c)...)
	if err != nil {
		return err
	}
	if !ok {
		return pr.NotFound("key %q", c.Args().First())
	}
	return nil
}

func keysCommand(c *cli.Context) error {
	m, err := manager(c)
	if err != nil {
		return err
	}
	var keys []string
	if ns := c.String("namespace"); ns != "" {
		keys, err = m.Namespace(ns).Keys(c.Context, route(c)...)
	} else {
		keys, err = m.Keys(c.Context, route(c)...)
	}
	if err != nil {
		return err
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintln(c.App.Writer, k)
	}
	return nil
}

func sizeCommand(c *cli.Context) error {
	m, err := manager(c)
	if err != nil {
		return err
	}
	n, err := m.Size(c.Context, route(c)...)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, n)
	return nil
}

func statsCommand(c *cli.Context) error {
	m, err := manager(c)
	if err != nil {
		return err
	}
	st := m.Stats(c.Context)
	w := c.App.Writer
	fmt.Fprintf(w, "default: %s\n", st.Default)
	if st.Fallback != "" {
		fmt.Fprintf(w, "fallback: %s\n", st.Fallback)
	}
	for _, b := range st.Backends {
		if b.Err != nil {
			fmt.Fprintf(w, "  %-16s error: %v\n", b.Name, b.Err)
			continue
		}
		fmt.Fprintf(w, "  %-16s %s keys\n", b.Name, humanize.Comma(int64(b.Keys)))
	}
	fmt.Fprintf(w, "replicated: %s  failures: %s  fallback reads: %s\n",
		humanize.Comma(int64(st.Replicated)),
		humanize.Comma(int64(st.ReplicationFailures)),
		humanize.Comma(int64(st.FallbackReads)))
	return nil
}

func exportCommand(c *cli.Context) error {
	m, err := manager(c)
	if err != nil {
		return err
	}
	w := c.App.Writer
	if out := c.String("out"); out != "" {
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return m.ExportTo(c.Context, w, c.String("backend"))
}

func importCommand(c *cli.Context) error {
	m, err := manager(c)
	if err != nil {
		return err
	}
	var r io.Reader = os.Stdin
	if in := c.String("in"); in != "" {
		f, err := os.Open(in)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	n, err := m.ImportFrom(c.Context, r, c.String("backend"), polystore.ImportOptions{Clear: c.Bool("clear")})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "imported %s items\n", humanize.Comma(int64(n)))
	return nil
}

func migrateCommand(c *cli.Context) error {
	m, err := manager(c)
	if err != nil {
		return err
	}
	start := time.Now()
	n, err := m.Migrate(c.Context, c.String("from"), c.String("to"), polystore.MigrateOptions{
		BatchSize:   c.Int("batch-size"),
		ClearSource: c.Bool("clear-source"),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "migrated %s keys in %s\n", humanize.Comma(int64(n)), time.Since(start).Round(time.Millisecond))
	return nil
}

func syncCommand(c *cli.Context) error {
	m, err := manager(c)
	if err != nil {
		return err
	}
	res, err := m.Sync(c.Context, c.String("source"), c.String("target"), c.Bool("delete-missing"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "added %d, deleted %d\n", res.Added, res.Deleted)
	return nil
}
