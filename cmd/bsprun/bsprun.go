// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Program bsprun executes bulk-synchronous graph computations over an
// in-process worker fleet.
//
// A job is described by a TOML file:
//
//	workers = 3        # fleet size
//	app     = "wcc"    # "wcc" or "paths"
//	graph   = "g.txt"  # edge list, one "u v" pair per line
//	output  = "out"    # directory for per-rank result files
//	source  = 1        # source vertex (paths only)
//	threads = 0        # per-worker thread budget, 0 for GOMAXPROCS
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/creachadair/bsp"
	"github.com/creachadair/bsp/graph"
	"github.com/creachadair/bsp/mesh"
	"github.com/creachadair/bsp/paths"
	"github.com/creachadair/bsp/wcc"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
)

var runFlags struct {
	Verbose bool `flag:"v,Enable verbose logging"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Execute bulk-synchronous graph computations.",
		Commands: []*command.C{
			{
				Name:     "run",
				Usage:    "<job.toml>",
				Help:     "Run the job described by a TOML job file.",
				SetFlags: command.Flags(flax.MustBind, &runFlags),
				Run:      runJob,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

type jobConfig struct {
	Workers int    `toml:"workers"`
	App     string `toml:"app"`
	Graph   string `toml:"graph"`
	Output  string `toml:"output"`
	Source  uint64 `toml:"source"`
	Threads int    `toml:"threads"`
}

func (c *jobConfig) application() (bsp.Application, error) {
	switch c.App {
	case "wcc":
		return wcc.New(), nil
	case "paths":
		return paths.New(c.Source), nil
	default:
		return nil, fmt.Errorf("unknown application %q", c.App)
	}
}

func runJob(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("missing job file argument")
	}

	cfg := jobConfig{Workers: 1, Output: "."}
	if _, err := toml.DecodeFile(env.Args[0], &cfg); err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("job: fleet size %d out of range", cfg.Workers)
	}
	app, err := cfg.application()
	if err != nil {
		return fmt.Errorf("job: %w", err)
	}

	gf, err := os.Open(cfg.Graph)
	if err != nil {
		return fmt.Errorf("load graph: %w", err)
	}
	b, err := graph.Parse(gf)
	gf.Close()
	if err != nil {
		return fmt.Errorf("load graph: %w", err)
	}

	if err := os.MkdirAll(cfg.Output, 0o755); err != nil {
		return err
	}

	level := zerolog.InfoLevel
	if runFlags.Verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Logger()

	// Run the whole fleet in-process, one worker per goroutine.
	ms := mesh.NewLocal(cfg.Workers)
	errs := make([]error, cfg.Workers)
	g := taskgroup.New(nil)
	for rank, tr := range ms {
		g.Go(func() error {
			errs[rank] = runWorker(cfg, app, b, tr, logger)
			return nil
		})
	}
	g.Wait()

	for rank, err := range errs {
		if err != nil {
			return fmt.Errorf("worker %d: %w", rank, err)
		}
	}
	logger.Info().Int("workers", cfg.Workers).Str("app", cfg.App).Msg("job complete")
	return nil
}

func runWorker(cfg jobConfig, app bsp.Application, b *graph.Builder, tr *mesh.Mesh, logger zerolog.Logger) error {
	defer tr.Close()

	comm := bsp.CommSpec{Workers: cfg.Workers, Rank: tr.Rank()}
	frag, err := b.Fragment(comm)
	if err != nil {
		return err
	}

	w := bsp.New(app, frag)
	w.SetLogger(logger.With().Int("rank", comm.Rank).Logger())
	if err := w.Init(comm, tr, bsp.EngineSpec{Threads: cfg.Threads}); err != nil {
		return err
	}
	defer w.Finalize()

	if err := w.Query(); err != nil {
		return err
	}

	out, err := os.Create(filepath.Join(cfg.Output, fmt.Sprintf("part-%d.txt", comm.Rank)))
	if err != nil {
		return err
	}
	if err := w.Output(out); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
