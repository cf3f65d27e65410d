package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/colony/internal/agent"
	"github.com/ShayCichocki/colony/internal/config"
	"github.com/ShayCichocki/colony/internal/llm"
	"github.com/ShayCichocki/colony/internal/log"
	"github.com/ShayCichocki/colony/internal/memory"
	"github.com/ShayCichocki/colony/internal/safety"
	"github.com/ShayCichocki/colony/internal/sqlitedb"
	"github.com/ShayCichocki/colony/internal/store"
	"github.com/ShayCichocki/colony/internal/store/sqlite"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	debug      bool
	logLevel   string
	logFormat  string
	noColor    bool
	tenant     string
	dbPath     string
	driver     string
}

// app holds what a command needs once flags are parsed.
type app struct {
	opts   *rootOptions
	cfg    *config.Config
	logger log.Logger
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	// tokens counts model usage; nil when running offline.
	tokens *llm.TokenTracker

	// closers run in reverse order when the command returns.
	closers []func() error
}

func newRootCommand(stdin io.Reader, stdout, stderr io.Writer) (*cobra.Command, *app) {
	opts := &rootOptions{}
	a := &app{opts: opts, stdin: stdin, stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "colony",
		Short: "Task orchestration and scheduling core",
		Long: `colony turns goals into dependency-ordered tasks and runs them on a
registry of agents, either inside one process (goal) or across any number of
worker processes sharing a task store (run-once, run-loop).

Workers claim tasks with an optimistic compare-and-set on the store, so at most
one worker ever processes a given task.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Config file (default: user and project config)")
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format (text, json)")
	flags.BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	flags.StringVar(&opts.tenant, "tenant", "", "Tenant id for the task store")
	flags.StringVar(&opts.dbPath, "db", "", "Task store database path")
	flags.StringVar(&opts.driver, "driver", "", "Task store driver (sqlite, sqlite3, memory)")

	root.AddCommand(
		newRunOnceCommand(a),
		newRunLoopCommand(a),
		newStatusCommand(a),
		newCreateTaskCommand(a),
		newRunPendingTasksCommand(a),
		newRunTaskCommand(a),
		newTaskTypesCommand(a),
		newGoalCommand(a),
		newRequeueCommand(a),
		newBlockCommand(a),
		newApproveCommand(a),
		newCancelCommand(a),
		newConfigCommand(a),
		newVersionCommand(a),
	)
	return root, a
}

// setup loads the configuration, applies flag overrides and builds the logger.
func (a *app) setup(cmd *cobra.Command) error {
	var (
		cfg *config.Config
		err error
	)
	if a.opts.configPath != "" {
		cfg, err = config.LoadFromPath(a.opts.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	if a.opts.tenant != "" {
		cfg.Store.Tenant = a.opts.tenant
	}
	if a.opts.dbPath != "" {
		cfg.Store.Path = a.opts.dbPath
	}
	if a.opts.driver != "" {
		cfg.Store.Driver = a.opts.driver
	}
	if a.opts.logLevel == "" {
		a.opts.logLevel = cfg.Log.Level
	}
	if a.opts.logFormat == "" {
		a.opts.logFormat = cfg.Log.Format
	}
	if a.opts.noColor {
		color.NoColor = true
	}

	a.cfg = cfg
	a.logger = getLogger(a.opts, a.stderr).WithValues(log.Kv{"cmd": cmd.Name()})
	return nil
}

func (a *app) onClose(f func() error) {
	a.closers = append(a.closers, f)
}

// close releases everything opened by the command.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// openStore validates the store section and opens the task store.
func (a *app) openStore(ctx context.Context) (store.Store, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		st  store.Store
		err error
	)
	switch a.cfg.Store.Driver {
	case config.DriverMemory:
		st = store.NewMemory(store.MemoryConfig{})
	default:
		st, err = sqlite.New(ctx, sqlite.Config{
			Path:   a.cfg.Store.Path,
			Driver: a.cfg.Store.Driver,
			Logger: a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("could not open task store: %w", err)
		}
	}
	a.onClose(st.Close)
	return st, nil
}

// openMemory opens the memory store. Failures are logged and the memory
// collaborator is left out.
func (a *app) openMemory(ctx context.Context) memory.Collaborator {
	driver := a.cfg.Store.Driver
	if driver == config.DriverMemory {
		driver = sqlitedb.DriverModernc
	}
	mem, err := memory.NewStore(ctx, memory.StoreConfig{
		DBPath: a.cfg.Memory.Path,
		Driver: driver,
		Logger: a.logger,
	})
	if err != nil {
		a.logger.Warningf("memory disabled: %v", err)
		return nil
	}
	a.onClose(mem.Close)
	return mem
}

// reviewer builds the keyword classifier, loading and watching the keyword
// file when one is configured.
func (a *app) reviewer(ctx context.Context) (*safety.Classifier, error) {
	c := safety.New(safety.DefaultKeywords(), a.logger)
	path := a.cfg.Safety.KeywordsFile
	if path == "" {
		return c, nil
	}
	if err := c.LoadFile(path); err != nil {
		return nil, fmt.Errorf("could not load keyword file: %w", err)
	}
	if a.cfg.Safety.Watch {
		if err := c.Watch(ctx, path); err != nil {
			a.logger.Warningf("keyword file is not watched: %v", err)
		}
	}
	return c, nil
}

// model returns the model client, or nil when no credentials are configured.
// Agents and handlers fall back to deterministic output without one.
func (a *app) model(ctx context.Context) *llm.Client {
	key, _ := config.APIKey(a.cfg)
	client, err := llm.NewClient(ctx, llm.ClientConfig{
		Model:         a.cfg.Anthropic.Model,
		TaskModels:    a.cfg.Anthropic.TaskModels,
		APIKey:        key,
		UseAWSBedrock: a.cfg.Anthropic.UseBedrock,
		AWSRegion:     a.cfg.Anthropic.AWSRegion,
		AWSProfile:    a.cfg.Anthropic.AWSProfile,
		Logger:        a.logger,
	})
	if err != nil {
		if !errors.Is(err, llm.ErrNoAPIKey) {
			a.logger.Warningf("model disabled: %v", err)
		} else {
			a.logger.Debugf("no model credentials, using offline agents")
		}
		return nil
	}
	return client
}

// collaborators bundles what agents and executors are built from.
type collaborators struct {
	llm      llm.Caller
	memory   memory.Collaborator
	reviewer *safety.Classifier
}

func (a *app) collaborators(ctx context.Context) (collaborators, error) {
	reviewer, err := a.reviewer(ctx)
	if err != nil {
		return collaborators{}, err
	}
	c := collaborators{memory: a.openMemory(ctx), reviewer: reviewer}
	if client := a.model(ctx); client != nil {
		c.llm = client
		a.tokens = client.Tracker()
	}
	return c, nil
}

func (a *app) registry(c collaborators) (*agent.Registry, error) {
	return agent.NewBuiltinRegistry(agent.Builtins{
		Config:   agent.Config{LLM: c.llm, Logger: a.logger},
		Reviewer: c.reviewer,
		Router:   agent.NewRouter(),
		Memory:   c.memory,
	})
}
