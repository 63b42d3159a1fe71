package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/relaynote/relay/internal/config"
	"github.com/relaynote/relay/internal/ingest"
	"github.com/relaynote/relay/internal/logging"
	"github.com/relaynote/relay/internal/options"
	"github.com/relaynote/relay/internal/producer"
	"github.com/relaynote/relay/internal/prompt"
	"github.com/relaynote/relay/internal/retry"
	"github.com/relaynote/relay/internal/sink"
	"github.com/relaynote/relay/internal/syncer"
	"github.com/relaynote/relay/internal/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the producer components for one command invocation.
type app struct {
	cfg       *config.Producer
	log       *slog.Logger
	logCloser io.Closer
	store     *producer.Store
	client    *transport.Client
	ingest    *ingest.Service
	manager   *syncer.Manager
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath  string
		verbose  bool
		noPrompt bool
	)

	root := &cobra.Command{
		Use:          "relay",
		Short:        "Ship recordings to a relay worker and collect the notes",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default: relay.yaml in the user config dir or cwd)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().BoolVar(&noPrompt, "no-prompt", false, "never ask for options, use the defaults")

	load := func(cmd *cobra.Command) (*app, error) {
		return newApp(cfgPath, verbose, noPrompt, cmd.ErrOrStderr())
	}

	root.AddCommand(
		newSyncCmd(load),
		newWatchCmd(load),
		newListCmd(load),
		newShowCmd(load),
		newResetCmd(load),
		newHealthCmd(load),
	)
	return root
}

func newApp(cfgPath string, verbose, noPrompt bool, stderr io.Writer) (*app, error) {
	cfg, err := config.LoadProducer(cfgPath)
	if err != nil {
		return nil, err
	}

	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	logger, closer, err := logging.New(logging.Options{
		Format:  logging.FormatText,
		Level:   level,
		File:    cfg.LogFile,
		Console: stderr,
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	store, err := producer.Open(cfg.StorePath)
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("open job store: %w", err)
	}

	client := transport.New(cfg.ServerURL, cfg.APIKey,
		transport.WithStatusTimeout(cfg.StatusTimeout),
		transport.WithHealthTimeout(cfg.HealthTimeout),
	)
	ing := ingest.New(store, cfg.RecordingsDir, cfg.Extensions,
		ingest.WithStableWait(cfg.StableWait),
		ingest.WithRetryPolicy(retry.Policy{Attempts: 3, Base: cfg.StableWait, Cap: 5 * cfg.StableWait}),
		ingest.WithLogger(logger),
	)
	var cp syncer.ConfigPrompt
	if !noPrompt {
		cp = prompt.New(options.Default())
	}
	manager := syncer.New(store, client, ing, cp, sink.New(cfg.OutputDir), logger)

	return &app{
		cfg:       cfg,
		log:       logger,
		logCloser: closer,
		store:     store,
		client:    client,
		ingest:    ing,
		manager:   manager,
	}, nil
}

func (a *app) Close() error {
	return a.logCloser.Close()
}

// resolveJob finds a job by id or by an unambiguous id prefix, as shown in
// the list output.
func (a *app) resolveJob(ref string) (*producer.Job, error) {
	if j, err := a.store.Get(ref); err == nil {
		return j, nil
	} else if !errors.Is(err, producer.ErrNotFound) {
		return nil, err
	}

	var match *producer.Job
	for _, j := range a.store.ListAll() {
		if !strings.HasPrefix(j.ID, ref) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("job id %q is ambiguous", ref)
		}
		match = j
	}
	if match == nil {
		return nil, fmt.Errorf("job %q: %w", ref, producer.ErrNotFound)
	}
	return match, nil
}
