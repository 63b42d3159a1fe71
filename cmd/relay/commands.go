package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaynote/relay/internal/ingest"
	"github.com/relaynote/relay/internal/producer"
	"github.com/relaynote/relay/internal/syncer"
	"github.com/relaynote/relay/internal/ui"
)

type loader func(cmd *cobra.Command) (*app, error)

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

func newSyncCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle: ingest, poll, fetch results, upload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext(cmd)
			defer stop()

			rep, err := a.manager.RunCycle(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.Report(rep))
			return nil
		},
	}
}

func newWatchCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the recordings directory and sync continuously",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext(cmd)
			defer stop()

			w := ingest.NewWatcher(a.cfg.RecordingsDir, a.ingest.Matches, a.cfg.WatchDebounce, a.cfg.WatchInterval, a.log)
			a.log.Info("watching", "dir", a.cfg.RecordingsDir, "worker", a.cfg.ServerURL)
			return w.Run(ctx, func(ctx context.Context) {
				rep, err := a.manager.RunCycle(ctx)
				switch {
				case errors.Is(err, syncer.ErrCycleInProgress), errors.Is(err, context.Canceled):
				case err != nil:
					a.log.Error("sync cycle", "error", err)
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", time.Now().Format("15:04:05"), ui.Report(rep))
				}
			})
		},
	}
}

func newListCmd(load loader) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			jobs := a.store.ListAll()
			if status != "" {
				st := producer.Status(status)
				if !st.Valid() {
					return fmt.Errorf("unknown status %q", status)
				}
				filtered := jobs[:0]
				for _, j := range jobs {
					if j.Status == st {
						filtered = append(filtered, j)
					}
				}
				jobs = filtered
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.JobsTable(jobs))
			return nil
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "only show jobs in this status")
	return cmd
}

func newShowCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			j, err := a.resolveJob(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.JobDetail(j))
			return nil
		},
	}
}

func newResetCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <id>",
		Short: "Queue a job for upload again with a clean retry count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			j, err := a.resolveJob(args[0])
			if err != nil {
				return err
			}
			if err := a.store.ResetForRetry(j.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s -> %s\n", j.ID, ui.Status(j.Status), ui.Status(producer.StatusWaitingUpload))
			return nil
		},
	}
}

func newHealthCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the worker is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			latency, err := a.client.Health(cmd.Context())
			if err != nil {
				return fmt.Errorf("worker %s unreachable: %w", a.cfg.ServerURL, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "worker %s ok (%s)\n", a.cfg.ServerURL, latency.Round(time.Millisecond))
			return nil
		},
	}
}
