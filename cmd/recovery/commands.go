package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/sf7293/task-relay/internal/domain"
	"github.com/sf7293/task-relay/internal/events"
	"github.com/sf7293/task-relay/internal/relay"
	"github.com/sf7293/task-relay/internal/sweeper"
	"github.com/sf7293/task-relay/pkg/relayclient"
	"github.com/spf13/cobra"
)

type deps struct {
	relayURL    string
	eventQueue  string
	openSweeper func(ctx context.Context) (*sweeper.Scheduler, func(), error)
	openQueue   func(ctx context.Context) (domain.Queue, error)
}

var (
	okMark   = color.New(color.FgGreen).Sprint("✓")
	warnMark = color.New(color.FgYellow).Sprint("!")
	failMark = color.New(color.FgRed).Sprint("✗")
)

func newRootCmd(d *deps) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "recovery",
		Short: "Operator tools for the task relay",
		Long: `recovery repairs stuck broker state: it requeues processing tasks, frees the
write lock, runs the timeout sweep on demand and retries dead letters.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&d.relayURL, "relay-url", d.relayURL, "base URL of the relay server")

	rootCmd.AddCommand(resetProcessingCmd(d))
	rootCmd.AddCommand(releaseLockCmd(d))
	rootCmd.AddCommand(sweepCmd(d))
	rootCmd.AddCommand(retryDeadLettersCmd(d))
	rootCmd.AddCommand(tailEventsCmd(d))
	return rootCmd
}

func resetProcessingCmd(d *deps) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "reset-processing",
		Short: "Requeue or delete every processing task and clear the write lock",
		Long: `Force every PROCESSING task back to PENDING (or delete it with --mode delete)
and clear the write lock unconditionally.

Examples:
  recovery reset-processing
  recovery reset-processing --mode delete`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := relayclient.New(d.relayURL).ResetProcessing(cmd.Context(), relay.ResetMode(mode))
			if err != nil {
				return fmt.Errorf("failed to reset processing tasks: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s Reset %d processing task(s) (mode %s)\n", okMark, res.Affected, res.Mode)
			if res.LockCleared {
				fmt.Fprintf(out, "  Write lock cleared, was held by %s for task %s\n", res.Previous.HeldBy, res.Previous.TaskID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(relay.ResetRequeue), "requeue or delete")
	return cmd
}

func releaseLockCmd(d *deps) *cobra.Command {
	var consumerID string
	var force bool
	cmd := &cobra.Command{
		Use:   "release-lock",
		Short: "Release the write lock",
		Long: `Release the write lock on behalf of its holder, or with --force regardless of holder.

Examples:
  recovery release-lock --consumer worker-1
  recovery release-lock --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force && consumerID == "" {
				return fmt.Errorf("either --consumer or --force is required")
			}

			res, err := relayclient.New(d.relayURL).ReleaseLock(cmd.Context(), consumerID, force)
			if err != nil {
				return fmt.Errorf("failed to release the write lock: %w", err)
			}

			out := cmd.OutOrStdout()
			if !res.Released {
				fmt.Fprintf(out, "%s Write lock was already free\n", warnMark)
				return nil
			}
			fmt.Fprintf(out, "%s Write lock released\n", okMark)
			if res.Previous != nil && res.Previous.HeldBy != "" {
				fmt.Fprintf(out, "  Previous holder: %s (task %s)\n", res.Previous.HeldBy, res.Previous.TaskID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&consumerID, "consumer", "", "consumer id holding the lock")
	cmd.Flags().BoolVar(&force, "force", false, "release regardless of holder")
	return cmd
}

func sweepCmd(d *deps) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one timeout sweep against the store",
		Long: `Run a single sweep pass directly against the database: promote due retries,
reclaim work from dead consumers, expire pickup and processing deadlines and recover a
stale write lock. With redis configured the pass is skipped if a server replica is sweeping.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeFn, err := d.openSweeper(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to open the store: %w", err)
			}
			defer closeFn()

			report, ran := s.RunOnce(cmd.Context())
			out := cmd.OutOrStdout()
			if !ran {
				fmt.Fprintf(out, "%s Another replica is sweeping, nothing done\n", warnMark)
				return nil
			}
			if report == nil {
				return fmt.Errorf("sweep did not run")
			}

			fmt.Fprintf(out, "%s Sweep finished\n", okMark)
			fmt.Fprintf(out, "  Promoted retries:       %d\n", report.Promoted)
			fmt.Fprintf(out, "  Dead consumers:         %d\n", report.DeadConsumers)
			fmt.Fprintf(out, "  Processing timed out:   %d\n", report.ProcessingTimedOut)
			fmt.Fprintf(out, "  Pending timed out:      %d\n", report.PendingTimedOut)
			fmt.Fprintf(out, "  Dead lettered:          %d\n", report.DeadLettered)
			fmt.Fprintf(out, "  Stale lock recovered:   %t\n", report.LockRecovered)
			return nil
		},
	}
}

func retryDeadLettersCmd(d *deps) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "retry-dead-letters [dead-letter-id...]",
		Short: "Put dead-lettered tasks back in the queue",
		Long: `Retry the given dead letters, or the oldest --limit of them when no id is given.
A failed retry is reported and the rest are still attempted.

Examples:
  recovery retry-dead-letters
  recovery retry-dead-letters --limit 10
  recovery retry-dead-letters 1b4e28ba-2fa1-11d2-883f-0016d3cca427`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := relayclient.New(d.relayURL)
			ids := args
			if len(ids) == 0 {
				items, total, err := client.ListDeadLetters(cmd.Context(), limit, 0)
				if err != nil {
					return fmt.Errorf("failed to list dead letters: %w", err)
				}
				for _, dl := range items {
					ids = append(ids, dl.ID)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Retrying %d of %d dead letter(s)\n", len(ids), total)
			}

			failed := 0
			for _, id := range ids {
				task, err := client.RetryDeadLetter(cmd.Context(), id)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %v\n", failMark, id, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s requeued as task %s\n", okMark, id, task.ID)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d dead letter(s) could not be retried", failed, len(ids))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "how many dead letters to retry when no id is given")
	return cmd
}

func tailEventsCmd(d *deps) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "tail-events",
		Short: "Print broker events from the RabbitMQ sink",
		Long: `Consume the events queue the server forwards its feed to and print each event.
The queue is shared: other consumers of it receive a disjoint share of the events.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			queue, err := d.openQueue(ctx)
			if err != nil {
				return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
			}
			defer queue.Close()

			out := cmd.OutOrStdout()
			err = queue.ConsumeMessages("recovery-tail", d.eventQueue, func(body string) {
				printEvent(out, body, raw)
			})
			if err != nil {
				return fmt.Errorf("failed to consume %s: %w", d.eventQueue, err)
			}

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print the JSON envelope as received")
	return cmd
}

func printEvent(out io.Writer, body string, raw bool) {
	event := events.Event{}
	if raw || json.Unmarshal([]byte(body), &event) != nil {
		fmt.Fprintln(out, body)
		return
	}

	payload, _ := json.Marshal(event.Payload)
	fmt.Fprintf(out, "%d %s %s\n", event.Timestamp, eventColor(event.Type).Sprint(event.Type), payload)
}

func eventColor(eventType string) *color.Color {
	switch eventType {
	case events.TaskCompleted:
		return color.New(color.FgGreen)
	case events.TaskFailed, events.ConsumerOffline:
		return color.New(color.FgRed)
	case events.TaskRetrying, events.LockAcquired, events.LockReleased, events.TasksReset:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}
