package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/AcqBridge/internal/acquisition"
	"github.com/bryanchriswhite/AcqBridge/internal/api"
)

var (
	remoteHost    string
	remotePort    int
	remoteTimeout time.Duration
	watchFlag     bool
	finishFlag    bool
)

var submitCmd = &cobra.Command{
	Use:   "submit EVENT...",
	Short: "Submit acquisition events",
	Long: `Send events to the acquisition listening on the given event port.

Each argument is a JSON object with an "axes" key; the engine produces one
frame per event in the order given.`,
	Example: `  # Two z positions, then end the acquisition
  acqbridge submit --port 4827 '{"axes":{"z":0}}' '{"axes":{"z":1}}' --finish`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

var finishCmd = &cobra.Command{
	Use:   "finish",
	Short: "End an acquisition after its queued events",
	RunE:  runFinish,
}

var abortCmd = &cobra.Command{
	Use:   "abort",
	Short: "Abort a running acquisition",
	Long:  `Ask the acquisition listening on the given event port to abort.`,
	Example: `  # Abort the acquisition on port 4827
  acqbridge abort --port 4827`,
	RunE: runAbort,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a running acquisition",
	Long: `Query the acquisition listening on the given event port.

With --watch, lifecycle notifications are printed as JSON lines until the
acquisition ends.`,
	Example: `  # Show status
  acqbridge status --port 4827

  # Follow notifications
  acqbridge status --port 4827 --watch`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(abortCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(finishCmd)

	for _, cmd := range []*cobra.Command{abortCmd, statusCmd, submitCmd, finishCmd} {
		cmd.Flags().StringVar(&remoteHost, "host", "127.0.0.1", "event source host")
		cmd.Flags().IntVar(&remotePort, "port", 0, "event port printed by acquire")
		cmd.Flags().DurationVar(&remoteTimeout, "timeout", 5*time.Second, "request timeout")
		cmd.MarkFlagRequired("port")
	}
	statusCmd.Flags().BoolVarP(&watchFlag, "watch", "w", false, "follow notifications")
	submitCmd.Flags().BoolVar(&finishFlag, "finish", false, "finish the acquisition after submitting")
}

// parseEvents decodes one JSON event per argument
func parseEvents(args []string) ([]acquisition.Event, error) {
	events := make([]acquisition.Event, 0, len(args))
	for i, arg := range args {
		var ev acquisition.Event
		if err := json.Unmarshal([]byte(arg), &ev); err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		events = append(events, ev)
	}
	if err := acquisition.ValidateEvents(events); err != nil {
		return nil, err
	}
	return events, nil
}

func dialRemote(ctx context.Context) (*api.Client, error) {
	if remotePort <= 0 || remotePort > 65535 {
		return nil, fmt.Errorf("invalid port: %d", remotePort)
	}
	return api.Dial(ctx, remoteHost, remotePort)
}

func runAbort(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), remoteTimeout)
	defer cancel()

	client, err := dialRemote(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Abort(ctx); err != nil {
		return fmt.Errorf("abort failed: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Abort requested")
	return nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	events, err := parseEvents(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), remoteTimeout)
	defer cancel()

	client, err := dialRemote(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Acquire(ctx, events); err != nil {
		return fmt.Errorf("submit failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %d events queued\n", len(events))

	if !finishFlag {
		return nil
	}
	if err := client.Finish(ctx); err != nil {
		return fmt.Errorf("finish failed: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Finish requested")
	return nil
}

func runFinish(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), remoteTimeout)
	defer cancel()

	client, err := dialRemote(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Finish(ctx); err != nil {
		return fmt.Errorf("finish failed: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Finish requested")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), remoteTimeout)
	defer cancel()

	client, err := dialRemote(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	status, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("status failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Acquisition: %s\n", status.ID)
	fmt.Fprintf(out, "State:       %s\n", status.State)
	fmt.Fprintf(out, "Event port:  %d\n", status.Port)

	if !watchFlag {
		return nil
	}

	watchCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(out)
	err = client.Watch(watchCtx, func(n acquisition.Notification) {
		enc.Encode(n)
	})
	if err != nil && watchCtx.Err() == nil {
		return err
	}
	return nil
}
