package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mappaturasmd/mappatura/internal/backend"
	"github.com/mappaturasmd/mappatura/internal/collector"
	"github.com/mappaturasmd/mappatura/internal/delivery"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Inspect the durable delivery queue",
	Long: `Inspect or repair the delivery queue while the agent is stopped.

Available subcommands:
  list     - Show pending and abandoned submissions
  resubmit - Move abandoned submissions back into the queue`,
}

var pendingListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show pending and abandoned submissions",
	Args:  cobra.NoArgs,
	RunE:  runPendingList,
}

var pendingResubmitCmd = &cobra.Command{
	Use:   "resubmit",
	Short: "Move abandoned submissions back into the queue",
	Args:  cobra.NoArgs,
	RunE:  runPendingResubmit,
}

func init() {
	pendingCmd.AddCommand(pendingListCmd)
	pendingCmd.AddCommand(pendingResubmitCmd)
}

var errOffline = errors.New("delivery is offline in this command")

// offlineSubmitter lets the queue be opened without sending anything.
type offlineSubmitter struct{}

func (offlineSubmitter) SubmitPlot(context.Context, collector.Record) (backend.SubmitResult, error) {
	return backend.SubmitResult{}, errOffline
}

func openPipeline() (*delivery.Pipeline, error) {
	store, err := delivery.BuildPendingStoreFromDSN(pendingDSN(cfgStore.Snapshot()))
	if err != nil {
		return nil, fmt.Errorf("failed to open pending store: %w", err)
	}
	pipeline, err := delivery.New(delivery.Options{
		Store:     store,
		Submitter: offlineSubmitter{},
		Logger:    logger.Named("delivery"),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return pipeline, nil
}

func runPendingList(cmd *cobra.Command, args []string) error {
	pipeline, err := openPipeline()
	if err != nil {
		return err
	}
	snapshot := pipeline.Snapshot()
	if err := pipeline.Close(); err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STATE\tPLOT\tCOORDS\tDIMENSION\tOWNER\tATTEMPT\tLAST ERROR")
	write := func(state string, entries []delivery.PendingPlot) {
		for _, entry := range entries {
			fmt.Fprintf(w, "%s\t%s\t%d, %d\t%s\t%s\t%d\t%s\n",
				state, entry.PlotID, entry.CoordX, entry.CoordZ, entry.Dimension, entry.Owner, entry.Attempt, entry.LastError)
		}
	}
	write("pending", snapshot.Pending)
	write("abandoned", snapshot.Abandoned)
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d pending, %d abandoned\n", len(snapshot.Pending), len(snapshot.Abandoned))
	return nil
}

func runPendingResubmit(cmd *cobra.Command, args []string) error {
	pipeline, err := openPipeline()
	if err != nil {
		return err
	}
	moved := pipeline.Resubmit()
	if err := pipeline.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d submissions moved back to the queue\n", moved)
	return nil
}
