package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mappaturasmd/mappatura/internal/agent"
	"github.com/mappaturasmd/mappatura/internal/backend"
	"github.com/mappaturasmd/mappatura/internal/config"
)

var (
	operatorName   string
	operatorUUID   string
	requestTimeout time.Duration
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Check the session authorization and store the result",
	Args:  cobra.NoArgs,
	RunE:  runAuth,
}

var searchCmd = &cobra.Command{
	Use:   "search [owner]",
	Short: "Search the backend for an owner's plots",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var whitelistCmd = &cobra.Command{
	Use:   "whitelist",
	Short: "Ask the backend to whitelist the operator",
	Args:  cobra.NoArgs,
	RunE:  runWhitelist,
}

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Show the effective endpoint setup and probe checkAccess",
	Args:  cobra.NoArgs,
	RunE:  runDebug,
}

func init() {
	for _, cmd := range []*cobra.Command{authCmd, searchCmd, whitelistCmd, debugCmd} {
		cmd.Flags().StringVar(&operatorName, "operator", envOrDefault("MAPPATURA_OPERATOR", ""), "Operator name sent with the request")
		cmd.Flags().StringVar(&operatorUUID, "operator-uuid", envOrDefault("MAPPATURA_OPERATOR_UUID", ""), "Operator UUID sent with the request")
		cmd.Flags().DurationVar(&requestTimeout, "timeout", durationEnv("MAPPATURA_REQUEST_TIMEOUT", 30*time.Second), "Request timeout including retries")
	}
}

func commandOperator() backend.Operator {
	return backend.Operator{Name: strings.TrimSpace(operatorName), UUID: strings.TrimSpace(operatorUUID)}
}

func newBackendClient() *backend.Client {
	op := commandOperator()
	return backend.NewClient(cfgStore, backend.ClientOptions{
		Operator: func() backend.Operator { return op },
		Logger:   logger.Named("backend"),
	})
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), requestTimeout)
}

func printLines(w io.Writer, lines []string) {
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
}

func runAuth(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()
	res, err := newBackendClient().CheckAccess(ctx)
	authorized, message := agent.AuthSummary(res, err)
	if updateErr := cfgStore.Update(func(cfg *config.AppConfig) {
		cfg.Authorized = authorized
		cfg.LastAuthMessage = message
	}); updateErr != nil {
		return fmt.Errorf("failed to save authorization: %w", updateErr)
	}
	printLines(cmd.OutOrStdout(), []string{agent.AuthLine(authorized), message})
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.TrimSpace(strings.Join(args, " "))
	ctx, cancel := requestContext(cmd)
	defer cancel()
	res, err := newBackendClient().SearchPlot(ctx, query)
	printLines(cmd.OutOrStdout(), agent.SearchLines(query, res, err))
	return nil
}

func runWhitelist(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()
	res, err := newBackendClient().RequestWhitelist(ctx)
	printLines(cmd.OutOrStdout(), agent.WhitelistLines(res, err))
	return nil
}

func runDebug(cmd *cobra.Command, args []string) error {
	printLines(cmd.OutOrStdout(), agent.DebugLines(cfgStore.Snapshot(), commandOperator()))
	ctx, cancel := requestContext(cmd)
	defer cancel()
	res, err := newBackendClient().CheckAccess(ctx)
	printLines(cmd.OutOrStdout(), agent.DebugAccessLines(res, err))
	return nil
}
