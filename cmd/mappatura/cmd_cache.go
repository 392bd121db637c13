package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mappaturasmd/mappatura/internal/plotindex"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the local plot index",
}

var cacheSearchCmd = &cobra.Command{
	Use:   "search [owner]",
	Short: "List the plots recorded for an owner",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCacheSearch,
}

var cacheOwnersCmd = &cobra.Command{
	Use:   "owners",
	Short: "List every owner in the index",
	Args:  cobra.NoArgs,
	RunE:  runCacheOwners,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget every recorded plot",
	Args:  cobra.NoArgs,
	RunE:  runCacheClear,
}

func init() {
	cacheCmd.AddCommand(cacheSearchCmd)
	cacheCmd.AddCommand(cacheOwnersCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

func openIndex() (*plotindex.Index, error) {
	index, err := plotindex.Open(cfgStore.ResolvePath(cfgStore.Snapshot().IndexFile), plotindex.Options{Logger: logger.Named("index")})
	if err != nil {
		return nil, fmt.Errorf("failed to open plot index: %w", err)
	}
	return index, nil
}

func runCacheSearch(cmd *cobra.Command, args []string) error {
	index, err := openIndex()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), index.FormatForChat(strings.Join(args, " ")))
	return nil
}

func runCacheOwners(cmd *cobra.Command, args []string) error {
	index, err := openIndex()
	if err != nil {
		return err
	}
	for _, owner := range index.Owners() {
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%d)\n", owner, len(index.Search(owner)))
	}
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	index, err := openIndex()
	if err != nil {
		return err
	}
	count := index.Len()
	if err := index.Clear(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d plots removed\n", count)
	return nil
}
