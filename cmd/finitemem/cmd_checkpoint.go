// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/finitemem/finitemem/services/memory/checkpoint"
)

var (
	checkpointStorePath string

	checkpointCmd = &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect and manage saved conversation checkpoints",
	}
	checkpointListCmd = &cobra.Command{
		Use:   "list",
		Short: "List checkpoint names in the store",
		RunE:  runCheckpointList,
	}
	checkpointShowCmd = &cobra.Command{
		Use:   "show [name]",
		Short: "Print a checkpoint's metadata and stats",
		Args:  cobra.ExactArgs(1),
		RunE:  runCheckpointShow,
	}
	checkpointDeleteCmd = &cobra.Command{
		Use:   "delete [name]",
		Short: "Delete a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  runCheckpointDelete,
	}
)

func init() {
	checkpointCmd.PersistentFlags().StringVar(&checkpointStorePath, "store", "", "checkpoint store directory")
	_ = checkpointCmd.MarkPersistentFlagRequired("store")
	checkpointCmd.AddCommand(checkpointListCmd, checkpointShowCmd, checkpointDeleteCmd)
}

func openCheckpointStore() (*checkpoint.Store, error) {
	return checkpoint.OpenStore(checkpoint.StoreConfig{Path: checkpointStorePath})
}

func runCheckpointList(cmd *cobra.Command, args []string) error {
	store, err := openCheckpointStore()
	if err != nil {
		return err
	}
	defer store.Close()

	names, err := store.List()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("No checkpoints.")
		return nil
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func runCheckpointShow(cmd *cobra.Command, args []string) error {
	store, err := openCheckpointStore()
	if err != nil {
		return err
	}
	defer store.Close()

	cp, err := store.Get(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Session:     %s\n", cp.Metadata.SessionID)
	fmt.Printf("Model:       %s\n", cp.Metadata.Model)
	fmt.Printf("Saved:       %s\n", cp.Metadata.SavedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("Turns:       %d\n", cp.Metadata.Turns)
	fmt.Printf("Policy:      %s\n", cp.Config.MemoryPolicy)
	fmt.Printf("Budget:      %d tokens\n", cp.Config.MaxTokens)
	fmt.Printf("Buffer:      %d tokens\n", len(cp.State.TokenBuffer))
	fmt.Printf("Tokens seen: %d\n", cp.Stats.TokensSeen)
	fmt.Printf("Evictions:   %d\n", cp.Stats.Evictions)
	fmt.Printf("Compression: %.2fx\n", cp.Stats.CompressionRatio)
	return nil
}

func runCheckpointDelete(cmd *cobra.Command, args []string) error {
	store, err := openCheckpointStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted %q.\n", args[0])
	return nil
}
