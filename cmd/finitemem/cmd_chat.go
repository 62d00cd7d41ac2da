// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/finitemem/finitemem/services/memory/checkpoint"
	"github.com/finitemem/finitemem/services/memory/engine"
)

var (
	chatPolicy    string
	chatMaxTokens int
	chatOffline   bool
	chatNoStream  bool
	chatResume    string
	chatStorePath string

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Interactive REPL against the configured backend",
		Long: `Starts an interactive conversation. In-band commands:
  /stats       print the session counters
  /context     print the current memory window
  /save NAME   save a checkpoint
  /reset       clear the conversation
  /quit        exit`,
		RunE: runChat,
	}
)

func init() {
	chatCmd.Flags().StringVar(&chatPolicy, "policy", "", "memory policy (sliding, importance, semantic, rolling_summary, hybrid)")
	chatCmd.Flags().IntVar(&chatMaxTokens, "max-tokens", 0, "override the token budget")
	chatCmd.Flags().BoolVar(&chatOffline, "offline", false, "use the deterministic scripted backend")
	chatCmd.Flags().BoolVar(&chatNoStream, "no-stream", false, "wait for complete replies instead of streaming")
	chatCmd.Flags().StringVar(&chatResume, "resume", "", "checkpoint name to resume from")
	chatCmd.Flags().StringVar(&chatStorePath, "store", "", "checkpoint store directory")
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if chatPolicy != "" {
		cfg.Memory.Policy = chatPolicy
	}
	if chatMaxTokens > 0 {
		cfg.Memory.MaxTokens = chatMaxTokens
	}

	logger := newLogger(cfg, true)
	defer logger.Close()

	gen, err := newBackend(cfg, chatOffline)
	if err != nil {
		return err
	}

	eng, err := engine.New(gen, engine.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}

	var store *checkpoint.Store
	if chatStorePath != "" {
		store, err = checkpoint.OpenStore(checkpoint.StoreConfig{Path: chatStorePath, Logger: logger.Slog()})
		if err != nil {
			return err
		}
		defer store.Close()
	}

	if chatResume != "" {
		if store == nil {
			return fmt.Errorf("--resume requires --store")
		}
		cp, err := store.Get(chatResume)
		if err != nil {
			return fmt.Errorf("resume %q: %w", chatResume, err)
		}
		eng.Restore(cp)
		fmt.Printf("Resumed session %s (%d turns).\n", eng.SessionID(), cp.Metadata.Turns)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	fmt.Printf("finitemem chat (policy=%s, budget=%d tokens). /quit to exit.\n",
		cfg.Memory.Policy, cfg.Memory.MaxTokens)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if done := runReplCommand(eng, store, line); done {
				break
			}
			continue
		}

		if err := chatTurn(ctx, eng, line); err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
	fmt.Println("\nGoodbye.")
	return nil
}

func chatTurn(ctx context.Context, eng *engine.Engine, line string) error {
	if chatNoStream {
		res, err := eng.Chat(ctx, line)
		if err != nil {
			return err
		}
		fmt.Println(res.Response)
		return nil
	}

	_, err := eng.ChatStream(ctx, line, func(chunk string) error {
		fmt.Print(chunk)
		return nil
	})
	fmt.Println()
	return err
}

// runReplCommand handles /-prefixed input. Returns true to exit.
func runReplCommand(eng *engine.Engine, store *checkpoint.Store, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/stats":
		data, err := json.MarshalIndent(eng.Stats(), "", "  ")
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			return false
		}
		fmt.Println(string(data))

	case "/context":
		text, err := eng.ContextWindow()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			return false
		}
		fmt.Println(text)

	case "/save":
		if store == nil {
			fmt.Fprintln(os.Stderr, "No checkpoint store; start with --store DIR")
			return false
		}
		if len(fields) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: /save NAME")
			return false
		}
		if err := store.Put(fields[1], eng.Checkpoint()); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			return false
		}
		fmt.Printf("Saved checkpoint %q.\n", fields[1])

	case "/reset":
		eng.Reset()
		fmt.Println("Conversation cleared.")

	default:
		fmt.Fprintf(os.Stderr, "Unknown command %s\n", fields[0])
	}
	return false
}
