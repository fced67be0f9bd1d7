package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"emberkv/internal/coordinator"
)

func buildReplCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Start an interactive put/get/delete session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepl()
		},
	}
}

// runRepl mirrors lxing-amethyst/cmd/cli's bufio.Scanner loop, dispatching
// to the same engine a single put/get/delete invocation would use.
func runRepl() error {
	fmt.Println("writepathctl REPL — mode:", engine.Mode())
	fmt.Println("commands: put <key> <value> | get <key> | delete <key> | exit")

	ctx := context.Background()
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
		parts := strings.Fields(line)

		switch strings.ToLower(parts[0]) {
		case "put":
			if len(parts) != 3 {
				fmt.Println("usage: put <key> <value>")
				continue
			}
			if err := engine.Put(ctx, coordinator.WriteOptions{}, 0, []byte(parts[1]), []byte(parts[2])); err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println("ok")
		case "get":
			if len(parts) != 2 {
				fmt.Println("usage: get <key>")
				continue
			}
			entry, ok := engine.Get(0, []byte(parts[1]))
			if !ok || entry.Tombstone {
				fmt.Println("not found")
				continue
			}
			fmt.Println(string(entry.Value))
		case "delete":
			if len(parts) != 2 {
				fmt.Println("usage: delete <key>")
				continue
			}
			if err := engine.Delete(ctx, coordinator.WriteOptions{}, 0, []byte(parts[1])); err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println("ok")
		case "exit", "quit":
			return nil
		default:
			fmt.Println("unknown command")
		}
	}
	return scanner.Err()
}
