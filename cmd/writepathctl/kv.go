package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"emberkv/internal/coordinator"
)

func buildPutCmd() *cobra.Command {
	var sync, disableWAL bool

	cmd := &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Write a single key/value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wopts := coordinator.WriteOptions{Sync: sync, DisableWAL: disableWAL}
			if err := engine.Put(context.Background(), wopts, 0, []byte(args[0]), []byte(args[1])); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
	cmd.Flags().BoolVar(&sync, "sync", false, "wait for the WAL append to be fsynced")
	cmd.Flags().BoolVar(&disableWAL, "disable-wal", false, "skip the WAL append entirely")
	return cmd
}

func buildGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Read the current value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, ok := engine.Get(0, []byte(args[0]))
			if !ok || entry.Tombstone {
				return fmt.Errorf("key not found: %s", args[0])
			}
			fmt.Println(string(entry.Value))
			return nil
		},
	}
}

func buildDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := engine.Delete(context.Background(), coordinator.WriteOptions{}, 0, []byte(args[0])); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}
