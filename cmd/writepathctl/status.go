package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func buildStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the open engine's configuration and manifest state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
}

func showStatus() error {
	m := engine.Manifest()

	fmt.Println("writepathctl status")
	fmt.Printf("  data dir:          %s\n", cfg.DB.Dir)
	fmt.Printf("  write mode:        %s\n", engine.Mode())
	fmt.Printf("  column families:   %d\n", m.NumColumnFamilies())
	fmt.Printf("  two write queues:  %t\n", cfg.DB.TwoWriteQueues)
	fmt.Printf("  concurrent memtable writes: %t\n", cfg.DB.ConcurrentMemtable)
	fmt.Printf("  current wal:       %d\n", m.Current().CurrentWAL)
	return nil
}
