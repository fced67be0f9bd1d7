// Package config loads the demo CLI's on-disk configuration and translates
// it into the internal/coordinator.DBOptions it overlays.
//
// Grounded on ChuLiYu-raft-recovery/internal/cli/cli.go's Config struct: a
// YAML document split into one nested struct per concern, decoded with
// gopkg.in/yaml.v3, with a single translation function that copies fields
// across into the engine's own options type.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"emberkv/internal/coordinator"
)

// Config is the complete on-disk shape of a writepathctl config file.
type Config struct {
	DB struct {
		Dir               string `yaml:"dir"`
		ColumnFamilies    int    `yaml:"column_families"`
		Mode              string `yaml:"mode"` // "default", "pipelined", or "unordered"
		TwoWriteQueues    bool   `yaml:"two_write_queues"`
		ConcurrentMemtable bool  `yaml:"concurrent_memtable_write"`
		SeqPerBatch       bool   `yaml:"seq_per_batch"`
	} `yaml:"db"`

	WAL struct {
		MaxTotalSize      int64 `yaml:"max_total_size"`
		RecycleLogFileNum bool  `yaml:"recycle_log_file_num"`
		UseFsync          bool  `yaml:"use_fsync"`
		ManualFlush       bool  `yaml:"manual_flush"`
	} `yaml:"wal"`

	Memtable struct {
		WriteBufferSize int64 `yaml:"write_buffer_size"`
	} `yaml:"memtable"`

	Durability struct {
		ParanoidChecks     bool `yaml:"paranoid_checks"`
		AtomicFlush        bool `yaml:"atomic_flush"`
		PersistStatsToDisk bool `yaml:"persist_stats_to_disk"`
	} `yaml:"durability"`

	LowPri struct {
		BucketCapacity int64         `yaml:"bucket_capacity"`
		RefillInterval time.Duration `yaml:"refill_interval"`
		RefillAmount   int64         `yaml:"refill_amount"`
	} `yaml:"low_pri"`

	Background struct {
		MaxFlushes int `yaml:"max_flushes"`
	} `yaml:"background"`

	Logging struct {
		Level string `yaml:"level"` // "debug", "info", "warn", "error"
	} `yaml:"logging"`
}

// Default returns the configuration writepathctl runs with when no
// --config file is given: a single-CF, Default-mode engine rooted at dir.
func Default(dir string) *Config {
	var c Config
	c.DB.Dir = dir
	c.DB.ColumnFamilies = 1
	c.DB.Mode = "default"
	return &c
}

// Load reads and parses a YAML config file from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	if c.DB.ColumnFamilies <= 0 {
		c.DB.ColumnFamilies = 1
	}
	return &c, nil
}

// DBOptions translates the loaded config into the engine's own options
// struct, the same "one function copies fields across" shape as
// runControllerNode's controller.Config assembly in the teacher CLI.
func (c *Config) DBOptions() (coordinator.DBOptions, error) {
	opts := coordinator.DBOptions{
		NumColumnFamilies:            c.DB.ColumnFamilies,
		TwoWriteQueues:               c.DB.TwoWriteQueues,
		AllowConcurrentMemtableWrite: c.DB.ConcurrentMemtable,
		SeqPerBatch:                  c.DB.SeqPerBatch,

		MaxTotalWALSize:    c.WAL.MaxTotalSize,
		RecycleLogFileNum:  c.WAL.RecycleLogFileNum,
		UseFsync:           c.WAL.UseFsync,
		ManualWALFlush:     c.WAL.ManualFlush,

		DBWriteBufferSize: c.Memtable.WriteBufferSize,

		ParanoidChecks:     c.Durability.ParanoidChecks,
		AtomicFlush:        c.Durability.AtomicFlush,
		PersistStatsToDisk: c.Durability.PersistStatsToDisk,

		LowPriBucketCapacity: c.LowPri.BucketCapacity,
		LowPriRefillInterval: c.LowPri.RefillInterval,
		LowPriRefillAmount:   c.LowPri.RefillAmount,

		MaxBackgroundFlushes: c.Background.MaxFlushes,
	}

	switch c.DB.Mode {
	case "", "default":
	case "pipelined":
		opts.EnablePipelinedWrite = true
	case "unordered":
		opts.UnorderedWrite = true
	default:
		return opts, fmt.Errorf("config: unknown db.mode %q", c.DB.Mode)
	}

	return opts, nil
}
