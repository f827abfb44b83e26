package config

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Flag names registered by RegisterJobFlags.
const (
	FlagThreads    = "threads"
	FlagBatchSize  = "batch-size"
	FlagWindow     = "window"
	FlagJobName    = "job-name"
	FlagTypeID     = "type-id"
	FlagCheckpoint = "checkpoint"
	FlagLogLevel   = "log-level"
	FlagLogFormat  = "log-format"
)

// FlagBinding maps a command-line flag to a configuration key.
type FlagBinding struct {
	Flag string
	Key  string
}

// DefaultFlagBindings returns the bindings for the flags added by RegisterJobFlags.
func DefaultFlagBindings() []FlagBinding {
	return []FlagBinding{
		{Flag: FlagThreads, Key: "job.thread_count"},
		{Flag: FlagBatchSize, Key: "job.batch_size"},
		{Flag: FlagWindow, Key: "job.query_window_size"},
		{Flag: FlagJobName, Key: "job.name"},
		{Flag: FlagTypeID, Key: "job.type_id"},
		{Flag: FlagCheckpoint, Key: "job.checkpoint"},
		{Flag: FlagLogLevel, Key: "log.level"},
		{Flag: FlagLogFormat, Key: "log.format"},
	}
}

// RegisterJobFlags adds the job tuning flags to flags. Defaults mirror
// DefaultConfig but only flags set explicitly override other sources.
func RegisterJobFlags(flags *pflag.FlagSet) {
	defaults := DefaultConfig()
	flags.Int(FlagThreads, defaults.Job.ThreadCount, "number of worker goroutines")
	flags.Int(FlagBatchSize, defaults.Job.BatchSize, "records processed per sub-batch")
	flags.Int64(FlagWindow, defaults.Job.QueryWindowSize, "identifier range scanned per query")
	flags.String(FlagJobName, defaults.Job.Name, "cluster-wide job (lock) name")
	flags.String(FlagTypeID, defaults.Job.TypeID, "record type to upgrade")
	flags.Bool(FlagCheckpoint, defaults.Job.Checkpoint, "persist the scan watermark between runs")
	flags.String(FlagLogLevel, defaults.Log.Level, "log level (debug, info, warn, error)")
	flags.String(FlagLogFormat, defaults.Log.Format, "log format (json, text)")
}

// WithFlags makes explicitly set flags the highest precedence source.
// Without bindings DefaultFlagBindings is used.
func (l *ViperLoader) WithFlags(flags *pflag.FlagSet, bindings ...FlagBinding) *ViperLoader {
	l.flags = flags
	if len(bindings) == 0 {
		bindings = DefaultFlagBindings()
	}
	l.bindings = bindings
	return l
}

func (l *ViperLoader) bindFlags(v *viper.Viper) error {
	if l.flags == nil {
		return nil
	}
	for _, binding := range l.bindings {
		flag := l.flags.Lookup(binding.Flag)
		if flag == nil {
			continue
		}
		// Unchanged flags would shadow file and env values with their defaults.
		if !flag.Changed {
			continue
		}
		if err := v.BindPFlag(binding.Key, flag); err != nil {
			return fmt.Errorf("failed to bind flag --%s to %s: %w", binding.Flag, binding.Key, err)
		}
	}
	return nil
}
