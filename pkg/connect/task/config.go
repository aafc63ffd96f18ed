package task

import (
	"flag"
	"time"

	"github.com/grafana/dskit/backoff"
)

// Config holds every tunable named in spec §6's configuration table.
type Config struct {
	OffsetCommitInterval time.Duration  `yaml:"offset_commit_interval"`
	Backoff              backoff.Config `yaml:"backoff"`

	PausePartitionOnError bool          `yaml:"pause_partition_on_error"`
	PauseErrorDuration     time.Duration `yaml:"pause_error_duration"`

	ProcessingDelayThreshold time.Duration `yaml:"processing_delay_threshold"`

	FlushlessMode     bool `yaml:"flushless_mode"`
	FlowControlEnabled bool `yaml:"flow_control_enabled"`

	MaxInFlightMessagesThreshold int `yaml:"max_in_flight_messages_threshold"`
	MinInFlightMessagesThreshold int `yaml:"min_in_flight_messages_threshold"`

	DaemonInterval        time.Duration `yaml:"daemon_interval"`
	NonGoodStateThreshold time.Duration `yaml:"non_good_state_threshold"`
	CancelTaskTimeout     time.Duration `yaml:"cancel_task_timeout"`
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.OffsetCommitInterval, prefix+"offset-commit-interval", 60*time.Second, "Soft commit period.")
	f.DurationVar(&cfg.Backoff.MinBackoff, prefix+"retry-min-backoff", 250*time.Millisecond, "Minimum backoff between send retries.")
	f.DurationVar(&cfg.Backoff.MaxBackoff, prefix+"retry-max-backoff", 5*time.Second, "Maximum backoff between send retries.")
	f.IntVar(&cfg.Backoff.MaxRetries, prefix+"max-retry-count", 5, "Max send attempts per record before per-partition recovery. 0 retries forever.")

	f.BoolVar(&cfg.PausePartitionOnError, prefix+"pause-partition-on-error", true, "Auto-pause a partition that exhausts its send retries.")
	f.DurationVar(&cfg.PauseErrorDuration, prefix+"pause-error-duration", 10*time.Minute, "How long a SEND_ERROR auto-pause holds before it is eligible to resume.")

	f.DurationVar(&cfg.ProcessingDelayThreshold, prefix+"processing-delay-threshold", 60*time.Second, "Threshold past which a slow-processing metric is recorded.")

	f.BoolVar(&cfg.FlushlessMode, prefix+"flushless-mode", false, "Enable the flushless in-flight tracker instead of flush-per-commit.")
	f.BoolVar(&cfg.FlowControlEnabled, prefix+"flow-control-enabled", false, "Auto-pause a partition whose in-flight count exceeds max-in-flight-messages-threshold. Requires flushless-mode.")

	f.IntVar(&cfg.MaxInFlightMessagesThreshold, prefix+"max-in-flight-messages-threshold", 5000, "Flow-control auto-pause threshold.")
	f.IntVar(&cfg.MinInFlightMessagesThreshold, prefix+"min-in-flight-messages-threshold", 1000, "Flow-control auto-resume threshold.")

	f.DurationVar(&cfg.DaemonInterval, prefix+"daemon-interval", 5*time.Minute, "Supervisor liveness-check cadence.")
	f.DurationVar(&cfg.NonGoodStateThreshold, prefix+"non-good-state-threshold", 10*time.Minute, "Max silence before a task is considered non-live.")
	f.DurationVar(&cfg.CancelTaskTimeout, prefix+"cancel-task-timeout", 30*time.Second, "Grace period for a requested stop before the supervisor forces termination.")
}

// PollTimeout is derived, not configured directly: spec §5 fixes it at
// half the soft-commit interval.
func (cfg Config) PollTimeout() time.Duration {
	return cfg.OffsetCommitInterval / 2
}
