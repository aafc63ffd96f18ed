package app

import (
	"flag"
	"fmt"
	"time"

	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/server"

	"github.com/flowbridge/flowbridge/pkg/connect"
	"github.com/flowbridge/flowbridge/pkg/connect/task"
	"github.com/flowbridge/flowbridge/pkg/ingest"
)

// InternalServerConfig wraps dskit's server.Config behind an Enable
// flag, matching the teacher's pkg/server.Config shape (a second,
// optional HTTP server carrying endpoints that must not be reachable on
// the externally-exposed listener).
type InternalServerConfig struct {
	Enable bool          `yaml:"enable,omitempty"`
	Config server.Config `yaml:",inline"`
}

// ConnectorConfig is one statically-configured connector: a name and the
// datastreams it runs. This is SPEC_FULL.md §4.L's stand-in for the
// out-of-scope cluster coordinator.
type ConnectorConfig struct {
	Name        string               `yaml:"name"`
	Datastreams []connect.Datastream `yaml:"datastreams"`
}

// Config is the root config for App.
type Config struct {
	Target                 string        `yaml:"target,omitempty"`
	ShutdownDelay          time.Duration `yaml:"shutdown_delay,omitempty"`
	HTTPAPIPrefix          string        `yaml:"http_api_prefix"`
	EnableGoRuntimeMetrics bool          `yaml:"enable_go_runtime_metrics,omitempty"`

	Server         server.Config        `yaml:"server,omitempty"`
	InternalServer InternalServerConfig `yaml:"internal_server,omitempty"`

	// SourceKafka and DestinationKafka hold the TLS/SASL/client-id/timeout
	// settings shared by every *kgo.Client the supervisor opens; the seed
	// broker address for a given client is taken from the datastream's own
	// source/destination connection string, not from these (spec §3:
	// Datastream carries its own connection strings).
	SourceKafka      ingest.KafkaConfig `yaml:"source_kafka,omitempty"`
	DestinationKafka ingest.KafkaConfig `yaml:"destination_kafka,omitempty"`

	// OriginCluster identifies this cluster in the origin-cluster
	// envelope metadata field (spec §3).
	OriginCluster string `yaml:"origin_cluster,omitempty"`

	Task       task.Config       `yaml:"task,omitempty"`
	Connectors []ConnectorConfig `yaml:"connectors,omitempty"`
}

func NewDefaultConfig() *Config {
	defaultConfig := &Config{}
	defaultFS := flag.NewFlagSet("", flag.PanicOnError)
	defaultConfig.RegisterFlagsAndApplyDefaults("", defaultFS)
	return defaultConfig
}

// RegisterFlagsAndApplyDefaults registers flags.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Target = SingleBinary
	f.StringVar(&c.Target, "target", SingleBinary, "target module")
	f.StringVar(&c.HTTPAPIPrefix, "http-api-prefix", "", "String prefix for all http api endpoints.")
	f.BoolVar(&c.EnableGoRuntimeMetrics, "enable-go-runtime-metrics", false, "Set to true to enable all Go runtime metrics")
	f.DurationVar(&c.ShutdownDelay, "shutdown-delay", 0, "How long to wait between SIGTERM and shutdown. After receiving SIGTERM, flowbridge will report not-ready status via /ready endpoint.")
	f.StringVar(&c.OriginCluster, "origin-cluster", "", "Identifier for this cluster, stamped on every forwarded envelope's origin-cluster metadata field.")

	// Server settings
	flagext.DefaultValues(&c.Server)
	c.Server.LogLevel.RegisterFlags(f)
	f.IntVar(&c.Server.HTTPListenPort, "server.http-listen-port", 80, "HTTP server listen port.")
	f.IntVar(&c.Server.GRPCListenPort, "server.grpc-listen-port", 9095, "gRPC server listen port.")

	// Internal server settings
	flagext.DefaultValues(&c.InternalServer.Config)
	c.InternalServer.Config.LogLevel = c.Server.LogLevel
	c.InternalServer.Config.LogFormat = c.Server.LogFormat

	c.SourceKafka.RegisterFlagsWithPrefix(prefix+"source-kafka.", f)
	c.DestinationKafka.RegisterFlagsWithPrefix(prefix+"destination-kafka.", f)
	c.Task.RegisterFlagsWithPrefix(prefix+"task.", f)
}

// Validate checks cross-cutting settings that a single flag/yaml default
// cannot express.
func (c *Config) Validate() error {
	if err := c.SourceKafka.Validate(); err != nil {
		return fmt.Errorf("source_kafka: %w", err)
	}
	if err := c.DestinationKafka.Validate(); err != nil {
		return fmt.Errorf("destination_kafka: %w", err)
	}
	for _, conn := range c.Connectors {
		if conn.Name == "" {
			return fmt.Errorf("connectors: a connector is missing its name")
		}
		for _, ds := range conn.Datastreams {
			if ds.Name == "" {
				return fmt.Errorf("connectors.%s: a datastream is missing its name", conn.Name)
			}
		}
	}
	return nil
}

// CheckConfig checks if config values are suspect and returns a bundled
// list of warnings and explanation.
func (c *Config) CheckConfig() []ConfigWarning {
	var warnings []ConfigWarning

	if c.Task.FlowControlEnabled && !c.Task.FlushlessMode {
		warnings = append(warnings, warnFlowControlRequiresFlushless)
	}

	if c.Task.MaxInFlightMessagesThreshold <= c.Task.MinInFlightMessagesThreshold {
		warnings = append(warnings, warnInFlightThresholdOrder)
	}

	if c.Task.NonGoodStateThreshold <= c.Task.DaemonInterval {
		warnings = append(warnings, warnNonGoodStateThreshold)
	}

	if len(c.Connectors) == 0 {
		warnings = append(warnings, warnNoConnectors)
	}

	return warnings
}

// ConfigWarning bundles message and explanation strings in one structure.
type ConfigWarning struct {
	Message string
	Explain string
}

var (
	warnFlowControlRequiresFlushless = ConfigWarning{
		Message: "task.flow-control-enabled is set without task.flushless-mode",
		Explain: "flow control auto-pauses based on the flushless tracker's in-flight count, which does not exist in flushful mode",
	}
	warnInFlightThresholdOrder = ConfigWarning{
		Message: "task.max-in-flight-messages-threshold <= task.min-in-flight-messages-threshold",
		Explain: "a partition auto-paused at the max threshold would never become eligible to resume at the min threshold",
	}
	warnNonGoodStateThreshold = ConfigWarning{
		Message: "task.non-good-state-threshold <= task.daemon-interval",
		Explain: "a healthy task polling once per daemon-interval would be restarted on every liveness check",
	}
	warnNoConnectors = ConfigWarning{
		Message: "no connectors configured",
		Explain: "the supervisor will start with nothing assigned; add entries under connectors to run datastreams",
	}
)
