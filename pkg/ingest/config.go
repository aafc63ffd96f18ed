// Package ingest holds the Kafka client configuration and option
// building shared by the source adapter and producer handle (spec §6),
// grounded on the teacher's pkg/ingest.KafkaConfig shape.
package ingest

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"

	"github.com/grafana/dskit/backoff"
)

// KafkaConfig holds the connection and client-tuning settings common to
// every *kgo.Client a datastream task opens, whether for its source or
// its destination.
type KafkaConfig struct {
	Address  string `yaml:"address"`
	ClientID string `yaml:"client_id"`

	TLSEnabled bool `yaml:"tls_enabled"`

	SASLUsername string `yaml:"sasl_username"`
	SASLPassword string `yaml:"sasl_password"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	MetadataRefreshInterval time.Duration `yaml:"metadata_refresh_interval"`

	connectBackoff backoff.Config
}

func (cfg *KafkaConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Address, prefix+"address", "", "Kafka seed broker address (host:port).")
	f.StringVar(&cfg.ClientID, prefix+"client-id", "flowbridge", "Client ID included on every request to the broker.")
	f.BoolVar(&cfg.TLSEnabled, prefix+"tls-enabled", false, "Enable TLS when connecting to the broker.")
	f.StringVar(&cfg.SASLUsername, prefix+"sasl-username", "", "SASL username; empty disables SASL.")
	f.StringVar(&cfg.SASLPassword, prefix+"sasl-password", "", "SASL password.")
	f.DurationVar(&cfg.DialTimeout, prefix+"dial-timeout", 10*time.Second, "Timeout for dialing a broker connection.")
	f.DurationVar(&cfg.WriteTimeout, prefix+"write-timeout", 10*time.Second, "Timeout for a single produce/fetch request.")
	f.DurationVar(&cfg.MetadataRefreshInterval, prefix+"metadata-refresh-interval", 10*time.Minute, "How often client-side topic metadata is refreshed in the background.")

	cfg.connectBackoff = backoff.Config{
		MinBackoff: 250 * time.Millisecond,
		MaxBackoff: 2 * time.Second,
		MaxRetries: 0, // retry indefinitely; the task loop owns give-up decisions
	}
}

// ConnectBackoff returns a fresh backoff sequence for reconnecting to
// the broker, bound to ctx. Retry give-up decisions for sends (spec
// §6's retrySleep/maxRetryCount) belong to the task loop, not here.
func (cfg *KafkaConfig) ConnectBackoff(ctx context.Context) *backoff.Backoff {
	return backoff.New(ctx, cfg.connectBackoff)
}

func (cfg *KafkaConfig) Validate() error {
	if cfg.Address == "" {
		return fmt.Errorf("ingest: kafka address must be set")
	}
	if (cfg.SASLUsername == "") != (cfg.SASLPassword == "") {
		return fmt.Errorf("ingest: sasl-username and sasl-password must be set together")
	}
	return nil
}

// CommonOptions returns the kgo.Opt set every client built from cfg
// shares: seed broker, client ID, timeouts, TLS/SASL, and a kprom
// metrics hook registered against reg under metricsPrefix.
func CommonOptions(cfg KafkaConfig, metricsPrefix string, reg prometheus.Registerer, logger log.Logger) []kgo.Opt {
	metrics := kprom.NewMetrics(metricsPrefix, kprom.Registerer(reg))

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Address),
		kgo.ClientID(cfg.ClientID),
		kgo.DialTimeout(cfg.DialTimeout),
		kgo.RequestTimeoutOverhead(cfg.WriteTimeout),
		kgo.MetadataMaxAge(cfg.MetadataRefreshInterval),
		kgo.WithHooks(metrics),
		kgo.WithLogger(newKgoLogger(logger)),
	}

	if cfg.TLSEnabled {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{}))
	}
	if cfg.SASLUsername != "" {
		opts = append(opts, saslOption(cfg.SASLUsername, cfg.SASLPassword))
	}

	return opts
}
