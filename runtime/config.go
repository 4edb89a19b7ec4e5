// Package runtime runs the capture pipeline: per-core workers that poll
// their share of ingress traffic, apply the compiled filters, update their
// connection tables and invoke callbacks inline.
package runtime

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/sift-net/sift/conntrack"
	"github.com/sift-net/sift/subscription"
)

// Duration decodes yaml durations written as "10s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return errors.Wrap(err, "duration must be a string like '10s'")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "bad duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the operator-facing runtime configuration.
type Config struct {
	// Workers is the number of processing cores. RSS (or its offline
	// emulation) pins each 5-tuple to one worker.
	Workers int `yaml:"workers"`

	Mempool struct {
		Buffers   int `yaml:"buffers"`
		FrameSize int `yaml:"frame_size"`
	} `yaml:"mempool"`

	Conntrack struct {
		TableSize        int      `yaml:"table_size"`
		RingCapacity     int      `yaml:"ring_capacity"`
		MaxProbePdus     int      `yaml:"max_probe_pdus"`
		EstablishTimeout Duration `yaml:"establish_timeout"`
		IdleTimeout      Duration `yaml:"idle_timeout"`
		TimerResolution  Duration `yaml:"timer_resolution"`
	} `yaml:"conntrack"`

	// MetricsAddr exposes prometheus metrics when set, e.g. ":9417".
	MetricsAddr string `yaml:"metrics_addr"`

	Subscriptions []subscription.Decl `yaml:"subscriptions"`
}

// DefaultConfig returns a configuration sized for tests and small replays.
func DefaultConfig() Config {
	var cfg Config
	cfg.Workers = 1
	cfg.Mempool.Buffers = 1 << 14
	cfg.Mempool.FrameSize = 2048
	tc := conntrack.DefaultConfig()
	cfg.Conntrack.TableSize = tc.TableSize
	cfg.Conntrack.RingCapacity = tc.RingCapacity
	cfg.Conntrack.MaxProbePdus = tc.MaxProbePdus
	cfg.Conntrack.EstablishTimeout = Duration(tc.EstablishTimeout)
	cfg.Conntrack.IdleTimeout = Duration(tc.IdleTimeout)
	cfg.Conntrack.TimerResolution = Duration(tc.TimerResolution)
	return cfg
}

// LoadConfig reads a yaml configuration file, filling defaults for absent
// values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	if cfg.Workers < 1 {
		return cfg, errors.New("workers must be at least 1")
	}
	return cfg, nil
}

func (c Config) conntrack() conntrack.Config {
	return conntrack.Config{
		TableSize:        c.Conntrack.TableSize,
		RingCapacity:     c.Conntrack.RingCapacity,
		MaxProbePdus:     c.Conntrack.MaxProbePdus,
		EstablishTimeout: time.Duration(c.Conntrack.EstablishTimeout),
		IdleTimeout:      time.Duration(c.Conntrack.IdleTimeout),
		TimerResolution:  time.Duration(c.Conntrack.TimerResolution),
	}
}
