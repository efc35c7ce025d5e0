package connectivity

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	"gopkg.in/yaml.v3"
)

// Secrets is the on-disk form of the credentials. Flags override it.
type Secrets struct {
	SSID     string      `yaml:"ssid"`
	Password string      `yaml:"password"`
	Broker   Credentials `yaml:"broker"`
}

// LoadSecrets reads a YAML secrets file.
func LoadSecrets(path string) (Secrets, error) {
	var s Secrets
	b, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("failed to read secrets: %w", err)
	}
	if err := yaml.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("failed to parse secrets: %w", err)
	}
	return s, nil
}

// Apply copies every non-empty secret into cfg.
func (s Secrets) Apply(cfg *Config) {
	if s.SSID != "" {
		cfg.SSID = s.SSID
	}
	if s.Password != "" {
		cfg.Password = s.Password
	}
	if s.Broker.Host != "" {
		cfg.Broker.Host = s.Broker.Host
	}
	if s.Broker.Port != 0 {
		cfg.Broker.Port = s.Broker.Port
	}
	if s.Broker.Username != "" {
		cfg.Broker.Username = s.Broker.Username
	}
	if s.Broker.Password != "" {
		cfg.Broker.Password = s.Broker.Password
	}
}

// Validate checks the settings needed to reach the broker.
func (c Config) Validate() error {
	if c.Broker.Host == "" {
		return fmt.Errorf("broker host is required")
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("invalid broker port: %d", c.Broker.Port)
	}
	if c.QoS > 2 {
		return fmt.Errorf("invalid qos: %d", c.QoS)
	}
	return nil
}

// Configured sets up the connectivity machine based on flags.
func Configured(network Network, times TimeSource, broker Broker, opts ...Option) *Machine {
	def := DefaultConfig()
	secretsFile := lflag.String("secrets-file", "", "YAML file holding network and broker credentials")
	ssid := lflag.String("wifi-ssid", "", "Wireless network to join (empty when the host is already online)")
	password := lflag.String("wifi-password", "", "Wireless network passphrase")
	networkTimeout := lflag.Duration("network-timeout", def.NetworkTimeout, "Timeout for joining the network")
	timeServers := lflag.String("ntp-servers", strings.Join(def.TimeServers, ","), "Comma separated time servers")
	timezone := lflag.String("timezone", "Australia/Sydney", "IANA zone the last-update timestamp is rendered in")
	timeSyncRetries := lflag.Int("ntp-retries", def.TimeSyncRetries, "Maximum time server queries per cycle")
	host := lflag.String("broker-host", "", "Broker host")
	port := lflag.Int("broker-port", 0, "Broker port, overriding the secrets file (default 1883)")
	user := lflag.String("broker-user", "", "Broker username")
	pass := lflag.String("broker-password", "", "Broker password")
	brokerTimeout := lflag.Duration("broker-connect-timeout", def.BrokerTimeout, "Overall timeout for establishing the broker session")
	brokerRetries := lflag.Int("broker-retries", def.BrokerRetries, "Broker connect retries within the connect timeout")
	publishTimeout := lflag.Duration("publish-timeout", def.PublishTimeout, "Timeout for each publish")

	m := New(network, times, broker, def, opts...)

	lflag.Do(func() {
		cfg := def
		if *secretsFile != "" {
			s, err := LoadSecrets(*secretsFile)
			if err != nil {
				panic(fmt.Sprintf("failed to load secrets: %v", err))
			}
			s.Apply(&cfg)
		}
		Secrets{
			SSID:     *ssid,
			Password: *password,
			Broker: Credentials{
				Host:     *host,
				Port:     *port,
				Username: *user,
				Password: *pass,
			},
		}.Apply(&cfg)

		loc, err := time.LoadLocation(*timezone)
		if err != nil {
			panic(fmt.Sprintf("invalid timezone %q: %v", *timezone, err))
		}
		cfg.Location = loc
		cfg.NetworkTimeout = *networkTimeout
		cfg.TimeServers = splitList(*timeServers)
		cfg.TimeSyncRetries = *timeSyncRetries
		cfg.BrokerTimeout = *brokerTimeout
		cfg.BrokerRetries = *brokerRetries
		cfg.PublishTimeout = *publishTimeout

		if err := cfg.Validate(); err != nil {
			panic(fmt.Sprintf("connectivity validation failed: %v", err))
		}
		m.cfg = cfg
	})

	return m
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
