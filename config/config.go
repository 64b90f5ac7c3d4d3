// Package config handles configuration persistence for s7link.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"s7link/retry"
	"s7link/s7"
)

// Config holds the complete application configuration.
type Config struct {
	Namespace string         `yaml:"namespace"` // Topic/key prefix for publishers
	PLC       PLCConfig      `yaml:"plc"`
	Web       WebConfig      `yaml:"web"`
	Retry     RetryConfig    `yaml:"retry"`
	Poll      PollConfig     `yaml:"poll"`
	MQTT      []MQTTConfig   `yaml:"mqtt"`
	Valkey    []ValkeyConfig `yaml:"valkey,omitempty"`
	Kafka     []KafkaConfig  `yaml:"kafka,omitempty"`

	// Data mutex protects all config fields against concurrent access.
	// Callers that modify config should Lock(), modify, then call UnlockAndSave().
	// Save() acquires the lock internally for callers that don't hold it.
	dataMu sync.Mutex `yaml:"-"`
}

// PLCConfig describes the PLC the service talks to.
type PLCConfig struct {
	Name          string        `yaml:"name"`
	Address       string        `yaml:"address"`
	Port          int           `yaml:"port"`
	Rack          int           `yaml:"rack"`
	Slot          int           `yaml:"slot"`
	Timeout       time.Duration `yaml:"timeout"`
	PDUSize       int           `yaml:"pdu_size,omitempty"`
	WordOrder     string        `yaml:"word_order,omitempty"`     // high_first (default) or low_first
	BitAddressing bool          `yaml:"bit_addressing,omitempty"` // Write BOOLs with bit items instead of read-modify-write
}

// WebConfig holds HTTP shim configuration.
type WebConfig struct {
	Enabled bool      `yaml:"enabled"`
	Host    string    `yaml:"host"`
	Port    int       `yaml:"port"`
	Users   []WebUser `yaml:"users,omitempty"` // When set, /write and /ctrl require basic auth
}

// WebUser represents an API user.
type WebUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
	Role         string `yaml:"role"`          // "admin" or "viewer"
}

// Web user roles
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// RetryConfig controls how callers retry after a lost session.
type RetryConfig struct {
	Attempts     int           `yaml:"attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       bool          `yaml:"jitter"`
}

// PollConfig lists the addresses read periodically and republished.
type PollConfig struct {
	Rate    time.Duration `yaml:"rate"`
	Watches []WatchConfig `yaml:"watches,omitempty"`
}

// WatchConfig is one polled address.
type WatchConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`        // e.g. DB1.DBW0, MB3, Q0.3, DB1.0[4]
	Type    string `yaml:"type,omitempty"` // Type hint (INT, REAL, ...), required for DB1.0 style addresses
}

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name           string        `yaml:"name"`
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"` // host:port format
	Password       string        `yaml:"password,omitempty"`
	Database       int           `yaml:"database"`           // Redis DB number (default 0)
	Selector       string        `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS         bool          `yaml:"use_tls,omitempty"`
	KeyTTL         time.Duration `yaml:"key_ttl,omitempty"`         // TTL for keys (0 = no expiry)
	PublishChanges bool          `yaml:"publish_changes,omitempty"` // Publish to Pub/Sub on changes
}

// KafkaConfig holds Kafka cluster configuration for YAML persistence.
// AutoCreateTopics is a pointer so "not set" (default true) differs from false.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`

	PublishChanges   bool   `yaml:"publish_changes,omitempty"`    // Publish tag changes to Kafka
	Selector         string `yaml:"selector,omitempty"`           // Optional sub-namespace
	AutoCreateTopics *bool  `yaml:"auto_create_topics,omitempty"` // Auto-create topics if they don't exist (default true)

	Writable      bool          `yaml:"writable,omitempty"`       // Consume write requests from {topic}-writes
	ConsumerGroup string        `yaml:"consumer_group,omitempty"` // Default s7link-{name}
	WriteMaxAge   time.Duration `yaml:"write_max_age,omitempty"`  // Older requests are skipped (default 2s)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace: "s7link",
		PLC: PLCConfig{
			Name:    "plc",
			Address: "192.168.0.1",
			Port:    102,
			Rack:    0,
			Slot:    1,
			Timeout: 5 * time.Second,
			PDUSize: 480,
		},
		Web: WebConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		Retry: RetryConfig{
			Attempts:     3,
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
		Poll: PollConfig{
			Rate: time.Second,
		},
		MQTT:   []MQTTConfig{},
		Valkey: []ValkeyConfig{},
		Kafka:  []KafkaConfig{},
	}
}

// DefaultPath returns the default configuration file path (~/.s7link/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".s7link", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults, which are written back to path.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg.Save(path) // Best-effort save
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Lock acquires the config data mutex for exclusive access.
// Use this before modifying config fields, then call UnlockAndSave.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
// Prefer UnlockAndSave when modifications were made.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals and writes.
// Use this when the caller does not already hold the lock.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock and writes.
// The caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

// saveLocked marshals config (lock must be held), unlocks, then writes.
func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock() // Release lock after marshal, before I/O

	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// ApplyEnv overrides PLC and server settings from the environment:
// PLC_IP, PLC_PORT, PLC_RACK, PLC_SLOT, SERVER_HOST and SERVER_PORT.
// getenv is usually os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("PLC_IP"); v != "" {
		c.PLC.Address = v
	}
	if v := getenv("SERVER_HOST"); v != "" {
		c.Web.Host = v
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"PLC_PORT", &c.PLC.Port},
		{"PLC_RACK", &c.PLC.Rack},
		{"PLC_SLOT", &c.PLC.Slot},
		{"SERVER_PORT", &c.Web.Port},
	}
	for _, e := range ints {
		v := getenv(e.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %q is not a number", e.name, v)
		}
		*e.dst = n
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		return fmt.Errorf("invalid namespace: must contain only alphanumeric characters, hyphens, and underscores")
	}
	if err := c.PLC.Validate(); err != nil {
		return fmt.Errorf("plc: %w", err)
	}
	if c.Web.Enabled && (c.Web.Port < 1 || c.Web.Port > 65535) {
		return fmt.Errorf("web: port %d out of range", c.Web.Port)
	}
	for _, u := range c.Web.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return fmt.Errorf("web: user entries need username and password_hash")
		}
	}

	seen := make(map[string]bool)
	for _, w := range c.Poll.Watches {
		if w.Name == "" {
			return fmt.Errorf("poll: watch for %s has no name", w.Address)
		}
		if seen[w.Name] {
			return fmt.Errorf("poll: duplicate watch name %q", w.Name)
		}
		seen[w.Name] = true
		if err := s7.ValidateAddress(w.Address); err != nil {
			return fmt.Errorf("poll: watch %s: %w", w.Name, err)
		}
		if w.Type != "" {
			if _, ok := s7.TypeCodeFromName(w.Type); !ok {
				return fmt.Errorf("poll: watch %s: unknown type %q (supported: %s)",
					w.Name, w.Type, strings.Join(s7.SupportedTypeNames(), ", "))
			}
		}
	}
	if len(c.Poll.Watches) > 0 && c.Poll.Rate <= 0 {
		return fmt.Errorf("poll: rate must be positive")
	}
	return nil
}

// Validate checks the PLC endpoint settings.
func (p *PLCConfig) Validate() error {
	if strings.TrimSpace(p.Address) == "" {
		return fmt.Errorf("address is required")
	}
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("port %d out of range", p.Port)
	}
	if p.Rack < 0 || p.Rack > 7 {
		return fmt.Errorf("rack must be 0-7, got %d", p.Rack)
	}
	if p.Slot < 0 || p.Slot > 31 {
		return fmt.Errorf("slot must be 0-31, got %d", p.Slot)
	}
	if _, err := s7.ParseWordOrder(p.WordOrder); err != nil {
		return err
	}
	return nil
}

// ClientOptions converts the PLC settings to s7 client options.
func (p *PLCConfig) ClientOptions() ([]s7.Option, error) {
	order, err := s7.ParseWordOrder(p.WordOrder)
	if err != nil {
		return nil, err
	}
	return []s7.Option{
		s7.WithRackSlot(p.Rack, p.Slot),
		s7.WithPort(p.Port),
		s7.WithTimeout(p.Timeout),
		s7.WithPDUSize(p.PDUSize),
		s7.WithWordOrder(order),
		s7.WithBitAddressing(p.BitAddressing),
	}, nil
}

// NewClient creates an s7 client for the configured PLC. No I/O is performed.
func (p *PLCConfig) NewClient() (*s7.Client, error) {
	opts, err := p.ClientOptions()
	if err != nil {
		return nil, err
	}
	return s7.NewClient(p.Address, opts...), nil
}

// Policy converts the retry settings for the retry package.
func (r RetryConfig) Policy() retry.Config {
	return retry.Config{
		Attempts:     r.Attempts,
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
		Jitter:       r.Jitter,
	}
}

// IsValidNamespace returns true if the namespace is valid.
// Valid namespaces contain only alphanumeric characters, hyphens, underscores, and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}

// FindWatch returns the watch with the given name, or nil if not found.
func (c *Config) FindWatch(name string) *WatchConfig {
	for i := range c.Poll.Watches {
		if c.Poll.Watches[i].Name == name {
			return &c.Poll.Watches[i]
		}
	}
	return nil
}

// AddWatch adds a polled address.
func (c *Config) AddWatch(w WatchConfig) {
	c.Poll.Watches = append(c.Poll.Watches, w)
}

// RemoveWatch removes a watch by name.
func (c *Config) RemoveWatch(name string) bool {
	for i, w := range c.Poll.Watches {
		if w.Name == name {
			c.Poll.Watches = append(c.Poll.Watches[:i], c.Poll.Watches[i+1:]...)
			return true
		}
	}
	return false
}

// FindMQTT returns the MQTT config with the given name, or nil if not found.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// FindValkey returns the Valkey config with the given name, or nil if not found.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

// FindKafka returns the Kafka config with the given name, or nil if not found.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// FindWebUser returns the web user with the given username, or nil if not found.
func (c *Config) FindWebUser(username string) *WebUser {
	for i := range c.Web.Users {
		if c.Web.Users[i].Username == username {
			return &c.Web.Users[i]
		}
	}
	return nil
}

// AddWebUser adds a new web user.
func (c *Config) AddWebUser(user WebUser) {
	c.Web.Users = append(c.Web.Users, user)
}

// RemoveWebUser removes a web user by username.
func (c *Config) RemoveWebUser(username string) bool {
	for i, u := range c.Web.Users {
		if u.Username == username {
			c.Web.Users = append(c.Web.Users[:i], c.Web.Users[i+1:]...)
			return true
		}
	}
	return false
}
