// Package kafka publishes S7 value changes and PLC health to Kafka topics.
package kafka

import (
	"crypto/tls"
	"strings"
	"time"

	"s7link/config"
)

// SASLMechanism represents the SASL authentication mechanism.
type SASLMechanism string

const (
	SASLNone        SASLMechanism = ""
	SASLPlain       SASLMechanism = "PLAIN"
	SASLSCRAMSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLSCRAMSHA512 SASLMechanism = "SCRAM-SHA-512"
)

// Config holds configuration for a Kafka cluster connection.
type Config struct {
	Name          string
	Brokers       []string
	UseTLS        bool
	TLSSkipVerify bool
	SASLMechanism SASLMechanism
	Username      string
	Password      string

	// Producer settings
	RequiredAcks     int // -1=all, 0=none, 1=leader only
	MaxRetries       int
	RetryBackoff     time.Duration
	AutoCreateTopics bool

	// Tag publishing settings
	PublishChanges bool
	Topic          string // Topic for tag changes; health goes to Topic + "-health"

	// Write-back settings
	Writable      bool
	ConsumerGroup string
	WriteMaxAge   time.Duration
}

// DefaultWriteMaxAge is how old a write request may be before it is skipped.
const DefaultWriteMaxAge = 2 * time.Second

// FromConfig converts a persisted cluster entry. The topic is the namespace,
// joined with the selector when one is set.
func FromConfig(c config.KafkaConfig, namespace string) *Config {
	cfg := &Config{
		Name:             c.Name,
		Brokers:          c.Brokers,
		UseTLS:           c.UseTLS,
		TLSSkipVerify:    c.TLSSkipVerify,
		SASLMechanism:    SASLMechanism(strings.ToUpper(c.SASLMechanism)),
		Username:         c.Username,
		Password:         c.Password,
		RequiredAcks:     c.RequiredAcks,
		MaxRetries:       c.MaxRetries,
		RetryBackoff:     c.RetryBackoff,
		AutoCreateTopics: c.AutoCreateTopics == nil || *c.AutoCreateTopics,
		PublishChanges:   c.PublishChanges,
		Topic:            namespace,
		Writable:         c.Writable,
		ConsumerGroup:    c.ConsumerGroup,
		WriteMaxAge:      c.WriteMaxAge,
	}
	if c.Selector != "" {
		cfg.Topic = namespace + "-" + c.Selector
	}
	if cfg.RequiredAcks == 0 {
		cfg.RequiredAcks = -1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	return cfg
}

// HealthTopic returns the topic PLC health is published on.
func (c *Config) HealthTopic() string {
	return c.Topic + "-health"
}

// WriteTopic returns the topic write requests are consumed from.
func (c *Config) WriteTopic() string {
	return c.Topic + "-writes"
}

// WriteResponseTopic returns the topic write results are produced to.
func (c *Config) WriteResponseTopic() string {
	return c.Topic + "-write-responses"
}

// GetConsumerGroup returns the consumer group, defaulting to s7link-{name}.
func (c *Config) GetConsumerGroup() string {
	if c.ConsumerGroup != "" {
		return c.ConsumerGroup
	}
	return "s7link-" + c.Name
}

// GetWriteMaxAge returns the write max age, defaulting to DefaultWriteMaxAge.
func (c *Config) GetWriteMaxAge() time.Duration {
	if c.WriteMaxAge > 0 {
		return c.WriteMaxAge
	}
	return DefaultWriteMaxAge
}

// GetTLSConfig returns a TLS configuration if TLS is enabled.
func (c *Config) GetTLSConfig() *tls.Config {
	if !c.UseTLS {
		return nil
	}
	return &tls.Config{
		InsecureSkipVerify: c.TLSSkipVerify,
	}
}
