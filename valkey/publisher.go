// Package valkey caches polled S7 values in Valkey/Redis and announces
// changes over Pub/Sub.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"s7link/config"
	"s7link/logging"
	"s7link/poller"
)

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("valkey", format, args...)
}

// joinKey joins key segments with colons, trimming leading/trailing colons
// from each segment to avoid empty key parts (e.g., "foo::bar" or ":foo:bar:").
func joinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// TagMessage is the JSON value stored per tag.
type TagMessage struct {
	Factory   string      `json:"factory"`
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Address   string      `json:"address"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// HealthMessage is the JSON value stored under the PLC health key.
type HealthMessage struct {
	Factory   string    `json:"factory"`
	PLC       string    `json:"plc"`
	Driver    string    `json:"driver"`
	Online    bool      `json:"online"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher writes tag values to a single Valkey server.
type Publisher struct {
	config    *config.ValkeyConfig
	namespace string
	client    *redis.Client
	running   bool
	mu        sync.RWMutex
}

// NewPublisher creates a new Valkey publisher.
func NewPublisher(cfg *config.ValkeyConfig, namespace string) *Publisher {
	return &Publisher{
		config:    cfg,
		namespace: namespace,
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// Factory returns the key prefix: namespace, plus the selector if set.
func (p *Publisher) Factory() string {
	return joinKey(p.namespace, p.config.Selector)
}

// TagKey returns the key a tag value is stored under.
func (p *Publisher) TagKey(plcName, tagName string) string {
	return joinKey(p.Factory(), plcName, "tags", tagName)
}

// HealthKey returns the key PLC health is stored under.
func (p *Publisher) HealthKey(plcName string) string {
	return joinKey(p.Factory(), plcName, "health")
}

// ChangesChannel returns the Pub/Sub channel for a PLC's changes.
func (p *Publisher) ChangesChannel(plcName string) string {
	return joinKey(p.Factory(), plcName, "changes")
}

// Start connects to the Valkey server.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)
	debugLog("Attempting to connect to Valkey at %s (DB: %d, TLS: %v)",
		p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		debugLog("Valkey connection failed: %v", err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}
	debugLog("Connected to Valkey at %s", p.config.Address)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		client.Close()
		return nil
	}
	p.client = client
	p.running = true
	return nil
}

// Stop disconnects from the Valkey server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	client := p.client
	p.client = nil
	p.mu.Unlock()

	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Address returns the server address.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

func (p *Publisher) buildTagMessage(c poller.ValueChange) ([]byte, error) {
	return json.Marshal(TagMessage{
		Factory:   p.Factory(),
		PLC:       c.PLCName,
		Tag:       c.TagName,
		Address:   c.Address,
		Value:     c.Value,
		Type:      c.TypeName,
		Timestamp: c.Timestamp.UTC(),
	})
}

// Publish stores a batch of changes in one pipeline. Each value is set under
// its tag key and, with publish_changes, announced on the PLC channel.
func (p *Publisher) Publish(changes []poller.ValueChange) error {
	p.mu.RLock()
	client := p.client
	running := p.running
	p.mu.RUnlock()
	if !running || client == nil || len(changes) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pipe := client.Pipeline()
	for _, c := range changes {
		data, err := p.buildTagMessage(c)
		if err != nil {
			return fmt.Errorf("failed to marshal tag value: %w", err)
		}
		pipe.Set(ctx, p.TagKey(c.PLCName, c.TagName), data, p.config.KeyTTL)
		if p.config.PublishChanges {
			pipe.Publish(ctx, p.ChangesChannel(c.PLCName), data)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store %d values: %w", len(changes), err)
	}
	return nil
}

// StoreHealth writes PLC health under the health key.
func (p *Publisher) StoreHealth(h poller.Health) error {
	p.mu.RLock()
	client := p.client
	running := p.running
	p.mu.RUnlock()
	if !running || client == nil {
		return nil
	}

	data, err := json.Marshal(HealthMessage{
		Factory:   p.Factory(),
		PLC:       h.PLC,
		Driver:    "s7",
		Online:    h.Online,
		Status:    h.Status,
		Error:     h.Error,
		Timestamp: h.Timestamp.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal health status: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return client.Set(ctx, p.HealthKey(h.PLC), data, p.config.KeyTTL).Err()
}
