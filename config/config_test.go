package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"s7link/s7"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Namespace != "s7link" {
		t.Errorf("Namespace = %q, want s7link", cfg.Namespace)
	}
	if cfg.PLC.Port != 102 || cfg.PLC.Rack != 0 || cfg.PLC.Slot != 1 {
		t.Errorf("PLC endpoint = %d rack %d slot %d", cfg.PLC.Port, cfg.PLC.Rack, cfg.PLC.Slot)
	}
	if cfg.PLC.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", cfg.PLC.Timeout)
	}
	if cfg.PLC.PDUSize != 480 {
		t.Errorf("PDUSize = %d, want 480", cfg.PLC.PDUSize)
	}
	if !cfg.Web.Enabled || cfg.Web.Port != 8080 {
		t.Errorf("Web = %+v", cfg.Web)
	}
	if cfg.Retry.Attempts != 3 {
		t.Errorf("Retry.Attempts = %d, want 3", cfg.Retry.Attempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadAndSave(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("returns default for nonexistent file", func(t *testing.T) {
		path := filepath.Join(tmpDir, "missing", "config.yaml")
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.PLC.Slot != 1 {
			t.Errorf("Slot = %d, want default 1", cfg.PLC.Slot)
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("defaults were not written: %v", err)
		}
	})

	t.Run("save and load roundtrip", func(t *testing.T) {
		path := filepath.Join(tmpDir, "roundtrip.yaml")
		cfg := DefaultConfig()
		cfg.PLC.Address = "10.1.2.3"
		cfg.PLC.Slot = 2
		cfg.PLC.WordOrder = "low_first"
		cfg.Poll.Rate = 250 * time.Millisecond
		cfg.AddWatch(WatchConfig{Name: "speed", Address: "DB1.DBW0", Type: "INT"})
		cfg.MQTT = append(cfg.MQTT, MQTTConfig{Name: "local", Enabled: true, Broker: "localhost", Port: 1883})

		if err := cfg.Save(path); err != nil {
			t.Fatalf("Save: %v", err)
		}
		loaded, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if loaded.PLC.Address != "10.1.2.3" || loaded.PLC.Slot != 2 || loaded.PLC.WordOrder != "low_first" {
			t.Errorf("PLC = %+v", loaded.PLC)
		}
		if loaded.Poll.Rate != 250*time.Millisecond {
			t.Errorf("Poll.Rate = %v", loaded.Poll.Rate)
		}
		if w := loaded.FindWatch("speed"); w == nil || w.Address != "DB1.DBW0" {
			t.Errorf("watch not restored: %+v", w)
		}
		if m := loaded.FindMQTT("local"); m == nil || m.Port != 1883 {
			t.Errorf("mqtt not restored: %+v", m)
		}
	})

	t.Run("creates directory if needed", func(t *testing.T) {
		path := filepath.Join(tmpDir, "a", "b", "config.yaml")
		if err := DefaultConfig().Save(path); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("file not created: %v", err)
		}
	})

	t.Run("returns error for invalid yaml", func(t *testing.T) {
		path := filepath.Join(tmpDir, "bad.yaml")
		os.WriteFile(path, []byte("plc: [unclosed"), 0644)
		if _, err := Load(path); err == nil {
			t.Error("expected parse error")
		}
	})

	t.Run("lock and save", func(t *testing.T) {
		path := filepath.Join(tmpDir, "locked.yaml")
		cfg := DefaultConfig()
		cfg.Lock()
		cfg.Namespace = "line1"
		if err := cfg.UnlockAndSave(path); err != nil {
			t.Fatalf("UnlockAndSave: %v", err)
		}
		loaded, _ := Load(path)
		if loaded.Namespace != "line1" {
			t.Errorf("Namespace = %q", loaded.Namespace)
		}
	})
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PLC_IP":      "192.168.10.5",
		"PLC_PORT":    "1102",
		"PLC_RACK":    "0",
		"PLC_SLOT":    "3",
		"SERVER_HOST": "127.0.0.1",
		"SERVER_PORT": "9090",
	}
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.PLC.Address != "192.168.10.5" || cfg.PLC.Port != 1102 || cfg.PLC.Slot != 3 {
		t.Errorf("PLC = %+v", cfg.PLC)
	}
	if cfg.Web.Host != "127.0.0.1" || cfg.Web.Port != 9090 {
		t.Errorf("Web = %+v", cfg.Web)
	}

	t.Run("unset leaves defaults", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ApplyEnv(func(string) string { return "" })
		if cfg.PLC.Slot != 1 || cfg.Web.Port != 8080 {
			t.Errorf("defaults changed: %+v %+v", cfg.PLC, cfg.Web)
		}
	})

	t.Run("bad number", func(t *testing.T) {
		cfg := DefaultConfig()
		err := cfg.ApplyEnv(func(k string) string {
			if k == "PLC_SLOT" {
				return "one"
			}
			return ""
		})
		if err == nil {
			t.Error("expected error for non-numeric PLC_SLOT")
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"bad namespace", func(c *Config) { c.Namespace = "a/b" }, true},
		{"empty address", func(c *Config) { c.PLC.Address = " " }, true},
		{"rack out of range", func(c *Config) { c.PLC.Rack = 8 }, true},
		{"slot out of range", func(c *Config) { c.PLC.Slot = 32 }, true},
		{"bad word order", func(c *Config) { c.PLC.WordOrder = "middle" }, true},
		{"web port", func(c *Config) { c.Web.Port = 0 }, true},
		{"web port ignored when disabled", func(c *Config) { c.Web.Enabled = false; c.Web.Port = 0 }, false},
		{"user without hash", func(c *Config) { c.AddWebUser(WebUser{Username: "op"}) }, true},
		{"good watch", func(c *Config) { c.AddWatch(WatchConfig{Name: "w", Address: "MW4"}) }, false},
		{"bad watch address", func(c *Config) { c.AddWatch(WatchConfig{Name: "w", Address: "XY1"}) }, true},
		{"bad watch type", func(c *Config) { c.AddWatch(WatchConfig{Name: "w", Address: "MW4", Type: "LREAL"}) }, true},
		{"unnamed watch", func(c *Config) { c.AddWatch(WatchConfig{Address: "MW4"}) }, true},
		{"duplicate watch", func(c *Config) {
			c.AddWatch(WatchConfig{Name: "w", Address: "MW4"})
			c.AddWatch(WatchConfig{Name: "w", Address: "MW6"})
		}, true},
		{"zero poll rate", func(c *Config) {
			c.Poll.Rate = 0
			c.AddWatch(WatchConfig{Name: "w", Address: "MW4"})
		}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestClientOptions(t *testing.T) {
	p := PLCConfig{Address: "127.0.0.1", Port: 1102, Rack: 0, Slot: 2, Timeout: time.Second, PDUSize: 240, WordOrder: "low_first"}
	client, err := p.NewClient()
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if client.WordOrder() != s7.LowWordFirst {
		t.Errorf("WordOrder = %v, want low_first", client.WordOrder())
	}
	if client.State() != s7.StateDisconnected {
		t.Errorf("State = %v, want disconnected", client.State())
	}
	if client.MaxReadSize() != 240-18 {
		t.Errorf("MaxReadSize = %d, want %d", client.MaxReadSize(), 240-18)
	}

	p.WordOrder = "bogus"
	if _, err := p.ClientOptions(); err == nil {
		t.Error("expected error for unknown word order")
	}
}

func TestRetryPolicy(t *testing.T) {
	r := RetryConfig{Attempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 3, Jitter: false}
	p := r.Policy()
	if p.Attempts != 5 || p.InitialDelay != time.Millisecond || p.MaxDelay != time.Second || p.Multiplier != 3 || p.Jitter {
		t.Errorf("Policy() = %+v", p)
	}
}

func TestIsValidNamespace(t *testing.T) {
	tests := []struct {
		ns   string
		want bool
	}{
		{"s7link", true},
		{"plant-1.line_2", true},
		{"", false},
		{"has space", false},
		{"slash/ns", false},
	}
	for _, tc := range tests {
		if got := IsValidNamespace(tc.ns); got != tc.want {
			t.Errorf("IsValidNamespace(%q) = %v, want %v", tc.ns, got, tc.want)
		}
	}
}

func TestCollectionOperations(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("watches", func(t *testing.T) {
		cfg.AddWatch(WatchConfig{Name: "a", Address: "MB0"})
		if cfg.FindWatch("a") == nil {
			t.Fatal("FindWatch after AddWatch returned nil")
		}
		if !cfg.RemoveWatch("a") || cfg.FindWatch("a") != nil {
			t.Error("RemoveWatch did not remove")
		}
		if cfg.RemoveWatch("a") {
			t.Error("RemoveWatch returned true for nonexistent")
		}
	})

	t.Run("web users", func(t *testing.T) {
		cfg.AddWebUser(WebUser{Username: "admin", PasswordHash: "x", Role: RoleAdmin})
		if u := cfg.FindWebUser("admin"); u == nil || u.Role != RoleAdmin {
			t.Fatalf("FindWebUser = %+v", u)
		}
		if !cfg.RemoveWebUser("admin") || cfg.FindWebUser("admin") != nil {
			t.Error("RemoveWebUser did not remove")
		}
	})

	t.Run("publishers", func(t *testing.T) {
		cfg.Valkey = append(cfg.Valkey, ValkeyConfig{Name: "v", Address: "localhost:6379"})
		cfg.Kafka = append(cfg.Kafka, KafkaConfig{Name: "k", Brokers: []string{"localhost:9092"}})
		if cfg.FindValkey("v") == nil || cfg.FindKafka("k") == nil {
			t.Error("publisher lookups failed")
		}
		if cfg.FindMQTT("none") != nil {
			t.Error("FindMQTT returned a value for nonexistent")
		}
	})
}
