package kafka

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"s7link/config"
	"s7link/poller"
)

func boolPtr(b bool) *bool { return &b }

func TestFromConfig(t *testing.T) {
	tests := []struct {
		name       string
		in         config.KafkaConfig
		wantTopic  string
		wantAcks   int
		wantCreate bool
		wantSASL   SASLMechanism
	}{
		{"defaults", config.KafkaConfig{Name: "a"}, "plant", -1, true, SASLNone},
		{"selector", config.KafkaConfig{Name: "a", Selector: "cell2"}, "plant-cell2", -1, true, SASLNone},
		{"explicit", config.KafkaConfig{Name: "a", RequiredAcks: 1, AutoCreateTopics: boolPtr(false), SASLMechanism: "scram-sha-512"},
			"plant", 1, false, SASLSCRAMSHA512},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := FromConfig(tc.in, "plant")
			if cfg.Topic != tc.wantTopic {
				t.Errorf("Topic = %q, want %q", cfg.Topic, tc.wantTopic)
			}
			if cfg.HealthTopic() != tc.wantTopic+"-health" {
				t.Errorf("HealthTopic = %q", cfg.HealthTopic())
			}
			if cfg.RequiredAcks != tc.wantAcks {
				t.Errorf("RequiredAcks = %d, want %d", cfg.RequiredAcks, tc.wantAcks)
			}
			if cfg.AutoCreateTopics != tc.wantCreate {
				t.Errorf("AutoCreateTopics = %v, want %v", cfg.AutoCreateTopics, tc.wantCreate)
			}
			if cfg.SASLMechanism != tc.wantSASL {
				t.Errorf("SASLMechanism = %q, want %q", cfg.SASLMechanism, tc.wantSASL)
			}
			if cfg.MaxRetries != 3 || cfg.RetryBackoff != 100*time.Millisecond {
				t.Errorf("retry defaults = %d/%v", cfg.MaxRetries, cfg.RetryBackoff)
			}
		})
	}
}

func TestSASLMechanism(t *testing.T) {
	tests := []struct {
		mechanism SASLMechanism
		username  string
		wantName  string
	}{
		{SASLPlain, "user", "PLAIN"},
		{SASLSCRAMSHA256, "user", "SCRAM-SHA-256"},
		{SASLSCRAMSHA512, "user", "SCRAM-SHA-512"},
		{SASLPlain, "", ""},
		{SASLNone, "user", ""},
	}
	for _, tc := range tests {
		p := NewProducer(&Config{SASLMechanism: tc.mechanism, Username: tc.username, Password: "pw"})
		m := p.getSASLMechanism()
		if tc.wantName == "" {
			if m != nil {
				t.Errorf("%s/%q: expected no mechanism, got %s", tc.mechanism, tc.username, m.Name())
			}
			continue
		}
		if m == nil || m.Name() != tc.wantName {
			t.Errorf("%s: mechanism = %v", tc.mechanism, m)
		}
	}
}

func TestTLSConfig(t *testing.T) {
	c := &Config{}
	if c.GetTLSConfig() != nil {
		t.Error("TLS config without UseTLS")
	}
	c.UseTLS, c.TLSSkipVerify = true, true
	if tc := c.GetTLSConfig(); tc == nil || !tc.InsecureSkipVerify {
		t.Errorf("GetTLSConfig = %+v", tc)
	}
}

func TestBuildTagMessages(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msgs := buildTagMessages([]poller.ValueChange{
		{PLCName: "line1", TagName: "speed", Address: "DB1.DBW0", TypeName: "INT", Value: int64(7), Timestamp: ts},
		{PLCName: "line1", TagName: "run", Address: "Q0.3", TypeName: "BOOL", Value: true, Timestamp: ts},
	})
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if string(msgs[0].Key) != "line1.speed" || !msgs[0].Time.Equal(ts) {
		t.Errorf("message 0 key/time = %s/%v", msgs[0].Key, msgs[0].Time)
	}

	var tm TagMessage
	if err := json.Unmarshal(msgs[1].Value, &tm); err != nil {
		t.Fatal(err)
	}
	if tm.Tag != "run" || tm.Address != "Q0.3" || tm.Value != true || tm.Timestamp != "2024-05-01T12:00:00Z" {
		t.Errorf("message = %+v", tm)
	}
}

func TestBuildHealthMessage(t *testing.T) {
	msg, err := buildHealthMessage(poller.Health{PLC: "line1", Online: false, Status: "disconnected", Error: "dial refused"})
	if err != nil {
		t.Fatal(err)
	}
	var hm HealthMessage
	json.Unmarshal(msg.Value, &hm)
	if string(msg.Key) != "line1" || hm.Online || hm.Error != "dial refused" {
		t.Errorf("health = %s %+v", msg.Key, hm)
	}
}

func TestConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	p := NewProducer(&Config{Name: "c", Brokers: []string{addr}})
	if err := p.Connect(); err == nil {
		t.Fatal("expected connect error")
	}
	if p.GetStatus() != StatusError || p.GetError() == nil {
		t.Errorf("status = %v, err = %v", p.GetStatus(), p.GetError())
	}
	if _, err := p.getWriter("topic"); err == nil {
		t.Error("getWriter succeeded while not connected")
	}

	empty := NewProducer(&Config{Name: "e"})
	if err := empty.Connect(); err == nil {
		t.Error("expected error with no brokers")
	}
}

func TestManagerSkipsDisconnected(t *testing.T) {
	m := NewManager()
	defer m.StopAll()

	m.LoadFromConfig([]config.KafkaConfig{
		{Name: "a", Enabled: true, Brokers: []string{"localhost:9092"}, PublishChanges: true},
		{Name: "b", Enabled: false},
	}, "plant")
	if m.GetProducer("a") == nil || m.GetProducer("b") != nil {
		t.Fatal("LoadFromConfig did not honor Enabled")
	}

	m.PublishChanges([]poller.ValueChange{{PLCName: "line1", TagName: "a", Value: 1}})
	m.PublishHealth(poller.Health{PLC: "line1"})
	if n := len(m.publishQueue); n != 0 {
		t.Errorf("queued %d jobs for a disconnected cluster", n)
	}
	if m.Name() != "kafka" {
		t.Errorf("Name = %q", m.Name())
	}
}

func TestConnectionStatusString(t *testing.T) {
	for s, want := range map[ConnectionStatus]string{
		StatusDisconnected: "Disconnected",
		StatusConnecting:   "Connecting",
		StatusConnected:    "Connected",
		StatusError:        "Error",
		ConnectionStatus(9): "Unknown",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
