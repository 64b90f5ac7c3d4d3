package valkey

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"s7link/config"
	"s7link/poller"
)

func TestJoinKey(t *testing.T) {
	tests := []struct {
		segments []string
		want     string
	}{
		{[]string{"plant", "line1", "tags", "speed"}, "plant:line1:tags:speed"},
		{[]string{"plant", "", "tags"}, "plant:tags"},
		{[]string{":plant:", "line1:"}, "plant:line1"},
		{nil, ""},
	}
	for _, tc := range tests {
		if got := joinKey(tc.segments...); got != tc.want {
			t.Errorf("joinKey(%q) = %q, want %q", tc.segments, got, tc.want)
		}
	}
}

func TestKeys(t *testing.T) {
	p := NewPublisher(&config.ValkeyConfig{Name: "cache", Address: "localhost:6379"}, "plant")
	if got := p.TagKey("line1", "speed"); got != "plant:line1:tags:speed" {
		t.Errorf("TagKey = %q", got)
	}
	if got := p.HealthKey("line1"); got != "plant:line1:health" {
		t.Errorf("HealthKey = %q", got)
	}
	if got := p.ChangesChannel("line1"); got != "plant:line1:changes" {
		t.Errorf("ChangesChannel = %q", got)
	}

	p.config.Selector = "cell2"
	if got := p.TagKey("line1", "speed"); got != "plant:cell2:line1:tags:speed" {
		t.Errorf("TagKey with selector = %q", got)
	}
}

func TestAddress(t *testing.T) {
	p := NewPublisher(&config.ValkeyConfig{Address: "cache:6379"}, "plant")
	if got := p.Address(); got != "redis://cache:6379" {
		t.Errorf("Address = %q", got)
	}
	p.config.UseTLS = true
	if got := p.Address(); got != "rediss://cache:6379" {
		t.Errorf("Address with TLS = %q", got)
	}
}

func TestTagMessage(t *testing.T) {
	p := NewPublisher(&config.ValkeyConfig{}, "plant")
	data, err := p.buildTagMessage(poller.ValueChange{
		PLCName:   "line1",
		TagName:   "temps",
		Address:   "DB2.DBD0",
		TypeName:  "REAL",
		Value:     []float64{21.5, 22},
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("x", 3600)),
	})
	if err != nil {
		t.Fatal(err)
	}

	var msg TagMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Factory != "plant" || msg.PLC != "line1" || msg.Tag != "temps" || msg.Type != "REAL" {
		t.Errorf("message = %+v", msg)
	}
	values, ok := msg.Value.([]interface{})
	if !ok || len(values) != 2 || values[0] != 21.5 {
		t.Errorf("Value = %#v", msg.Value)
	}
	if !msg.Timestamp.Equal(time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)) || msg.Timestamp.Location() != time.UTC {
		t.Errorf("Timestamp = %v", msg.Timestamp)
	}
}

func TestNotRunningIsNoop(t *testing.T) {
	p := NewPublisher(&config.ValkeyConfig{Name: "cache"}, "plant")
	if err := p.Publish([]poller.ValueChange{{PLCName: "line1", TagName: "a", Value: 1}}); err != nil {
		t.Errorf("Publish when stopped: %v", err)
	}
	if err := p.StoreHealth(poller.Health{PLC: "line1"}); err != nil {
		t.Errorf("StoreHealth when stopped: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Errorf("Stop when stopped: %v", err)
	}
}

func TestStartFailsWithoutServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	p := NewPublisher(&config.ValkeyConfig{Name: "cache", Address: addr}, "plant")
	if err := p.Start(); err == nil {
		p.Stop()
		t.Fatal("expected connection error")
	}
	if p.IsRunning() {
		t.Error("publisher running after failed start")
	}
}

func TestManager(t *testing.T) {
	m := NewManager()
	m.LoadFromConfig([]config.ValkeyConfig{
		{Name: "a", Enabled: true, Address: "localhost:6379"},
		{Name: "b", Enabled: false, Address: "localhost:6379"},
	}, "plant")

	if len(m.List()) != 1 || m.Get("a") == nil || m.Get("b") != nil {
		t.Fatalf("publishers = %d", len(m.List()))
	}
	if m.AnyRunning() {
		t.Error("AnyRunning before start")
	}
	m.PublishChanges([]poller.ValueChange{{PLCName: "line1", TagName: "a"}})
	m.PublishHealth(poller.Health{PLC: "line1"})
	m.StopAll()
}
