package kafka

import (
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"s7link/config"
)

func newTestConsumer(handler WriteHandler) (*Consumer, *[]WriteResponse) {
	c := NewConsumer(&Config{Name: "k", Topic: "plant", WriteMaxAge: time.Second}, nil, "line1")
	c.SetWriteHandler(handler)
	var got []WriteResponse
	c.respond = func(r WriteResponse) { got = append(got, r) }
	return c, &got
}

func TestConsumerTopics(t *testing.T) {
	cfg := &Config{Name: "k", Topic: "plant"}
	if cfg.WriteTopic() != "plant-writes" || cfg.WriteResponseTopic() != "plant-write-responses" {
		t.Errorf("topics = %s / %s", cfg.WriteTopic(), cfg.WriteResponseTopic())
	}
	if cfg.GetConsumerGroup() != "s7link-k" || cfg.GetWriteMaxAge() != DefaultWriteMaxAge {
		t.Errorf("defaults = %s / %v", cfg.GetConsumerGroup(), cfg.GetWriteMaxAge())
	}
	cfg.ConsumerGroup, cfg.WriteMaxAge = "grp", 5*time.Second
	if cfg.GetConsumerGroup() != "grp" || cfg.GetWriteMaxAge() != 5*time.Second {
		t.Errorf("overrides = %s / %v", cfg.GetConsumerGroup(), cfg.GetWriteMaxAge())
	}
}

func TestConsumerDeduplicates(t *testing.T) {
	var written []interface{}
	c, got := newTestConsumer(func(plc string, req WriteRequest) error {
		written = append(written, req.Value)
		return nil
	})

	now := time.Now()
	b := newBatch()
	c.collect(b, kafka.Message{Value: []byte(`{"tag":"speed","value":1}`), Time: now, Offset: 1})
	c.collect(b, kafka.Message{Value: []byte(`{"tag":"speed","value":2,"request_id":"r2"}`), Time: now, Offset: 2})
	c.collect(b, kafka.Message{Value: []byte(`not json`), Time: now, Offset: 3})
	c.processBatch(b, now)

	if len(written) != 1 || written[0] != float64(2) {
		t.Fatalf("written = %v, want [2]", written)
	}
	if len(*got) != 2 {
		t.Fatalf("got %d responses, want 2", len(*got))
	}
	dedup, ok := (*got)[0], (*got)[1]
	if !dedup.Deduplicated || dedup.Success || dedup.PLC != "line1" {
		t.Errorf("dedup response = %+v", dedup)
	}
	if !ok.Success || ok.RequestID != "r2" {
		t.Errorf("write response = %+v", ok)
	}
}

func TestConsumerRejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		age     time.Duration
		handler WriteHandler
		skipped bool
	}{
		{"expired", `{"tag":"speed","value":1}`, 2 * time.Second, nil, true},
		{"other plc", `{"plc":"line2","tag":"speed","value":1}`, 0, nil, false},
		{"no target", `{"value":1}`, 0, nil, false},
		{"no value", `{"address":"DB1.DBW0"}`, 0, nil, false},
		{"handler error", `{"address":"DB1.DBW0","type":"INT","value":1}`, 0,
			func(string, WriteRequest) error { return errors.New("area access") }, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, got := newTestConsumer(tc.handler)
			if tc.handler == nil {
				c.SetWriteHandler(func(string, WriteRequest) error {
					t.Error("handler called")
					return nil
				})
			}
			now := time.Now()
			b := newBatch()
			c.collect(b, kafka.Message{Value: []byte(tc.payload), Time: now.Add(-tc.age)})
			c.processBatch(b, now)

			if len(*got) != 1 {
				t.Fatalf("got %d responses, want 1", len(*got))
			}
			r := (*got)[0]
			if r.Success || r.Error == "" || r.Skipped != tc.skipped {
				t.Errorf("response = %+v", r)
			}
		})
	}
}

func TestManagerSetWriteHandler(t *testing.T) {
	m := NewManager()
	defer m.StopAll()

	called := false
	m.SetWriteHandler(func(string, WriteRequest) error { called = true; return nil }, "line1")
	if m.plcName != "line1" || m.writeHandler == nil {
		t.Fatal("write handler not stored")
	}
	m.writeHandler("line1", WriteRequest{})
	if !called {
		t.Error("handler not invoked")
	}
}

func TestFromConfigWriteBack(t *testing.T) {
	cfg := FromConfig(config.KafkaConfig{Name: "a", Writable: true, ConsumerGroup: "g", WriteMaxAge: 3 * time.Second}, "plant")
	if !cfg.Writable || cfg.GetConsumerGroup() != "g" || cfg.GetWriteMaxAge() != 3*time.Second {
		t.Errorf("write-back settings = %v/%s/%v", cfg.Writable, cfg.GetConsumerGroup(), cfg.GetWriteMaxAge())
	}
	if cfg.WriteTopic() != "plant-writes" {
		t.Errorf("WriteTopic = %q", cfg.WriteTopic())
	}
}
