package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"s7link/logging"
)

// WriteBackBatchInterval is how often collected write requests are executed.
const WriteBackBatchInterval = 250 * time.Millisecond

// WriteRequest is the JSON structure consumed from the write topic.
// Tag names a polled watch; Address and Type write an arbitrary location.
type WriteRequest struct {
	PLC       string      `json:"plc,omitempty"`
	Tag       string      `json:"tag,omitempty"`
	Address   string      `json:"address,omitempty"`
	Type      string      `json:"type,omitempty"`
	Value     interface{} `json:"value"`
	RequestID string      `json:"request_id,omitempty"`
}

// target is the tag name, or the address when no tag is given.
func (r WriteRequest) target() string {
	if r.Tag != "" {
		return r.Tag
	}
	return r.Address
}

// WriteResponse is the JSON structure produced to the write response topic.
type WriteResponse struct {
	PLC          string      `json:"plc"`
	Tag          string      `json:"tag,omitempty"`
	Address      string      `json:"address,omitempty"`
	Value        interface{} `json:"value"`
	RequestID    string      `json:"request_id,omitempty"`
	Success      bool        `json:"success"`
	Error        string      `json:"error,omitempty"`
	Skipped      bool        `json:"skipped,omitempty"`      // request was older than the max age
	Deduplicated bool        `json:"deduplicated,omitempty"` // replaced by a newer request for the same target
	Timestamp    time.Time   `json:"timestamp"`
}

// WriteHandler performs a write request against the named PLC.
type WriteHandler func(plcName string, req WriteRequest) error

// pendingWrite is a request waiting for the next batch.
type pendingWrite struct {
	request     WriteRequest
	messageTime time.Time
	offset      int64
}

// Consumer reads write requests for one PLC from one cluster. Requests are
// collected for WriteBackBatchInterval and the latest request per target wins.
type Consumer struct {
	config   *Config
	producer *Producer
	plcName  string
	reader   *kafka.Reader
	running  bool
	mu       sync.RWMutex

	writeHandler WriteHandler
	respond      func(WriteResponse)

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewConsumer creates a consumer that answers on producer's cluster.
func NewConsumer(config *Config, producer *Producer, plcName string) *Consumer {
	c := &Consumer{
		config:   config,
		producer: producer,
		plcName:  plcName,
		stopChan: make(chan struct{}),
	}
	c.respond = c.sendResponse
	return c
}

// SetWriteHandler sets the callback for write requests.
func (c *Consumer) SetWriteHandler(handler WriteHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeHandler = handler
}

// Start joins the consumer group and begins consuming.
func (c *Consumer) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	if len(c.config.Brokers) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("no brokers configured")
	}

	topic := c.config.WriteTopic()
	group := c.config.GetConsumerGroup()
	logConsumer("Starting consumer for topic '%s' with group '%s'", topic, group)

	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.config.Brokers,
		Topic:          topic,
		GroupID:        group,
		MinBytes:       1,
		MaxBytes:       1e6,
		MaxWait:        100 * time.Millisecond,
		StartOffset:    kafka.LastOffset,
		CommitInterval: time.Second,
		Dialer:         c.producer.createDialer(),
	})
	c.running = true
	c.stopChan = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.consumeLoop()
	return nil
}

// Stop executes any collected requests and closes the reader.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopChan)
	reader := c.reader
	c.reader = nil
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		logConsumer("Consumer stop timeout")
	}

	if reader != nil {
		reader.Close()
	}
}

// IsRunning returns whether the consumer is running.
func (c *Consumer) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// batch collects requests between executions.
type batch struct {
	pending   map[string]pendingWrite
	discarded []pendingWrite
}

func newBatch() *batch {
	return &batch{pending: make(map[string]pendingWrite)}
}

func (b *batch) empty() bool {
	return len(b.pending) == 0 && len(b.discarded) == 0
}

// add stores a request under key; an earlier request for the same key is
// moved to discarded.
func (b *batch) add(key string, pw pendingWrite) {
	if existing, ok := b.pending[key]; ok {
		logConsumer("Dedup: %s value=%v (offset %d) replaced by value=%v (offset %d)",
			key, existing.request.Value, existing.offset, pw.request.Value, pw.offset)
		b.discarded = append(b.discarded, existing)
	}
	b.pending[key] = pw
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(WriteBackBatchInterval)
	defer ticker.Stop()

	b := newBatch()
	for {
		select {
		case <-c.stopChan:
			if !b.empty() {
				c.processBatch(b, time.Now())
			}
			return

		case <-ticker.C:
			if !b.empty() {
				c.processBatch(b, time.Now())
				b = newBatch()
			}

		default:
			c.mu.RLock()
			reader := c.reader
			c.mu.RUnlock()
			if reader == nil {
				time.Sleep(10 * time.Millisecond)
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			msg, err := reader.FetchMessage(ctx)
			cancel()
			if err != nil {
				continue
			}

			logConsumer("Received write request: partition=%d offset=%d payload=%s", msg.Partition, msg.Offset, string(msg.Value))
			c.collect(b, msg)
			c.commitMessage(reader, msg)
		}
	}
}

// collect decodes msg into b. Undecodable messages are dropped.
func (c *Consumer) collect(b *batch, msg kafka.Message) {
	var req WriteRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		logConsumer("JSON parse error: %v", err)
		return
	}
	if req.PLC == "" {
		req.PLC = c.plcName
	}

	key := string(msg.Key)
	if key == "" {
		key = req.PLC + "." + req.target()
	}
	b.add(key, pendingWrite{request: req, messageTime: msg.Time, offset: msg.Offset})
}

func (c *Consumer) response(req WriteRequest, now time.Time) WriteResponse {
	return WriteResponse{
		PLC:       req.PLC,
		Tag:       req.Tag,
		Address:   req.Address,
		Value:     req.Value,
		RequestID: req.RequestID,
		Timestamp: now,
	}
}

// processBatch answers discarded requests, skips expired ones and executes
// the rest.
func (c *Consumer) processBatch(b *batch, now time.Time) {
	c.mu.RLock()
	handler := c.writeHandler
	respond := c.respond
	c.mu.RUnlock()
	maxAge := c.config.GetWriteMaxAge()

	for _, pw := range b.discarded {
		resp := c.response(pw.request, now)
		resp.Error = "request superseded by newer write to same target"
		resp.Deduplicated = true
		respond(resp)
	}

	var ok, failed, skipped int
	for key, pw := range b.pending {
		req := pw.request
		resp := c.response(req, now)

		if age := now.Sub(pw.messageTime); age > maxAge {
			logConsumer("Skipping stale write for %s (age %v > %v)", key, age, maxAge)
			resp.Error = fmt.Sprintf("request expired (age: %v, max: %v)", age.Round(time.Millisecond), maxAge)
			resp.Skipped = true
			skipped++
			respond(resp)
			continue
		}

		var err error
		switch {
		case req.PLC != c.plcName:
			err = fmt.Errorf("unknown PLC %q", req.PLC)
		case req.Tag == "" && req.Address == "":
			err = fmt.Errorf("write request needs tag or address")
		case req.Value == nil:
			err = fmt.Errorf("write request has no value")
		case handler == nil:
			err = fmt.Errorf("no write handler configured")
		default:
			err = handler(req.PLC, req)
		}

		resp.Success = err == nil
		if err != nil {
			resp.Error = err.Error()
			logConsumer("Write %s failed: %v", key, err)
			failed++
		} else {
			ok++
		}
		respond(resp)
	}

	logConsumer("Batch complete: %d succeeded, %d failed, %d expired, %d deduplicated",
		ok, failed, skipped, len(b.discarded))
}

// sendResponse produces resp to the response topic.
func (c *Consumer) sendResponse(resp WriteResponse) {
	if c.producer == nil || c.producer.GetStatus() != StatusConnected {
		logConsumer("Cannot send response: producer not connected")
		return
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		logConsumer("Failed to marshal response: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg := kafka.Message{Key: []byte(resp.PLC + "." + resp.Tag + resp.Address), Value: payload, Time: resp.Timestamp}
	if err := c.producer.ProduceBatch(ctx, c.config.WriteResponseTopic(), []kafka.Message{msg}); err != nil {
		logConsumer("Failed to publish response: %v", err)
	}
}

func (c *Consumer) commitMessage(reader *kafka.Reader, msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := reader.CommitMessages(ctx, msg); err != nil {
		logConsumer("Failed to commit message: %v", err)
	}
}

func logConsumer(format string, args ...interface{}) {
	logging.DebugLog("kafka", "[Consumer] "+format, args...)
}
