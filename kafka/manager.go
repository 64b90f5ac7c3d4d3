package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"s7link/config"
	"s7link/logging"
	"s7link/poller"
)

func logKafka(format string, args ...interface{}) {
	logging.DebugLog("kafka", format, args...)
}

// TagMessage is the JSON structure published to Kafka for tag changes.
type TagMessage struct {
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Address   string      `json:"address"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// HealthMessage is the JSON structure published to Kafka for PLC health status.
type HealthMessage struct {
	PLC       string `json:"plc"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// publishJob is one batch bound for one topic on one cluster.
type publishJob struct {
	producer *Producer
	topic    string
	messages []kafka.Message
}

// MaxPublishWorkers is the maximum number of concurrent publish goroutines.
const MaxPublishWorkers = 4

// MaxPublishQueueSize is the maximum number of pending publish jobs.
const MaxPublishQueueSize = 256

// Manager manages Kafka clusters and acts as a poller sink.
type Manager struct {
	producers map[string]*Producer
	consumers map[string]*Consumer
	mu        sync.RWMutex

	writeHandler WriteHandler
	plcName      string

	publishQueue chan publishJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
	stopOnce     sync.Once
}

// NewManager creates a manager and starts its publish workers.
func NewManager() *Manager {
	m := &Manager{
		producers:    make(map[string]*Producer),
		consumers:    make(map[string]*Consumer),
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
	}
	for i := 0; i < MaxPublishWorkers; i++ {
		m.wg.Add(1)
		go m.publishWorker()
	}
	return m
}

// Name identifies the manager as a poller sink.
func (m *Manager) Name() string { return "kafka" }

func (m *Manager) publishWorker() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopChan:
			return
		case job := <-m.publishQueue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := job.producer.ProduceBatch(ctx, job.topic, job.messages); err != nil {
				logKafka("Failed to publish %d messages to %s: %v", len(job.messages), job.topic, err)
			}
			cancel()
		}
	}
}

// LoadFromConfig adds a cluster per enabled entry.
func (m *Manager) LoadFromConfig(configs []config.KafkaConfig, namespace string) {
	for _, c := range configs {
		if c.Enabled {
			m.AddCluster(FromConfig(c, namespace))
		}
	}
}

// AddCluster adds a cluster; an existing name is kept.
func (m *Manager) AddCluster(cfg *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.producers[cfg.Name]; exists {
		return
	}
	m.producers[cfg.Name] = NewProducer(cfg)
}

// GetProducer returns the producer for a cluster.
func (m *Manager) GetProducer(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

func (m *Manager) list() []*Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		out = append(out, p)
	}
	return out
}

// SetWriteHandler sets the callback for write requests consumed from
// writable clusters. Requests naming another PLC are rejected.
func (m *Manager) SetWriteHandler(handler WriteHandler, plcName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeHandler = handler
	m.plcName = plcName
	for _, c := range m.consumers {
		c.SetWriteHandler(handler)
	}
}

// ConnectAll connects every cluster and returns how many succeeded.
// Writable clusters also start consuming write requests.
func (m *Manager) ConnectAll() int {
	n := 0
	for _, p := range m.list() {
		if err := p.Connect(); err != nil {
			logKafka("Connect %s: %v", p.Name(), err)
			continue
		}
		n++
		if p.config.Writable {
			m.startConsumer(p)
		}
	}
	return n
}

func (m *Manager) startConsumer(p *Producer) {
	m.mu.Lock()
	c, exists := m.consumers[p.Name()]
	if !exists {
		c = NewConsumer(p.config, p, m.plcName)
		c.SetWriteHandler(m.writeHandler)
		m.consumers[p.Name()] = c
	}
	m.mu.Unlock()

	if err := c.Start(); err != nil {
		logKafka("Start consumer %s: %v", p.Name(), err)
	}
}

// StopAll stops consumers and workers and disconnects every cluster.
func (m *Manager) StopAll() {
	m.mu.RLock()
	consumers := make([]*Consumer, 0, len(m.consumers))
	for _, c := range m.consumers {
		consumers = append(consumers, c)
	}
	m.mu.RUnlock()
	for _, c := range consumers {
		c.Stop()
	}

	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
	for _, p := range m.list() {
		p.Disconnect()
	}
}

// buildTagMessages converts changes to keyed Kafka messages. The key is
// "plc.tag" so a tag's history stays on one partition.
func buildTagMessages(changes []poller.ValueChange) []kafka.Message {
	msgs := make([]kafka.Message, 0, len(changes))
	for _, c := range changes {
		payload, err := json.Marshal(TagMessage{
			PLC:       c.PLCName,
			Tag:       c.TagName,
			Address:   c.Address,
			Value:     c.Value,
			Type:      c.TypeName,
			Timestamp: c.Timestamp.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(c.PLCName + "." + c.TagName),
			Value: payload,
			Time:  c.Timestamp,
		})
	}
	return msgs
}

func buildHealthMessage(h poller.Health) (kafka.Message, error) {
	payload, err := json.Marshal(HealthMessage{
		PLC:       h.PLC,
		Online:    h.Online,
		Status:    h.Status,
		Error:     h.Error,
		Timestamp: h.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(h.PLC), Value: payload, Time: h.Timestamp}, nil
}

// enqueue queues a job without blocking; a full queue drops the batch.
func (m *Manager) enqueue(job publishJob) {
	select {
	case m.publishQueue <- job:
	default:
		logKafka("Publish queue full, dropping %d messages for %s", len(job.messages), job.topic)
	}
}

// PublishChanges queues changes for every connected cluster with publishing enabled.
func (m *Manager) PublishChanges(changes []poller.ValueChange) {
	if len(changes) == 0 {
		return
	}
	var msgs []kafka.Message
	for _, p := range m.list() {
		if p.GetStatus() != StatusConnected || !p.config.PublishChanges || p.config.Topic == "" {
			continue
		}
		if msgs == nil {
			msgs = buildTagMessages(changes)
		}
		m.enqueue(publishJob{producer: p, topic: p.config.Topic, messages: msgs})
	}
}

// PublishHealth queues a health message for every connected cluster.
func (m *Manager) PublishHealth(h poller.Health) {
	msg, err := buildHealthMessage(h)
	if err != nil {
		return
	}
	for _, p := range m.list() {
		if p.GetStatus() != StatusConnected || p.config.Topic == "" {
			continue
		}
		m.enqueue(publishJob{producer: p, topic: p.config.HealthTopic(), messages: []kafka.Message{msg}})
	}
}
