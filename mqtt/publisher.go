// Package mqtt publishes polled S7 values to MQTT brokers and accepts write
// requests on a per-PLC write topic.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"s7link/config"
	"s7link/logging"
	"s7link/poller"
)

func logMQTT(format string, args ...interface{}) {
	logging.DebugLog("mqtt", format, args...)
}

// MaxWriteWorkers is the maximum number of concurrent write goroutines per publisher.
const MaxWriteWorkers = 2

// MaxWriteQueueSize is the maximum number of pending write jobs per publisher.
const MaxWriteQueueSize = 100

// TagMessage is the JSON structure published for each value.
type TagMessage struct {
	Topic     string      `json:"topic"`
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Address   string      `json:"address"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// WriteRequest is the JSON structure for incoming write requests.
// Tag names a polled watch; Address and Type write an arbitrary location.
type WriteRequest struct {
	Tag     string      `json:"tag,omitempty"`
	Address string      `json:"address,omitempty"`
	Type    string      `json:"type,omitempty"`
	Value   interface{} `json:"value"`
}

// WriteResponse is the JSON structure published after a write.
type WriteResponse struct {
	Tag       string      `json:"tag,omitempty"`
	Address   string      `json:"address,omitempty"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// WriteHandler performs a write request against the PLC.
type WriteHandler func(plcName string, req WriteRequest) error

type writeJob struct {
	client  pahomqtt.Client
	plcName string
	req     WriteRequest
	err     error // set when the request was rejected before the handler
}

// Publisher handles one MQTT broker connection.
type Publisher struct {
	config    *config.MQTTConfig
	namespace string
	client    pahomqtt.Client
	running   bool
	mu        sync.RWMutex

	// Track last published values to detect changes
	lastValues map[string]interface{}
	lastMu     sync.RWMutex

	writeHandler WriteHandler
	plcNames     []string

	writeQueue chan writeJob
	wg         sync.WaitGroup
	stopChan   chan struct{}
}

// NewPublisher creates a publisher for a single broker.
func NewPublisher(cfg *config.MQTTConfig, namespace string) *Publisher {
	return &Publisher{
		config:     cfg,
		namespace:  namespace,
		lastValues: make(map[string]interface{}),
		writeQueue: make(chan writeJob, MaxWriteQueueSize),
		stopChan:   make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Address returns the broker URL.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// RootTopic returns the topic prefix: namespace, plus the selector if set.
func (p *Publisher) RootTopic() string {
	if p.config.Selector != "" {
		return p.namespace + "/" + p.config.Selector
	}
	return p.namespace
}

// BuildTopic constructs the topic a tag value is published on.
func (p *Publisher) BuildTopic(plcName, tagName string) string {
	return fmt.Sprintf("%s/%s/tags/%s", p.RootTopic(), plcName, tagName)
}

// HealthTopic returns the topic PLC health is published on.
func (p *Publisher) HealthTopic(plcName string) string {
	return fmt.Sprintf("%s/%s/health", p.RootTopic(), plcName)
}

// WriteTopic returns the topic write requests are accepted on.
func (p *Publisher) WriteTopic(plcName string) string {
	return fmt.Sprintf("%s/%s/write", p.RootTopic(), plcName)
}

// SetWriteHandler sets the callback for write requests and the PLCs to
// subscribe for. Takes effect on the next Start.
func (p *Publisher) SetWriteHandler(handler WriteHandler, plcNames ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
	p.plcNames = plcNames
}

// Start connects to the MQTT broker.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	clientID := p.config.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("s7link-%d", time.Now().UnixNano())
	}
	opts.SetClientID(clientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	client := pahomqtt.NewClient(opts)
	logMQTT("Attempting to connect to MQTT broker %s", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logMQTT("MQTT connection timeout")
		client.Disconnect(0)
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		logMQTT("MQTT connection error: %v", token.Error())
		return token.Error()
	}
	logMQTT("Connected to MQTT broker %s", p.Address())

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	// Force republish of all values
	p.lastMu.Lock()
	p.lastValues = make(map[string]interface{})
	p.lastMu.Unlock()

	for i := 0; i < MaxWriteWorkers; i++ {
		p.wg.Add(1)
		go p.writeWorker()
	}
	p.subscribeWriteTopics()
	return nil
}

// Stop disconnects from the MQTT broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}
	p.running = false
	client := p.client
	p.client = nil
	oldStopChan := p.stopChan
	p.stopChan = make(chan struct{})
	p.writeQueue = make(chan writeJob, MaxWriteQueueSize)
	p.mu.Unlock()

	close(oldStopChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logMQTT("Timeout waiting for write workers to stop")
	}

	client.Disconnect(500)
}

// shouldPublish reports whether value differs from the last one sent for key.
func (p *Publisher) shouldPublish(key string, value interface{}) bool {
	p.lastMu.RLock()
	defer p.lastMu.RUnlock()
	last, exists := p.lastValues[key]
	return !exists || fmt.Sprintf("%v", last) != fmt.Sprintf("%v", value)
}

func (p *Publisher) remember(key string, value interface{}) {
	p.lastMu.Lock()
	p.lastValues[key] = value
	p.lastMu.Unlock()
}

// buildMessage creates the retained JSON payload for one change.
func (p *Publisher) buildMessage(c poller.ValueChange) ([]byte, error) {
	return json.Marshal(TagMessage{
		Topic:     p.RootTopic(),
		PLC:       c.PLCName,
		Tag:       c.TagName,
		Address:   c.Address,
		Value:     c.Value,
		Type:      c.TypeName,
		Timestamp: c.Timestamp.UTC().Format(time.RFC3339),
	})
}

// PublishChanges sends changed values, retained, one topic per tag.
func (p *Publisher) PublishChanges(changes []poller.ValueChange) {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()
	if !running || client == nil {
		return
	}

	for _, c := range changes {
		key := c.PLCName + "/" + c.TagName
		if !p.shouldPublish(key, c.Value) {
			continue
		}
		payload, err := p.buildMessage(c)
		if err != nil {
			continue
		}
		token := client.Publish(p.BuildTopic(c.PLCName, c.TagName), 1, true, payload)
		if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
			logMQTT("Publish %s failed: %v", key, token.Error())
			continue
		}
		p.remember(key, c.Value)
	}
}

// PublishHealth sends the PLC health, retained.
func (p *Publisher) PublishHealth(h poller.Health) {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return
	}
	payload, err := json.Marshal(h)
	if err != nil {
		return
	}
	token := client.Publish(p.HealthTopic(h.PLC), 1, true, payload)
	token.WaitTimeout(2 * time.Second)
}

func (p *Publisher) subscribeWriteTopics() {
	p.mu.RLock()
	client := p.client
	plcNames := p.plcNames
	handler := p.writeHandler
	p.mu.RUnlock()

	if client == nil || handler == nil {
		return
	}
	for _, plcName := range plcNames {
		name := plcName
		topic := p.WriteTopic(name)
		token := client.Subscribe(topic, 1, func(c pahomqtt.Client, msg pahomqtt.Message) {
			p.handleWriteMessage(c, name, msg.Payload())
		})
		if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
			logMQTT("Subscribe to %s failed: %v", topic, token.Error())
			continue
		}
		logMQTT("Subscribed to: %s", topic)
	}
}

// parseWriteRequest decodes and checks a write payload.
func parseWriteRequest(payload []byte) (WriteRequest, error) {
	var req WriteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, fmt.Errorf("invalid JSON: %v", err)
	}
	if req.Tag == "" && req.Address == "" {
		return req, fmt.Errorf("write request needs tag or address")
	}
	if req.Value == nil {
		return req, fmt.Errorf("write request has no value")
	}
	return req, nil
}

func (p *Publisher) handleWriteMessage(client pahomqtt.Client, plcName string, payload []byte) {
	logMQTT("Write request for %s: %s", plcName, string(payload))
	req, err := parseWriteRequest(payload)

	p.mu.RLock()
	queue := p.writeQueue
	p.mu.RUnlock()

	select {
	case queue <- writeJob{client: client, plcName: plcName, req: req, err: err}:
	default:
		logMQTT("Write queue full, rejecting write for %s", plcName)
		go p.publishWriteResponse(client, plcName, req, fmt.Errorf("write queue full, try again later"))
	}
}

func (p *Publisher) writeWorker() {
	defer p.wg.Done()

	p.mu.RLock()
	stop := p.stopChan
	queue := p.writeQueue
	p.mu.RUnlock()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			p.publishWriteResponse(job.client, job.plcName, job.req, p.execute(job))
		}
	}
}

func (p *Publisher) execute(job writeJob) error {
	if job.err != nil {
		return job.err
	}
	p.mu.RLock()
	handler := p.writeHandler
	p.mu.RUnlock()
	if handler == nil {
		return fmt.Errorf("no write handler configured")
	}
	if err := handler(job.plcName, job.req); err != nil {
		logMQTT("Write error: %v", err)
		return err
	}
	return nil
}

func buildWriteResponse(req WriteRequest, err error) WriteResponse {
	resp := WriteResponse{
		Tag:       req.Tag,
		Address:   req.Address,
		Value:     req.Value,
		Success:   err == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func (p *Publisher) publishWriteResponse(client pahomqtt.Client, plcName string, req WriteRequest, err error) {
	payload, _ := json.Marshal(buildWriteResponse(req, err))
	token := client.Publish(p.WriteTopic(plcName)+"/response", 1, false, payload)
	token.WaitTimeout(2 * time.Second)
}

// Manager fans poller output out to several brokers.
type Manager struct {
	publishers map[string]*Publisher
	mu         sync.RWMutex
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{publishers: make(map[string]*Publisher)}
}

// Name identifies the manager as a poller sink.
func (m *Manager) Name() string { return "mqtt" }

// LoadFromConfig creates a publisher per enabled broker entry.
func (m *Manager) LoadFromConfig(cfgs []config.MQTTConfig, namespace string) {
	for i := range cfgs {
		if cfgs[i].Enabled {
			m.Add(NewPublisher(&cfgs[i], namespace))
		}
	}
}

// Add adds a publisher, replacing any with the same name.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	old := m.publishers[pub.Name()]
	m.publishers[pub.Name()] = pub
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishers[name]
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Publisher, 0, len(m.publishers))
	for _, p := range m.publishers {
		out = append(out, p)
	}
	return out
}

// SetWriteHandler installs handler on every publisher.
func (m *Manager) SetWriteHandler(handler WriteHandler, plcNames ...string) {
	for _, p := range m.List() {
		p.SetWriteHandler(handler, plcNames...)
	}
}

// StartAll connects every publisher and returns how many are running.
func (m *Manager) StartAll() int {
	n := 0
	for _, p := range m.List() {
		if err := p.Start(); err != nil {
			logMQTT("Start %s: %v", p.Name(), err)
			continue
		}
		n++
	}
	return n
}

// StopAll disconnects every publisher.
func (m *Manager) StopAll() {
	for _, p := range m.List() {
		p.Stop()
	}
}

// PublishChanges forwards changes to every publisher.
func (m *Manager) PublishChanges(changes []poller.ValueChange) {
	for _, p := range m.List() {
		p.PublishChanges(changes)
	}
}

// PublishHealth forwards health to every publisher.
func (m *Manager) PublishHealth(h poller.Health) {
	for _, p := range m.List() {
		p.PublishHealth(h)
	}
}
