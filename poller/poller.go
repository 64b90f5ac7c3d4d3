// Package poller reads configured addresses from a PLC on a fixed rate and
// fans value changes out to publishers.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"s7link/logging"
	"s7link/retry"
	"s7link/s7"
)

// Watch is one polled address.
type Watch struct {
	Name     string // Published name
	Address  string // S7 address, e.g. DB1.DBW0
	TypeHint string // Optional type when the address does not imply one
}

// ValueChange represents a watched value that has changed.
type ValueChange struct {
	PLCName   string
	TagName   string
	Address   string
	TypeName  string
	Value     interface{}
	Timestamp time.Time
}

// Health is the PLC availability published alongside values.
type Health struct {
	PLC       string    `json:"plc"`
	Online    bool      `json:"online"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives value changes and health updates from the poller.
type Sink interface {
	Name() string
	PublishChanges(changes []ValueChange)
	PublishHealth(h Health)
}

// Stats tracks polling statistics for debugging.
type Stats struct {
	LastPollTime time.Time
	TagsPolled   int
	ChangesFound int
	Polls        int
	LastError    error
}

// PLC is the client surface the poller needs.
type PLC interface {
	ReadWithTypes(requests []s7.TagRequest) []*s7.TagValue
	State() s7.State
}

// Poller polls one PLC in its own goroutine.
type Poller struct {
	plcName  string
	client   PLC
	watches  []Watch
	pollRate time.Duration
	policy   retry.Config

	sinksMu sync.RWMutex
	sinks   []Sink

	mu     sync.RWMutex
	values map[string]*s7.TagValue
	health Health
	stats  Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a poller. A non-positive rate defaults to one second.
func New(plcName string, client PLC, watches []Watch, pollRate time.Duration, policy retry.Config) *Poller {
	if pollRate <= 0 {
		pollRate = time.Second
	}
	return &Poller{
		plcName:  plcName,
		client:   client,
		watches:  watches,
		pollRate: pollRate,
		policy:   policy,
		values:   make(map[string]*s7.TagValue),
		health:   Health{PLC: plcName, Status: s7.StateDisconnected.String()},
	}
}

// AddSink registers a receiver for changes and health.
func (p *Poller) AddSink(s Sink) {
	p.sinksMu.Lock()
	defer p.sinksMu.Unlock()
	p.sinks = append(p.sinks, s)
}

// Start begins the poll loop.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	ctx := p.ctx
	p.mu.Unlock()

	p.wg.Add(1)
	go p.pollLoop(ctx)
	logging.DebugLog("poller", "%s: polling %d watches every %v", p.plcName, len(p.watches), p.pollRate)
}

// Stop halts the poll loop and waits for it to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}

func (p *Poller) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll reads every watch once, records the values and publishes changes.
// The returned error is the connection error that aborted the cycle, if any.
func (p *Poller) Poll(ctx context.Context) error {
	if len(p.watches) == 0 {
		return nil
	}

	requests := make([]s7.TagRequest, len(p.watches))
	for i, w := range p.watches {
		requests[i] = s7.TagRequest{Address: w.Address, TypeHint: w.TypeHint}
	}

	var results []*s7.TagValue
	err := retry.Do(ctx, p.policy, func() error {
		results = p.client.ReadWithTypes(requests)
		for _, r := range results {
			if r != nil && s7.IsConnectionError(r.Error) {
				return r.Error
			}
		}
		return nil
	})

	now := time.Now()
	var changes []ValueChange

	p.mu.Lock()
	for i, v := range results {
		if v == nil || i >= len(p.watches) {
			continue
		}
		w := p.watches[i]
		if v.Error == nil {
			old, existed := p.values[w.Name]
			newVal := v.GoValue()
			if !existed || old.Error != nil || fmt.Sprintf("%v", old.GoValue()) != fmt.Sprintf("%v", newVal) {
				changes = append(changes, ValueChange{
					PLCName:   p.plcName,
					TagName:   w.Name,
					Address:   w.Address,
					TypeName:  v.TypeName(),
					Value:     newVal,
					Timestamp: now,
				})
			}
		} else {
			logging.DebugLog("poller", "%s: %s (%s): %v", p.plcName, w.Name, w.Address, v.Error)
		}
		p.values[w.Name] = v
	}

	p.stats.LastPollTime = now
	p.stats.Polls++
	p.stats.TagsPolled = len(requests)
	p.stats.ChangesFound = len(changes)
	p.stats.LastError = err

	prev := p.health
	next := Health{
		PLC:       p.plcName,
		Online:    err == nil,
		Status:    p.client.State().String(),
		Timestamp: now,
	}
	if err != nil {
		next.Error = err.Error()
	}
	p.health = next
	p.mu.Unlock()

	if len(changes) > 0 {
		p.publishChanges(changes)
	}
	if prev.Online != next.Online || prev.Status != next.Status || prev.Error != next.Error {
		logging.DebugLog("poller", "%s: health online=%v status=%s", p.plcName, next.Online, next.Status)
		p.publishHealth(next)
	}
	return err
}

func (p *Poller) publishChanges(changes []ValueChange) {
	p.sinksMu.RLock()
	sinks := p.sinks
	p.sinksMu.RUnlock()

	for _, s := range sinks {
		s.PublishChanges(changes)
	}
}

func (p *Poller) publishHealth(h Health) {
	p.sinksMu.RLock()
	sinks := p.sinks
	p.sinksMu.RUnlock()

	for _, s := range sinks {
		s.PublishHealth(h)
	}
}

// PLCName returns the configured PLC name.
func (p *Poller) PLCName() string {
	return p.plcName
}

// Values returns a copy of the latest value per watch name.
func (p *Poller) Values() map[string]*s7.TagValue {
	p.mu.RLock()
	defer p.mu.RUnlock()
	result := make(map[string]*s7.TagValue, len(p.values))
	for k, v := range p.values {
		result[k] = v
	}
	return result
}

// GetHealth returns the health recorded by the last poll.
func (p *Poller) GetHealth() Health {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.health
}

// GetStats returns the poller's current stats.
func (p *Poller) GetStats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// AllValues returns the current good values as changes, for republishing
// everything after a publisher reconnects.
func (p *Poller) AllValues() []ValueChange {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []ValueChange
	for _, w := range p.watches {
		v, ok := p.values[w.Name]
		if !ok || v.Error != nil {
			continue
		}
		out = append(out, ValueChange{
			PLCName:   p.plcName,
			TagName:   w.Name,
			Address:   w.Address,
			TypeName:  v.TypeName(),
			Value:     v.GoValue(),
			Timestamp: p.stats.LastPollTime,
		})
	}
	return out
}
