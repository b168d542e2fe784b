package realtime

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nerrad567/baas-console/internal/infrastructure/mqtt"
)

// Subscriber is the broker surface the transport needs; *mqtt.Client
// satisfies it.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Logger is the logging surface the transport needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Options configures a Transport.
type Options struct {
	TopicPrefix string // default mqtt.DefaultChangePrefix
	QoS         byte
	Logger      Logger
}

// Binding selects the changes a Channel receives.
type Binding struct {
	Schema string
	Table  string
	Event  EventType // "" or EventAll for every change
	Filter string    // "column=eq.value", optional
}

// Transport multiplexes table subscriptions over one broker connection.
type Transport struct {
	sub    Subscriber
	topics mqtt.Topics
	qos    byte
	log    Logger

	// opMu serialises broker subscribe/unsubscribe calls. It is never held
	// while mu is wanted by message delivery.
	opMu sync.Mutex

	mu     sync.RWMutex
	groups map[string]map[string]*Channel // topic -> channel id -> channel
	closed bool
}

// New creates a transport over sub.
func New(sub Subscriber, opts Options) *Transport {
	t := &Transport{
		sub:    sub,
		topics: mqtt.Topics{Prefix: opts.TopicPrefix},
		qos:    opts.QoS,
		log:    opts.Logger,
		groups: make(map[string]map[string]*Channel),
	}
	if t.log == nil {
		t.log = noopLogger{}
	}
	return t
}

// SubscribeToTable watches every change of schema.table matching filter.
func (t *Transport) SubscribeToTable(schema, table, filter string, onEvent func(Change)) (*Channel, error) {
	return t.Subscribe(Binding{Schema: schema, Table: table, Filter: filter}, onEvent)
}

// Subscribe opens a Channel for b. onEvent is called on the broker's
// delivery goroutine, in delivery order, and must not block.
func (t *Transport) Subscribe(b Binding, onEvent func(Change)) (*Channel, error) {
	if !mqtt.ValidSegment(b.Schema) || !mqtt.ValidSegment(b.Table) {
		return nil, fmt.Errorf("%w: %q.%q", ErrInvalidTable, b.Schema, b.Table)
	}
	event, err := ParseEventType(string(b.Event))
	if err != nil {
		return nil, err
	}
	filter, err := ParseFilter(b.Filter)
	if err != nil {
		return nil, err
	}
	if onEvent == nil {
		return nil, errors.New("realtime: onEvent cannot be nil")
	}

	ch := &Channel{
		ID:        uuid.NewString(),
		Topic:     t.topics.Table(b.Schema, b.Table),
		event:     event,
		filter:    filter,
		onEvent:   onEvent,
		transport: t,
	}

	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if group, ok := t.groups[ch.Topic]; ok {
		group[ch.ID] = ch
		t.mu.Unlock()
		t.log.Debug("realtime channel joined topic", "topic", ch.Topic, "channel", ch.ID, "channels", len(group))
		return ch, nil
	}
	t.mu.Unlock()

	if err := t.sub.Subscribe(ch.Topic, t.qos, t.handle); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.groups[ch.Topic] = map[string]*Channel{ch.ID: ch}
	t.mu.Unlock()
	t.log.Debug("realtime topic subscribed", "topic", ch.Topic, "channel", ch.ID)
	return ch, nil
}

// Channels returns the number of open channels.
func (t *Transport) Channels() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, g := range t.groups {
		n += len(g)
	}
	return n
}

// Close unsubscribes every topic and closes every channel. Further
// Subscribe calls fail with ErrClosed.
func (t *Transport) Close() error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	groups := t.groups
	t.groups = make(map[string]map[string]*Channel)
	t.mu.Unlock()

	var errs []error
	for topic, group := range groups {
		for _, ch := range group {
			ch.closed.Store(true)
		}
		if err := t.sub.Unsubscribe(topic); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// handle is the broker handler for every subscribed topic.
func (t *Transport) handle(topic string, payload []byte) error {
	change, err := decodeChange(payload)
	if err != nil {
		return err
	}
	if change.Schema == "" || change.Table == "" {
		if schema, table, ok := t.topics.ParseTable(topic); ok {
			change.Schema, change.Table = schema, table
		}
	}

	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return nil
	}
	group := t.groups[topic]
	channels := make([]*Channel, 0, len(group))
	for _, ch := range group {
		channels = append(channels, ch)
	}
	t.mu.RUnlock()

	for _, ch := range channels {
		ch.deliver(change)
	}
	return nil
}

func (t *Transport) remove(ch *Channel) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.mu.Lock()
	group, ok := t.groups[ch.Topic]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	delete(group, ch.ID)
	last := len(group) == 0
	if last {
		delete(t.groups, ch.Topic)
	}
	t.mu.Unlock()

	if !last {
		return nil
	}
	t.log.Debug("realtime topic released", "topic", ch.Topic)
	return t.sub.Unsubscribe(ch.Topic)
}

// Channel is one subscriber's view of a table's changes.
type Channel struct {
	ID    string
	Topic string

	event     EventType
	filter    Filter
	onEvent   func(Change)
	transport *Transport

	closed atomic.Bool
	once   sync.Once
	err    error
}

// Unsubscribe stops delivery and releases the broker subscription when
// this was the topic's last channel. Safe to call more than once and from
// inside onEvent.
func (c *Channel) Unsubscribe() error {
	c.once.Do(func() {
		c.closed.Store(true)
		c.err = c.transport.remove(c)
	})
	return c.err
}

// Closed reports whether the channel no longer delivers.
func (c *Channel) Closed() bool { return c.closed.Load() }

func (c *Channel) deliver(change Change) {
	if c.closed.Load() || !c.event.Matches(change.Type) || !c.filter.Match(change) {
		return
	}
	c.onEvent(change)
}
