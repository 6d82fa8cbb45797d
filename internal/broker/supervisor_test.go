package broker

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"brancher-go/internal/config"
)

type doneToken struct {
	err  error
	done chan struct{}
}

func newDoneToken(err error) *doneToken {
	ch := make(chan struct{})
	close(ch)
	return &doneToken{err: err, done: ch}
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return t.err }

// fakeClient implements the parts of mqtt.Client the supervisor uses.
type fakeClient struct {
	mqtt.Client

	opts       *mqtt.ClientOptions
	connectErr error

	mu           sync.Mutex
	subscribed   []string
	handlers     map[string]mqtt.MessageHandler
	disconnected bool
}

func (c *fakeClient) Connect() mqtt.Token {
	if c.connectErr != nil {
		return newDoneToken(c.connectErr)
	}
	if c.opts.OnConnect != nil {
		c.opts.OnConnect(c)
	}
	return newDoneToken(nil)
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, topic)
	if c.handlers == nil {
		c.handlers = map[string]mqtt.MessageHandler{}
	}
	c.handlers[topic] = cb
	return newDoneToken(nil)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func (c *fakeClient) deliver(topic string, payload []byte) {
	c.mu.Lock()
	cb := c.handlers[topic]
	c.mu.Unlock()
	cb(c, &fakeMessage{topic: topic, payload: payload})
}

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m *fakeMessage) Topic() string   { return m.topic }
func (m *fakeMessage) Payload() []byte { return m.payload }

type event struct {
	name    string
	payload any
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []event
}

func (n *recordingNotifier) Broadcast(name string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event{name, payload})
}

func (n *recordingNotifier) last(name string) (any, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.events) - 1; i >= 0; i-- {
		if n.events[i].name == name {
			return n.events[i].payload, true
		}
	}
	return nil, false
}

type recordedMessage struct {
	topic   string
	payload string
}

type memRecorder struct {
	mu   sync.Mutex
	msgs []recordedMessage
}

func (r *memRecorder) RecordMessage(topic string, payload []byte, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, recordedMessage{topic, string(payload)})
	return nil
}

type harness struct {
	sup      *Supervisor
	notifier *recordingNotifier
	recorder *memRecorder
	clients  []*fakeClient
	failWith error
}

func newHarness() *harness {
	h := &harness{notifier: &recordingNotifier{}, recorder: &memRecorder{}}
	h.sup = New(Options{
		Notifier: h.notifier,
		Recorder: h.recorder,
		NewClient: func(opts *mqtt.ClientOptions) mqtt.Client {
			c := &fakeClient{opts: opts, connectErr: h.failWith}
			h.clients = append(h.clients, c)
			return c
		},
	})
	return h
}

func sensorConfig(extra map[string]string, topics ...string) config.StructuredConfig {
	cfg := config.StructuredConfig{Extra: extra}
	for i, t := range topics {
		cfg.Sensors = append(cfg.Sensors, config.SensorRecord{
			ID:     i + 1,
			Fields: map[string]string{"mqtt_topic": t},
		})
	}
	return cfg
}

func TestReloadWithoutBroker(t *testing.T) {
	h := newHarness()

	err := h.sup.Reload(context.Background(), sensorConfig(nil, "a/b"))
	if !errors.Is(err, ErrNoBroker) {
		t.Fatalf("expected ErrNoBroker, got %v", err)
	}
	if len(h.clients) != 0 {
		t.Errorf("no client should be created, got %d", len(h.clients))
	}
	if st := h.sup.Status(); st.State != StateDisconnected {
		t.Errorf("state = %s", st.State)
	}
	payload, ok := h.notifier.last(EventStatus)
	if !ok {
		t.Fatal("expected a status event")
	}
	if ev := payload.(StatusEvent); ev.Status != "disconnected" || ev.Error == "" {
		t.Errorf("unexpected status event %+v", ev)
	}
}

func TestReloadConnectsAndSubscribes(t *testing.T) {
	h := newHarness()
	cfg := sensorConfig(map[string]string{
		"mqtt_broker":   "broker.local",
		"mqtt_port":     "1884",
		"mqtt_username": "user",
	}, "a/b", "", "c/d", "a/b")

	if err := h.sup.Reload(context.Background(), cfg); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(h.clients) != 1 {
		t.Fatalf("expected one client, got %d", len(h.clients))
	}
	opts := h.clients[0].opts
	if got := opts.Servers[0].String(); got != "tcp://broker.local:1884" {
		t.Errorf("broker url = %s", got)
	}
	if opts.ClientID != defaultClientID {
		t.Errorf("client id = %s", opts.ClientID)
	}
	if opts.Username != "" {
		t.Errorf("credentials should require both username and password")
	}

	st := h.sup.Status()
	if st.State != StateConnected {
		t.Errorf("state = %s", st.State)
	}
	if want := []string{"a/b", "c/d"}; !reflect.DeepEqual(st.Subscriptions, want) {
		t.Errorf("subscriptions = %v, want %v", st.Subscriptions, want)
	}
	payload, _ := h.notifier.last(EventStatus)
	if ev := payload.(StatusEvent); ev.Status != "connected" || ev.Broker != "broker.local" {
		t.Errorf("unexpected status event %+v", ev)
	}
	if ev := h.sup.StatusEvent(); ev.Status != "connected" {
		t.Errorf("greeting = %+v", ev)
	}
}

func TestReloadConnectFailure(t *testing.T) {
	h := newHarness()
	h.failWith = errors.New("not authorized")

	err := h.sup.Reload(context.Background(), sensorConfig(map[string]string{"mqtt_broker": "h"}))
	if err == nil {
		t.Fatal("expected connect error")
	}
	st := h.sup.Status()
	if st.State != StateDisconnected || st.LastError == "" {
		t.Errorf("status = %+v", st)
	}
	payload, _ := h.notifier.last(EventStatus)
	if ev := payload.(StatusEvent); ev.Status != "disconnected" || ev.Error != "not authorized" {
		t.Errorf("unexpected status event %+v", ev)
	}
}

func TestReloadReplacesPreviousClient(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	if err := h.sup.Reload(ctx, sensorConfig(map[string]string{"mqtt_broker": "one"}, "old/topic")); err != nil {
		t.Fatalf("first Reload: %v", err)
	}
	if err := h.sup.Reload(ctx, sensorConfig(map[string]string{"mqtt_broker": "two"}, "new/topic")); err != nil {
		t.Fatalf("second Reload: %v", err)
	}

	first, second := h.clients[0], h.clients[1]
	if !first.disconnected {
		t.Error("previous client was not disconnected")
	}

	// Late callbacks from the replaced client must not touch current state.
	first.opts.OnConnectionLost(first, errors.New("gone"))
	first.deliver("old/topic", []byte(`{"v":1}`))

	st := h.sup.Status()
	if st.State != StateConnected || st.Broker != "two" {
		t.Errorf("status = %+v", st)
	}
	if len(h.recorder.msgs) != 0 {
		t.Errorf("stale message recorded: %v", h.recorder.msgs)
	}

	second.deliver("new/topic", []byte(`{"v":2,"timestamp":"2024-01-01T00:00:00"}`))
	payload, ok := h.notifier.last(EventSensorData)
	if !ok {
		t.Fatal("expected sensor data")
	}
	data := payload.(SensorData)
	if data.Topic != "new/topic" || data.Timestamp != "2024-01-01T00:00:00" {
		t.Errorf("sensor data = %+v", data)
	}
	if len(h.recorder.msgs) != 1 || h.recorder.msgs[0].topic != "new/topic" {
		t.Errorf("recorded = %v", h.recorder.msgs)
	}
}

func TestConnectionLost(t *testing.T) {
	h := newHarness()
	if err := h.sup.Reload(context.Background(), sensorConfig(map[string]string{"mqtt_broker": "h"}, "t")); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	c := h.clients[0]
	c.opts.OnConnectionLost(c, errors.New("eof"))

	if st := h.sup.Status(); st.State != StateDisconnected || st.LastError != "eof" {
		t.Errorf("status = %+v", st)
	}

	c.opts.OnReconnecting(c, c.opts)
	if st := h.sup.Status(); st.State != StateConnecting {
		t.Errorf("state after reconnecting = %s", st.State)
	}
}

func TestClose(t *testing.T) {
	h := newHarness()
	if err := h.sup.Reload(context.Background(), sensorConfig(map[string]string{"mqtt_broker": "h"})); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	h.sup.Close()
	if !h.clients[0].disconnected {
		t.Error("client not disconnected")
	}
	if st := h.sup.Status(); st.State != StateDisconnected {
		t.Errorf("state = %s", st.State)
	}
	h.sup.Close()
}

func TestReloadIPv6Broker(t *testing.T) {
	cases := []struct {
		extra map[string]string
		want  string
	}{
		{map[string]string{"mqtt_broker": "::1"}, "tcp://[::1]:1883"},
		{map[string]string{"mqtt_broker": "[fe80::1]", "mqtt_port": "8883", "mqtt_tls": "true"}, "ssl://[fe80::1]:8883"},
		{map[string]string{"mqtt_broker": "10.0.0.5", "mqtt_port": "1884"}, "tcp://10.0.0.5:1884"},
	}
	for _, c := range cases {
		h := newHarness()
		if err := h.sup.Reload(context.Background(), sensorConfig(c.extra)); err != nil {
			t.Fatalf("Reload %v: %v", c.extra, err)
		}
		if got := h.clients[0].opts.Servers[0].String(); got != c.want {
			t.Errorf("broker %q: url = %s, want %s", c.extra["mqtt_broker"], got, c.want)
		}
	}
}
