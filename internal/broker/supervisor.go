package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"brancher-go/internal/config"
	"brancher-go/internal/logutil"
)

// State is the supervisor's view of the broker connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const (
	defaultConnectTimeout = 10 * time.Second
	disconnectQuiesce     = 250
)

// ErrNoBroker is returned by Reload when the configuration names no broker.
var ErrNoBroker = errors.New("no broker configured")

// Notifier fans events out to every connected client.
type Notifier interface {
	Broadcast(event string, payload any)
}

// Recorder persists received messages.
type Recorder interface {
	RecordMessage(topic string, payload []byte, receivedAt time.Time) error
}

type Options struct {
	Notifier Notifier
	Recorder Recorder // optional
	// NewClient builds the MQTT client. Defaults to mqtt.NewClient.
	NewClient      func(*mqtt.ClientOptions) mqtt.Client
	ConnectTimeout time.Duration
}

// Status is a point-in-time snapshot of the connection.
type Status struct {
	State         State      `json:"state"`
	Broker        string     `json:"broker"`
	Subscriptions []string   `json:"subscriptions"`
	LastError     string     `json:"last_error,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// Supervisor owns the single broker connection and the configuration
// snapshot it was built from.
type Supervisor struct {
	notifier       Notifier
	recorder       Recorder
	newClient      func(*mqtt.ClientOptions) mqtt.Client
	connectTimeout time.Duration

	// reloadMu serializes Reload and Close.
	reloadMu sync.Mutex

	mu         sync.Mutex
	client     mqtt.Client
	generation uint64
	current    config.StructuredConfig
	state      State
	broker     string
	subscribed []string
	lastErr    string
	lastMsg    time.Time
}

func New(opts Options) *Supervisor {
	if opts.NewClient == nil {
		opts.NewClient = mqtt.NewClient
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	return &Supervisor{
		notifier:       opts.Notifier,
		recorder:       opts.Recorder,
		newClient:      opts.NewClient,
		connectTimeout: opts.ConnectTimeout,
		state:          StateDisconnected,
	}
}

// Reload tears down the current connection and connects with cfg. Callbacks
// from the previous client are ignored once Reload starts.
func (s *Supervisor) Reload(ctx context.Context, cfg config.StructuredConfig) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	settings := settingsFrom(cfg)

	s.mu.Lock()
	old := s.client
	s.client = nil
	s.generation++
	gen := s.generation
	s.current = cfg
	s.state = StateDisconnected
	s.broker = settings.Host
	s.subscribed = nil
	s.mu.Unlock()

	if old != nil {
		old.Disconnect(disconnectQuiesce)
	}

	if settings.Host == "" {
		log.Printf("[broker] %v", ErrNoBroker)
		s.mu.Lock()
		s.lastErr = ErrNoBroker.Error()
		s.mu.Unlock()
		s.notify(EventStatus, StatusEvent{Status: string(StateDisconnected), Error: ErrNoBroker.Error()})
		return ErrNoBroker
	}

	opts := mqtt.NewClientOptions().
		AddBroker(settings.brokerURL()).
		SetClientID(settings.ClientID).
		SetKeepAlive(settings.KeepAlive).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetConnectTimeout(s.connectTimeout)

	if settings.hasCredentials() {
		opts.SetUsername(settings.Username)
		opts.SetPassword(settings.Password)
	}
	if settings.TLS {
		opts.SetTLSConfig(defaultTLSConfig(settings.TLSInsecure))
	}

	opts.OnConnect = func(c mqtt.Client) {
		s.onConnect(gen, c, settings)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.onConnectionLost(gen, err)
	}
	opts.OnReconnecting = func(mqtt.Client, *mqtt.ClientOptions) {
		s.mu.Lock()
		if s.generation == gen {
			s.state = StateConnecting
		}
		s.mu.Unlock()
		log.Printf("[broker] Reconnecting to %s", logutil.Sanitize(settings.Host))
	}

	client := s.newClient(opts)
	s.mu.Lock()
	s.client = client
	s.state = StateConnecting
	s.mu.Unlock()

	log.Printf("[broker] Connecting to %s:%d", logutil.Sanitize(settings.Host), settings.Port)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		go func() {
			<-token.Done()
			client.Disconnect(0)
		}()
		s.connectFailed(gen, settings.Host, ctx.Err(), 0)
		return ctx.Err()
	}

	if err := token.Error(); err != nil {
		var code int
		if ct, ok := token.(*mqtt.ConnectToken); ok {
			code = int(ct.ReturnCode())
		}
		s.connectFailed(gen, settings.Host, err, code)
		return fmt.Errorf("connect %s: %w", settings.Host, err)
	}
	return nil
}

func (s *Supervisor) onConnect(gen uint64, c mqtt.Client, settings connSettings) {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	topics := s.current.Topics()
	s.mu.Unlock()

	var subscribed []string
	for _, topic := range topics {
		token := c.Subscribe(topic, settings.QoS, s.messageHandler(gen))
		if token.Wait() && token.Error() != nil {
			log.Printf("[broker] Subscribe %s failed: %v", logutil.Sanitize(topic), token.Error())
			continue
		}
		subscribed = append(subscribed, topic)
		log.Printf("[broker] Subscribed to %s", logutil.Sanitize(topic))
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	s.subscribed = subscribed
	s.lastErr = ""
	s.mu.Unlock()

	log.Printf("[broker] Connected to %s", logutil.Sanitize(settings.Host))
	s.notify(EventStatus, StatusEvent{Status: string(StateConnected), Broker: settings.Host})
}

func (s *Supervisor) onConnectionLost(gen uint64, err error) {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected
	if err != nil {
		s.lastErr = err.Error()
	}
	broker := s.broker
	msg := s.lastErr
	s.mu.Unlock()

	log.Printf("[broker] Connection to %s lost: %v", logutil.Sanitize(broker), err)
	s.notify(EventStatus, StatusEvent{Status: string(StateDisconnected), Broker: broker, Error: msg})
}

func (s *Supervisor) connectFailed(gen uint64, broker string, err error, code int) {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	s.client = nil
	s.state = StateDisconnected
	s.lastErr = err.Error()
	s.mu.Unlock()

	log.Printf("[broker] Connect to %s failed (code %d): %v", logutil.Sanitize(broker), code, err)
	s.notify(EventStatus, StatusEvent{
		Status: string(StateDisconnected),
		Broker: broker,
		Error:  err.Error(),
		Code:   code,
	})
}

func (s *Supervisor) messageHandler(gen uint64) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		s.mu.Lock()
		stale := s.generation != gen
		s.mu.Unlock()
		if stale {
			return
		}
		s.OnMessage(msg.Topic(), msg.Payload())
	}
}

// OnMessage decodes a payload and broadcasts it as sensor data. It never
// fails; payloads that are not JSON are forwarded wrapped.
func (s *Supervisor) OnMessage(topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[broker] Dropped message on %s: %v", logutil.Sanitize(topic), r)
		}
	}()

	now := time.Now()
	s.mu.Lock()
	s.lastMsg = now
	s.mu.Unlock()

	log.Printf("[broker] Received on %s: %s", logutil.Sanitize(topic), logutil.Sanitize(compact(payload)))

	if s.recorder != nil {
		if err := s.recorder.RecordMessage(topic, payload, now); err != nil {
			log.Printf("[broker] Record message: %v", err)
		}
	}
	s.notify(EventSensorData, decodePayload(topic, payload))
}

// Status returns a snapshot of the connection state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:         s.state,
		Broker:        s.broker,
		Subscriptions: append([]string{}, s.subscribed...),
		LastError:     s.lastErr,
	}
	if !s.lastMsg.IsZero() {
		t := s.lastMsg
		st.LastMessageAt = &t
	}
	return st
}

// StatusEvent is the greeting sent to newly connected clients.
func (s *Supervisor) StatusEvent() StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := StateDisconnected
	if s.state == StateConnected {
		status = StateConnected
	}
	return StatusEvent{Status: string(status), Broker: s.broker}
}

// Close disconnects the broker client. Later callbacks are ignored.
func (s *Supervisor) Close() {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	s.mu.Lock()
	client := s.client
	s.client = nil
	s.generation++
	s.state = StateDisconnected
	s.subscribed = nil
	s.mu.Unlock()

	if client != nil {
		client.Disconnect(disconnectQuiesce)
	}
}

func (s *Supervisor) notify(event string, payload any) {
	if s.notifier != nil {
		s.notifier.Broadcast(event, payload)
	}
}
