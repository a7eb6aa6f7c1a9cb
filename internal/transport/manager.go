package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/status"
)

var (
	// ErrClosed is returned after Disconnect.
	ErrClosed = errors.New("transport: session closed")
	// ErrNotConnected is returned when the pending-send queue is full.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrAttemptsExhausted is reported once the reconnect cap is hit.
	ErrAttemptsExhausted = errors.New("transport: reconnect attempts exhausted")
)

// Handler receives the raw data of one event.
type Handler func(data json.RawMessage)

// Options configures a Manager.
type Options struct {
	URL    string
	UserID string

	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	// MaxPending bounds the sends queued while presence is not registered.
	MaxPending int

	Dialer *websocket.Dialer
}

func (o *Options) setDefaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 10 * time.Second
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 10
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.MaxPending <= 0 {
		o.MaxPending = 256
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
}

// Manager owns the single transport session of the signed-in user. It
// reconnects on unexpected drops and queues sends until the user's presence
// is registered with the server.
type Manager struct {
	opts    Options
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	credential string
	closed     bool
	registered bool
	gen        uint64
	pending    []Envelope
	policy     backoff.BackOff
	retry      *time.Timer
	handlers   map[string]map[int]Handler
	nextID     int

	writeMu sync.Mutex
}

// NewManager creates a manager. It does not dial until Connect is called.
func NewManager(opts Options, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Manager {
	opts.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if machine == nil {
		machine = status.NewMachine(b)
	}
	return &Manager{
		opts:     opts,
		machine:  machine,
		bus:      b,
		logger:   logger,
		closed:   true,
		handlers: make(map[string]map[int]Handler),
	}
}

// State returns the connection status and reconnect attempt count.
func (m *Manager) State() status.Snapshot {
	return m.machine.Snapshot()
}

// On registers a handler for an event name and returns a function removing it.
// Handlers run on the read goroutine, one event at a time.
func (m *Manager) On(event string, h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	if m.handlers[event] == nil {
		m.handlers[event] = make(map[int]Handler)
	}
	m.handlers[event][id] = h
	return func() {
		m.mu.Lock()
		delete(m.handlers[event], id)
		m.mu.Unlock()
	}
}

// Connect opens the session with the given credential. A failed first
// handshake is returned to the caller and retried in the background under
// the reconnect policy. Calling Connect again after the attempt cap was hit
// starts a fresh session.
func (m *Manager) Connect(ctx context.Context, credential string) error {
	m.mu.Lock()
	if !m.closed && m.conn != nil {
		m.mu.Unlock()
		return nil
	}
	m.stopRetryLocked()
	m.closed = false
	m.credential = credential
	m.gen++
	gen := m.gen
	m.policy = newBackOff(m.opts.BaseDelay, m.opts.MaxDelay, m.opts.MaxAttempts)
	m.mu.Unlock()

	// The visible attempt counter only resets on a successful handshake; the
	// fresh policy restarts the cap.
	if err := m.dial(ctx, gen); err != nil {
		m.scheduleReconnect(gen)
		return err
	}
	return nil
}

// Disconnect tears the session down. Pending reconnects are cancelled and no
// handler runs after it returns.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.gen++
	m.stopRetryLocked()
	m.registered = false
	m.pending = nil
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout"),
			time.Now().Add(time.Second))
		m.writeMu.Unlock()
		_ = conn.Close()
	}
	if m.machine.Current() != status.Disconnected {
		_ = m.machine.Transition(status.Disconnected)
	}
	metrics.SetConnected(false)
	m.logger.Info("transport session closed")
}

// Send emits an event. Until presence is registered the event is queued and
// flushed, in order, right after registration.
func (m *Manager) Send(_ context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	env := Envelope{Event: event, Data: data}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if !m.registered || m.conn == nil {
		if len(m.pending) >= m.opts.MaxPending {
			m.mu.Unlock()
			return ErrNotConnected
		}
		m.pending = append(m.pending, env)
		m.mu.Unlock()
		return nil
	}
	conn := m.conn
	m.mu.Unlock()

	if err := m.write(conn, env); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

func (m *Manager) dial(ctx context.Context, gen uint64) error {
	ctx, span := otel.Tracer("chatsync/transport").Start(ctx, "transport.handshake")
	defer span.End()

	if err := m.machine.Transition(status.Connecting); err != nil {
		m.logger.Debug("connecting transition skipped", zap.Error(err))
	}

	m.mu.Lock()
	header := http.Header{}
	if m.credential != "" {
		header.Set("Authorization", "Bearer "+m.credential)
	}
	m.mu.Unlock()

	conn, resp, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handshake failed")
		m.logger.Warn("transport connect error", zap.Error(err), zap.String("url", m.opts.URL))
		if m.isCurrent(gen) {
			_ = m.machine.Transition(status.Disconnected)
		}
		m.publishError(err.Error(), false)
		m.dispatch(gen, EventConnectError, mustJSON(ErrorPayload{Message: err.Error()}))
		return fmt.Errorf("dial %s: %w", m.opts.URL, err)
	}

	m.mu.Lock()
	if m.closed || m.gen != gen {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	m.conn = conn
	if m.policy != nil {
		m.policy.Reset()
	}
	m.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(m.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.opts.PongWait))
	})

	_ = m.machine.Transition(status.Connected)
	metrics.SetConnected(true)
	span.SetAttributes(attribute.String("chatsync.user_id", m.opts.UserID))
	m.logger.Info("transport connected", zap.String("url", m.opts.URL))

	go m.readLoop(conn, gen)
	go m.pingLoop(conn, gen)

	m.dispatch(gen, EventConnect, nil)
	if err := m.register(conn, gen); err != nil {
		// The read loop sees the same broken socket and schedules the reconnect.
		m.logger.Warn("presence registration failed", zap.Error(err))
	}
	return nil
}

// register announces presence and flushes sends queued while it was pending.
func (m *Manager) register(conn *websocket.Conn, gen uint64) error {
	env := Envelope{Event: EventRegisterPresence, Data: mustJSON(PresencePayload{UserID: m.opts.UserID})}
	if err := m.write(conn, env); err != nil {
		return fmt.Errorf("register presence: %w", err)
	}

	for {
		m.mu.Lock()
		if m.gen != gen || m.closed {
			m.mu.Unlock()
			return nil
		}
		if len(m.pending) == 0 {
			m.registered = true
			m.mu.Unlock()
			return nil
		}
		batch := m.pending
		m.pending = nil
		m.mu.Unlock()

		for i, p := range batch {
			if err := m.write(conn, p); err != nil {
				m.mu.Lock()
				m.pending = append(batch[i:], m.pending...)
				m.mu.Unlock()
				return fmt.Errorf("flush pending: %w", err)
			}
		}
	}
}

func (m *Manager) write(conn *websocket.Conn, env Envelope) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.opts.WriteWait))
	if err := conn.WriteJSON(env); err != nil {
		return err
	}
	metrics.IncTransportEvent("out", env.Event)
	return nil
}

func (m *Manager) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				m.logger.Warn("dropping malformed frame", zap.Error(err))
				continue
			}
			m.handleDrop(conn, gen, err)
			return
		}
		metrics.IncTransportEvent("in", env.Event)
		m.dispatch(gen, env.Event, env.Data)
	}
}

func (m *Manager) pingLoop(conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()
	for range ticker.C {
		if !m.isCurrent(gen) {
			return
		}
		m.writeMu.Lock()
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.opts.WriteWait))
		m.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (m *Manager) handleDrop(conn *websocket.Conn, gen uint64, cause error) {
	m.mu.Lock()
	if m.closed || m.gen != gen || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.registered = false
	m.mu.Unlock()
	_ = conn.Close()

	m.logger.Warn("transport dropped", zap.Error(cause))
	_ = m.machine.Transition(status.Disconnected)
	metrics.SetConnected(false)
	m.dispatch(gen, EventDisconnect, mustJSON(ErrorPayload{Message: cause.Error()}))
	m.scheduleReconnect(gen)
}

func (m *Manager) scheduleReconnect(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.gen != gen || m.policy == nil {
		return
	}
	delay := m.policy.NextBackOff()
	if delay == backoff.Stop {
		m.logger.Error("giving up on transport", zap.Int("attempts", m.machine.Attempts()))
		m.publishError(ErrAttemptsExhausted.Error(), true)
		return
	}
	attempt := m.machine.BeginReconnect()
	metrics.IncReconnectAttempt()
	m.logger.Info("scheduling reconnect", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	m.retry = time.AfterFunc(delay, func() {
		if !m.isCurrent(gen) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.PongWait)
		defer cancel()
		if err := m.dial(ctx, gen); err != nil {
			m.scheduleReconnect(gen)
		}
	})
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.gen == gen
}

func (m *Manager) dispatch(gen uint64, event string, data json.RawMessage) {
	m.mu.Lock()
	if m.closed || m.gen != gen {
		m.mu.Unlock()
		return
	}
	hs := make([]Handler, 0, len(m.handlers[event]))
	for _, h := range m.handlers[event] {
		hs = append(hs, h)
	}
	m.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
}

// ConnectionErrorNotice is the payload of bus.ConnectionError.
type ConnectionErrorNotice struct {
	Message  string
	Terminal bool
}

func (m *Manager) publishError(msg string, terminal bool) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.ConnectionError,
		Timestamp: time.Now(),
		Payload:   ConnectionErrorNotice{Message: msg, Terminal: terminal},
	})
}

func mustJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
