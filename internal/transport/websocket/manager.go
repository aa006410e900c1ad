// Package websocket owns the single live connection to the realtime feed:
// connect, heartbeat, bounded reconnect, and dispatch of inbound messages
// into application state.
package websocket

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/scopehq/scope-client/internal/domain"
)

// Phase is the tagged connection state. Exactly one phase holds at any
// instant; isConnected/isConnecting flag combinations are unrepresentable.
type Phase int

const (
	PhaseClosed Phase = iota
	PhaseConnecting
	PhaseOpen
	PhaseReconnectWait
)

func (p Phase) String() string {
	switch p {
	case PhaseClosed:
		return "closed"
	case PhaseConnecting:
		return "connecting"
	case PhaseOpen:
		return "open"
	case PhaseReconnectWait:
		return "reconnect-wait"
	}
	return "unknown"
}

// ConnState is a read snapshot for UI consumers (the "Offline" indicator).
type ConnState struct {
	Phase             Phase
	Err               string
	ReconnectAttempts int
}

// Handler consumes one inbound feed message.
type Handler func(domain.Envelope)

// Config carries the connection policy.
type Config struct {
	URL                  string
	DefaultChannels      []string
	HeartbeatInterval    time.Duration
	ReconnectBackoff     time.Duration
	MaxReconnectAttempts int
}

// Manager owns one socket at a time. All transitions run under mu; the
// write mutex serializes socket writes because gorilla's WriteJSON is not
// safe for concurrent use.
type Manager struct {
	cfg      Config
	dialer   *websocket.Dialer
	log      zerolog.Logger
	handlers map[string]Handler

	mu             sync.Mutex
	phase          Phase
	conn           *websocket.Conn
	lastErr        string
	attempts       int
	manual         bool
	channels       map[string]struct{}
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}
	// gen identifies the dial attempt a connection belongs to, so events
	// from a superseded connection cannot corrupt the current one.
	gen int

	writeMu sync.Mutex
}

// Option modifies a Manager at construction time.
type Option func(*Manager)

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithHandler routes messages of the given type to h. Unregistered types are
// logged and dropped.
func WithHandler(msgType string, h Handler) Option {
	return func(m *Manager) { m.handlers[msgType] = h }
}

func NewManager(cfg Config, options ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		dialer:   websocket.DefaultDialer,
		log:      zerolog.Nop(),
		handlers: make(map[string]Handler),
		phase:    PhaseClosed,
		channels: make(map[string]struct{}),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Connect opens the socket. A no-op while already connecting or open. From
// reconnect-wait it cancels the pending timer and dials immediately.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.phase == PhaseConnecting || m.phase == PhaseOpen {
		m.mu.Unlock()
		return
	}
	m.manual = false
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.phase = PhaseConnecting
	m.attempts = 0
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	go m.dial(gen)
}

// Disconnect tears the connection down with a normal closure and suppresses
// reconnection. Safe in any phase; cancels a pending reconnect timer.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	m.gen++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.stopHeartbeatLocked()
	conn := m.conn
	m.conn = nil
	m.phase = PhaseClosed
	m.attempts = 0
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		m.writeMu.Unlock()
		_ = conn.Close()
	}
	m.log.Info().Msg("websocket disconnected")
}

// State returns a snapshot of the connection state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnState{Phase: m.phase, Err: m.lastErr, ReconnectAttempts: m.attempts}
}

// IsConnected reports whether the socket is open.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == PhaseOpen
}

// SendMessage writes one message. Returns false without blocking or
// panicking when the socket is not open — the only backpressure signal
// exposed to callers; nothing is queued while disconnected.
func (m *Manager) SendMessage(env domain.Envelope) bool {
	m.mu.Lock()
	conn := m.conn
	open := m.phase == PhaseOpen
	m.mu.Unlock()
	if !open || conn == nil {
		return false
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(env); err != nil {
		m.log.Warn().Err(err).Str("type", env.Type).Msg("websocket write failed")
		return false
	}
	return true
}

// Subscribe adds channels to the replayed set and announces them. The set is
// re-sent on every successful (re)connect so explicit subscriptions survive
// a drop.
func (m *Manager) Subscribe(channels ...string) bool {
	m.mu.Lock()
	for _, ch := range channels {
		m.channels[ch] = struct{}{}
	}
	m.mu.Unlock()
	return m.sendChannelRequest(domain.MsgSubscribe, channels)
}

// Unsubscribe removes channels from the replayed set and announces it.
func (m *Manager) Unsubscribe(channels ...string) bool {
	m.mu.Lock()
	for _, ch := range channels {
		delete(m.channels, ch)
	}
	m.mu.Unlock()
	return m.sendChannelRequest(domain.MsgUnsubscribe, channels)
}

func (m *Manager) sendChannelRequest(msgType string, channels []string) bool {
	env, err := newEnvelope(msgType, domain.ChannelRequest{Channels: channels})
	if err != nil {
		return false
	}
	return m.SendMessage(env)
}

func (m *Manager) dial(gen int) {
	conn, _, err := m.dialer.Dial(m.cfg.URL, nil)

	m.mu.Lock()
	if m.gen != gen || m.manual {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.lastErr = err.Error()
		m.log.Warn().Err(err).Str("url", m.cfg.URL).Msg("websocket dial failed")
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return
	}

	m.conn = conn
	m.phase = PhaseOpen
	m.attempts = 0
	m.lastErr = ""
	stop := make(chan struct{})
	m.heartbeatStop = stop
	channels := make([]string, 0, len(m.cfg.DefaultChannels)+len(m.channels))
	channels = append(channels, m.cfg.DefaultChannels...)
	for ch := range m.channels {
		if !contains(m.cfg.DefaultChannels, ch) {
			channels = append(channels, ch)
		}
	}
	m.mu.Unlock()

	m.log.Info().Str("url", m.cfg.URL).Msg("websocket connected")
	if len(channels) > 0 {
		m.sendChannelRequest(domain.MsgSubscribe, channels)
	}
	go m.heartbeatLoop(stop)
	go m.readLoop(conn, gen)
}

func (m *Manager) readLoop(conn *websocket.Conn, gen int) {
	for {
		var env domain.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			m.handleClose(gen, err)
			return
		}
		m.dispatch(env)
	}
}

func (m *Manager) dispatch(env domain.Envelope) {
	if env.Type == domain.MsgPong {
		return // heartbeat acknowledgement
	}
	handler, ok := m.handlers[env.Type]
	if !ok {
		m.log.Debug().Str("type", env.Type).Msg("dropping message of unknown type")
		return
	}
	handler(env)
}

// handleClose drives the post-close transition for the connection belonging
// to gen. Events from superseded connections are ignored.
func (m *Manager) handleClose(gen int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}
	m.stopHeartbeatLocked()
	m.conn = nil
	if m.manual {
		m.phase = PhaseClosed
		return
	}
	if err != nil {
		m.lastErr = err.Error()
	}
	m.log.Warn().Err(err).Msg("websocket closed unexpectedly")
	m.scheduleReconnectLocked()
}

func (m *Manager) scheduleReconnectLocked() {
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.phase = PhaseClosed
		m.lastErr = fmt.Sprintf("gave up after %d reconnect attempts: %s", m.attempts, m.lastErr)
		m.log.Error().Int("attempts", m.attempts).Msg("websocket reconnect attempts exhausted")
		return
	}
	m.attempts++
	m.phase = PhaseReconnectWait
	m.gen++
	gen := m.gen
	m.log.Info().Int("attempt", m.attempts).Dur("backoff", m.cfg.ReconnectBackoff).
		Msg("websocket scheduling reconnect")

	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	m.reconnectTimer = time.AfterFunc(m.cfg.ReconnectBackoff, func() {
		m.mu.Lock()
		if m.manual || m.gen != gen || m.phase != PhaseReconnectWait {
			m.mu.Unlock()
			return
		}
		m.phase = PhaseConnecting
		m.mu.Unlock()
		m.dial(gen)
	})
}

func (m *Manager) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !m.SendMessage(domain.Envelope{Type: domain.MsgPing, Timestamp: time.Now()}) {
				return
			}
		}
	}
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
}

func newEnvelope(msgType string, payload interface{}) (domain.Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Envelope{}, err
	}
	return domain.Envelope{Type: msgType, Data: data, Timestamp: time.Now()}, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
