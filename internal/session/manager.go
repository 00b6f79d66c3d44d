// Package session owns the websocket connection lifecycle: the auth-first
// handshake, liveness pings, per-message rate limiting and the routing of
// decoded messages to the orchestrator and subscription router.
package session

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/djlord-it/easy-grid/internal/auth"
	"github.com/djlord-it/easy-grid/internal/domain"
	"github.com/djlord-it/easy-grid/internal/orchestrator"
	"github.com/djlord-it/easy-grid/internal/protocol"
	"github.com/djlord-it/easy-grid/internal/ratelimit"
)

// Defaults applied when the caller leaves Config fields zero.
const (
	DefaultAuthTimeout  = 10 * time.Second
	DefaultPingInterval = 20 * time.Second
	DefaultSendBuffer   = 256
	DefaultMaxFrameSize = 512 * 1024
	DefaultWriteTimeout = 10 * time.Second
)

// Close reasons reported to clients and metrics.
const (
	CloseReasonAuthTimeout    = "auth_timeout"
	CloseReasonAuthFailed     = "auth_failed"
	CloseReasonLivenessLost   = "liveness_lost"
	CloseReasonBufferOverflow = "send_buffer_overflow"
	CloseReasonServerDraining = "server_draining"
	CloseReasonClientGone     = "client_gone"
)

// ExecutionService is what a session needs from the orchestrator.
type ExecutionService interface {
	Submit(ctx context.Context, sessionID uuid.UUID, identity string, msgID uuid.UUID, p domain.SubmitPayload) (uuid.UUID, error)
	Cancel(ctx context.Context, executionID, sessionID uuid.UUID) (domain.ExecutionStatus, error)
	HandleAck(workerID, executionID uuid.UUID, attempt int)
	HandleProgress(workerID uuid.UUID, p domain.ProgressPayload)
	HandleResult(workerID uuid.UUID, p domain.ResultPayload)
	WorkerJoined(workerID uuid.UUID)
	WorkerGone(workerID uuid.UUID)
}

// Subscriptions is what a session needs from the broadcast router.
type Subscriptions interface {
	Subscribe(sessionID uuid.UUID, types []domain.EventType, tags []string)
	Unsubscribe(sessionID uuid.UUID)
}

// MessageQuota limits inbound message volume per identity. Satisfied by
// *ratelimit.Limiter.
type MessageQuota interface {
	CheckAndConsume(identity string, cost int) ratelimit.Decision
	Forget(identity string)
}

// MetricsSink defines the interface for recording session metrics.
type MetricsSink interface {
	SessionOpened()
	SessionClosed(reason string)
	SessionAuthenticated(worker bool)
	MessageDecoded(kind string)
	MessageDecodeError(reason string)
	RateLimitDenied(quota string)
}

// Config tunes session handling.
type Config struct {
	// AuthTimeout bounds how long a fresh connection may sit before its
	// auth message arrives.
	AuthTimeout time.Duration
	// PingInterval is the server ping cadence; a session missing two
	// intervals of traffic is closed as dead.
	PingInterval time.Duration
	// SendBuffer is the per-session outbound queue bound.
	SendBuffer int
	// MaxFrameSize caps inbound frames.
	MaxFrameSize int64
	// WriteTimeout bounds each outbound write.
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// Manager tracks all live sessions and adapts them to the orchestrator's
// worker registry, invoker and result sender interfaces.
type Manager struct {
	config    Config
	validator auth.IdentityValidator
	exec      ExecutionService
	subs      Subscriptions
	quota     MessageQuota // optional, nil = unlimited
	metrics   MetricsSink  // optional, nil = disabled
	upgrader  websocket.Upgrader

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	draining bool
}

// NewManager creates a session manager. validator, exec and subs are
// required.
func NewManager(cfg Config, validator auth.IdentityValidator, exec ExecutionService, subs Subscriptions) *Manager {
	return &Manager{
		config:    cfg.withDefaults(),
		validator: validator,
		exec:      exec,
		subs:      subs,
		sessions:  make(map[uuid.UUID]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Token auth happens in-band; the HTTP origin adds nothing.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// WithQuota attaches per-identity message rate limiting.
func (m *Manager) WithQuota(q MessageQuota) *Manager {
	m.quota = q
	return m
}

// WithMetrics attaches a metrics sink.
func (m *Manager) WithMetrics(sink MetricsSink) *Manager {
	m.metrics = sink
	return m
}

// HandleWS upgrades an HTTP request and runs the session until the
// connection closes.
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("session: upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	if m.metrics != nil {
		m.metrics.SessionOpened()
	}

	s := newSession(m, conn)
	s.run()
}

func (m *Manager) register(s *Session) {
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
}

func (m *Manager) unregister(id uuid.UUID) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func (m *Manager) isDraining() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.draining
}

// identityActive reports whether any live session still belongs to the
// identity; limiter state is dropped once the last one leaves.
func (m *Manager) identityActive(identity string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.identity() == identity {
			return true
		}
	}
	return false
}

func (m *Manager) get(id uuid.UUID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions returns a snapshot of all live session infos for monitoring.
func (m *Manager) Sessions() []domain.SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// ReadyWorkers implements orchestrator.WorkerRegistry.
func (m *Manager) ReadyWorkers() []orchestrator.WorkerSlot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []orchestrator.WorkerSlot
	for _, s := range m.sessions {
		info := s.snapshot()
		if info.Worker && info.State == domain.SessionStateReady {
			out = append(out, orchestrator.WorkerSlot{SessionID: info.SessionID, Slots: info.Slots})
		}
	}
	return out
}

// Dispatch implements orchestrator.WorkerInvoker.
func (m *Manager) Dispatch(workerID uuid.UUID, p domain.DispatchPayload) error {
	msg, err := domain.NewMessage(domain.KindDispatch, p)
	if err != nil {
		return err
	}
	return m.sendTo(workerID, msg)
}

// NotifyCancel implements orchestrator.WorkerInvoker.
func (m *Manager) NotifyCancel(workerID uuid.UUID, executionID uuid.UUID) error {
	msg, err := domain.NewMessage(domain.KindCancel, domain.CancelPayload{ExecutionID: executionID.String()})
	if err != nil {
		return err
	}
	return m.sendTo(workerID, msg)
}

// SendResult implements orchestrator.ResultSender.
func (m *Manager) SendResult(sessionID uuid.UUID, correlationID uuid.UUID, p domain.ResultPayload) error {
	msg, err := domain.NewMessage(domain.KindResult, p)
	if err != nil {
		return err
	}
	msg.CorrelationID = &correlationID
	return m.sendTo(sessionID, msg)
}

// SendEvent implements router.Sender.
func (m *Manager) SendEvent(sessionID uuid.UUID, ev domain.LifecycleEvent) error {
	msg, err := domain.NewMessage(domain.KindEvent, ev)
	if err != nil {
		return err
	}
	return m.sendTo(sessionID, msg)
}

// SendGap implements router.Sender.
func (m *Manager) SendGap(sessionID uuid.UUID, dropped int) error {
	msg, err := domain.NewMessage(domain.KindGap, domain.GapPayload{Dropped: dropped})
	if err != nil {
		return err
	}
	return m.sendTo(sessionID, msg)
}

func (m *Manager) sendTo(sessionID uuid.UUID, msg domain.Message) error {
	s, ok := m.get(sessionID)
	if !ok {
		return fmt.Errorf("session %s not connected", sessionID)
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return s.enqueue(data)
}

// SetDraining flags the manager so sessions reject new submissions.
func (m *Manager) SetDraining() {
	m.mu.Lock()
	m.draining = true
	n := len(m.sessions)
	for _, s := range m.sessions {
		s.setState(domain.SessionStateDraining)
	}
	m.mu.Unlock()
	log.Printf("session: draining %d sessions", n)
}

// Shutdown sends a close notice to every session and waits for them to
// finish, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	for _, s := range all {
		s.sendClose(CloseReasonServerDraining)
	}

	deadline := time.NewTimer(500 * time.Millisecond)
	defer deadline.Stop()
	select {
	case <-ctx.Done():
	case <-deadline.C:
	}

	for _, s := range all {
		s.close(CloseReasonServerDraining)
	}
}
