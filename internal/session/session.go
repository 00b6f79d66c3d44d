package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/djlord-it/easy-grid/internal/domain"
	"github.com/djlord-it/easy-grid/internal/metrics"
	"github.com/djlord-it/easy-grid/internal/protocol"
)

// Session is one live websocket connection. The read pump is the only
// goroutine decoding inbound frames; the write pump is the only one
// touching the connection for writes.
type Session struct {
	id      uuid.UUID
	manager *Manager
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once

	mu   sync.Mutex
	info domain.SessionInfo
}

func newSession(m *Manager, conn *websocket.Conn) *Session {
	id := uuid.New()
	return &Session{
		id:      id,
		manager: m,
		conn:    conn,
		send:    make(chan []byte, m.config.SendBuffer),
		done:    make(chan struct{}),
		info: domain.SessionInfo{
			SessionID:   id,
			State:       domain.SessionStateConnecting,
			ConnectedAt: time.Now(),
		},
	}
}

func (s *Session) snapshot() domain.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info
	info.Permissions = append([]string(nil), s.info.Permissions...)
	return info
}

func (s *Session) setState(state domain.SessionState) {
	s.mu.Lock()
	s.info.State = state
	s.mu.Unlock()
}

func (s *Session) identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.Identity
}

func (s *Session) hasPermission(cap string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.HasPermission(cap)
}

func (s *Session) isWorker() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.Worker
}

// run performs the auth handshake, then pumps messages until the
// connection dies.
func (s *Session) run() {
	cfg := s.manager.config

	if !s.authenticate() {
		_ = s.conn.Close()
		return
	}

	s.manager.register(s)
	info := s.snapshot()
	log.Printf("session: authenticated session=%s identity=%s worker=%t", s.id, info.Identity, info.Worker)

	go s.writePump()
	go s.pingLoop()

	s.replyAuthOK()
	if info.Worker {
		s.manager.exec.WorkerJoined(s.id)
	}

	s.readPump(cfg)

	s.manager.subs.Unsubscribe(s.id)
	if info.Worker {
		s.manager.exec.WorkerGone(s.id)
	}
	s.manager.unregister(s.id)
	if q := s.manager.quota; q != nil && !s.manager.identityActive(info.Identity) {
		q.Forget(info.Identity)
	}
	s.close(CloseReasonClientGone)
	log.Printf("session: closed session=%s identity=%s", s.id, info.Identity)
}

// authenticate reads the mandatory first frame. Anything other than a
// valid auth message within the timeout ends the connection.
func (s *Session) authenticate() bool {
	cfg := s.manager.config
	s.setState(domain.SessionStateAuthenticating)
	s.conn.SetReadLimit(cfg.MaxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(cfg.AuthTimeout))

	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		reason := CloseReasonClientGone
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			reason = CloseReasonAuthTimeout
		}
		s.closedBeforeReady(reason)
		return false
	}

	msg, err := protocol.Decode(raw)
	if err != nil {
		s.writeDirectError(uuid.Nil, domain.CodeProtocolError, "first message must be auth")
		s.closedBeforeReady(CloseReasonAuthFailed)
		return false
	}
	if msg.Kind != domain.KindAuth {
		s.writeDirectError(msg.ID, domain.CodeProtocolError, "first message must be auth")
		s.closedBeforeReady(CloseReasonAuthFailed)
		return false
	}

	var p domain.AuthPayload
	if err := protocol.DecodePayload(msg, &p); err != nil {
		s.writeDirectError(msg.ID, domain.CodeProtocolError, "malformed auth payload")
		s.closedBeforeReady(CloseReasonAuthFailed)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.AuthTimeout)
	defer cancel()
	identity, err := s.manager.validator.Validate(ctx, p.Token)
	if err != nil {
		s.writeDirectError(msg.ID, domain.CodeAuthFailed, "authentication failed")
		s.closedBeforeReady(CloseReasonAuthFailed)
		return false
	}

	worker := p.Worker
	if worker {
		hasWorkerCap := false
		for _, perm := range identity.Permissions {
			if perm == domain.CapWorker {
				hasWorkerCap = true
			}
		}
		if !hasWorkerCap {
			s.writeDirectError(msg.ID, domain.CodeForbidden, "identity lacks worker capability")
			s.closedBeforeReady(CloseReasonAuthFailed)
			return false
		}
	}

	now := time.Now()
	s.mu.Lock()
	s.info.Identity = identity.Name
	s.info.Permissions = identity.Permissions
	s.info.Worker = worker
	s.info.Slots = p.Slots
	s.info.State = domain.SessionStateReady
	s.info.LastLivenessAt = now
	s.mu.Unlock()

	if m := s.manager.metrics; m != nil {
		m.SessionAuthenticated(worker)
	}
	return true
}

func (s *Session) replyAuthOK() {
	info := s.snapshot()
	msg, err := domain.NewMessage(domain.KindAuthOK, domain.AuthOKPayload{
		SessionID:      s.id.String(),
		Identity:       info.Identity,
		Permissions:    info.Permissions,
		PingIntervalMs: int(s.manager.config.PingInterval.Milliseconds()),
	})
	if err != nil {
		return
	}
	data, _ := protocol.Encode(msg)
	if err := s.enqueue(data); err != nil {
		log.Printf("session: auth_ok delivery session=%s failed: %v", s.id, err)
	}
}

// writeDirectError writes an error frame before the pumps exist; only the
// handshake may use it.
func (s *Session) writeDirectError(correlate uuid.UUID, code, message string) {
	msg, err := domain.NewMessage(domain.KindError, domain.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	if correlate != uuid.Nil {
		msg.CorrelationID = &correlate
	}
	data, _ := protocol.Encode(msg)
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.manager.config.WriteTimeout))
	_ = s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) closedBeforeReady(reason string) {
	s.setState(domain.SessionStateClosed)
	if m := s.manager.metrics; m != nil {
		m.SessionClosed(reason)
	}
}

func (s *Session) readPump(cfg Config) {
	// Two missed ping intervals means the peer is gone.
	livenessWindow := 2*cfg.PingInterval + cfg.PingInterval/2
	_ = s.conn.SetReadDeadline(time.Now().Add(livenessWindow))

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				log.Printf("session: liveness lost session=%s", s.id)
				s.close(CloseReasonLivenessLost)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(livenessWindow))
		s.mu.Lock()
		s.info.LastLivenessAt = time.Now()
		s.mu.Unlock()

		s.handleMessage(raw)
	}
}

func (s *Session) handleMessage(raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		var de *protocol.DecodeError
		correlate := uuid.Nil
		reason := protocol.ReasonMalformed
		if errors.As(err, &de) {
			reason = de.Reason
			if de.HasID {
				correlate = de.MsgID
			}
		}
		if m := s.manager.metrics; m != nil {
			m.MessageDecodeError(reason)
		}
		s.sendError(correlate, domain.CodeProtocolError, err.Error(), 0)
		return
	}
	if m := s.manager.metrics; m != nil {
		m.MessageDecoded(string(msg.Kind))
	}

	// Liveness traffic is exempt from the message quota so a throttled
	// client is not also declared dead.
	if msg.Kind != domain.KindPing && msg.Kind != domain.KindPong {
		if q := s.manager.quota; q != nil {
			if d := q.CheckAndConsume(s.identity(), 1); !d.Allowed {
				if m := s.manager.metrics; m != nil {
					m.RateLimitDenied(metrics.QuotaMessages)
				}
				s.sendError(msg.ID, domain.CodeQuotaExceeded, "message rate limit exceeded", d.RetryAfter)
				return
			}
		}
	}

	switch msg.Kind {
	case domain.KindPing:
		s.reply(msg, domain.KindPong, nil)
	case domain.KindPong:
		// deadline already refreshed
	case domain.KindSubmit:
		s.handleSubmit(msg)
	case domain.KindCancel:
		s.handleCancel(msg)
	case domain.KindSubscribe:
		s.handleSubscribe(msg)
	case domain.KindUnsubscribe:
		s.manager.subs.Unsubscribe(s.id)
		s.reply(msg, domain.KindSubscribeOK, nil)
	case domain.KindDispatchAck:
		s.handleDispatchAck(msg)
	case domain.KindProgress:
		s.handleProgress(msg)
	case domain.KindResult:
		s.handleResult(msg)
	case domain.KindClose:
		s.close(CloseReasonClientGone)
	default:
		s.sendError(msg.ID, domain.CodeProtocolError, fmt.Sprintf("unexpected message kind %q", msg.Kind), 0)
	}
}

func (s *Session) handleSubmit(msg domain.Message) {
	if !s.hasPermission(domain.CapExecute) {
		s.sendError(msg.ID, domain.CodeForbidden, "missing execute capability", 0)
		return
	}
	if s.manager.isDraining() {
		s.sendError(msg.ID, domain.CodeServerDraining, "server is draining", 0)
		return
	}
	var p domain.SubmitPayload
	if err := protocol.DecodePayload(msg, &p); err != nil {
		s.sendError(msg.ID, domain.CodeProtocolError, "malformed submit payload", 0)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	execID, err := s.manager.exec.Submit(ctx, s.id, s.identity(), msg.ID, p)
	if err != nil {
		s.sendDomainError(msg.ID, err)
		return
	}
	s.reply(msg, domain.KindSubmitOK, domain.SubmitOKPayload{ExecutionID: execID.String()})
}

func (s *Session) handleCancel(msg domain.Message) {
	if !s.hasPermission(domain.CapCancel) {
		s.sendError(msg.ID, domain.CodeForbidden, "missing cancel capability", 0)
		return
	}
	var p domain.CancelPayload
	if err := protocol.DecodePayload(msg, &p); err != nil {
		s.sendError(msg.ID, domain.CodeProtocolError, "malformed cancel payload", 0)
		return
	}
	execID, err := uuid.Parse(p.ExecutionID)
	if err != nil {
		s.sendError(msg.ID, domain.CodeValidationFailed, "invalid execution id", 0)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := s.manager.exec.Cancel(ctx, execID, s.id)
	if err != nil {
		s.sendDomainError(msg.ID, err)
		return
	}
	s.reply(msg, domain.KindCancelOK, domain.CancelOKPayload{ExecutionID: p.ExecutionID, Status: string(status)})
}

func (s *Session) handleSubscribe(msg domain.Message) {
	if !s.hasPermission(domain.CapSubscribe) {
		s.sendError(msg.ID, domain.CodeForbidden, "missing subscribe capability", 0)
		return
	}
	var p domain.SubscribePayload
	if len(msg.Payload) > 0 {
		if err := protocol.DecodePayload(msg, &p); err != nil {
			s.sendError(msg.ID, domain.CodeProtocolError, "malformed subscribe payload", 0)
			return
		}
	}
	s.manager.subs.Subscribe(s.id, p.Types, p.Tags)
	s.reply(msg, domain.KindSubscribeOK, nil)
}

func (s *Session) handleDispatchAck(msg domain.Message) {
	if !s.isWorker() {
		s.sendError(msg.ID, domain.CodeForbidden, "not a worker session", 0)
		return
	}
	var p domain.DispatchAckPayload
	if err := protocol.DecodePayload(msg, &p); err != nil {
		s.sendError(msg.ID, domain.CodeProtocolError, "malformed dispatch_ack payload", 0)
		return
	}
	execID, err := uuid.Parse(p.ExecutionID)
	if err != nil {
		s.sendError(msg.ID, domain.CodeValidationFailed, "invalid execution id", 0)
		return
	}
	s.manager.exec.HandleAck(s.id, execID, p.Attempt)
}

func (s *Session) handleProgress(msg domain.Message) {
	if !s.isWorker() {
		s.sendError(msg.ID, domain.CodeForbidden, "not a worker session", 0)
		return
	}
	var p domain.ProgressPayload
	if err := protocol.DecodePayload(msg, &p); err != nil {
		s.sendError(msg.ID, domain.CodeProtocolError, "malformed progress payload", 0)
		return
	}
	s.manager.exec.HandleProgress(s.id, p)
}

func (s *Session) handleResult(msg domain.Message) {
	if !s.isWorker() {
		s.sendError(msg.ID, domain.CodeForbidden, "not a worker session", 0)
		return
	}
	var p domain.ResultPayload
	if err := protocol.DecodePayload(msg, &p); err != nil {
		s.sendError(msg.ID, domain.CodeProtocolError, "malformed result payload", 0)
		return
	}
	s.manager.exec.HandleResult(s.id, p)
}

func (s *Session) reply(req domain.Message, kind domain.Kind, payload any) {
	msg, err := domain.NewReply(req, kind, payload)
	if err != nil {
		log.Printf("session: build %s reply session=%s failed: %v", kind, s.id, err)
		return
	}
	data, _ := protocol.Encode(msg)
	if err := s.enqueue(data); err != nil {
		log.Printf("session: %s reply session=%s dropped: %v", kind, s.id, err)
	}
}

// sendDomainError maps a classified error to an error frame.
func (s *Session) sendDomainError(correlate uuid.UUID, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		s.sendError(correlate, domain.CodeInternal, "internal error", 0)
		return
	}
	code := de.Code
	if code == "" {
		code = codeForKind(de.Kind)
	}
	s.sendError(correlate, code, de.Message, 0)
}

func codeForKind(kind domain.ErrorKind) string {
	switch kind {
	case domain.ErrorKindValidation:
		return domain.CodeValidationFailed
	case domain.ErrorKindAuth:
		return domain.CodeAuthFailed
	case domain.ErrorKindCapacity:
		return domain.CodeCapacityExceeded
	case domain.ErrorKindProtocol:
		return domain.CodeProtocolError
	}
	return domain.CodeInternal
}

func (s *Session) sendError(correlate uuid.UUID, code, message string, retryAfter time.Duration) {
	p := domain.ErrorPayload{Code: code, Message: message}
	if retryAfter > 0 {
		p.RetryAfterMs = retryAfter.Milliseconds()
	}
	msg, err := domain.NewMessage(domain.KindError, p)
	if err != nil {
		return
	}
	if correlate != uuid.Nil {
		msg.CorrelationID = &correlate
	}
	data, _ := protocol.Encode(msg)
	if err := s.enqueue(data); err != nil {
		log.Printf("session: error frame session=%s dropped: %v", s.id, err)
	}
}

func (s *Session) sendClose(reason string) {
	msg, err := domain.NewMessage(domain.KindClose, domain.ClosePayload{Reason: reason})
	if err != nil {
		return
	}
	data, _ := protocol.Encode(msg)
	_ = s.enqueue(data)
}

// enqueue hands a frame to the write pump without blocking. A full buffer
// is an error; the router turns dropped events into gap notices.
func (s *Session) enqueue(data []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("session %s closed", s.id)
	default:
	}
	select {
	case s.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full for session %s", s.id)
	}
}

func (s *Session) pingLoop() {
	ticker := time.NewTicker(s.manager.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			msg, err := domain.NewMessage(domain.KindPing, nil)
			if err != nil {
				continue
			}
			data, _ := protocol.Encode(msg)
			if err := s.enqueue(data); err != nil {
				return
			}
		}
	}
}

func (s *Session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.manager.config.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.close(CloseReasonClientGone)
				return
			}
		}
	}
}

func (s *Session) close(reason string) {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
		s.setState(domain.SessionStateClosed)
		if m := s.manager.metrics; m != nil {
			m.SessionClosed(reason)
		}
	})
}
