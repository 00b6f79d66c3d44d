// Command worker connects to an easygrid orchestrator over websocket,
// authenticates as a worker and executes dispatched commands.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/djlord-it/easy-grid/internal/domain"
	"github.com/djlord-it/easy-grid/internal/protocol"
	"github.com/djlord-it/easy-grid/internal/recovery"
)

const (
	defaultSlots        = 4
	defaultWriteTimeout = 10 * time.Second
	handshakeTimeout    = 15 * time.Second
	maxOutputBytes      = 64 * 1024
)

// dispatchParams is the parameter shape the worker understands: a command
// with arguments, run in an optional working directory.
type dispatchParams struct {
	Args []string `json:"args,omitempty"`
	Dir  string   `json:"dir,omitempty"`
}

type execution struct {
	cancel    context.CancelFunc
	cancelled bool
}

// worker owns one websocket connection. The read loop is the only reader;
// writes from runner goroutines are serialized through writeMu.
type worker struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	slots chan struct{}

	mu      sync.Mutex
	running map[string]*execution // execution id -> cancel handle
}

func main() {
	url := os.Getenv("GRID_URL")
	if url == "" {
		url = "ws://localhost:8080/ws"
	}
	token := os.Getenv("GRID_TOKEN")
	if token == "" {
		fmt.Fprintln(os.Stderr, "GRID_TOKEN is required")
		os.Exit(2)
	}
	slots := defaultSlots
	if s := os.Getenv("WORKER_SLOTS"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			fmt.Fprintf(os.Stderr, "invalid WORKER_SLOTS %q\n", s)
			os.Exit(2)
		}
		slots = n
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Reconnect with the same backoff schedule the server uses for retries.
	backoff := recovery.DefaultBackoffConfig()
	attempt := 0
	for {
		err := runSession(ctx, url, token, slots)
		if ctx.Err() != nil {
			log.Println("worker: stopped")
			return
		}
		attempt++
		delay := backoff.Delay(attempt + 1)
		log.Printf("worker: session ended: %v, reconnecting in %s", err, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			log.Println("worker: stopped")
			return
		}
	}
}

// runSession dials, authenticates and serves dispatches until the
// connection drops or ctx is cancelled.
func runSession(ctx context.Context, url, token string, slots int) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}

	w := &worker{
		conn:    conn,
		slots:   make(chan struct{}, slots),
		running: make(map[string]*execution),
	}
	defer conn.Close()

	pingInterval, err := w.authenticate(token, slots)
	if err != nil {
		return err
	}
	log.Printf("worker: connected to %s (slots=%d, ping=%s)", url, slots, pingInterval)

	// Drop the connection rather than serve half-dead: the server closes
	// us after 2.5 missed intervals, mirror that on our side.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(pingInterval * 5 / 2))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Printf("worker: undecodable frame: %v", err)
			continue
		}
		w.handle(ctx, msg)
	}
}

func (w *worker) authenticate(token string, slots int) (time.Duration, error) {
	authMsg, err := domain.NewMessage(domain.KindAuth, domain.AuthPayload{
		Token:  token,
		Worker: true,
		Slots:  slots,
	})
	if err != nil {
		return 0, err
	}
	if err := w.send(authMsg); err != nil {
		return 0, err
	}

	w.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		return 0, fmt.Errorf("read auth reply: %w", err)
	}
	reply, err := protocol.Decode(data)
	if err != nil {
		return 0, err
	}
	switch reply.Kind {
	case domain.KindAuthOK:
		var ok domain.AuthOKPayload
		if err := protocol.DecodePayload(reply, &ok); err != nil {
			return 0, err
		}
		interval := time.Duration(ok.PingIntervalMs) * time.Millisecond
		if interval <= 0 {
			interval = 20 * time.Second
		}
		return interval, nil
	case domain.KindError:
		var ep domain.ErrorPayload
		_ = protocol.DecodePayload(reply, &ep)
		return 0, fmt.Errorf("auth rejected: %s %s", ep.Code, ep.Message)
	default:
		return 0, fmt.Errorf("unexpected auth reply kind %q", reply.Kind)
	}
}

func (w *worker) handle(ctx context.Context, msg domain.Message) {
	switch msg.Kind {
	case domain.KindPing:
		reply, err := domain.NewReply(msg, domain.KindPong, nil)
		if err == nil {
			w.send(reply)
		}
	case domain.KindPong:
		// server answered one of ours; nothing to do
	case domain.KindDispatch:
		var p domain.DispatchPayload
		if err := protocol.DecodePayload(msg, &p); err != nil {
			log.Printf("worker: bad dispatch payload: %v", err)
			return
		}
		w.acceptDispatch(ctx, p)
	case domain.KindCancel:
		var p domain.CancelPayload
		if err := protocol.DecodePayload(msg, &p); err != nil {
			log.Printf("worker: bad cancel payload: %v", err)
			return
		}
		w.cancelExecution(p.ExecutionID)
	case domain.KindClose:
		var p domain.ClosePayload
		_ = protocol.DecodePayload(msg, &p)
		log.Printf("worker: server closing session: %s", p.Reason)
	case domain.KindError:
		var p domain.ErrorPayload
		_ = protocol.DecodePayload(msg, &p)
		log.Printf("worker: server error: %s %s", p.Code, p.Message)
	default:
		log.Printf("worker: unexpected message kind %q", msg.Kind)
	}
}

func (w *worker) acceptDispatch(ctx context.Context, p domain.DispatchPayload) {
	ack, err := domain.NewMessage(domain.KindDispatchAck, domain.DispatchAckPayload{
		ExecutionID: p.ExecutionID,
		Attempt:     p.Attempt,
	})
	if err != nil {
		return
	}
	if err := w.send(ack); err != nil {
		log.Printf("worker: ack send failed: %v", err)
		return
	}

	var execCtx context.Context
	var cancel context.CancelFunc
	if timeout := time.Duration(p.TimeoutMs) * time.Millisecond; timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		execCtx, cancel = context.WithCancel(ctx)
	}

	w.mu.Lock()
	w.running[p.ExecutionID] = &execution{cancel: cancel}
	w.mu.Unlock()

	w.slots <- struct{}{}
	go func() {
		defer func() {
			cancel()
			w.mu.Lock()
			delete(w.running, p.ExecutionID)
			w.mu.Unlock()
			<-w.slots
		}()
		w.run(execCtx, p)
	}()
}

func (w *worker) cancelExecution(executionID string) {
	w.mu.Lock()
	e, ok := w.running[executionID]
	if ok {
		e.cancelled = true
		e.cancel()
	}
	w.mu.Unlock()
	if !ok {
		log.Printf("worker: cancel for unknown execution=%s", executionID)
	}
}

func (w *worker) wasCancelled(executionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.running[executionID]
	return ok && e.cancelled
}

// run executes the dispatched command and reports exactly one result.
func (w *worker) run(ctx context.Context, p domain.DispatchPayload) {
	var params dispatchParams
	if len(p.Parameters) > 0 {
		if err := json.Unmarshal(p.Parameters, &params); err != nil {
			w.sendResult(p, string(domain.ExecutionStatusFailed), 0, nil,
				fmt.Sprintf("bad parameters: %v", err), domain.ErrorKindValidation)
			return
		}
	}

	log.Printf("worker: running execution=%s name=%s attempt=%d", p.ExecutionID, p.Name, p.Attempt)
	start := time.Now()

	cmd := exec.CommandContext(ctx, p.Name, params.Args...)
	cmd.Dir = params.Dir
	output, err := cmd.CombinedOutput()
	duration := time.Since(start)

	if len(output) > maxOutputBytes {
		output = output[len(output)-maxOutputBytes:]
	}
	resultData, mErr := json.Marshal(map[string]string{"output": string(output)})
	if mErr != nil {
		resultData = nil
	}

	switch {
	case err == nil:
		w.sendResult(p, string(domain.ExecutionStatusSucceeded), duration, resultData, "", "")
	case w.wasCancelled(p.ExecutionID):
		w.sendResult(p, string(domain.ExecutionStatusCancelled), duration, nil, "cancelled by requester", domain.ErrorKindCancelled)
	case ctx.Err() == context.DeadlineExceeded:
		w.sendResult(p, string(domain.ExecutionStatusTimedOut), duration, resultData,
			fmt.Sprintf("timed out after %s", duration.Round(time.Millisecond)), domain.ErrorKindTimeout)
	default:
		kind := domain.ErrorKindInternal
		if _, isExit := err.(*exec.ExitError); isExit {
			// the command ran and failed; worth retrying elsewhere
			kind = domain.ErrorKindTransient
		}
		w.sendResult(p, string(domain.ExecutionStatusFailed), duration, resultData, err.Error(), kind)
	}
}

func (w *worker) sendResult(p domain.DispatchPayload, status string, duration time.Duration, data json.RawMessage, errMsg string, errKind domain.ErrorKind) {
	msg, err := domain.NewMessage(domain.KindResult, domain.ResultPayload{
		ExecutionID: p.ExecutionID,
		Status:      status,
		Attempt:     p.Attempt,
		DurationMs:  duration.Milliseconds(),
		ResultData:  data,
		Error:       errMsg,
		ErrorKind:   string(errKind),
	})
	if err != nil {
		return
	}
	if err := w.send(msg); err != nil {
		log.Printf("worker: result send failed execution=%s: %v", p.ExecutionID, err)
		return
	}
	log.Printf("worker: finished execution=%s status=%s duration=%s", p.ExecutionID, status, duration.Round(time.Millisecond))
}

func (w *worker) send(msg domain.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}
