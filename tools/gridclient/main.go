// gridclient is a development helper: it connects to an easygrid server,
// submits one execution and waits for the correlated result.
//
// Usage:
//
//	GRID_TOKEN=... gridclient [-url ws://localhost:8080/ws] <name> [args...]
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type message struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

func newMessage(kind string, payload any) message {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Fatalf("marshal payload: %v", err)
	}
	return message{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}
}

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "websocket endpoint")
	priority := flag.String("priority", "standard", "execution priority (standard|high)")
	timeout := flag.Duration("timeout", 2*time.Minute, "execution timeout")
	wait := flag.Duration("wait", 5*time.Minute, "how long to wait for the result")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: gridclient [flags] <name> [args...]")
		os.Exit(2)
	}
	token := os.Getenv("GRID_TOKEN")
	if token == "" {
		fmt.Fprintln(os.Stderr, "GRID_TOKEN is required")
		os.Exit(2)
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		log.Fatalf("dial %s: %v", *url, err)
	}
	defer conn.Close()

	send := func(msg message) {
		if err := conn.WriteJSON(msg); err != nil {
			log.Fatalf("write: %v", err)
		}
	}
	read := func() message {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			log.Fatalf("read: %v", err)
		}
		return msg
	}

	send(newMessage("auth", map[string]any{"token": token}))
	reply := read()
	if reply.Kind != "auth_ok" {
		log.Fatalf("auth failed: %s %s", reply.Kind, reply.Payload)
	}

	submit := newMessage("submit", map[string]any{
		"name":       flag.Arg(0),
		"parameters": map[string]any{"args": flag.Args()[1:]},
		"priority":   *priority,
		"timeout_ms": timeout.Milliseconds(),
	})
	send(submit)

	deadline := time.Now().Add(*wait)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		msg := read()
		switch msg.Kind {
		case "ping":
			pong := newMessage("pong", nil)
			pong.CorrelationID = msg.ID
			send(pong)
		case "submit_ok":
			var p struct {
				ExecutionID string `json:"execution_id"`
			}
			json.Unmarshal(msg.Payload, &p)
			log.Printf("accepted execution=%s", p.ExecutionID)
		case "result":
			var p struct {
				ExecutionID string          `json:"execution_id"`
				Status      string          `json:"status"`
				DurationMs  int64           `json:"duration_ms"`
				ResultData  json.RawMessage `json:"result_data"`
				Error       string          `json:"error"`
			}
			json.Unmarshal(msg.Payload, &p)
			fmt.Printf("status=%s duration=%dms\n", p.Status, p.DurationMs)
			if len(p.ResultData) > 0 {
				fmt.Println(string(p.ResultData))
			}
			if p.Error != "" {
				fmt.Fprintln(os.Stderr, p.Error)
			}
			if p.Status != "succeeded" {
				os.Exit(1)
			}
			return
		case "error":
			log.Fatalf("server error: %s", msg.Payload)
		}
	}
	log.Fatal("timed out waiting for result")
}
