// Package coad carries CoA requests between the RFC 5176 front-end
// daemon and the session engine over a local stream socket. One JSON
// request and one JSON reply per connection; no connection state.
package coad

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Actions accepted by the engine.
const (
	ActionDisconnect   = "disconnect"
	ActionPolicyChange = "policy_change"
)

// Request is one CoA action forwarded from the front-end.
type Request struct {
	Action    string `json:"action"`
	SessionID string `json:"session_id"`
	FilterID  string `json:"filter_id,omitempty"`
}

// Response is the engine's verdict.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

const (
	dialTimeout = 3 * time.Second
	// The engine waits up to 5s for its loop to answer, so the reader
	// must outlast that.
	exchangeDeadline = 8 * time.Second
)

// Exchange sends one request over the socket and reads the reply. Each
// exchange opens a fresh connection.
func Exchange(socketPath string, req Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(exchangeDeadline))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &resp, nil
}
