package syncer

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsEnvelope frames sync messages on the socket. Batch payloads ride
// base64-encoded so compressed bytes survive the JSON framing.
type wsEnvelope struct {
	Type           string            `json:"type"` // push, pull, push_result, pull_result
	Payload        string            `json:"payload,omitempty"`
	Compressed     bool              `json:"compressed,omitempty"`
	KnownChecksums map[string]string `json:"known_checksums,omitempty"`
	Vector         map[string]int64  `json:"vector,omitempty"`
	Push           *PushResult       `json:"push_result,omitempty"`
	Pull           *PullResult       `json:"pull_result,omitempty"`
}

// WSTransport keeps one WebSocket to the backend and serializes
// request/response pairs over it. A broken socket is redialed on the
// next call.
type WSTransport struct {
	url    string
	header http.Header
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSTransport targets a backend sync socket, e.g.
// "wss://backend.example.com/v1/sync/ws".
func NewWSTransport(url string, header http.Header) *WSTransport {
	return &WSTransport{
		url:    url,
		header: header,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// ensureConn dials if needed. Caller holds t.mu.
func (t *WSTransport) ensureConn(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}
	conn, _, err := t.dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		return fmt.Errorf("dialing sync socket: %w", err)
	}
	t.conn = conn
	return nil
}

// roundTrip sends one envelope and reads one reply. The socket is
// dropped on any error so the next call redials.
func (t *WSTransport) roundTrip(ctx context.Context, req wsEnvelope) (wsEnvelope, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureConn(ctx); err != nil {
		return wsEnvelope{}, err
	}

	deadline := time.Now().Add(30 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	t.conn.SetWriteDeadline(deadline)
	t.conn.SetReadDeadline(deadline)

	if err := t.conn.WriteJSON(req); err != nil {
		t.drop()
		return wsEnvelope{}, fmt.Errorf("writing %s: %w", req.Type, err)
	}

	var resp wsEnvelope
	if err := t.conn.ReadJSON(&resp); err != nil {
		t.drop()
		return wsEnvelope{}, fmt.Errorf("reading %s reply: %w", req.Type, err)
	}
	return resp, nil
}

func (t *WSTransport) drop() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

func (t *WSTransport) Push(ctx context.Context, payload []byte, compressed bool) (PushResult, error) {
	resp, err := t.roundTrip(ctx, wsEnvelope{
		Type:       "push",
		Payload:    base64.StdEncoding.EncodeToString(payload),
		Compressed: compressed,
	})
	if err != nil {
		return PushResult{}, err
	}
	if resp.Type != "push_result" || resp.Push == nil {
		return PushResult{}, fmt.Errorf("unexpected reply type %q to push", resp.Type)
	}
	return *resp.Push, nil
}

func (t *WSTransport) Pull(ctx context.Context, known map[string]string, vector map[string]int64) (PullResult, error) {
	resp, err := t.roundTrip(ctx, wsEnvelope{
		Type:           "pull",
		KnownChecksums: known,
		Vector:         vector,
	})
	if err != nil {
		return PullResult{}, err
	}
	if resp.Type != "pull_result" || resp.Pull == nil {
		return PullResult{}, fmt.Errorf("unexpected reply type %q to pull", resp.Type)
	}

	result := *resp.Pull
	// Servers may batch pull deltas the same way pushes travel: as an
	// encoded payload instead of inline records.
	if len(result.Deltas) == 0 && resp.Payload != "" {
		raw, err := base64.StdEncoding.DecodeString(resp.Payload)
		if err != nil {
			return PullResult{}, fmt.Errorf("decoding pull payload: %w", err)
		}
		records, err := DecodeBatch(raw)
		if err != nil {
			return PullResult{}, err
		}
		result.Deltas = records
	}
	return result, nil
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := t.conn.Close()
	t.conn = nil
	return err
}
