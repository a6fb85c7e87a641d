package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Conn manages JSON-RPC request/response framing over a byte stream.
// It supports both newline-delimited JSON and Content-Length framing and
// adopts header framing as soon as the peer uses it.
type Conn struct {
	r          *bufio.Reader
	w          *bufio.Writer
	mu         sync.Mutex
	useHeaders atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]chan *Response
	idGen     atomic.Int64
}

// NewConn constructs a framed JSON-RPC connection over the given reader/writer.
func NewConn(in io.Reader, out io.Writer) *Conn {
	return &Conn{
		r:       bufio.NewReader(in),
		w:       bufio.NewWriter(out),
		pending: make(map[string]chan *Response),
	}
}

// Call sends a request and waits for the matching response or context cancellation.
func (c *Conn) Call(ctx context.Context, method string, params map[string]any) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	id := c.idGen.Add(1)
	key := strconv.FormatInt(id, 10)
	respCh := make(chan *Response, 1)

	c.pendingMu.Lock()
	c.pending[key] = respCh
	c.pendingMu.Unlock()

	req := NewRequest(id, method, params)
	if err := c.send(req); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, key)
		c.pendingMu.Unlock()
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, key)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

// Notify sends a notification (no response expected).
func (c *Conn) Notify(method string, params map[string]any) error {
	return c.send(NewNotification(method, params))
}

// SendResponse writes a response payload directly.
func (c *Conn) SendResponse(resp *Response) error {
	if resp == nil {
		return nil
	}
	return c.send(resp)
}

// DeliverResponse routes a response to its waiting caller. It reports whether
// a caller was waiting on the response ID.
func (c *Conn) DeliverResponse(resp *Response) bool {
	if resp == nil {
		return false
	}
	key := idKey(resp.ID)
	c.pendingMu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// FailPending unblocks every in-flight Call with an error response. Used when
// the connection drops so callers do not hang on a dead stream.
func (c *Conn) FailPending(reason string) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *Response)
	c.pendingMu.Unlock()

	for id, ch := range pending {
		ch <- NewErrorResponse(id, InternalError, reason, nil)
	}
}

// idKey normalizes a response id to its pending-map key. JSON decoding
// turns numeric ids into float64, which must render without an exponent.
func idKey(id any) string {
	switch v := id.(type) {
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// ReadMessage reads a single framed JSON-RPC payload.
func (c *Conn) ReadMessage() ([]byte, error) {
	payload, usedHeaders, err := readMessage(c.r)
	if err != nil {
		return nil, err
	}
	if usedHeaders {
		c.useHeaders.Store(true)
	}
	return payload, nil
}

func (c *Conn) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.useHeaders.Load() {
		if _, err := fmt.Fprintf(c.w, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
			return err
		}
		if _, err := c.w.Write(data); err != nil {
			return err
		}
		return c.w.Flush()
	}

	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return err
	}
	return c.w.Flush()
}

func readMessage(r *bufio.Reader) ([]byte, bool, error) {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				trimmed := strings.TrimSpace(line)
				if trimmed == "" {
					return nil, false, io.EOF
				}
				return []byte(trimmed), false, nil
			}
			return nil, false, err
		}

		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}

		if length, ok := parseContentLength(line); ok {
			for {
				header, err := r.ReadString('\n')
				if err != nil {
					return nil, true, err
				}
				header = strings.TrimRight(header, "\r\n")
				if strings.TrimSpace(header) == "" {
					break
				}
			}

			payload := make([]byte, length)
			if _, err := io.ReadFull(r, payload); err != nil {
				return nil, true, err
			}
			return payload, true, nil
		}

		return []byte(line), false, nil
	}
}

func parseContentLength(line string) (int, bool) {
	lower := strings.ToLower(line)
	if !strings.HasPrefix(lower, "content-length:") {
		return 0, false
	}
	value := strings.TrimSpace(line[len("content-length:"):])
	if value == "" {
		return 0, false
	}
	length, err := strconv.Atoi(value)
	if err != nil || length < 0 {
		return 0, false
	}
	return length, true
}

// ParsePayload decodes a JSON-RPC request or response from bytes.
func ParsePayload(payload []byte) (*Request, *Response, error) {
	var probe map[string]any
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, nil, err
	}
	if _, ok := probe["method"]; ok {
		req, err := UnmarshalRequest(payload)
		if err != nil {
			return nil, nil, err
		}
		return req, nil, nil
	}
	resp, err := UnmarshalResponse(payload)
	if err != nil {
		return nil, nil, err
	}
	return nil, resp, nil
}

// TrimPayload trims surrounding whitespace before payload parsing.
func TrimPayload(data []byte) []byte {
	return []byte(strings.TrimSpace(string(data)))
}
