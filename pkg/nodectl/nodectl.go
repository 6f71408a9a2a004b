// Package nodectl speaks the node cluster control protocol: one TCP
// connection per request, a JSON envelope out, a free-form text or
// JSON reply read until the peer closes.
package nodectl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"dronemesh/pkg/fault"
)

// Message types understood by the cluster backend. The set is closed;
// anything else is rejected before it goes on the wire.
const (
	TypeNodeInfo    = "node_info"
	TypeStartAll    = "start_all"
	TypeCreateTasks = "create_tasks"
	TypeShutdown    = "shutdown"
)

const (
	// DefaultTimeout bounds dial, write, and read per request.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxResponse caps how much reply we accept before calling
	// the response malformed. The protocol has no framing; EOF is the
	// only terminator, so a reply that fills the cap is an error, not
	// a truncation.
	DefaultMaxResponse = 64 * 1024
)

// Message is the wire envelope. Content is free-form; NextNode is
// only meaningful for create_tasks.
type Message struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	NextNode string `json:"next_node"`
}

// Config locates and bounds the cluster backend connection.
type Config struct {
	// Addr is the backend's host:port.
	Addr string

	// Timeout bounds each of dial, write, and read.
	Timeout time.Duration

	// MaxResponse caps the reply size in bytes.
	MaxResponse int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxResponse <= 0 {
		c.MaxResponse = DefaultMaxResponse
	}
	return c
}

// Client sends one envelope per connection. It holds no connection
// state, so it is safe for concurrent use.
type Client struct {
	cfg    Config
	logger *slog.Logger
	dial   func(ctx context.Context, addr string) (net.Conn, error)
}

// Option customizes a Client.
type Option func(*Client)

// WithDialer substitutes the connection factory.
func WithDialer(dial func(ctx context.Context, addr string) (net.Conn, error)) Option {
	return func(c *Client) { c.dial = dial }
}

// New returns a Client for the backend at cfg.Addr.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Client{
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "nodectl"),
	}
	c.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NodeInfo queries cluster status and returns the backend's reply
// verbatim.
func (c *Client) NodeInfo(ctx context.Context) (string, error) {
	return c.Send(ctx, Message{Type: TypeNodeInfo})
}

// StartAll asks the backend to start count nodes.
func (c *Client) StartAll(ctx context.Context, count int) (string, error) {
	if count <= 0 {
		return "", fault.Validationf("nodectl: node count must be positive, got %d", count)
	}
	return c.Send(ctx, Message{Type: TypeStartAll, Content: strconv.Itoa(count)})
}

// CreateTasks broadcasts a batch job: sourcePath names the task input,
// jobName the job to run it under.
func (c *Client) CreateTasks(ctx context.Context, sourcePath, jobName string) (string, error) {
	if sourcePath == "" || jobName == "" {
		return "", fault.Validationf("nodectl: source path and job name are required")
	}
	return c.Send(ctx, Message{Type: TypeCreateTasks, Content: sourcePath, NextNode: jobName})
}

// Shutdown asks the backend to stop the named node.
func (c *Client) Shutdown(ctx context.Context, nodeName string) (string, error) {
	if nodeName == "" {
		return "", fault.Validationf("nodectl: node name is required")
	}
	return c.Send(ctx, Message{Type: TypeShutdown, Content: nodeName})
}

// Send performs one request cycle: connect, write the envelope, read
// the reply until EOF, close. The protocol has no correlation ids, so
// a connection is never reused across requests. Transport failures
// surface as protocol faults with no retry at this layer.
func (c *Client) Send(ctx context.Context, msg Message) (string, error) {
	switch msg.Type {
	case TypeNodeInfo, TypeStartAll, TypeCreateTasks, TypeShutdown:
	default:
		return "", fault.Validationf("nodectl: unknown message type %q", msg.Type)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	conn, err := c.dial(dialCtx, c.cfg.Addr)
	if err != nil {
		return "", fault.Protocol(err, "nodectl: connecting to %s", c.cfg.Addr)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", fault.Protocol(err, "nodectl: setting deadline")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("nodectl: encoding %s envelope: %w", msg.Type, err)
	}
	if _, err := conn.Write(payload); err != nil {
		return "", fault.Protocol(err, "nodectl: writing %s envelope", msg.Type)
	}
	// Half-close so the peer sees our EOF and knows the request is
	// complete before it starts replying.
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.CloseWrite(); err != nil {
			return "", fault.Protocol(err, "nodectl: closing write side")
		}
	}

	reply, err := io.ReadAll(io.LimitReader(conn, int64(c.cfg.MaxResponse)+1))
	if err != nil {
		return "", fault.Protocol(err, "nodectl: reading %s reply", msg.Type)
	}
	if len(reply) > c.cfg.MaxResponse {
		return "", fault.Protocol(nil, "nodectl: %s reply exceeds %d bytes", msg.Type, c.cfg.MaxResponse)
	}
	c.logger.Debug("request complete", "type", msg.Type, "reply_bytes", len(reply))
	return string(reply), nil
}
