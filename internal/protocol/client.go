package protocol

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/runtarahq/runtara/internal/fault"
	"github.com/runtarahq/runtara/pkg/api"
)

// DefaultChunkSize is the payload size of stream-data frames during
// chunked uploads.
const DefaultChunkSize = 1 << 20

// ClientOptions configure a Client.
type ClientOptions struct {
	// ServerName overrides the TLS server name (SNI).
	ServerName string
	// SkipCertVerification disables certificate checks. Development only.
	SkipCertVerification bool
	// PlainTCP disables TLS entirely. Used by tests.
	PlainTCP bool
	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration
	// RequestTimeout bounds a single round trip.
	RequestTimeout time.Duration
}

// Client is a framed RPC client. One request is in flight at a time; calls
// are serialized on a mutex and the connection is re-established after
// failures.
type Client struct {
	addr string
	opts ClientOptions

	mu   sync.Mutex
	conn net.Conn
}

// NewClient creates a client for the given server address. No connection is
// made until the first call.
func NewClient(addr string, opts ClientOptions) *Client {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &Client{addr: addr, opts: opts}
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *Client) ensureConn(ctx context.Context) (net.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	dialer := &net.Dialer{}
	if c.opts.PlainTCP {
		conn, err := dialer.DialContext(dialCtx, "tcp", c.addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", c.addr, err)
		}
		c.conn = conn
		return conn, nil
	}

	tlsConf := &tls.Config{
		ServerName:         c.opts.ServerName,
		InsecureSkipVerify: c.opts.SkipCertVerification,
		MinVersion:         tls.VersionTLS12,
	}
	if tlsConf.ServerName == "" {
		host, _, err := net.SplitHostPort(c.addr)
		if err == nil {
			tlsConf.ServerName = host
		}
	}
	td := &tls.Dialer{NetDialer: dialer, Config: tlsConf}
	conn, err := td.DialContext(dialCtx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.addr, err)
	}
	c.conn = conn
	return conn, nil
}

func (c *Client) dropConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Call performs one request/response round trip. body is marshaled into the
// envelope; the response payload is unmarshaled into out when non-nil.
func (c *Client) Call(ctx context.Context, op string, body any, out any) error {
	env, err := marshalEnvelope(op, body)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.ensureConn(ctx)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(c.opts.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if err := WriteFrame(conn, MessageRequest, env); err != nil {
		c.dropConn()
		return fmt.Errorf("send %s: %w", op, err)
	}
	return c.readResponse(conn, op, out)
}

// Upload performs a chunked streaming upload: a stream-start envelope,
// data frames read from r, then a stream-end frame.
func (c *Client) Upload(ctx context.Context, op string, start any, r io.Reader, out any) error {
	env, err := marshalEnvelope(op, start)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.ensureConn(ctx)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(c.opts.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if err := WriteFrame(conn, MessageStreamStart, env); err != nil {
		c.dropConn()
		return fmt.Errorf("send %s: %w", op, err)
	}

	buf := make([]byte, DefaultChunkSize)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if err := WriteFrame(conn, MessageStreamData, buf[:n]); err != nil {
				c.dropConn()
				return fmt.Errorf("send chunk: %w", err)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			c.dropConn()
			return fmt.Errorf("read upload source: %w", rerr)
		}
	}
	if err := WriteFrame(conn, MessageStreamEnd, nil); err != nil {
		c.dropConn()
		return fmt.Errorf("send stream end: %w", err)
	}
	return c.readResponse(conn, op, out)
}

func (c *Client) readResponse(conn net.Conn, op string, out any) error {
	typ, payload, err := ReadFrame(conn)
	if err != nil {
		c.dropConn()
		return fmt.Errorf("receive %s response: %w", op, err)
	}
	switch typ {
	case MessageResponse:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("decode %s response: %w", op, err)
		}
		return nil
	case MessageError:
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err != nil {
			return fmt.Errorf("%s failed with undecodable error frame", op)
		}
		cat := fault.CategoryPermanent
		if er.Retryable {
			cat = fault.CategoryTransient
		}
		return fault.New(er.Code, er.Error, cat)
	default:
		c.dropConn()
		return fmt.Errorf("unexpected %s frame in %s response", typ, op)
	}
}

func marshalEnvelope(op string, body any) ([]byte, error) {
	env := api.Envelope{Op: op}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", op, err)
		}
		env.Body = raw
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", op, err)
	}
	return out, nil
}
