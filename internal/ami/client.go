package ami

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

var (
	// ErrClosed is returned for actions still in flight when the session ends.
	ErrClosed = errors.New("ami: connection closed")
	// ErrNotConnected is returned when an action is sent before Connect.
	ErrNotConnected = errors.New("ami: not connected")
	// ErrLoginFailed is returned when Asterisk rejects the credentials.
	ErrLoginFailed = errors.New("ami: login rejected")
)

// DialFunc opens the underlying stream. net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ClientOptions configures a Client.
type ClientOptions struct {
	Addr        string
	Username    string
	Secret      string
	DialTimeout time.Duration
	Logger      *slog.Logger
	// Dial overrides TCP dialing.
	Dial DialFunc
}

type handlerEntry struct {
	pattern string
	fn      func(Event)
}

// Client is a single-session AMI connection. It logs in, correlates action
// responses by ActionID and fans events out to registered handlers on its
// reader goroutine, in the order they were received.
type Client struct {
	opts ClientOptions
	log  *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	pending   map[string]chan Response
	handlers  []handlerEntry

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
	readerWG  sync.WaitGroup
}

// NewClient creates a Client. Nothing is dialed until Connect.
func NewClient(opts ClientOptions) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.Dial == nil {
		d := &net.Dialer{Timeout: opts.DialTimeout}
		opts.Dial = d.DialContext
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		opts:    opts,
		log:     log.With("component", "ami"),
		pending: make(map[string]chan Response),
		done:    make(chan struct{}),
	}
}

// RegisterEventHandler subscribes fn to events whose type matches pattern.
// "*" matches every event. Handlers run on the reader goroutine and must not block.
func (c *Client) RegisterEventHandler(pattern string, fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handlerEntry{pattern: pattern, fn: fn})
}

// Connect dials Asterisk, reads the banner and logs in.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("ami: already connected to %s", c.opts.Addr)
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	conn, err := c.opts.Dial(dialCtx, "tcp", c.opts.Addr)
	if err != nil {
		return fmt.Errorf("dial AMI %s: %w", c.opts.Addr, err)
	}

	reader := bufio.NewReader(conn)

	deadline := time.Now().Add(c.opts.DialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	banner, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return fmt.Errorf("reading AMI banner: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	c.log.Info("AMI banner", "banner", strings.TrimSpace(banner))

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.readerWG.Add(1)
	go c.readLoop(NewParser(reader))

	// The connect timeout covers the login exchange too.
	loginCtx, cancelLogin := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancelLogin()

	resp, err := c.send(loginCtx, NewLogin(c.opts.Username, c.opts.Secret))
	if err != nil {
		c.Close()
		return fmt.Errorf("AMI login: %w", err)
	}
	if !resp.Success() {
		c.Close()
		return fmt.Errorf("%w: %s", ErrLoginFailed, resp.Message())
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.log.Info("AMI authenticated", "addr", c.opts.Addr)
	return nil
}

// Connected reports whether the session is logged in and still open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Done is closed once the session has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// SendAction writes the action and waits for its Response. A Response with
// Response: Error is returned without error; err is reserved for transport faults.
func (c *Client) SendAction(ctx context.Context, a Action) (Response, error) {
	if !c.Connected() {
		return Response{}, ErrNotConnected
	}
	return c.send(ctx, a)
}

func (c *Client) send(ctx context.Context, a Action) (Response, error) {
	if a.ID == "" {
		a.ID = NewAction(a.Name).ID
	}

	ch := make(chan Response, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return Response{}, ErrNotConnected
	}
	c.pending[a.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, a.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	_, err := conn.Write(a.Encode())
	c.writeMu.Unlock()
	if err != nil {
		return Response{}, fmt.Errorf("writing %s action: %w", a.Name, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-c.done:
		select {
		case resp := <-ch:
			return resp, nil
		default:
			return Response{}, ErrClosed
		}
	}
}

func (c *Client) readLoop(p *Parser) {
	defer c.readerWG.Done()
	defer c.finish()

	for {
		msg, ok := p.Next()
		if !ok {
			if err := p.Err(); err != nil {
				c.log.Warn("AMI read failed", "error", err)
			} else {
				c.log.Info("AMI connection closed by peer")
			}
			return
		}

		if msg.IsResponse() {
			c.resolve(msg)
			continue
		}
		c.emit(msg)
	}
}

func (c *Client) resolve(msg Event) {
	id := msg.ActionID()
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Debug("unmatched AMI response", "action_id", id, "response", msg.Get("Response"))
		return
	}
	ch <- Response{Event: msg}
}

func (c *Client) emit(evt Event) {
	c.mu.Lock()
	handlers := make([]handlerEntry, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	for _, h := range handlers {
		if h.pattern == "*" || strings.EqualFold(h.pattern, evt.Type()) {
			h.fn(evt)
		}
	}
}

func (c *Client) finish() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
}

// Close logs off and releases the connection. It is idempotent and safe to
// call before Connect.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		c.connected = false
		c.mu.Unlock()

		if conn == nil {
			c.doneOnce.Do(func() { close(c.done) })
			return
		}

		c.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_, _ = conn.Write(NewAction("Logoff").Encode())
		c.writeMu.Unlock()

		err = conn.Close()
		c.readerWG.Wait()
	})
	return err
}
