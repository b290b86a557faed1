package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"pkt.systems/ccbridge/schema"
)

// ErrClientClosed reports use of a closed client.
var ErrClientClosed = errors.New("control client closed")

// RemoteError is a command failure reported by the server.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// Is matches the sentinel errors behind the stable wire codes.
func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case "busy":
		return target == schema.ErrBusy
	case "not_running":
		return target == schema.ErrNotRunning
	case "conflict":
		return target == schema.ErrAgentExists
	case "not_found":
		return target == schema.ErrAgentNotFound
	case "invalid":
		return target == schema.ErrInvalidRequest
	}
	return false
}

// Client speaks the control protocol. Command is safe for concurrent use;
// Send calls are serialized because acks carry no request id.
type Client struct {
	nc      net.Conn
	writeMu sync.Mutex
	sendMu  sync.Mutex
	seq     atomic.Uint64

	mu         sync.Mutex
	pending    map[schema.RequestID]chan *schema.Response
	registered chan *schema.Registered
	acks       chan *schema.Ack
	events     chan schema.ServerMessage
	done       chan struct{}
	err        error
	closeOnce  sync.Once
}

// Dial connects to a control socket.
func Dial(ctx context.Context, path string) (*Client, error) {
	var dialer net.Dialer
	nc, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	c := &Client{
		nc:         nc,
		pending:    make(map[schema.RequestID]chan *schema.Response),
		registered: make(chan *schema.Registered, 1),
		acks:       make(chan *schema.Ack, 1),
		events:     make(chan schema.ServerMessage, 1024),
		done:       make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events returns pushed event and result messages, plus responses the
// server could not correlate. It is closed when the connection ends.
func (c *Client) Events() <-chan schema.ServerMessage {
	return c.events
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection.
func (c *Client) Close() error {
	c.shutdown(ErrClientClosed)
	return nil
}

// Register identifies the client and optionally scopes it to an agent.
func (c *Client) Register(ctx context.Context, agent schema.AgentID, capabilities ...string) (*schema.Registered, error) {
	if err := c.write(schema.RegisterSupervisor{
		Type:         schema.MsgRegisterSupervisor,
		AgentID:      agent,
		Capabilities: capabilities,
	}); err != nil {
		return nil, err
	}
	select {
	case reg := <-c.registered:
		return reg, nil
	case <-c.done:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Command sends a command and waits for its response. The returned error
// covers transport failures only; see Call for server-side errors.
func (c *Client) Command(ctx context.Context, action schema.Action, params any) (*schema.Response, error) {
	return c.command(ctx, action, params, false)
}

// Call runs a command, decodes its result into out, and converts a server
// error into a *RemoteError.
func (c *Client) Call(ctx context.Context, action schema.Action, params any, out any) error {
	resp, err := c.command(ctx, action, params, false)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

// CallSubscribed is Call with the command's subscribe flag set.
func (c *Client) CallSubscribed(ctx context.Context, action schema.Action, params any, out any) error {
	resp, err := c.command(ctx, action, params, true)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

// Send issues the bare message shorthand and waits for its ack.
func (c *Client) Send(ctx context.Context, agent schema.AgentID, text string, subscribe bool) (*schema.Ack, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.write(schema.UserMessage{Type: schema.MsgMessage, Agent: agent, Text: text, Subscribe: subscribe}); err != nil {
		return nil, err
	}
	select {
	case ack := <-c.acks:
		return ack, nil
	case <-c.done:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteRaw writes one raw line. Tests use it to exercise malformed input.
func (c *Client) WriteRaw(line []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.nc.Write(append(append([]byte(nil), line...), '\n')); err != nil {
		return err
	}
	return nil
}

func (c *Client) command(ctx context.Context, action schema.Action, params any, subscribe bool) (*schema.Response, error) {
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}
	id := schema.RequestID(strconv.FormatUint(c.seq.Add(1), 10))
	ch := make(chan *schema.Response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(schema.Command{
		Type:      schema.MsgCommand,
		RequestID: id,
		Action:    action,
		Params:    raw,
		Subscribe: subscribe,
	}); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-c.done:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) write(msg any) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.WriteRaw(line)
}

func (c *Client) readLoop() {
	defer close(c.events)
	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 64*1024), MaxLineBytes)
	for scanner.Scan() {
		msg, err := schema.DecodeServerMessage(scanner.Bytes())
		if err != nil {
			continue
		}
		switch m := msg.(type) {
		case *schema.Registered:
			select {
			case c.registered <- m:
			default:
			}
		case *schema.Ack:
			select {
			case c.acks <- m:
			case <-c.done:
				return
			}
		case *schema.Response:
			c.mu.Lock()
			ch := c.pending[m.RequestID]
			c.mu.Unlock()
			if ch != nil {
				ch <- m
				continue
			}
			c.deliver(m)
		default:
			c.deliver(msg)
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.shutdown(err)
}

func (c *Client) deliver(msg schema.ServerMessage) {
	select {
	case c.events <- msg:
	case <-c.done:
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		_ = c.nc.Close()
	})
}

func (c *Client) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrClientClosed
}

func decodeResponse(resp *schema.Response, out any) error {
	if resp.Error != "" {
		return &RemoteError{Code: resp.Code, Message: resp.Error}
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}
