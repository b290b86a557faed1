package control

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"

	"pkt.systems/ccbridge/internal/logx"
	"pkt.systems/ccbridge/schema"
	"pkt.systems/pslog"
)

// MaxLineBytes bounds one protocol line.
const MaxLineBytes = 4 << 20

type subscription struct {
	persistent bool
	cancel     func()
}

// conn is one client connection. A reader goroutine decodes lines and
// starts a handler goroutine per message; a writer goroutine drains the
// bounded outgoing queue.
type conn struct {
	srv   *Server
	nc    net.Conn
	scope schema.AgentID
	ctx   context.Context
	log   pslog.Logger
	out   chan []byte
	done  chan struct{}
	once  sync.Once

	mu     sync.Mutex
	client schema.ClientID
	subs   map[schema.AgentID]*subscription

	handlers sync.WaitGroup
}

func newConn(srv *Server, nc net.Conn, scope schema.AgentID) *conn {
	logger := srv.log
	if scope != "" {
		logger = logger.With("agent", scope)
	}
	return &conn{
		srv:   srv,
		nc:    nc,
		scope: scope,
		ctx:   logx.ContextWithAgentLogger(context.Background(), logger, scope),
		log:   logger,
		out:   make(chan []byte, srv.cfg.QueueDepth),
		done:  make(chan struct{}),
		subs:  make(map[schema.AgentID]*subscription),
	}
}

func (c *conn) serve() {
	c.log.Debug("control conn opened")
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()
	c.readLoop()
	c.close()
	c.handlers.Wait()
	<-writerDone
	c.log.Debug("control conn closed")
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.nc.Close()
		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[schema.AgentID]*subscription)
		c.mu.Unlock()
		for _, sub := range subs {
			sub.cancel()
		}
	})
}

func (c *conn) readLoop() {
	reader := bufio.NewReaderSize(c.nc, 64*1024)
	for {
		line, err := readLine(reader, MaxLineBytes)
		if errors.Is(err, errLineTooLong) {
			c.rejectLine(schema.NewProtocolError("decode", err))
			continue
		}
		if len(line) > 0 {
			c.dispatchLine(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.Warn("control conn read failed", "err", err)
			}
			return
		}
	}
}

func (c *conn) dispatchLine(line []byte) {
	msg, err := schema.DecodeClientMessage(line)
	if err != nil {
		c.rejectLine(err)
		return
	}
	c.handlers.Add(1)
	go func(msg schema.ClientMessage) {
		defer c.handlers.Done()
		defer c.recoverHandler(msg)
		c.handle(msg)
	}(msg)
}

var errLineTooLong = fmt.Errorf("line exceeds %d bytes", MaxLineBytes)

// readLine returns the next line without its terminator. A line longer than
// limit is consumed to its end and reported as errLineTooLong.
func readLine(r *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > limit+1 {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if tooLong {
			if err != nil {
				return nil, err
			}
			return nil, errLineTooLong
		}
		return bytes.TrimRight(line, "\r\n"), err
	}
}

// recoverHandler turns a handler panic into an internal error reply.
func (c *conn) recoverHandler(msg schema.ClientMessage) {
	r := recover()
	if r == nil {
		return
	}
	c.log.Error("control handler panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
	err := fmt.Errorf("internal error: %v", r)
	switch m := msg.(type) {
	case *schema.Command:
		c.send(schema.Response{Type: schema.MsgResponse, RequestID: m.RequestID, Error: err.Error(), Code: schema.ErrorCode(err)}, true)
	case *schema.UserMessage:
		c.send(schema.Ack{Type: schema.MsgAck, Agent: m.Agent, Error: err.Error(), Code: schema.ErrorCode(err)}, true)
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case line := <-c.out:
			if _, err := c.nc.Write(line); err != nil {
				c.log.Debug("control conn write failed", "err", err)
				c.close()
				return
			}
		}
	}
}

// send queues msg. Blocking sends wait for queue space until the connection
// closes; non-blocking sends drop when the queue is full.
func (c *conn) send(msg any, block bool) bool {
	line, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("control encode failed", "err", err)
		return false
	}
	line = append(line, '\n')
	if block {
		select {
		case c.out <- line:
			return true
		case <-c.done:
			return false
		}
	}
	select {
	case c.out <- line:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *conn) rejectLine(err error) {
	c.log.Debug("control message rejected", "err", err)
	var protoErr *schema.ProtocolError
	if errors.As(err, &protoErr) && protoErr.Op == string(schema.MsgMessage) {
		c.send(schema.Ack{Type: schema.MsgAck, Error: err.Error(), Code: schema.ErrorCode(err)}, true)
		return
	}
	c.send(schema.Response{Type: schema.MsgResponse, Error: err.Error(), Code: schema.ErrorCode(err)}, true)
}

func (c *conn) handle(msg schema.ClientMessage) {
	switch m := msg.(type) {
	case *schema.RegisterSupervisor:
		c.register(m)
	case *schema.Command:
		c.command(m)
	case *schema.UserMessage:
		c.message(m)
	case *schema.UnrecognizedMessage:
		err := schema.NewProtocolError("decode", fmt.Errorf("unknown message type %q", m.Type))
		c.send(schema.Response{Type: schema.MsgResponse, Error: err.Error(), Code: schema.ErrorCode(err)}, true)
	}
}

func (c *conn) register(m *schema.RegisterSupervisor) {
	agent := m.AgentID
	if agent == "" {
		agent = c.scope
	}
	if c.scope != "" && agent != c.scope {
		err := fmt.Errorf("%w: socket is bound to agent %s", schema.ErrInvalidAgent, c.scope)
		c.send(schema.Response{Type: schema.MsgResponse, Error: err.Error(), Code: schema.ErrorCode(err)}, true)
		return
	}
	c.mu.Lock()
	if c.client == "" {
		c.client = schema.ClientID(c.srv.newID())
		c.ctx = logx.ContextWithClientLogger(c.ctx, c.log.With("client", c.client), c.client)
	}
	client := c.client
	ctx := c.ctx
	c.mu.Unlock()
	pslog.Ctx(ctx).Info("control client registered", "capabilities", m.Capabilities)
	c.send(schema.Registered{
		Type:         schema.MsgRegistered,
		ClientID:     client,
		AgentID:      agent,
		Capabilities: m.Capabilities,
	}, true)
}

func (c *conn) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

func (c *conn) command(cmd *schema.Command) {
	ctx := c.context()
	result, err := c.dispatch(ctx, cmd)
	resp := schema.Response{Type: schema.MsgResponse, RequestID: cmd.RequestID}
	if err != nil {
		resp.Error = err.Error()
		resp.Code = schema.ErrorCode(err)
		pslog.Ctx(ctx).Debug("control command failed", "action", cmd.Action, "request", cmd.RequestID, "err", err)
	} else if result != nil {
		raw, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			resp.Error = marshalErr.Error()
			resp.Code = schema.ErrorCode(marshalErr)
		} else {
			resp.Result = raw
		}
	}
	c.send(resp, true)
}

func (c *conn) message(m *schema.UserMessage) {
	ctx := c.context()
	agent, err := c.resolveAgent(m.Agent)
	ack := schema.Ack{Type: schema.MsgAck, Agent: agent}
	if err == nil {
		var result schema.SendResult
		result, err = c.sendMessage(ctx, agent, m.Text, schema.SendOptions{Subscribe: m.Subscribe})
		ack.SessionID = result.SessionID
		ack.State = result.State
	}
	if err != nil {
		ack.Error = err.Error()
		ack.Code = schema.ErrorCode(err)
	} else {
		ack.OK = true
	}
	c.send(ack, true)
}

// resolveAgent applies the socket's agent scope to a requested agent id.
func (c *conn) resolveAgent(agent schema.AgentID) (schema.AgentID, error) {
	if agent == "" {
		agent = c.scope
	}
	if agent == "" {
		return "", fmt.Errorf("%w: agent is required", schema.ErrInvalidRequest)
	}
	if c.scope != "" && agent != c.scope {
		return "", fmt.Errorf("%w: socket is bound to agent %s", schema.ErrInvalidAgent, c.scope)
	}
	return agent, nil
}

func (c *conn) sendMessage(ctx context.Context, agent schema.AgentID, text string, opts schema.SendOptions) (schema.SendResult, error) {
	created := false
	if opts.Subscribe {
		if _, err := c.srv.sup.Status(ctx, agent); err != nil {
			return schema.SendResult{}, err
		}
		created = c.subscribe(agent, false)
	}
	result, err := c.srv.sup.SendMessage(ctx, agent, text, opts)
	if err != nil {
		if created {
			c.unsubscribe(agent)
		}
		return result, err
	}
	result.Subscribed = opts.Subscribe
	return result, nil
}

// subscribe registers the connection for the agent's events and reports
// whether a new subscription was created. A persistent request upgrades an
// existing turn-scoped subscription.
func (c *conn) subscribe(agent schema.AgentID, persistent bool) bool {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return false
	default:
	}
	if sub := c.subs[agent]; sub != nil {
		if persistent {
			sub.persistent = true
		}
		c.mu.Unlock()
		return false
	}
	events, cancel := c.srv.events.Subscribe(agent)
	sub := &subscription{persistent: persistent, cancel: cancel}
	c.subs[agent] = sub
	c.mu.Unlock()
	go c.pump(agent, sub, events)
	return true
}

func (c *conn) unsubscribe(agent schema.AgentID) bool {
	c.mu.Lock()
	sub := c.subs[agent]
	delete(c.subs, agent)
	c.mu.Unlock()
	if sub == nil {
		return false
	}
	sub.cancel()
	return true
}

func (c *conn) pump(agent schema.AgentID, sub *subscription, events <-chan schema.AgentEvent) {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.push(ev)
			if !ev.Terminal() {
				continue
			}
			c.mu.Lock()
			persistent := sub.persistent
			current := c.subs[agent] == sub
			if !persistent && current {
				delete(c.subs, agent)
			}
			c.mu.Unlock()
			if !persistent {
				sub.cancel()
				return
			}
		}
	}
}

// push forwards one agent event. Terminal events block so subscribers always
// see the end of a turn; everything else is dropped when the queue is full.
func (c *conn) push(ev schema.AgentEvent) {
	terminal := ev.Terminal()
	for _, msg := range EventMessages(ev) {
		if !c.send(msg, terminal) {
			c.log.Debug("control event dropped", "agent", ev.Agent, "seq", ev.Seq, "event", msg.Event)
		}
	}
	if ev.Event.Kind == schema.KindResult && ev.Exit == nil {
		c.send(ResultMessage(ev), true)
	}
}
