// Package ws is the client side of the chat socket. It frames requests,
// correlates acks, dispatches server pushes to registered handlers and
// redials with backoff when the connection drops.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/4xmen/chatline/internal/models"
	"github.com/4xmen/chatline/pkg/logger"
	"github.com/4xmen/chatline/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

var (
	ErrDisconnected = errors.New("socket is not connected")
	ErrClosed       = errors.New("socket client closed")
	ErrBufferFull   = errors.New("socket send buffer full")
)

// AckError is a request the server answered with success=false.
type AckError struct {
	Event   string
	Message string
}

func (e *AckError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s rejected by server", e.Event)
	}
	return fmt.Sprintf("%s rejected by server: %s", e.Event, e.Message)
}

// Handler receives the data of a pushed event. Handlers run on the
// connection's goroutines and must not wait on Request.
type Handler func(data json.RawMessage)

type Config struct {
	URL            string
	Token          string
	RequestTimeout time.Duration
	// MaxReconnects bounds redial attempts after a drop. Zero disables
	// reconnection, negative retries forever.
	MaxReconnects int
	Dialer        *websocket.Dialer
	// Backoff overrides the redial schedule.
	Backoff func() backoff.BackOff
}

type Client struct {
	cfg Config
	log *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	link     *link
	closed   bool
	pending  map[uint64]chan result
	nextID   uint64
	handlers map[string][]Handler
}

type result struct {
	data json.RawMessage
	err  error
}

// link is one physical connection and its pumps.
type link struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

func New(cfg Config, log *logger.Logger) *Client {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:      cfg,
		log:      log.Named("ws"),
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[uint64]chan result),
		handlers: make(map[string][]Handler),
	}
}

// On registers h for a pushed event. models.EventConnect and
// models.EventDisconnect are raised locally from the connection lifecycle.
func (c *Client) On(event string, h Handler) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.mu.Unlock()
}

// Connect opens the connection and raises connect.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	c.dispatch(models.EventConnect, nil)
	return nil
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// Close tears the connection down and disables reconnection. Requests
// still waiting fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	l := c.link
	c.mu.Unlock()

	c.cancel()
	if l == nil {
		c.failPending(ErrClosed)
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	err := l.conn.Close()
	<-l.done
	return err
}

func (c *Client) dial(ctx context.Context) error {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid socket url: %w", err)
	}
	header := http.Header{}
	if c.cfg.Token != "" {
		q := u.Query()
		q.Set("token", c.cfg.Token)
		u.RawQuery = q.Encode()
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to dial socket (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to dial socket: %w", err)
	}

	l := &link{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.link = l
	c.mu.Unlock()

	metrics.SetConnected(true)
	c.log.Info("socket connected", zap.String("url", c.cfg.URL))

	go c.writePump(l)
	go c.readPump(l)
	return nil
}

// Emit sends a fire-and-forget event.
func (c *Client) Emit(event string, data any) error {
	frame, err := encodeFrame(event, 0, data)
	if err != nil {
		return err
	}
	return c.enqueue(frame)
}

// Request sends event and waits for its ack. On success the ack payload
// is decoded into out when out is non-nil. A refusal is an *AckError.
func (c *Client) Request(ctx context.Context, event string, data, out any) (err error) {
	start := time.Now()
	defer func() { metrics.RecordRequest(event, err, time.Since(start).Seconds()) }()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", event, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	ch := make(chan result, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	frame, err := encodeFrame(event, id, data)
	if err != nil {
		return err
	}
	if err := c.enqueue(frame); err != nil {
		return err
	}

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", event, ctx.Err())
	}
	if res.err != nil {
		return res.err
	}

	var status models.AckStatus
	if err := json.Unmarshal(res.data, &status); err != nil {
		return fmt.Errorf("failed to decode %s ack: %w", event, err)
	}
	if !status.Success {
		return &AckError{Event: event, Message: status.Error}
	}
	if out != nil {
		if err := json.Unmarshal(res.data, out); err != nil {
			return fmt.Errorf("failed to decode %s ack: %w", event, err)
		}
	}
	return nil
}

func encodeFrame(event string, id uint64, data any) ([]byte, error) {
	frame := models.Frame{Event: event, ID: id}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", event, err)
		}
		frame.Data = raw
	}
	return json.Marshal(frame)
}

func (c *Client) enqueue(frame []byte) error {
	c.mu.Lock()
	l, closed := c.link, c.closed
	c.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if l == nil {
		return ErrDisconnected
	}

	select {
	case <-l.done:
		return ErrDisconnected
	default:
	}
	select {
	case l.send <- frame:
		return nil
	default:
		c.log.Warn("send buffer full, dropping frame")
		return ErrBufferFull
	}
}

func (c *Client) dispatch(event string, data json.RawMessage) {
	c.mu.Lock()
	hs := append([]Handler(nil), c.handlers[event]...)
	c.mu.Unlock()

	for _, h := range hs {
		h(data)
	}
}

func (c *Client) resolve(id uint64, data json.RawMessage) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		c.log.Debug("ack for unknown request", zap.Uint64("id", id))
		return
	}
	ch <- result{data: data}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan result)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- result{err: err}
	}
}

func (c *Client) readPump(l *link) {
	var readErr error
	defer func() {
		l.conn.Close()
		close(l.done)
		c.dropped(l, readErr)
	}()

	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("socket read failed", zap.Error(err))
			}
			readErr = err
			return
		}

		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Debug("malformed frame", zap.Error(err))
			continue
		}

		if frame.Event == models.EventAck {
			c.resolve(frame.ID, frame.Data)
			continue
		}
		metrics.PushEventsTotal.WithLabelValues(frame.Event).Inc()
		c.dispatch(frame.Event, frame.Data)
	}
}

func (c *Client) writePump(l *link) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		l.conn.Close()
	}()

	for {
		select {
		case frame := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := l.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(frame)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-l.done:
			return
		}
	}
}

// dropped runs on the read goroutine once a link is gone.
func (c *Client) dropped(l *link, readErr error) {
	c.mu.Lock()
	if c.link == l {
		c.link = nil
	}
	closed := c.closed
	c.mu.Unlock()

	metrics.SetConnected(false)
	if closed {
		c.failPending(ErrClosed)
		c.log.Info("socket closed")
		return
	}

	c.failPending(ErrDisconnected)
	reason := ""
	if readErr != nil {
		reason = readErr.Error()
	}
	data, _ := json.Marshal(map[string]string{"reason": reason})
	c.dispatch(models.EventDisconnect, data)

	c.reconnect()
}

func (c *Client) newBackoff() backoff.BackOff {
	if c.cfg.Backoff != nil {
		return c.cfg.Backoff()
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 500 * time.Millisecond
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.5
	exp.MaxInterval = 30 * time.Second
	exp.MaxElapsedTime = 0
	exp.Reset()
	return exp
}

func (c *Client) reconnect() {
	if c.cfg.MaxReconnects == 0 {
		return
	}

	var b backoff.BackOff = c.newBackoff()
	if c.cfg.MaxReconnects > 0 {
		b = backoff.WithMaxRetries(b, uint64(c.cfg.MaxReconnects-1))
	}

	attempt := 0
	op := func() error {
		attempt++
		err := c.dial(c.ctx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrClosed), c.ctx.Err() != nil:
			return backoff.Permanent(ErrClosed)
		}
		metrics.ReconnectsTotal.WithLabelValues("failure").Inc()
		c.log.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(b, c.ctx)); err != nil {
		if !errors.Is(err, ErrClosed) && c.ctx.Err() == nil {
			metrics.ReconnectsTotal.WithLabelValues("exhausted").Inc()
			c.log.Error("giving up on reconnect", zap.Int("attempts", attempt), zap.Error(err))
		}
		return
	}

	metrics.ReconnectsTotal.WithLabelValues("success").Inc()
	c.dispatch(models.EventConnect, nil)
}
