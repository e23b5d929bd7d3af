package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client defines the request/response contract the sync core depends on.
type Client interface {
	// Call invokes a remote method and returns its raw JSON result.
	Call(ctx context.Context, method string, params ...any) (json.RawMessage, error)
	// Close releases the underlying connection.
	Close() error
}

// Streamer is implemented by clients that can also push collection changes.
type Streamer interface {
	// Subscribe registers fn for events on topic until the returned
	// function is called.
	Subscribe(ctx context.Context, topic string, fn EventHandler) (func(), error)
	// Done is closed when the underlying connection stops delivering events.
	Done() <-chan struct{}
	// Err reports why Done was closed; nil after a clean Close.
	Err() error
}

// ClientConfig holds configuration for WSClient.
type ClientConfig struct {
	Host               string `validate:"required,hostname|ip"`
	Port               int    `validate:"gte=0,lte=65535"`
	Path               string
	UseTLS             bool
	InsecureSkipVerify bool
	Username           string `validate:"required_without=APIKey"`
	Password           string `validate:"required_with=Username"`
	APIKey             string `validate:"required_without=Username"`
	RequestTimeout     time.Duration
}

const (
	defaultPath           = "/websocket"
	defaultRequestTimeout = 30 * time.Second
	writeTimeout          = 10 * time.Second
	maxMessageBytes       = 32 * 1024 * 1024
)

var validate = validator.New()

// Validate checks required fields and value ranges.
func (c ClientConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid client config: %w", err)
	}
	return nil
}

// URL returns the websocket endpoint described by the config.
func (c ClientConfig) URL() string {
	scheme := "ws"
	if c.UseTLS {
		scheme = "wss"
	}
	host := c.Host
	if c.Port > 0 {
		host = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	}
	path := c.Path
	if path == "" {
		path = defaultPath
	}
	u := url.URL{Scheme: scheme, Host: host, Path: path}
	return u.String()
}

// WSClient implements Client and Streamer over the middleware websocket
// JSON-RPC protocol.
type WSClient struct {
	config ClientConfig
	conn   *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan *inbound
	handlers map[string]map[string]EventHandler // collection -> sub id -> handler
	closed   bool
	err      error

	done chan struct{}
}

// Dial connects to the configured host, performs the protocol handshake and
// logs in. Rejected credentials yield ErrAuthenticationFailed; transport
// failures yield ErrConnectionFailed.
func Dial(ctx context.Context, cfg ClientConfig) (*WSClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.RequestTimeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec
		},
	}
	conn, _, err := dialer.DialContext(ctx, cfg.URL(), nil)
	if err != nil {
		return nil, connectionError("dial", err)
	}
	conn.SetReadLimit(maxMessageBytes)

	c := &WSClient{
		config:   cfg,
		conn:     conn,
		pending:  make(map[string]chan *inbound),
		handlers: make(map[string]map[string]EventHandler),
		done:     make(chan struct{}),
	}

	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}

	go c.readLoop()

	if err := c.login(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// handshake sends the connect frame and waits synchronously for the reply,
// before the read loop owns the socket.
func (c *WSClient) handshake() error {
	if err := c.write(outbound{Msg: msgConnect, Version: protocolVersion, Support: []string{protocolVersion}}); err != nil {
		return err
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.config.RequestTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	var m inbound
	if err := c.conn.ReadJSON(&m); err != nil {
		return connectionError("handshake", err)
	}
	switch m.Msg {
	case msgConnected:
		return nil
	case msgFailed:
		return connectionError("handshake", fmt.Errorf("server refused protocol version %s", protocolVersion))
	}
	return connectionError("handshake", fmt.Errorf("unexpected %q frame", m.Msg))
}

func (c *WSClient) login(ctx context.Context) error {
	var (
		raw json.RawMessage
		err error
	)
	if c.config.APIKey != "" {
		raw, err = c.Call(ctx, "auth.login_with_api_key", c.config.APIKey)
	} else {
		raw, err = c.Call(ctx, "auth.login", c.config.Username, c.config.Password)
	}
	if err != nil {
		if errors.Is(err, ErrAuthenticationFailed) {
			return err
		}
		var rerr *RemoteError
		if errors.As(err, &rerr) {
			return fmt.Errorf("login: %w: %w", ErrAuthenticationFailed, err)
		}
		return err
	}

	var ok bool
	if err := json.Unmarshal(raw, &ok); err != nil || !ok {
		return fmt.Errorf("login: %w", ErrAuthenticationFailed)
	}
	return nil
}

// Call invokes method with params and waits for its result.
func (c *WSClient) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	id := uuid.NewString()
	m, err := c.roundTrip(ctx, method, id, outbound{ID: id, Msg: msgMethod, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	if m.Error != nil {
		return nil, &RemoteError{Method: method, Code: m.Error.Error, Name: m.Error.Errname, Reason: m.Error.Reason}
	}
	return m.Result, nil
}

// Ping checks that the session is alive.
func (c *WSClient) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, "core.ping")
	return err
}

// Subscribe starts a server-side subscription named topic. Events whose
// collection equals topic are delivered to fn until the returned function is
// called.
func (c *WSClient) Subscribe(ctx context.Context, topic string, fn EventHandler) (func(), error) {
	id := uuid.NewString()

	c.mu.Lock()
	if c.handlers[topic] == nil {
		c.handlers[topic] = make(map[string]EventHandler)
	}
	c.handlers[topic][id] = fn
	c.mu.Unlock()

	m, err := c.roundTrip(ctx, topic, id, outbound{ID: id, Msg: msgSub, Name: topic})
	if err == nil && m.Error != nil {
		err = &RemoteError{Method: topic, Code: m.Error.Error, Name: m.Error.Errname, Reason: m.Error.Reason}
	} else if err == nil && m.Msg == msgNoSub {
		err = &RemoteError{Method: topic, Reason: "subscription rejected"}
	}
	if err != nil {
		c.removeHandler(topic, id)
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.removeHandler(topic, id)
			_ = c.write(outbound{ID: id, Msg: msgUnsub})
		})
	}, nil
}

// Done is closed when the read loop exits.
func (c *WSClient) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that stopped the read loop, if any.
func (c *WSClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts the connection down and waits for the read loop to exit.
func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}

func (c *WSClient) roundTrip(ctx context.Context, op, id string, frame outbound) (*inbound, error) {
	ch := make(chan *inbound, 1)

	c.mu.Lock()
	if c.closed || c.err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", op, ErrNotConnected)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	if err := c.write(frame); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	select {
	case m := <-ch:
		return m, nil
	case <-c.done:
		if err := c.Err(); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return nil, fmt.Errorf("%s: %w", op, ErrNotConnected)
	case <-ctx.Done():
		return nil, connectionError(op, ctx.Err())
	}
}

func (c *WSClient) write(frame outbound) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(frame); err != nil {
		return connectionError("write", err)
	}
	return nil
}

func (c *WSClient) readLoop() {
	defer close(c.done)
	for {
		var m inbound
		if err := c.conn.ReadJSON(&m); err != nil {
			c.mu.Lock()
			if !c.closed {
				c.err = connectionError("read", err)
			}
			c.mu.Unlock()
			return
		}
		c.dispatch(&m)
	}
}

func (c *WSClient) dispatch(m *inbound) {
	switch m.Msg {
	case msgResult, msgNoSub:
		c.deliver(m.callID(), m)
	case msgReady:
		for _, id := range m.Subs {
			c.deliver(id, m)
		}
	case msgPing:
		_ = c.write(outbound{ID: m.callID(), Msg: msgPong})
	case msgAdded, msgChanged, msgRemoved:
		c.publish(m)
	}
}

func (c *WSClient) deliver(id string, m *inbound) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- m:
	default:
	}
}

func (c *WSClient) publish(m *inbound) {
	ev := Event{
		Collection: m.Collection,
		Op:         opFromMsg(m.Msg),
		ID:         m.eventID(),
	}
	if len(m.Fields) > 0 {
		if err := json.Unmarshal(m.Fields, &ev.Fields); err != nil {
			return
		}
	}

	c.mu.Lock()
	handlers := make([]EventHandler, 0, len(c.handlers[m.Collection]))
	for _, fn := range c.handlers[m.Collection] {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

func (c *WSClient) removeHandler(topic, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers[topic], id)
	if len(c.handlers[topic]) == 0 {
		delete(c.handlers, topic)
	}
}
