// Package nativehost is the websocket JSON-RPC client to the native host
// process. It exposes the host's native modules to the gateway and publishes
// native events for the bridge.
package nativehost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"nativebridge/internal/gateway"
	"nativebridge/internal/jsoncodec"
	"nativebridge/internal/jsonrpc"
	"nativebridge/internal/nativeerror"
)

const (
	defaultMessageTimeout    = 60 * time.Second
	defaultReconnectInterval = 5 * time.Second
	handshakeTimeout         = 10 * time.Second
)

// ErrNotConnected is returned by calls made without a host connection.
var ErrNotConnected = errors.New("native host not connected")

// Options configures a Client.
type Options struct {
	URL               string
	CallTimeout       time.Duration
	MessageTimeout    time.Duration
	ReconnectInterval time.Duration
	PingInterval      time.Duration
	// Publisher receives native event bodies, one topic per event name.
	Publisher message.Publisher
	// OnReconnected runs after the connection was re-established and the
	// module description refreshed.
	OnReconnected func(ctx context.Context)
}

// Client owns the connection to the native host and multiplexes native
// module calls and native event notifications on it.
type Client struct {
	opts   Options
	logger zerolog.Logger

	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex

	pending   map[int64]chan *jsonrpc.Response
	pendingMu sync.Mutex
	reqID     int64

	modules   map[string]*nativeModule
	modulesMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a client. Call Connect to dial the host.
func New(opts Options, logger zerolog.Logger) *Client {
	if opts.MessageTimeout <= 0 {
		opts.MessageTimeout = defaultMessageTimeout
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = defaultReconnectInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "nativehost").Logger(),
		pending: make(map[int64]chan *jsonrpc.Response),
		modules: make(map[string]*nativeModule),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect dials the host, starts the reader and loads the module description.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	if c.conn != nil {
		c.connMu.Unlock()
		return nil
	}
	if c.ctx.Err() != nil {
		// closed before; the loops get a fresh lifetime
		c.ctx, c.cancel = context.WithCancel(context.Background())
	}
	c.connMu.Unlock()

	c.logger.Info().Str("url", c.opts.URL).Msg("connecting to native host")
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect native host: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.setPongHandler(conn)
	c.wg.Add(1)
	go c.readLoop()
	if c.opts.PingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop()
	}

	if err := c.describe(ctx); err != nil {
		// stop the reader before it treats the close as a lost connection
		_ = c.Close()
		return err
	}
	c.logger.Info().Int("modules", len(c.Modules())).Msg("native host connected")
	return nil
}

// Connected reports whether the connection is established.
func (c *Client) Connected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn != nil
}

// Close closes the connection and fails every pending call.
func (c *Client) Close() error {
	c.cancel()
	c.connMu.Lock()
	var err error
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	c.failPending()
	c.wg.Wait()
	c.logger.Info().Msg("native host disconnected")
	return err
}

// Module returns the native module name as described by the host.
func (c *Client) Module(name string) (gateway.NativeModule, bool) {
	c.modulesMu.RLock()
	defer c.modulesMu.RUnlock()
	m, ok := c.modules[name]
	if !ok {
		return nil, false
	}
	return m, true
}

// Modules returns the names of the described native modules.
func (c *Client) Modules() []string {
	c.modulesMu.RLock()
	defer c.modulesMu.RUnlock()
	names := make([]string, 0, len(c.modules))
	for name := range c.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call invokes method on a native module. A native rejection is returned as
// *nativeerror.Rejection.
func (c *Client) Call(ctx context.Context, module, method string, args []any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	if _, ok := ctx.Deadline(); !ok && c.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
	}

	resp, err := c.request(ctx, jsonrpc.CallMethod(module, method), args)
	if err != nil {
		return nil, fmt.Errorf("call %s.%s: %w", module, method, err)
	}
	if resp.HasError() {
		return nil, translateError(resp.Error)
	}
	return resp.Result, nil
}

func translateError(rpcErr *jsonrpc.Error) error {
	if rpcErr.Code != jsonrpc.CodeNativeRejection {
		return fmt.Errorf("native host error %d: %w", rpcErr.Code, rpcErr)
	}
	var info nativeerror.UserInfo
	if len(rpcErr.Data) > 0 {
		if err := jsoncodec.Unmarshal(rpcErr.Data, &info); err != nil {
			return fmt.Errorf("decode native rejection: %w", err)
		}
	}
	if info.Message == "" {
		info.Message = rpcErr.Message
	}
	return &nativeerror.Rejection{Info: info}
}

func (c *Client) describe(ctx context.Context) error {
	resp, err := c.request(ctx, jsonrpc.MethodDescribe, []any{})
	if err != nil {
		return fmt.Errorf("describe native host: %w", err)
	}
	if resp.HasError() {
		return fmt.Errorf("describe native host: %w", resp.Error)
	}
	var result jsonrpc.DescribeResult
	if err := resp.GetResultAs(&result); err != nil {
		return fmt.Errorf("decode native host description: %w", err)
	}

	c.modulesMu.Lock()
	modules := make(map[string]*nativeModule, len(result.Modules))
	for _, desc := range result.Modules {
		m, ok := c.modules[desc.Name]
		if !ok {
			m = &nativeModule{client: c, name: desc.Name}
		}
		m.setConstants(desc.Constants)
		modules[desc.Name] = m
	}
	c.modules = modules
	c.modulesMu.Unlock()
	return nil
}

func (c *Client) request(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	reqID := atomic.AddInt64(&c.reqID, 1)
	respChan := make(chan *jsonrpc.Response, 1)

	req, err := jsonrpc.NewRequest(method, params, jsonrpc.NewIDInt(reqID))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	reqBytes, err := req.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	writeErr := conn.WriteMessage(websocket.TextMessage, reqBytes)
	c.writeMu.Unlock()
	if writeErr != nil {
		c.dropPending(reqID)
		return nil, fmt.Errorf("failed to send request: %w", writeErr)
	}

	select {
	case resp := <-respChan:
		if resp == nil {
			return nil, errors.New("connection closed")
		}
		return resp, nil
	case <-ctx.Done():
		c.dropPending(reqID)
		return nil, ctx.Err()
	}
}

func (c *Client) dropPending(reqID int64) {
	c.pendingMu.Lock()
	delete(c.pending, reqID)
	c.pendingMu.Unlock()
}

// failPending settles every pending call as failed.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	for _, ch := range c.pending {
		select {
		case ch <- nil:
		default:
		}
	}
	c.pending = make(map[int64]chan *jsonrpc.Response)
	c.pendingMu.Unlock()
}

func (c *Client) setPongHandler(conn *websocket.Conn) {
	readTimeout := c.opts.MessageTimeout
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
}

func (c *Client) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()
			if conn == nil {
				continue
			}
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(handshakeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug().Err(err).Msg("ping write failed")
			}
		}
	}
}
