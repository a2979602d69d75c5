package nativehost

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"nativebridge/internal/jsoncodec"
	"nativebridge/internal/jsonrpc"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newMessageID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()
		if conn == nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(c.opts.MessageTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			c.logger.Warn().Err(err).Msg("native host connection lost, reconnecting")
			if c.reconnect() {
				continue
			}
			return
		}
		c.dispatchMessage(data)
	}
}

func (c *Client) dispatchMessage(data []byte) {
	var base struct {
		Method string          `json:"method"`
		ID     json.RawMessage `json:"id"`
		Params json.RawMessage `json:"params"`
	}
	if err := jsoncodec.Unmarshal(data, &base); err != nil {
		c.logger.Warn().Err(err).Int("len", len(data)).Msg("native host message parse error")
		return
	}

	if base.Method == jsonrpc.MethodNativeEvent {
		c.handleNativeEvent(base.Params)
		return
	}
	if base.Method != "" {
		c.logger.Debug().Str("method", base.Method).Msg("ignoring native host notification")
		return
	}
	if len(base.ID) == 0 || string(base.ID) == "null" {
		return
	}

	resp, err := jsonrpc.ParseResponse(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("native host response parse error")
		return
	}
	reqID, ok := resp.ID.Int64()
	if !ok {
		return
	}

	c.pendingMu.Lock()
	ch, exists := c.pending[reqID]
	if exists {
		delete(c.pending, reqID)
	}
	c.pendingMu.Unlock()

	if exists {
		select {
		case ch <- resp:
		default:
		}
	}
}

func (c *Client) handleNativeEvent(raw json.RawMessage) {
	var params jsonrpc.NativeEventParams
	if err := jsoncodec.Unmarshal(raw, &params); err != nil || params.EventName == "" {
		c.logger.Warn().Err(err).Msg("malformed native event")
		return
	}
	if c.opts.Publisher == nil {
		return
	}
	body := params.Body
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}
	msg := message.NewMessage(newMessageID(), message.Payload(body))
	if err := c.opts.Publisher.Publish(params.EventName, msg); err != nil {
		c.logger.Warn().Err(err).Str("event", params.EventName).Msg("failed to publish native event")
	}
}

func (c *Client) reconnect() bool {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
	c.failPending()

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	interval := c.opts.ReconnectInterval
	for {
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(interval):
		}

		ctx, cancel := context.WithTimeout(c.ctx, 3*handshakeTimeout)
		conn, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
		cancel()
		if err != nil {
			c.logger.Warn().Err(err).Dur("nextRetry", interval).Msg("native host reconnection failed, will retry")
			continue
		}

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
		c.setPongHandler(conn)
		c.logger.Info().Msg("native host reconnected")

		// the reader must be running for describe to settle
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			ctx, cancel := context.WithTimeout(c.ctx, 3*handshakeTimeout)
			defer cancel()
			if err := c.describe(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("failed to refresh native host description")
				return
			}
			if c.opts.OnReconnected != nil {
				c.opts.OnReconnected(ctx)
			}
		}()
		return true
	}
}
