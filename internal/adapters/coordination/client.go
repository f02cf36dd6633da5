// Package coordination is a websocket client of the call-coordination
// service. Requests are JSON objects tagged with "@type" and correlated by
// "@extra"; untagged frames are pushed updates.
package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/groupcall/internal/core"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed       = errors.New("coordination: connection closed")
	ErrBackpressure = errors.New("coordination: backpressure")
)

const (
	writeTimeout = 5 * time.Second
	sendBuffer   = 32
	updateBuffer = 128
)

type response struct {
	typ string
	raw json.RawMessage
}

// Client is one websocket session with the coordination service.
type Client struct {
	conn    *websocket.Conn
	send    chan []byte
	updates chan core.Update

	mu      sync.Mutex
	pending map[string]chan response
	closed  bool
	done    chan struct{}
}

// Dial connects to url, authenticating with token as a bearer header.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial coordination service: %w", err)
	}
	log.Info().Str("module", "coordination").Str("url", url).Msg("connected")
	return newClient(conn), nil
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		updates: make(chan core.Update, updateBuffer),
		pending: make(map[string]chan response),
		done:    make(chan struct{}),
	}
}

// Updates returns the stream of server pushes. It is closed when Run returns.
func (c *Client) Updates() <-chan core.Update { return c.updates }

// Run pumps the connection until ctx is done or the connection fails.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.writePump(ctx)

	err := c.readPump(ctx)
	c.Close()
	close(c.updates)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "coordination").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				log.Error().Err(err).Str("module", "coordination").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "coordination").Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.Close()
		case <-c.done:
		}
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Str("module", "coordination").Msg("readPump read error")
			}
			return err
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "coordination").Msg("bad json")
		return
	}

	if env.Extra != "" {
		c.mu.Lock()
		ch, ok := c.pending[env.Extra]
		delete(c.pending, env.Extra)
		c.mu.Unlock()
		if !ok {
			log.Warn().Str("module", "coordination").Str("extra", env.Extra).Msg("response without request")
			return
		}
		ch <- response{typ: env.Type, raw: data}
		return
	}

	u, ok := decodeUpdate(env.Type, data)
	if !ok {
		log.Debug().Str("module", "coordination").Str("type", env.Type).Msg("unhandled update")
		return
	}
	select {
	case c.updates <- u:
	case <-c.done:
	}
}

func decodeUpdate(typ string, data []byte) (core.Update, bool) {
	switch typ {
	case typeUpdateGroupCall:
		var u updateGroupCall
		if err := json.Unmarshal(data, &u); err != nil {
			log.Error().Err(err).Str("module", "coordination").Msg("bad updateGroupCall")
			return core.Update{}, false
		}
		return core.Update{Kind: core.UpdateGroupCall, Call: &u.GroupCall}, true
	case typeUpdateGroupCallParticipant:
		var u updateGroupCallParticipant
		if err := json.Unmarshal(data, &u); err != nil {
			log.Error().Err(err).Str("module", "coordination").Msg("bad updateGroupCallParticipant")
			return core.Update{}, false
		}
		return core.Update{Kind: core.UpdateGroupCallParticipant, CallID: u.GroupCallID, Participant: &u.Participant}, true
	}
	return core.Update{}, false
}

// call sends method and decodes the answer into out, if out is not nil.
func (c *Client) call(ctx context.Context, method string, params map[string]any, out any) error {
	extra := uuid.NewString()
	frame, err := request(method, extra, params)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	ch := make(chan response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[extra] = ch
	select {
	case c.send <- frame:
	default:
		delete(c.pending, extra)
		c.mu.Unlock()
		return ErrBackpressure
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		c.forget(extra)
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	case resp := <-ch:
		if resp.typ == typeError {
			rpcErr := &RPCError{}
			if err := json.Unmarshal(resp.raw, rpcErr); err != nil {
				return fmt.Errorf("decode %s error: %w", method, err)
			}
			return rpcErr
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.raw, out); err != nil {
			return fmt.Errorf("decode %s: %w", method, err)
		}
		return nil
	}
}

func (c *Client) forget(extra string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, extra)
}

// Close ends the connection; pending requests fail with ErrClosed.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.pending = make(map[string]chan response)
	_ = c.conn.Close()
	c.mu.Unlock()
	log.Info().Str("module", "coordination").Msg("closed")
}
