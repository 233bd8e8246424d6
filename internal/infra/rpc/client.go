package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"

	"pool_sync/internal/domain"
	"pool_sync/internal/infra"
)

const (
	handshakeTimeout = 10 * time.Second
	readTimeout      = 90 * time.Second
	pingInterval     = 30 * time.Second
	maxRetries       = 10
)

var errNotConnected = errors.New("not connected")

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`

	transportErr error
}

// Error is a JSON-RPC error object returned by the node.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client is a JSON-RPC client over a single multiplexed WebSocket connection.
// Requests are matched to responses by id; the connection is re-dialled with
// exponential backoff when it drops. In-flight calls fail with a retriable
// *domain.NetworkError on disconnect.
type Client struct {
	url     string
	timeout time.Duration
	topics  []common.Hash

	mu        sync.RWMutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected atomic.Bool

	nextID    atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan *response

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Client
type Option func(*Client)

// NewClient creates an unconnected client. timeout bounds every call.
func NewClient(url string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		url:     url,
		timeout: timeout,
		pending: make(map[uint64]chan *response),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the node once and starts the read and reconnect loop.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(2)
	go c.connectionLoop(ctx)
	go c.pingLoop(ctx)
	return nil
}

// Close stops the background loops and closes the connection.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConnection()
	c.wg.Wait()
	c.failPending(domain.NewFatalNetworkError("close", errNotConnected))
}

// Connected reports whether a connection is currently established
func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return domain.NewNetworkError("dial", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	slog.Info("RPC connected", slog.String("url", c.url))
	return nil
}

func (c *Client) connectionLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		err := c.readLoop(ctx)
		c.closeConnection()
		c.failPending(domain.NewNetworkError("read", err))

		retryCount := 0
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			delay := infra.CalculateBackoff(retryCount)
			slog.Warn("RPC connection lost, reconnecting",
				slog.Any("error", err),
				slog.Int("retry", retryCount),
				slog.Duration("delay", delay),
			)
			if !infra.Sleep(ctx, delay) {
				return
			}
			if err = c.dial(ctx); err == nil {
				break
			}
			retryCount++
			if retryCount > maxRetries {
				retryCount = 0
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return errNotConnected
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg []byte) {
	var resp response
	if err := sonnet.Unmarshal(msg, &resp); err != nil {
		slog.Warn("Malformed RPC message", slog.Any("error", err))
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.pendingMu.Unlock()

	if !ok {
		return // late reply to a timed out call, or a subscription notification
	}
	ch <- &resp
}

func (c *Client) pingLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.connected.Load() {
				if err := c.write(websocket.PingMessage, nil); err != nil {
					slog.Debug("RPC ping failed", slog.Any("error", err))
				}
			}
		}
	}
}

func (c *Client) write(msgType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn == nil {
		return errNotConnected
	}
	return c.conn.WriteMessage(msgType, data)
}

func (c *Client) closeConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected.Store(false)
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	for id, ch := range c.pending {
		ch <- &response{ID: id, transportErr: err}
		delete(c.pending, id)
	}
}

// Call performs one JSON-RPC request and decodes the result into out.
// Transport failures are returned as *domain.NetworkError; node errors as *Error.
func (c *Client) Call(ctx context.Context, out any, method string, params ...any) error {
	if params == nil {
		params = []any{}
	}
	id := c.nextID.Add(1)
	payload, err := sonnet.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	ch := make(chan *response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.write(websocket.TextMessage, payload); err != nil {
		c.forget(id)
		return domain.NewNetworkError(method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	select {
	case <-ctx.Done():
		c.forget(id)
		return domain.NewNetworkError(method, ctx.Err())
	case resp := <-ch:
		if resp.transportErr != nil {
			return resp.transportErr
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if out == nil {
			return nil
		}
		if len(resp.Result) == 0 || string(resp.Result) == "null" {
			return fmt.Errorf("%s: %w", method, domain.ErrEmptyResult)
		}
		if err := sonnet.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode %s: %w", method, err)
		}
		return nil
	}
}

func (c *Client) forget(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}
