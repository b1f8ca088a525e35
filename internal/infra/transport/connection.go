package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcproute/internal/domain"
)

const methodToolsListChanged = "notifications/tools/list_changed"

// Client multiplexes JSON-RPC calls over one backend connection.
type Client struct {
	conn           mcp.Connection
	server         string
	logger         *zap.Logger
	onToolsChanged func()

	nextID atomic.Int64

	mu        sync.Mutex
	pending   map[string]chan callResult
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

type ClientOptions struct {
	Logger *zap.Logger
	Server string
	// OnToolsChanged fires when the backend announces a tools/list_changed notification.
	OnToolsChanged func()
}

type callResult struct {
	resp *jsonrpc.Response
	err  error
}

// NewClient starts reading from conn. The client owns conn and closes it on Close.
func NewClient(conn mcp.Connection, opts ClientOptions) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:           conn,
		server:         opts.Server,
		logger:         logger,
		onToolsChanged: opts.OnToolsChanged,
		pending:        make(map[string]chan callResult),
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	go c.readLoop(ctx)
	return c
}

// Call sends a request and waits for its response. A JSON-RPC error reply is returned as *jsonrpc.Error.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.isClosed() {
		return nil, domain.ErrConnectionClosed
	}
	if strings.TrimSpace(method) == "" {
		return nil, errors.New("method is required")
	}
	rawParams, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	id, err := jsonrpc.MakeID(c.nextID.Add(1))
	if err != nil {
		return nil, fmt.Errorf("build request id: %w", err)
	}
	key, err := idKey(id)
	if err != nil {
		return nil, err
	}

	resultCh := make(chan callResult, 1)
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return nil, domain.ErrConnectionClosed
	}
	c.pending[key] = resultCh
	c.mu.Unlock()

	req := &jsonrpc.Request{ID: id, Method: method, Params: rawParams}
	if err := c.conn.Write(ctx, req); err != nil {
		c.removePending(key)
		if errors.Is(err, mcp.ErrConnectionClosed) {
			return nil, domain.ErrConnectionClosed
		}
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, result.err
		}
		if result.resp.Error != nil {
			return nil, result.resp.Error
		}
		return result.resp.Result, nil
	case <-ctx.Done():
		c.removePending(key)
		return nil, ctx.Err()
	}
}

// Notify sends a notification. No reply is expected.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	if c.isClosed() {
		return domain.ErrConnectionClosed
	}
	rawParams, err := encodeParams(params)
	if err != nil {
		return err
	}
	if err := c.conn.Write(ctx, &jsonrpc.Request{Method: method, Params: rawParams}); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// Done is closed once the connection has failed or been closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended. It is nil while the client is open.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.setErr(domain.ErrConnectionClosed)
		close(c.done)
		c.cancel()
		err = c.conn.Close()
		c.failPending(domain.ErrConnectionClosed)
	})
	return err
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		msg, err := c.conn.Read(ctx)
		if err != nil {
			c.setErr(fmt.Errorf("%w: %v", domain.ErrConnectionClosed, err))
			c.failPending(domain.ErrConnectionClosed)
			c.closeOnce.Do(func() {
				close(c.done)
				c.cancel()
				_ = c.conn.Close()
			})
			return
		}
		switch typed := msg.(type) {
		case *jsonrpc.Response:
			c.dispatchResponse(typed)
		case *jsonrpc.Request:
			if typed.ID.IsValid() {
				c.rejectServerCall(ctx, typed)
				continue
			}
			c.handleNotification(typed)
		}
	}
}

func (c *Client) dispatchResponse(resp *jsonrpc.Response) {
	key, err := idKey(resp.ID)
	if err != nil {
		c.logger.Debug("drop response with invalid id", zap.Error(err))
		return
	}
	c.mu.Lock()
	ch := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()
	if ch == nil {
		c.logger.Debug("drop response with no pending call", zap.String("id", key))
		return
	}
	ch <- callResult{resp: resp}
}

// rejectServerCall answers backend-initiated requests. The gateway offers no client capabilities.
func (c *Client) rejectServerCall(ctx context.Context, req *jsonrpc.Request) {
	resp := &jsonrpc.Response{
		ID: req.ID,
		Error: &jsonrpc.Error{
			Code:    jsonrpc.CodeMethodNotFound,
			Message: "method not found: " + req.Method,
		},
	}
	if err := c.conn.Write(ctx, resp); err != nil {
		c.logger.Warn("respond to server call failed", zap.String("method", req.Method), zap.Error(err))
	}
}

func (c *Client) handleNotification(req *jsonrpc.Request) {
	if req.Method == methodToolsListChanged && c.onToolsChanged != nil {
		c.onToolsChanged()
	}
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

func (c *Client) removePending(key string) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, key)
	}
	c.mu.Unlock()
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func encodeParams(params any) (json.RawMessage, error) {
	switch typed := params.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(typed) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return typed, nil
	default:
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		return raw, nil
	}
}

func idKey(id jsonrpc.ID) (string, error) {
	if !id.IsValid() {
		return "", errors.New("missing request id")
	}
	switch typed := id.Raw().(type) {
	case string:
		return "s:" + typed, nil
	case float64:
		return fmt.Sprintf("n:%v", typed), nil
	case int64:
		return fmt.Sprintf("n:%d", typed), nil
	case int:
		return fmt.Sprintf("n:%d", typed), nil
	case json.Number:
		return "n:" + typed.String(), nil
	default:
		return "", fmt.Errorf("unsupported id type %T", typed)
	}
}
