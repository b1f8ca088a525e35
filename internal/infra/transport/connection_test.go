package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"mcproute/internal/domain"
)

type fakeConn struct {
	readCh  chan jsonrpc.Message
	writeCh chan jsonrpc.Message
	closed  chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		readCh:  make(chan jsonrpc.Message, 1),
		writeCh: make(chan jsonrpc.Message, 1),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg := <-f.readCh:
		return msg, nil
	case <-f.closed:
		return nil, mcp.ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case f.writeCh <- msg:
		return nil
	case <-f.closed:
		return mcp.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeConn) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeConn) SessionID() string { return "" }

func awaitWrite(t *testing.T, conn *fakeConn) *jsonrpc.Request {
	t.Helper()
	select {
	case msg := <-conn.writeCh:
		req, ok := msg.(*jsonrpc.Request)
		require.True(t, ok, "expected request, got %T", msg)
		return req
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for write")
		return nil
	}
}

func TestClient_CallRoutesResponseByID(t *testing.T) {
	conn := newFakeConn()
	client := NewClient(conn, ClientOptions{})
	defer client.Close()

	type outcome struct {
		raw json.RawMessage
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		raw, err := client.Call(context.Background(), "tools/list", nil)
		done <- outcome{raw: raw, err: err}
	}()

	req := awaitWrite(t, conn)
	require.Equal(t, "tools/list", req.Method)
	require.True(t, req.ID.IsValid())
	require.JSONEq(t, `{}`, string(req.Params))

	conn.readCh <- &jsonrpc.Response{ID: req.ID, Result: json.RawMessage(`{"tools":[]}`)}

	select {
	case got := <-done:
		require.NoError(t, got.err)
		require.JSONEq(t, `{"tools":[]}`, string(got.raw))
	case <-time.After(time.Second):
		t.Fatal("call did not complete")
	}
}

func TestClient_CallSurfacesRPCError(t *testing.T) {
	conn := newFakeConn()
	client := NewClient(conn, ClientOptions{})
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "tools/call", map[string]any{"name": "missing"})
		done <- err
	}()

	req := awaitWrite(t, conn)
	conn.readCh <- &jsonrpc.Response{
		ID:    req.ID,
		Error: &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "unknown tool"},
	}

	select {
	case err := <-done:
		require.Error(t, err)
		require.True(t, IsMethodNotFound(err))
		msg, ok := RPCErrorMessage(err)
		require.True(t, ok)
		require.Equal(t, "unknown tool", msg)
	case <-time.After(time.Second):
		t.Fatal("call did not complete")
	}
}

func TestClient_ToolsListChangedNotification(t *testing.T) {
	conn := newFakeConn()
	fired := make(chan struct{}, 1)
	client := NewClient(conn, ClientOptions{OnToolsChanged: func() { fired <- struct{}{} }})
	defer client.Close()

	conn.readCh <- &jsonrpc.Request{Method: "notifications/tools/list_changed"}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("list_changed callback not fired")
	}
}

func TestClient_RejectsServerInitiatedCalls(t *testing.T) {
	conn := newFakeConn()
	client := NewClient(conn, ClientOptions{})
	defer client.Close()

	id, err := jsonrpc.MakeID("srv-1")
	require.NoError(t, err)
	conn.readCh <- &jsonrpc.Request{ID: id, Method: "sampling/createMessage", Params: json.RawMessage(`{}`)}

	select {
	case msg := <-conn.writeCh:
		resp, ok := msg.(*jsonrpc.Response)
		require.True(t, ok)
		require.Equal(t, id, resp.ID)
		require.True(t, IsMethodNotFound(resp.Error))
	case <-time.After(time.Second):
		t.Fatal("no response written")
	}
}

func TestClient_CloseFailsPendingCalls(t *testing.T) {
	conn := newFakeConn()
	client := NewClient(conn, ClientOptions{})

	done := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "ping", nil)
		done <- err
	}()
	awaitWrite(t, conn)

	require.NoError(t, client.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, domain.ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("pending call not failed")
	}
	<-client.Done()
	require.ErrorIs(t, client.Err(), domain.ErrConnectionClosed)

	_, err := client.Call(context.Background(), "ping", nil)
	require.ErrorIs(t, err, domain.ErrConnectionClosed)
}

func TestClient_ReadFailureMarksDone(t *testing.T) {
	conn := newFakeConn()
	client := NewClient(conn, ClientOptions{})
	require.NoError(t, conn.Close())

	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("client not done after read failure")
	}
	require.ErrorIs(t, client.Err(), domain.ErrConnectionClosed)
}
