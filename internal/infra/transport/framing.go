package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcproute/internal/domain"
)

const (
	contentLengthHeader = "content-length"
	maxFrameSize        = 64 << 20
)

// FramedTransport serves one client over a byte stream. In auto mode the framing is
// detected from the first bytes read: a Content-Length header block selects
// length-prefixed frames, anything else selects newline-delimited JSON.
type FramedTransport struct {
	Reader io.ReadCloser
	Writer io.WriteCloser
	Mode   domain.FramingMode
	Logger *zap.Logger
}

func (t *FramedTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	if t.Reader == nil || t.Writer == nil {
		return nil, errors.New("reader and writer are required")
	}
	logger := t.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mode := t.Mode
	if mode == "" {
		mode = domain.FramingAuto
	}
	conn := &framedConn{
		reader:   bufio.NewReader(t.Reader),
		rawRead:  t.Reader,
		writer:   t.Writer,
		mode:     mode,
		logger:   logger,
		incoming: make(chan readResult, 16),
		closed:   make(chan struct{}),
	}
	go conn.readLoop()
	return conn, nil
}

type readResult struct {
	msg jsonrpc.Message
	err error
}

type framedConn struct {
	reader  *bufio.Reader
	rawRead io.Closer
	writer  io.WriteCloser
	logger  *zap.Logger

	modeMu sync.RWMutex
	mode   domain.FramingMode

	writeMu   sync.Mutex
	incoming  chan readResult
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *framedConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case res, ok := <-c.incoming:
		if !ok {
			return nil, io.EOF
		}
		return res.msg, res.err
	case <-c.closed:
		return nil, mcp.ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *framedConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return mcp.ErrConnectionClosed
	default:
	}
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	var frame bytes.Buffer
	if c.currentMode() == domain.FramingContentLength {
		fmt.Fprintf(&frame, "Content-Length: %d\r\n\r\n", len(data))
		frame.Write(data)
	} else {
		frame.Write(data)
		frame.WriteByte('\n')
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.Write(frame.Bytes()); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *framedConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = errors.Join(c.rawRead.Close(), c.writer.Close())
	})
	return err
}

func (c *framedConn) SessionID() string { return "" }

func (c *framedConn) currentMode() domain.FramingMode {
	c.modeMu.RLock()
	defer c.modeMu.RUnlock()
	return c.mode
}

func (c *framedConn) setMode(mode domain.FramingMode) {
	c.modeMu.Lock()
	c.mode = mode
	c.modeMu.Unlock()
}

func (c *framedConn) readLoop() {
	defer close(c.incoming)
	for {
		data, err := c.readFrame()
		if err != nil {
			c.deliver(readResult{err: err})
			return
		}
		if len(data) == 0 {
			continue
		}
		msg, err := jsonrpc.DecodeMessage(data)
		if err != nil {
			c.logger.Warn("drop malformed message", zap.Error(err))
			continue
		}
		if !c.deliver(readResult{msg: msg}) {
			return
		}
	}
}

func (c *framedConn) deliver(res readResult) bool {
	select {
	case c.incoming <- res:
		return true
	case <-c.closed:
		return false
	}
}

func (c *framedConn) readFrame() ([]byte, error) {
	if c.currentMode() == domain.FramingAuto {
		mode, err := detectFraming(c.reader)
		if err != nil {
			return nil, err
		}
		c.setMode(mode)
	}
	if c.currentMode() == domain.FramingContentLength {
		return readContentLengthFrame(c.reader)
	}
	return readLineFrame(c.reader)
}

// detectFraming peeks past leading whitespace without consuming the message.
func detectFraming(r *bufio.Reader) (domain.FramingMode, error) {
	for {
		b, err := r.Peek(1)
		if err != nil {
			return "", err
		}
		if b[0] != ' ' && b[0] != '\t' && b[0] != '\r' && b[0] != '\n' {
			break
		}
		if _, err := r.ReadByte(); err != nil {
			return "", err
		}
	}
	prefix, err := r.Peek(len(contentLengthHeader))
	if err != nil && len(prefix) == 0 {
		return "", err
	}
	if strings.EqualFold(string(prefix), contentLengthHeader) {
		return domain.FramingContentLength, nil
	}
	return domain.FramingNewline, nil
}

func readLineFrame(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(bytes.TrimSpace(line)) > 0 {
			return bytes.TrimSpace(line), nil
		}
		return nil, err
	}
	return bytes.TrimSpace(line), nil
}

func readContentLengthFrame(r *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if length < 0 {
				// Blank lines between frames.
				continue
			}
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		if strings.EqualFold(strings.TrimSpace(name), contentLengthHeader) {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid Content-Length %q", value)
			}
			if n > maxFrameSize {
				return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
			}
			length = n
		}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
