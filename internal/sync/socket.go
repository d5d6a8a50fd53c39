package sync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/syncbox/syncbox/internal/wire"
	"github.com/syncbox/syncbox/internal/wsproto"
)

const (
	socketChannelSize  = 256
	socketPingPeriod   = 15 * time.Second
	socketPingTimeout  = 5 * time.Second
	socketWriteTimeout = 5 * time.Second
	socketMaxMsgSize   = 4 * 1024 * 1024 // 4MB
)

var errSocketQueueFull = errors.New("sync: socket send queue full")

// socket owns one websocket connection: a read loop delivering decoded
// messages on msgRx and a write loop draining msgTx with keepalive pings.
type socket struct {
	conn      *websocket.Conn
	msgRx     chan *wire.Message // messages received from the websocket
	msgTx     chan *wire.Message // messages queued for the websocket
	closed    chan struct{}      // both loops have exited
	closing   chan struct{}      // teardown started
	encoding  wsproto.Encoding
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newSocket(conn *websocket.Conn, enc wsproto.Encoding) *socket {
	conn.SetReadLimit(socketMaxMsgSize)
	return &socket{
		conn:     conn,
		msgRx:    make(chan *wire.Message, socketChannelSize),
		msgTx:    make(chan *wire.Message, socketChannelSize),
		closed:   make(chan struct{}),
		closing:  make(chan struct{}),
		encoding: enc,
	}
}

func (s *socket) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.writeLoop(ctx)
	go s.readLoop(ctx)
}

// Send queues msg for the write loop without blocking.
func (s *socket) Send(msg *wire.Message) error {
	select {
	case <-s.closing:
		return ErrTransportClosed
	default:
	}

	select {
	case s.msgTx <- msg:
		return nil
	default:
		return errSocketQueueFull
	}
}

func (s *socket) Close() {
	s.closeConnection(websocket.StatusNormalClosure, "shutdown")
}

func (s *socket) closeConnection(status websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.conn.Close(status, reason)

		// wait for both loops to drain before signalling closed
		s.wg.Wait()

		close(s.closed)
		close(s.msgRx)
	})
}

func (s *socket) readLoop(ctx context.Context) {
	defer func() {
		slog.Debug("socket reader shutdown")
		s.wg.Done()
		s.closeConnection(websocket.StatusNormalClosure, "shutdown")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		default:
		}

		typ, raw, err := s.conn.Read(ctx)
		if err != nil {
			if !isExpectedCloseError(err) {
				slog.Warn("socket RECV", "error", err)
			}
			return
		}

		msg, _, err := wsproto.Unmarshal(typ, raw)
		if err != nil {
			slog.Warn("socket RECV decode", "error", err)
			continue
		}

		select {
		case <-s.closing:
			return
		case s.msgRx <- msg:
		default:
			slog.Warn("socket RECV buffer full", "dropped", msg.Type)
		}
	}
}

func (s *socket) writeLoop(ctx context.Context) {
	pingTicker := time.NewTicker(socketPingPeriod)
	defer func() {
		slog.Debug("socket writer shutdown")
		pingTicker.Stop()
		s.wg.Done()
		s.closeConnection(websocket.StatusNormalClosure, "shutdown")
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.closing:
			return

		case msg := <-s.msgTx:
			slog.Debug("socket SEND", "id", msg.Id, "type", msg.Type)

			ctxWrite, cancel := context.WithTimeout(ctx, socketWriteTimeout)
			typ, payload, err := wsproto.Marshal(msg, s.encoding)
			if err == nil {
				err = s.conn.Write(ctxWrite, typ, payload)
			}
			cancel()

			if err != nil {
				slog.Error("socket SEND", "error", err)
				return
			}

		case <-pingTicker.C:
			ctxPing, cancel := context.WithTimeout(ctx, socketPingTimeout)
			err := s.conn.Ping(ctxPing)
			cancel()

			if err != nil {
				slog.Error("socket PING", "error", err)
				return
			}
		}
	}
}

// isExpectedCloseError returns true for ordinary connection teardown.
func isExpectedCloseError(err error) bool {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return true
	}

	return errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed)
}
