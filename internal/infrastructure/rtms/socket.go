package rtms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rtmsrelay/internal/core/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wireConn is the subset of *websocket.Conn the socket uses.
type wireConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

type outbound struct {
	data []byte
	// done receives the write result; may be nil
	done chan error
	// written runs after a successful write; may be nil
	written func(n int)
}

const priorityQueueSize = 16

type socketOptions struct {
	queueSize    int
	writeTimeout time.Duration
	// readTimeout is the dead-peer window; 0 disables it
	readTimeout time.Duration
	readLimit   int64
}

// socket owns one websocket connection: a reader goroutine feeding inbound
// and a writer goroutine that always drains the priority queue before
// writing a normal message.
type socket struct {
	conn wireConn
	opts socketOptions

	priority chan outbound
	normal   chan outbound
	inbound  chan []byte
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	logger *zap.SugaredLogger
}

func newSocket(conn wireConn, opts socketOptions, logger *zap.SugaredLogger) *socket {
	if opts.queueSize <= 0 {
		opts.queueSize = 256
	}
	if opts.readLimit > 0 {
		conn.SetReadLimit(opts.readLimit)
	}
	return &socket{
		conn:     conn,
		opts:     opts,
		priority: make(chan outbound, priorityQueueSize),
		normal:   make(chan outbound, opts.queueSize),
		inbound:  make(chan []byte, 16),
		errs:     make(chan error, 1),
		closed:   make(chan struct{}),
		logger:   logger,
	}
}

func (s *socket) start() {
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
}

func (s *socket) readLoop() {
	defer s.wg.Done()

	for {
		if s.opts.readTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.opts.readTimeout))
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.fail(fmt.Errorf("%w: closed by peer", domain.ErrTransport))
			} else {
				s.fail(fmt.Errorf("%w: read: %v", domain.ErrTransport, err))
			}
			return
		}

		select {
		case s.inbound <- data:
		case <-s.closed:
			return
		}
	}
}

func (s *socket) writeLoop() {
	defer s.wg.Done()

	for {
		// Priority messages first
		select {
		case m := <-s.priority:
			s.write(m)
			continue
		case <-s.closed:
			return
		default:
		}

		select {
		case m := <-s.priority:
			s.write(m)
		case m := <-s.normal:
			// a priority message that became ready meanwhile still goes first
			s.flushPriority()
			s.write(m)
		case <-s.closed:
			return
		}
	}
}

func (s *socket) flushPriority() {
	for {
		select {
		case m := <-s.priority:
			s.write(m)
		default:
			return
		}
	}
}

func (s *socket) write(m outbound) {
	select {
	case <-s.closed:
		s.complete(m, domain.ErrNotOpen)
		return
	default:
	}

	if s.opts.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.opts.writeTimeout))
	}
	err := s.conn.WriteMessage(websocket.TextMessage, m.data)
	if err != nil {
		err = fmt.Errorf("%w: write: %v", domain.ErrTransport, err)
		s.complete(m, err)
		s.fail(err)
		return
	}
	if m.written != nil {
		m.written(len(m.data))
	}
	s.complete(m, nil)
}

func (s *socket) complete(m outbound, err error) {
	if m.done != nil {
		m.done <- err
	}
}

// sendPriority queues data ahead of every normal message without waiting.
func (s *socket) sendPriority(data []byte) error {
	select {
	case <-s.closed:
		return domain.ErrNotOpen
	default:
	}

	select {
	case s.priority <- outbound{data: data}:
		return nil
	default:
		return domain.ErrQueueFull
	}
}

// send queues data and waits for the write to finish.
func (s *socket) send(ctx context.Context, data []byte, written func(int)) error {
	m := outbound{data: data, done: make(chan error, 1), written: written}

	select {
	case s.normal <- m:
	case <-s.closed:
		return domain.ErrNotOpen
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-m.done:
		return err
	case <-s.closed:
		// the write may have completed just before the socket closed
		select {
		case err := <-m.done:
			return err
		default:
			return domain.ErrNotOpen
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue queues data without waiting; a full queue is an error.
func (s *socket) enqueue(data []byte, written func(int)) error {
	select {
	case <-s.closed:
		return domain.ErrNotOpen
	default:
	}

	select {
	case s.normal <- outbound{data: data, written: written}:
		return nil
	default:
		return domain.ErrQueueFull
	}
}

func (s *socket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *socket) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
	s.close()
}

// close is idempotent; it sends a close frame and tears down the conn,
// which unblocks the reader.
func (s *socket) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			s.logger.Debugw("close frame not sent", "error", err)
		}
		if err := s.conn.Close(); err != nil {
			s.logger.Debugw("socket close", "error", err)
		}
	})
}

// wait blocks until both loops have exited.
func (s *socket) wait() {
	s.wg.Wait()
}
