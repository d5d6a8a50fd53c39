package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/syncbox/syncbox/internal/store"
	"github.com/syncbox/syncbox/internal/wire"
	"github.com/syncbox/syncbox/internal/wsproto"
)

const (
	eventsBufferSize = 16
	replyTimeout     = 30 * time.Second
)

// Options configures a Session.
type Options struct {
	// Manual disables the auto-sync scheduler.
	Manual bool

	// Interval between auto-sync ticks. DefaultSyncInterval when zero.
	Interval time.Duration

	// CaseInsensitive path comparison in the coalescer.
	CaseInsensitive bool

	// Encoding for the websocket wire. JSON by default.
	Encoding wsproto.Encoding
}

// Session drives the synchronization protocol over one logical connection:
// token fetch, handshake, the initial downstream pull, then the steady-state
// two-way loop. A session that reaches StateError is dead; the caller
// reconnects explicitly, no retry happens here.
type Session struct {
	fs       *ConflictFS
	journal  *Journal
	changes  *ChangeBuilder
	sched    *Scheduler
	coalesce Coalescer
	encoding wsproto.Encoding

	mu      sync.Mutex
	state   State
	sock    *socket
	lastErr error
	manual  bool
	reqPath string
	reqSeq  uint64
	reqOps  []wire.PatchOp // change set sent with the in-flight request
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	events chan Event
}

// NewSession wires a session over the given store. The journal records
// synced state; it must outlive the session.
func NewSession(st store.Store, journal *Journal, opts Options) *Session {
	coalesce := Coalescer{CaseInsensitive: opts.CaseInsensitive}
	fs := NewConflictFS(st, journal)

	s := &Session{
		fs:       fs,
		journal:  journal,
		changes:  NewChangeBuilder(st, journal),
		coalesce: coalesce,
		encoding: opts.Encoding,
		manual:   opts.Manual,
		state:    StateDisconnected,
		events:   make(chan Event, eventsBufferSize),
	}

	s.sched = NewScheduler(fs, NewIgnoreList(st), coalesce, opts.Interval)
	s.sched.OnRequest(s.Request)
	fs.OnRequeue(s.sched.Touch)

	return s
}

// Events returns the session notification stream. Single consumer; the
// channel is buffered and the session never blocks on it, so notifications
// are dropped while a consumer is more than the buffer behind. State and
// Err always reflect the latest transition regardless.
func (s *Session) Events() <-chan Event {
	return s.events
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that drove the session to StateError, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// FS returns the conflict-aware filesystem bound to this session.
func (s *Session) FS() *ConflictFS {
	return s.fs
}

// Connect establishes the session: fetches a token when none is given,
// dials, handshakes, then runs the initial downstream pull. The connected
// event fires only after the downstream pull completes, so the caller never
// sees "connected" with a stale tree.
func (s *Session) Connect(ctx context.Context, serverURL, token string) error {
	s.mu.Lock()
	switch s.state {
	case StateDisconnected, StateError:
		// a fresh or dead session may (re)connect
	default:
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.state = StateConnecting
	s.lastErr = nil
	manual := s.manual
	s.mu.Unlock()

	if token == "" {
		t, err := FetchToken(ctx, serverURL)
		if err != nil {
			return s.fail(err)
		}
		token = t
	}

	conn, _, err := websocket.Dial(ctx, toWebsocketURL(serverURL), nil)
	if err != nil {
		return s.fail(fmt.Errorf("%w: %w", ErrHandshakeFailed, err))
	}

	sock := newSocket(conn, s.encoding)
	sockCtx, cancel := context.WithCancel(context.Background())
	sock.Start(sockCtx)

	s.mu.Lock()
	s.sock = sock
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.handshake(ctx, sock, token); err != nil {
		return s.fail(err)
	}

	s.setState(StateDownstream)
	if err := s.runDownstream(ctx, sock); err != nil {
		return s.fail(err)
	}

	s.setState(StateConnected)
	s.emit(Event{Type: EventConnected})
	slog.Info("session connected", "server", serverURL)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSteadyState(sockCtx, sock)
	}()

	if !manual {
		if err := s.sched.Start(sockCtx); err != nil {
			slog.Warn("auto-sync start failed", "error", err)
		}
	}

	return nil
}

// handshake sends the token and waits for the server's verdict.
func (s *Session) handshake(ctx context.Context, sock *socket, token string) error {
	hs := wire.NewHandshake(token)
	if err := sock.Send(hs); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	msg, err := s.awaitMessage(ctx, sock)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	switch msg.Type {
	case wire.MsgAck:
		return nil
	case wire.MsgNack:
		nack := msg.Data.(wire.Nack)
		return fmt.Errorf("%w: %s", ErrHandshakeFailed, nack.Error)
	case wire.MsgError:
		e := msg.Data.(wire.Error)
		return fmt.Errorf("%w: %s", ErrHandshakeFailed, e.Message)
	default:
		return fmt.Errorf("%w: unexpected %s reply", ErrHandshakeFailed, msg.Type)
	}
}

// runDownstream applies the server's initial view of the whole tree. The
// phase ends when the server sends its completion message.
func (s *Session) runDownstream(ctx context.Context, sock *socket) error {
	for {
		msg, err := s.awaitMessage(ctx, sock)
		if err != nil {
			return err
		}

		switch msg.Type {
		case wire.MsgPatchSet:
			ps := msg.Data.(wire.PatchSet)
			if err := s.applyPatchSet(ctx, &ps); err != nil {
				return err
			}
		case wire.MsgCompleted:
			return nil
		case wire.MsgError:
			e := msg.Data.(wire.Error)
			return fmt.Errorf("%w: %s", ErrSyncFailed, e.Message)
		default:
			slog.Debug("downstream unhandled type", "type", msg.Type)
		}
	}
}

// awaitMessage reads one message with a reply deadline.
func (s *Session) awaitMessage(ctx context.Context, sock *socket) (*wire.Message, error) {
	timer := time.NewTimer(replyTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w: reply timeout", ErrTransportClosed)
	case msg, ok := <-sock.msgRx:
		if !ok {
			return nil, ErrTransportClosed
		}
		return msg, nil
	}
}

// Request asks the server to sync the subtree at path. Only meaningful in
// StateConnected: while a sync is already in flight the request is dropped
// (not queued, not an error); otherwise ErrNotConnected. A path missing from
// the local tree redirects to the root so a ghost path is never requested.
func (s *Session) Request(ctx context.Context, path string) error {
	// claim the in-flight slot up front so at most one request ever goes on
	// the wire, and snapshot the pending seq before the change set is built:
	// a touch landing after the snapshot stays pending through MarkSynced.
	s.mu.Lock()
	switch s.state {
	case StateSyncing:
		s.mu.Unlock()
		slog.Debug("request dropped, sync in flight", "path", path)
		return nil
	case StateConnected:
		// proceed
	default:
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.state = StateSyncing
	s.reqSeq = s.sched.Seq()
	sock := s.sock
	s.mu.Unlock()

	path = store.CleanPath(path)
	if !s.fs.Store().Exists(path) {
		slog.Debug("request path missing, redirecting to root", "path", path)
		path = "/"
	}

	changes, err := s.changes.Build(ctx, path)
	if err != nil {
		s.rollbackSyncing()
		return fmt.Errorf("%w: build changes: %w", ErrSyncFailed, err)
	}

	s.mu.Lock()
	if s.state != StateSyncing {
		// fail or disconnect moved the state under us
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.reqPath = path
	s.reqOps = changes
	s.mu.Unlock()

	// a send failure means a dead transport; the read loop notices the close
	// and tears the session down, so only the claim is undone here
	if err := sock.Send(wire.NewSyncRequest(path, changes)); err != nil {
		s.rollbackSyncing()
		return fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}

	s.emit(Event{Type: EventSyncing})
	slog.Info("sync requested", "path", path, "changes", len(changes))
	return nil
}

// rollbackSyncing releases a claimed in-flight slot after a request could
// not be sent. A no-op when fail or disconnect already moved the state.
func (s *Session) rollbackSyncing() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateSyncing {
		return
	}
	s.state = StateConnected
	s.reqPath = ""
	s.reqOps = nil
}

// runSteadyState consumes messages after the downstream phase: patch sets
// for the in-flight request, completions, server errors, transport close.
func (s *Session) runSteadyState(ctx context.Context, sock *socket) {
	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-sock.msgRx:
			if !ok {
				s.transportClosed()
				return
			}

			switch msg.Type {
			case wire.MsgPatchSet:
				ps := msg.Data.(wire.PatchSet)
				s.handlePatchSet(ctx, &ps)

			case wire.MsgCompleted:
				done := msg.Data.(wire.Completed)
				s.handleCompleted(&done)

			case wire.MsgError:
				e := msg.Data.(wire.Error)
				s.fail(fmt.Errorf("%w: %s (%d)", ErrSyncFailed, e.Message, e.Code))

			case wire.MsgAck:
				// server accepted our request, nothing to do

			default:
				slog.Debug("session unhandled type", "type", msg.Type)
			}
		}
	}
}

func (s *Session) handlePatchSet(ctx context.Context, ps *wire.PatchSet) {
	s.mu.Lock()
	syncing := s.state == StateSyncing
	s.mu.Unlock()

	if !syncing {
		// out-of-band push: the server patched a path no request asked for.
		// Conservatively a protocol error.
		s.fail(fmt.Errorf("%w: unsolicited patch set for %s", ErrSyncFailed, ps.Path))
		return
	}

	if err := s.applyPatchSet(ctx, ps); err != nil {
		s.fail(err)
	}
}

// applyPatchSet replays one patch set under a merge lease. The lease is
// released even when replay fails partway.
func (s *Session) applyPatchSet(ctx context.Context, ps *wire.PatchSet) error {
	subtree := ps.Path
	if subtree == "" {
		subtree = "/"
	}

	lease, err := s.fs.BeginMerge(subtree)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}
	defer s.fs.EndMerge(lease)

	if err := s.fs.ApplyPatchSet(ctx, lease, ps.Ops); err != nil {
		return fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}
	return nil
}

func (s *Session) handleCompleted(done *wire.Completed) {
	s.mu.Lock()
	if s.state != StateSyncing {
		s.mu.Unlock()
		slog.Debug("completion with no sync in flight", "paths", done.Paths)
		return
	}
	reqSeq := s.reqSeq
	sent := s.reqOps
	s.state = StateConnected
	s.reqPath = ""
	s.reqOps = nil
	s.mu.Unlock()

	s.journalUploaded(sent)

	s.sched.MarkSynced(done.Paths, reqSeq)
	s.emit(Event{Type: EventCompleted, Paths: done.Paths})
	slog.Info("sync completed", "paths", done.Paths)
}

// journalUploaded records the change set the server just accepted, exactly
// as it was sent. A local edit landing after the set was built keeps a live
// etag the journal does not have, so the next Build re-sends it; journaling
// from the live tree instead would mask that edit as already synced.
func (s *Session) journalUploaded(ops []wire.PatchOp) {
	for _, op := range ops {
		switch op.Op {
		case wire.OpCreate, wire.OpWrite:
			err := s.journal.Set(&FileRecord{
				Path:         op.Path,
				ETag:         op.ETag,
				Size:         int64(len(op.Content)),
				LastModified: time.Now(),
			})
			if err != nil {
				slog.Warn("journal uploaded write", "path", op.Path, "error", err)
			}
		case wire.OpDelete:
			if err := s.journal.Delete(op.Path); err != nil {
				slog.Warn("journal uploaded delete", "path", op.Path, "error", err)
			}
		}
	}
}

// Disconnect tears down the transport, watcher and timer, forcing the state
// to StateDisconnected. A no-op when already disconnected.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected
	sock := s.sock
	cancel := s.cancel
	s.sock = nil
	s.cancel = nil
	s.mu.Unlock()

	s.teardown(sock, cancel)
	s.emit(Event{Type: EventDisconnected})
	slog.Info("session disconnected")
}

// Auto enables the auto-sync scheduler. Idempotent while already active.
func (s *Session) Auto(ctx context.Context) error {
	s.mu.Lock()
	s.manual = false
	connected := s.state == StateConnected || s.state == StateSyncing
	s.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	return s.sched.Start(ctx)
}

// Manual disables the auto-sync scheduler; sync then happens only via
// explicit Request calls.
func (s *Session) Manual() {
	s.mu.Lock()
	s.manual = true
	s.mu.Unlock()

	s.sched.Stop()
}

// Scheduler exposes the pending-set owner, mainly for tests and status.
func (s *Session) Scheduler() *Scheduler {
	return s.sched
}

// transportClosed handles an unexpected close from the read loop. An idle
// close is an ordinary disconnect; a close with a sync in flight is fatal,
// since the syncing consumer is owed a completed or an error.
func (s *Session) transportClosed() {
	s.mu.Lock()
	if s.state == StateDisconnected || s.state == StateError {
		s.mu.Unlock()
		return
	}
	if s.state == StateSyncing {
		s.mu.Unlock()
		s.fail(ErrTransportClosed)
		return
	}
	s.state = StateDisconnected
	sock := s.sock
	cancel := s.cancel
	s.sock = nil
	s.cancel = nil
	s.mu.Unlock()

	s.teardown(sock, cancel)
	s.emit(Event{Type: EventDisconnected})
	slog.Info("session transport closed")
}

// fail drives the session to StateError and surfaces err on the event
// stream. The transport is torn down; no reconnect is attempted.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	if s.state == StateError {
		s.mu.Unlock()
		return s.lastErr
	}
	s.state = StateError
	s.lastErr = err
	sock := s.sock
	cancel := s.cancel
	s.sock = nil
	s.cancel = nil
	s.mu.Unlock()

	s.teardown(sock, cancel)
	s.emit(Event{Type: EventError, Err: err})
	slog.Error("session error", "error", err)
	return err
}

func (s *Session) teardown(sock *socket, cancel context.CancelFunc) {
	s.sched.Stop()
	if cancel != nil {
		cancel()
	}
	if sock != nil {
		sock.Close()
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		slog.Warn("event buffer full, dropped", "type", ev.Type)
	}
}
