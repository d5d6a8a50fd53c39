package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncbox/syncbox/internal/store"
	"github.com/syncbox/syncbox/internal/wire"
	"github.com/syncbox/syncbox/internal/wsproto"
)

const testToken = "test-token-123"

// fakeServer runs script against each websocket client and serves the token
// endpoint the way the real server does.
func fakeServer(t *testing.T, script func(ctx context.Context, c *websocket.Conn)) string {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc(TokenEndpoint, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": testToken})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		script(r.Context(), c)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func srvRecv(t *testing.T, ctx context.Context, c *websocket.Conn) *wire.Message {
	t.Helper()
	typ, data, err := c.Read(ctx)
	require.NoError(t, err)
	msg, _, err := wsproto.Unmarshal(typ, data)
	require.NoError(t, err)
	return msg
}

func srvSend(t *testing.T, ctx context.Context, c *websocket.Conn, msg *wire.Message) {
	t.Helper()
	typ, data, err := wsproto.Marshal(msg, wsproto.EncodingJSON)
	require.NoError(t, err)
	require.NoError(t, c.Write(ctx, typ, data))
}

// acceptHandshake consumes the handshake and acknowledges it.
func acceptHandshake(t *testing.T, ctx context.Context, c *websocket.Conn) {
	t.Helper()
	msg := srvRecv(t, ctx, c)
	require.Equal(t, wire.MsgHandshake, msg.Type)
	srvSend(t, ctx, c, wire.NewAck(msg.Id))
}

func newTestSession(t *testing.T) (*Session, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	j, err := NewJournal(t.TempDir() + "/journal.db")
	require.NoError(t, err)
	t.Cleanup(func() {
		j.Close()
		st.Close()
	})
	return NewSession(st, j, Options{Manual: true}), st
}

func waitEvent(t *testing.T, s *Session, want EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestConnectDownstreamThenConnected(t *testing.T) {
	url := fakeServer(t, func(ctx context.Context, c *websocket.Conn) {
		acceptHandshake(t, ctx, c)

		srvSend(t, ctx, c, wire.NewPatchSet("/", []wire.PatchOp{{
			Op:      wire.OpCreate,
			Path:    "/remote/hello.txt",
			ETag:    ContentETag([]byte("from server")),
			Content: []byte("from server"),
			Mode:    0o644,
		}}))
		srvSend(t, ctx, c, wire.NewCompleted([]string{"/"}))

		// hold the connection open until the test ends
		c.Read(ctx)
	})

	s, st := newTestSession(t)
	require.NoError(t, s.Connect(context.Background(), url, testToken))
	defer s.Disconnect()

	// connected only after the downstream pull landed
	assert.Equal(t, StateConnected, s.State())
	waitEvent(t, s, EventConnected)

	data, err := st.Read("/remote/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("from server"), data)
}

func TestConnectFetchesTokenWhenEmpty(t *testing.T) {
	got := make(chan string, 1)
	url := fakeServer(t, func(ctx context.Context, c *websocket.Conn) {
		msg := srvRecv(t, ctx, c)
		require.Equal(t, wire.MsgHandshake, msg.Type)
		got <- msg.Data.(wire.Handshake).Token
		srvSend(t, ctx, c, wire.NewAck(msg.Id))
		srvSend(t, ctx, c, wire.NewCompleted(nil))
		c.Read(ctx)
	})

	s, _ := newTestSession(t)
	require.NoError(t, s.Connect(context.Background(), url, ""))
	defer s.Disconnect()

	assert.Equal(t, testToken, <-got)
}

func TestConnectHandshakeRejected(t *testing.T) {
	url := fakeServer(t, func(ctx context.Context, c *websocket.Conn) {
		msg := srvRecv(t, ctx, c)
		srvSend(t, ctx, c, wire.NewNack(msg.Id, "bad token"))
		c.Read(ctx)
	})

	s, _ := newTestSession(t)
	err := s.Connect(context.Background(), url, "expired")
	require.ErrorIs(t, err, ErrHandshakeFailed)

	assert.Equal(t, StateError, s.State())
	assert.ErrorIs(t, s.Err(), ErrHandshakeFailed)
	waitEvent(t, s, EventError)
}

func TestConnectWhileConnected(t *testing.T) {
	url := fakeServer(t, func(ctx context.Context, c *websocket.Conn) {
		acceptHandshake(t, ctx, c)
		srvSend(t, ctx, c, wire.NewCompleted(nil))
		c.Read(ctx)
	})

	s, _ := newTestSession(t)
	require.NoError(t, s.Connect(context.Background(), url, testToken))
	defer s.Disconnect()

	err := s.Connect(context.Background(), url, testToken)
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestRequestRoundTrip(t *testing.T) {
	gotReq := make(chan wire.SyncRequest, 1)
	url := fakeServer(t, func(ctx context.Context, c *websocket.Conn) {
		acceptHandshake(t, ctx, c)
		srvSend(t, ctx, c, wire.NewCompleted(nil))

		msg := srvRecv(t, ctx, c)
		require.Equal(t, wire.MsgSyncRequest, msg.Type)
		req := msg.Data.(wire.SyncRequest)
		gotReq <- req

		// server merges nothing back, just confirms
		srvSend(t, ctx, c, wire.NewCompleted([]string{req.Path}))
		c.Read(ctx)
	})

	s, st := newTestSession(t)
	require.NoError(t, s.Connect(context.Background(), url, testToken))
	defer s.Disconnect()

	content := []byte("local edit")
	require.NoError(t, st.Write("/docs/a.txt", content, 0o644))

	require.NoError(t, s.Request(context.Background(), "/docs"))
	waitEvent(t, s, EventSyncing)

	req := <-gotReq
	assert.Equal(t, "/docs", req.Path)
	require.Len(t, req.Changes, 1)
	assert.Equal(t, wire.OpCreate, req.Changes[0].Op)
	assert.Equal(t, "/docs/a.txt", req.Changes[0].Path)
	assert.Equal(t, content, req.Changes[0].Content)

	ev := waitEvent(t, s, EventCompleted)
	assert.Equal(t, []string{"/docs"}, ev.Paths)
	assert.Equal(t, StateConnected, s.State())

	// the upload is journaled, so the next request carries no changes
	ops, err := s.changes.Build(context.Background(), "/docs")
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestRequestReceivesPatchSet(t *testing.T) {
	url := fakeServer(t, func(ctx context.Context, c *websocket.Conn) {
		acceptHandshake(t, ctx, c)
		srvSend(t, ctx, c, wire.NewCompleted(nil))

		msg := srvRecv(t, ctx, c)
		req := msg.Data.(wire.SyncRequest)

		srvSend(t, ctx, c, wire.NewPatchSet(req.Path, []wire.PatchOp{{
			Op:      wire.OpCreate,
			Path:    "/docs/remote.txt",
			ETag:    ContentETag([]byte("pushed")),
			Content: []byte("pushed"),
			Mode:    0o644,
		}}))
		srvSend(t, ctx, c, wire.NewCompleted([]string{req.Path}))
		c.Read(ctx)
	})

	s, st := newTestSession(t)
	require.NoError(t, s.Connect(context.Background(), url, testToken))
	defer s.Disconnect()

	require.NoError(t, s.Request(context.Background(), "/docs"))
	waitEvent(t, s, EventCompleted)

	data, err := st.Read("/docs/remote.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("pushed"), data)
}

func TestRequestWhileSyncingDropped(t *testing.T) {
	release := make(chan struct{})
	reqs := make(chan string, 4)
	url := fakeServer(t, func(ctx context.Context, c *websocket.Conn) {
		acceptHandshake(t, ctx, c)
		srvSend(t, ctx, c, wire.NewCompleted(nil))

		msg := srvRecv(t, ctx, c)
		req := msg.Data.(wire.SyncRequest)
		reqs <- req.Path

		<-release
		srvSend(t, ctx, c, wire.NewCompleted([]string{req.Path}))
		c.Read(ctx)
	})

	s, _ := newTestSession(t)
	require.NoError(t, s.Connect(context.Background(), url, testToken))
	defer s.Disconnect()

	require.NoError(t, s.Request(context.Background(), "/"))
	waitEvent(t, s, EventSyncing)

	// in flight: a second request is silently dropped, not queued
	require.NoError(t, s.Request(context.Background(), "/"))

	close(release)
	waitEvent(t, s, EventCompleted)

	assert.Len(t, reqs, 1)
}

func TestRequestNotConnected(t *testing.T) {
	s, _ := newTestSession(t)
	err := s.Request(context.Background(), "/")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRequestMissingPathRedirectsToRoot(t *testing.T) {
	gotPath := make(chan string, 1)
	url := fakeServer(t, func(ctx context.Context, c *websocket.Conn) {
		acceptHandshake(t, ctx, c)
		srvSend(t, ctx, c, wire.NewCompleted(nil))

		msg := srvRecv(t, ctx, c)
		req := msg.Data.(wire.SyncRequest)
		gotPath <- req.Path
		srvSend(t, ctx, c, wire.NewCompleted([]string{req.Path}))
		c.Read(ctx)
	})

	s, _ := newTestSession(t)
	require.NoError(t, s.Connect(context.Background(), url, testToken))
	defer s.Disconnect()

	require.NoError(t, s.Request(context.Background(), "/no/such/dir"))
	assert.Equal(t, "/", <-gotPath)
}

func TestUnsolicitedPatchSetIsError(t *testing.T) {
	url := fakeServer(t, func(ctx context.Context, c *websocket.Conn) {
		acceptHandshake(t, ctx, c)
		srvSend(t, ctx, c, wire.NewCompleted(nil))

		// push with no request outstanding
		srvSend(t, ctx, c, wire.NewPatchSet("/", []wire.PatchOp{{
			Op:      wire.OpCreate,
			Path:    "/sneaky.txt",
			Content: []byte("x"),
		}}))
		c.Read(ctx)
	})

	s, _ := newTestSession(t)
	require.NoError(t, s.Connect(context.Background(), url, testToken))

	ev := waitEvent(t, s, EventError)
	assert.ErrorIs(t, ev.Err, ErrSyncFailed)
	assert.Equal(t, StateError, s.State())
}

func TestServerErrorFailsSession(t *testing.T) {
	url := fakeServer(t, func(ctx context.Context, c *websocket.Conn) {
		acceptHandshake(t, ctx, c)
		srvSend(t, ctx, c, wire.NewCompleted(nil))
		srvSend(t, ctx, c, wire.NewError(500, "/", "storage on fire"))
		c.Read(ctx)
	})

	s, _ := newTestSession(t)
	require.NoError(t, s.Connect(context.Background(), url, testToken))

	ev := waitEvent(t, s, EventError)
	assert.ErrorIs(t, ev.Err, ErrSyncFailed)
	assert.Contains(t, ev.Err.Error(), "storage on fire")
}

func TestDisconnectIdempotent(t *testing.T) {
	url := fakeServer(t, func(ctx context.Context, c *websocket.Conn) {
		acceptHandshake(t, ctx, c)
		srvSend(t, ctx, c, wire.NewCompleted(nil))
		c.Read(ctx)
	})

	s, _ := newTestSession(t)
	require.NoError(t, s.Connect(context.Background(), url, testToken))
	waitEvent(t, s, EventConnected)

	s.Disconnect()
	assert.Equal(t, StateDisconnected, s.State())
	waitEvent(t, s, EventDisconnected)

	// second disconnect emits nothing
	s.Disconnect()
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event after second disconnect: %s", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEditDuringSyncReuploadsNextCycle(t *testing.T) {
	release := make(chan struct{})
	url := fakeServer(t, func(ctx context.Context, c *websocket.Conn) {
		acceptHandshake(t, ctx, c)
		srvSend(t, ctx, c, wire.NewCompleted(nil))

		msg := srvRecv(t, ctx, c)
		req := msg.Data.(wire.SyncRequest)

		// the completion lands only after the local tree moved on
		<-release
		srvSend(t, ctx, c, wire.NewCompleted([]string{req.Path}))
		c.Read(ctx)
	})

	s, st := newTestSession(t)
	require.NoError(t, s.Connect(context.Background(), url, testToken))
	defer s.Disconnect()

	v1 := []byte("v1")
	require.NoError(t, st.Write("/docs/a.txt", v1, 0o644))

	require.NoError(t, s.Request(context.Background(), "/docs"))
	waitEvent(t, s, EventSyncing)

	// edit while the request is in flight: the server only got v1
	v2 := []byte("v2 with more bytes")
	require.NoError(t, st.Write("/docs/a.txt", v2, 0o644))

	close(release)
	waitEvent(t, s, EventCompleted)

	// the journal holds what was uploaded, not the live tree
	rec, err := s.journal.Get("/docs/a.txt")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ContentETag(v1), rec.ETag)

	// so the next cycle re-sends the edit instead of dropping it
	ops, err := s.changes.Build(context.Background(), "/docs")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, wire.OpWrite, ops[0].Op)
	assert.Equal(t, "/docs/a.txt", ops[0].Path)
	assert.Equal(t, v2, ops[0].Content)
	assert.Equal(t, ContentETag(v1), ops[0].PreETag)
}

func TestDeleteUploadClearsJournal(t *testing.T) {
	url := fakeServer(t, func(ctx context.Context, c *websocket.Conn) {
		acceptHandshake(t, ctx, c)
		srvSend(t, ctx, c, wire.NewCompleted(nil))

		msg := srvRecv(t, ctx, c)
		req := msg.Data.(wire.SyncRequest)
		srvSend(t, ctx, c, wire.NewCompleted([]string{req.Path}))
		c.Read(ctx)
	})

	s, _ := newTestSession(t)
	require.NoError(t, s.journal.Set(&FileRecord{
		Path: "/gone.txt", ETag: "e1", LastModified: time.Now(),
	}))

	require.NoError(t, s.Connect(context.Background(), url, testToken))
	defer s.Disconnect()

	// the tree no longer has /gone.txt, so the request carries its delete
	require.NoError(t, s.Request(context.Background(), "/"))
	waitEvent(t, s, EventCompleted)

	rec, err := s.journal.Get("/gone.txt")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestConcurrentRequestsSendOne(t *testing.T) {
	reqs := make(chan string, 16)
	release := make(chan struct{})
	url := fakeServer(t, func(ctx context.Context, c *websocket.Conn) {
		acceptHandshake(t, ctx, c)
		srvSend(t, ctx, c, wire.NewCompleted(nil))

		msg := srvRecv(t, ctx, c)
		req := msg.Data.(wire.SyncRequest)
		reqs <- req.Path

		<-release
		srvSend(t, ctx, c, wire.NewCompleted([]string{req.Path}))

		// anything else arriving after the first request is a violation
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			extra, _, err := wsproto.Unmarshal(typ, data)
			if err != nil {
				continue
			}
			if req, ok := extra.Data.(wire.SyncRequest); ok {
				reqs <- req.Path
			}
		}
	})

	s, _ := newTestSession(t)
	require.NoError(t, s.Connect(context.Background(), url, testToken))
	defer s.Disconnect()

	var wg stdsync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// losers are dropped, never an error and never a second send
			assert.NoError(t, s.Request(context.Background(), "/"))
		}()
	}
	wg.Wait()

	<-reqs
	close(release)
	waitEvent(t, s, EventCompleted)

	select {
	case p := <-reqs:
		t.Fatalf("second request reached the wire: %s", p)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestTransportCloseWhileSyncingFails(t *testing.T) {
	url := fakeServer(t, func(ctx context.Context, c *websocket.Conn) {
		acceptHandshake(t, ctx, c)
		srvSend(t, ctx, c, wire.NewCompleted(nil))

		// take the request, then drop the connection mid-sync
		srvRecv(t, ctx, c)
		c.Close(websocket.StatusNormalClosure, "going away")
	})

	s, _ := newTestSession(t)
	require.NoError(t, s.Connect(context.Background(), url, testToken))

	require.NoError(t, s.Request(context.Background(), "/"))
	waitEvent(t, s, EventSyncing)

	// the syncing consumer is owed a terminal event, not a silent disconnect
	ev := waitEvent(t, s, EventError)
	assert.ErrorIs(t, ev.Err, ErrTransportClosed)
	assert.Equal(t, StateError, s.State())
}

func TestTransportCloseDisconnects(t *testing.T) {
	url := fakeServer(t, func(ctx context.Context, c *websocket.Conn) {
		acceptHandshake(t, ctx, c)
		srvSend(t, ctx, c, wire.NewCompleted(nil))
		c.Close(websocket.StatusNormalClosure, "going away")
	})

	s, _ := newTestSession(t)
	require.NoError(t, s.Connect(context.Background(), url, testToken))

	waitEvent(t, s, EventDisconnected)
	assert.Equal(t, StateDisconnected, s.State())
}
