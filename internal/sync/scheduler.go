package sync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/syncbox/syncbox/internal/store"
)

// DefaultSyncInterval is how often accumulated changes are flushed into one
// sync request.
const DefaultSyncInterval = 60 * time.Second

// pendingEntry records when a path was last touched. seq ordering is what
// lets a completion filter out only the paths that were pending when the
// request was issued: a write that lands mid-merge carries a later seq and
// survives into the next cycle.
type pendingEntry struct {
	path string
	seq  uint64
}

// Scheduler owns the recursive watch subscription and the sync timer. It
// accumulates changed paths, coalesces them on each tick and issues at most
// one request per tick; the session state machine enforces that at most one
// request is ever in flight.
type Scheduler struct {
	fs       *ConflictFS
	ignore   *IgnoreList
	coalesce Coalescer
	interval time.Duration

	// request is Session.Request; a request refused because a sync is
	// already running is a silent no-op.
	request func(ctx context.Context, path string) error

	mu      sync.Mutex
	entries []pendingEntry
	member  mapset.Set[string]
	seq     uint64
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewScheduler(fs *ConflictFS, ignore *IgnoreList, coalesce Coalescer, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	return &Scheduler{
		fs:       fs,
		ignore:   ignore,
		coalesce: coalesce,
		interval: interval,
		request:  func(context.Context, string) error { return nil },
		member:   mapset.NewSet[string](),
	}
}

// OnRequest installs the function invoked with the coalesced path on each
// non-empty tick.
func (s *Scheduler) OnRequest(fn func(ctx context.Context, path string) error) {
	if fn != nil {
		s.request = fn
	}
}

// Touch appends path to the pending set, or refreshes its sequence number if
// already pending. The set never holds duplicates.
func (s *Scheduler) Touch(path string) {
	path = store.CleanPath(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	if s.member.Contains(path) {
		for i := range s.entries {
			if s.entries[i].path == path {
				s.entries[i].seq = s.seq
				break
			}
		}
		return
	}
	s.member.Add(path)
	s.entries = append(s.entries, pendingEntry{path: path, seq: s.seq})
}

// Pending returns the pending paths in arrival order.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths := make([]string, len(s.entries))
	for i, e := range s.entries {
		paths[i] = e.path
	}
	return paths
}

// Seq returns the current sequence high-water mark. A caller issuing a sync
// request records it and passes it back to MarkSynced.
func (s *Scheduler) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// MarkSynced removes pending entries that are equal to or descendants of a
// synced path AND were last touched at or before upTo. Later touches stay
// queued for the next cycle.
func (s *Scheduler) MarkSynced(synced []string, upTo uint64) {
	if len(synced) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.seq <= upTo && len(s.coalesce.FilterSynced([]string{e.path}, synced)) == 0 {
			s.member.Remove(e.path)
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
}

// Start begins watching and ticking. Idempotent while already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	events, err := s.fs.Watch(ctx)
	if err != nil {
		s.Stop()
		return err
	}

	slog.Info("auto-sync start", "interval", s.interval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchLoop(ctx, events)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tickLoop(ctx)
	}()

	return nil
}

// Stop cancels the watch and timer. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	slog.Info("auto-sync stop")
}

func (s *Scheduler) watchLoop(ctx context.Context, events <-chan store.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if s.ignore.ShouldIgnore(ev.Path) {
				continue
			}
			s.Touch(ev.Path)
		}
	}
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	// a timer, not a ticker, so a sync that outlives the interval does not
	// pile up queued ticks
	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.flush(ctx)
			timer.Reset(s.interval)
		}
	}
}

func (s *Scheduler) flush(ctx context.Context) {
	pending := s.Pending()
	if len(pending) == 0 {
		return
	}

	target := s.coalesce.Resolve(pending)
	if err := s.request(ctx, target); err != nil {
		slog.Warn("auto-sync request", "path", target, "error", err)
	}
}
