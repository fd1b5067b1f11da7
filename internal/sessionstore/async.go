package sessionstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"replaydesk/internal/logger"
	"replaydesk/internal/replay"
)

// Writer is the synchronous side of persistence.
type Writer interface {
	Save(ctx context.Context, snap replay.Snapshot) error
}

// AsyncSaver implements replay.Saver with one background writer. Pending
// snapshots are kept per session and a newer one replaces an older one that
// has not been written yet.
type AsyncSaver struct {
	w       Writer
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]replay.Snapshot
	closed  bool
	// held for the duration of one write
	writeMu sync.Mutex

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

var _ replay.Saver = (*AsyncSaver)(nil)

func NewAsyncSaver(w Writer) *AsyncSaver {
	s := &AsyncSaver{
		w:       w,
		timeout: 5 * time.Second,
		pending: make(map[string]replay.Snapshot),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.loop()
	return s
}

// Save never blocks on the database.
func (s *AsyncSaver) Save(snap replay.Snapshot) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		logger.Warnf("[store] saver closed, dropping snapshot %s", snap.ID)
		return
	}
	s.pending[snap.ID] = snap.Clone()
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Discard drops a not yet written snapshot and waits for an in-flight write
// to finish, so a following delete cannot be overtaken by a stale save.
func (s *AsyncSaver) Discard(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
	s.writeMu.Lock()
	s.writeMu.Unlock()
}

// Close flushes whatever is pending and stops the writer.
func (s *AsyncSaver) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	<-s.stopped
	return nil
}

func (s *AsyncSaver) loop() {
	defer close(s.stopped)
	for {
		select {
		case <-s.wake:
			s.flush()
		case <-s.done:
			s.flush()
			return
		}
	}
}

func (s *AsyncSaver) flush() {
	for {
		snap, ok := s.next()
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.w.Save(ctx, snap); err != nil {
			logger.Errorf("[store] 保存会话 %s 失败: %v", snap.ID, err)
		}
		cancel()
		s.writeMu.Unlock()
	}
}

// next takes the pending snapshot with the smallest id and returns with
// writeMu held.
func (s *AsyncSaver) next() (replay.Snapshot, bool) {
	s.writeMu.Lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		s.writeMu.Unlock()
		return replay.Snapshot{}, false
	}
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	snap := s.pending[ids[0]]
	delete(s.pending, ids[0])
	return snap, true
}
