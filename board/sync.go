package board

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const (
	defaultCallTimeout = 10 * time.Second
	resultsBuffer      = 64
)

var ErrSyncerClosed = errors.New("syncer closed")

// Remote is the server side of the board.
type Remote interface {
	UpdateStatus(ctx context.Context, id string, status domain.Status) (domain.Result, error)
	GetAll(ctx context.Context) ([]domain.Task, error)
}

// Syncer sends pending ops to the server. Calls run concurrently and may
// finish in any order; their outcomes arrive on Results for Board.Resolve.
type Syncer struct {
	remote  Remote
	timeout time.Duration
	results chan Result

	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	fetchSeq atomic.Uint64
}

// NewSyncer creates a Syncer bounding every remote call by timeout.
func NewSyncer(remote Remote, timeout time.Duration) *Syncer {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Syncer{remote: remote, timeout: timeout, results: make(chan Result, resultsBuffer)}
}

// Results delivers one Result per submitted op. It is closed by Close.
func (s *Syncer) Results() <-chan Result { return s.results }

// Submit starts sending op without waiting for it.
func (s *Syncer) Submit(ctx context.Context, op Op) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSyncerClosed
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.results <- s.send(ctx, op)
	}()
	return nil
}

func (s *Syncer) send(ctx context.Context, op Op) Result {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	_, err := s.remote.UpdateStatus(callCtx, op.TaskID, op.Status)
	cancel()
	if err != nil {
		return Result{Seq: op.Seq, Err: fmt.Errorf("move task %s to %s: %w", op.TaskID, op.Status, err)}
	}

	// Numbered before the call so a slower, older fetch never wins.
	seq := s.fetchSeq.Add(1)
	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	tasks, err := s.remote.GetAll(fetchCtx)
	if err != nil {
		log.WithError(err).WithField("task", op.TaskID).Warn("refetch after move failed")
		return Result{Seq: op.Seq}
	}
	return Result{Seq: op.Seq, Snapshot: tasks, FetchSeq: seq}
}

// Close rejects new ops, waits for in-flight ones and closes Results.
// Callers must keep draining Results while Close runs.
func (s *Syncer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()
	close(s.results)
}
