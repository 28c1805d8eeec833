package memory

import (
	"context"
	"sync"

	"worker-dispatch/internal/domain"
)

type localLock struct {
	locker *locker
	name   string
}

func (l *localLock) Unlock(ctx context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	delete(l.locker.held, l.name)
	return nil
}

type locker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocker returns a Locker scoped to this process.
func NewLocker() domain.Locker {
	return &locker{held: make(map[string]struct{})}
}

func (l *locker) TryLock(ctx context.Context, name string) (domain.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[name]; ok {
		return nil, domain.ErrLockNotAcquired
	}
	l.held[name] = struct{}{}
	return &localLock{locker: l, name: name}, nil
}

// singleNodeLeader always wins: with an in-memory store there is nobody else to elect.
type singleNodeLeader struct {
	mu       sync.Mutex
	isLeader bool
	lost     chan struct{}
}

// NewLeaderElectionManager returns an election that the local node always wins.
func NewLeaderElectionManager() domain.LeaderElectionManager {
	return &singleNodeLeader{}
}

func (s *singleNodeLeader) Campaign(ctx context.Context) (<-chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isLeader = true
	s.lost = make(chan struct{})
	return s.lost, nil
}

func (s *singleNodeLeader) Resign(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isLeader {
		s.isLeader = false
		close(s.lost)
	}
	return nil
}

func (s *singleNodeLeader) IsLeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isLeader
}
