package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"boardsync/domain"
)

// Locker grants exclusive access to a set of containers. Lock blocks until
// every container is held or ctx is done, in which case it returns an error
// matching domain.ErrBusy and holds nothing.
type Locker interface {
	Lock(ctx context.Context, ids []domain.ContainerID) (unlock func(), err error)
}

// lockKeys returns ids deduplicated and sorted, the global acquisition order
// that keeps two multi-container moves from deadlocking.
func lockKeys(ids []domain.ContainerID) []domain.ContainerID {
	seen := make(map[domain.ContainerID]struct{}, len(ids))
	out := make([]domain.ContainerID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

// LocalLocker is an in-process per-container lock map. Entries exist only
// while some caller holds or waits for them.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[domain.ContainerID]*lockEntry
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[domain.ContainerID]*lockEntry)}
}

func (l *LocalLocker) Lock(ctx context.Context, ids []domain.ContainerID) (func(), error) {
	keys := lockKeys(ids)
	held := make([]domain.ContainerID, 0, len(keys))
	for _, k := range keys {
		if err := l.acquire(ctx, k); err != nil {
			l.releaseAll(held)
			return nil, fmt.Errorf("%w: container %s: %v", domain.ErrBusy, k, err)
		}
		held = append(held, k)
	}
	var once sync.Once
	return func() { once.Do(func() { l.releaseAll(held) }) }, nil
}

// Len reports how many containers are currently held or awaited.
func (l *LocalLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *LocalLocker) acquire(ctx context.Context, id domain.ContainerID) error {
	l.mu.Lock()
	e, ok := l.locks[id]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		l.locks[id] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		return nil
	default:
	}
	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.deref(id, e)
		return ctx.Err()
	}
}

func (l *LocalLocker) releaseAll(ids []domain.ContainerID) {
	for i := len(ids) - 1; i >= 0; i-- {
		l.mu.Lock()
		e := l.locks[ids[i]]
		l.mu.Unlock()
		<-e.sem
		l.deref(ids[i], e)
	}
}

func (l *LocalLocker) deref(id domain.ContainerID, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, id)
	}
}

// Chain acquires each locker in order and releases them in reverse. With a
// local locker first, at most one caller per instance polls a distributed
// lock for a given container.
func Chain(lockers ...Locker) Locker {
	return chain(lockers)
}

type chain []Locker

func (c chain) Lock(ctx context.Context, ids []domain.ContainerID) (func(), error) {
	unlocks := make([]func(), 0, len(c))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, l := range c {
		u, err := l.Lock(ctx, ids)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, u)
	}
	var once sync.Once
	return func() { once.Do(release) }, nil
}
