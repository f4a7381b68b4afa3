package usecase

import (
	"sync"

	"signature-vault/internal/domain"
)

// artifactLocks は識別子ごとの排他ロックを管理する。
// 使われていない識別子のロックは解放時に破棄する。
type artifactLocks struct {
	mu    sync.Mutex
	locks map[domain.ArtifactID]*artifactLock
}

type artifactLock struct {
	mu   sync.Mutex
	refs int
}

func newArtifactLocks() *artifactLocks {
	return &artifactLocks{locks: make(map[domain.ArtifactID]*artifactLock)}
}

// Lock は id のロックを取得し、解放関数を返す。
func (l *artifactLocks) Lock(id domain.ArtifactID) func() {
	l.mu.Lock()
	lock, ok := l.locks[id]
	if !ok {
		lock = &artifactLock{}
		l.locks[id] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()

		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// size は保持しているロックの数を返す。
func (l *artifactLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
