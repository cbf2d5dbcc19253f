package concurrency

import "sync"

// ProjectLockManager serializes per-project work, so a scheduled
// compaction pass and a lifecycle maintenance run never compact the
// same project at the same time.
type ProjectLockManager struct {
	locks map[string]*sync.Mutex
	mu    sync.Mutex
}

func NewProjectLockManager() *ProjectLockManager {
	return &ProjectLockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *ProjectLockManager) Lock(projectID string) {
	m.mu.Lock()
	lock, ok := m.locks[projectID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[projectID] = lock
	}
	m.mu.Unlock()
	lock.Lock()
}

func (m *ProjectLockManager) Unlock(projectID string) {
	m.mu.Lock()
	lock, ok := m.locks[projectID]
	if ok {
		lock.Unlock()
	}
	m.mu.Unlock()
}
