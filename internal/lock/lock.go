// Package lock provides a flock-based daemon lock and per-key mutexes.
package lock

import (
	"fmt"
	"os"
	"sync"
	"syscall"
)

// MutexMap hands out one mutex per key. The engine uses it to keep two
// Execute calls on the same plan from interleaving.
type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

func NewMutexMap() *MutexMap {
	return &MutexMap{mutexes: make(map[string]*sync.Mutex)}
}

func (m *MutexMap) Lock(key string) {
	m.get(key).Lock()
}

// TryLock acquires the key's mutex without blocking. Returns false if the
// key is already held.
func (m *MutexMap) TryLock(key string) bool {
	return m.get(key).TryLock()
}

func (m *MutexMap) Unlock(key string) {
	m.get(key).Unlock()
}

func (m *MutexMap) get(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.mutexes[key]
	if !ok {
		mu = &sync.Mutex{}
		m.mutexes[key] = mu
	}
	return mu
}

// FileLock is an exclusive, non-blocking flock holding the owning
// process's PID. The plan store assumes a single owning process; the
// daemon enforces that here.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return fmt.Errorf("acquire lock (another stepwise daemon may be running): %w", err)
	}

	if err := writePID(f); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return err
	}

	fl.file = f
	return nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write pid to lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = fl.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	_ = os.Remove(fl.path)
	fl.file = nil
	return nil
}
