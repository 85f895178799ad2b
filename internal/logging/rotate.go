package logging

import (
	"fmt"
	"os"
	"sync"
)

// rotatingFile is an io.Writer over a size-bounded append-only log
// file. When the active file exceeds maxSize it is rotated to .1, and
// existing .N files shift down to .N+1 up to maxBackups — checked
// inline on each write, no background goroutine. Safe for concurrent
// use.
type rotatingFile struct {
	mu         sync.Mutex
	path       string
	maxSize    int64
	maxBackups int
	file       *os.File
}

func newRotatingFile(path string, maxSize int64, maxBackups int) (*rotatingFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &rotatingFile{path: path, maxSize: maxSize, maxBackups: maxBackups, file: f}, nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return len(p), nil
	}

	n, err := r.file.Write(p)
	if err != nil {
		return n, err
	}
	r.maybeRotate()
	return n, nil
}

func (r *rotatingFile) maybeRotate() {
	info, err := r.file.Stat()
	if err != nil || info.Size() < r.maxSize {
		return
	}

	r.file.Close()

	for i := r.maxBackups - 1; i >= 1; i-- {
		old := fmt.Sprintf("%s.%d", r.path, i)
		next := fmt.Sprintf("%s.%d", r.path, i+1)
		os.Rename(old, next)
	}
	os.Rename(r.path, r.path+".1")

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		r.file = nil
		return
	}
	r.file = f
}

func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}
