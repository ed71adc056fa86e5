package targetlock

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/core-tools/hsu-devportal-go/pkg/errors"
	"github.com/core-tools/hsu-devportal-go/pkg/logging"

	"github.com/gofrs/flock"
)

const DefaultRetryDelay = 50 * time.Millisecond

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// Locker serializes operations per target key. Different keys never block
// each other. With a lock directory, the same key is also exclusive across
// processes sharing that directory (the server and a --local CLI).
type Locker struct {
	directory  string
	retryDelay time.Duration
	logger     logging.Logger

	mutex sync.Mutex
	slots map[string]chan struct{}
}

func New(directory string, logger logging.Logger) *Locker {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &Locker{
		directory:  directory,
		retryDelay: DefaultRetryDelay,
		logger:     logger,
		slots:      make(map[string]chan struct{}),
	}
}

// Acquire blocks until key is held or ctx ends. The returned release func
// is safe to call more than once.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	slot := l.slot(key)

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, contextError(ctx, key)
	}

	var fileLock *flock.Flock
	if l.directory != "" {
		var err error
		fileLock, err = l.lockFile(ctx, key)
		if err != nil {
			<-slot
			return nil, err
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if fileLock != nil {
				if err := fileLock.Unlock(); err != nil {
					l.logger.Warnf("Failed to release target file lock, target: %s, error: %v", key, err)
				}
			}
			<-slot
		})
	}
	return release, nil
}

// WithLock runs fn while holding key.
func (l *Locker) WithLock(ctx context.Context, key string, fn func() error) error {
	release, err := l.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

func (l *Locker) slot(key string) chan struct{} {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	return slot
}

func (l *Locker) lockFile(ctx context.Context, key string) (*flock.Flock, error) {
	if err := os.MkdirAll(l.directory, 0755); err != nil {
		return nil, errors.NewIOError("failed to create lock directory", err).WithContext("directory", l.directory)
	}

	path := filepath.Join(l.directory, unsafeKeyChars.ReplaceAllString(key, "_")+".lock")
	fileLock := flock.New(path)

	locked, err := fileLock.TryLockContext(ctx, l.retryDelay)
	if err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx, key)
		}
		return nil, errors.NewIOError("failed to acquire target file lock", err).WithContext("path", path)
	}
	if !locked {
		return nil, contextError(ctx, key)
	}

	l.logger.Debugf("Target file lock acquired, target: %s, path: %s", key, path)
	return fileLock, nil
}

func contextError(ctx context.Context, key string) error {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.NewTimeoutError("timed out waiting for target lock", ctx.Err()).WithContext("target", key)
	}
	return errors.NewCancelledError("cancelled while waiting for target lock", ctx.Err()).WithContext("target", key)
}
