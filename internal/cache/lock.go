package cache

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ErrLocked reports that another builder currently holds a shard.
var ErrLocked = errors.New("shard locked by another builder")

// lease is the JSON body of a lock file. The holder id makes release safe
// against reclaim races: a builder only removes a lock it still owns.
type lease struct {
	Holder   string `json:"holder"`
	PID      int    `json:"pid"`
	Acquired int64  `json:"acquired_unix"`
}

// shardLock is a cooperative, crash-tolerant lock for one shard build.
// The lock file's mtime doubles as a liveness signal: a lock older than the
// reclaim timeout is presumed abandoned (holder process gone) and may be
// taken over, which prevents permanent deadlock without any coordinator.
type shardLock struct {
	path   string
	holder string
	f      *os.File
}

// acquireLock takes the shard lock or returns ErrLocked while a live holder
// exists. A stale lock (older than reclaim) is removed and re-acquired.
func acquireLock(path string, reclaim time.Duration) (*shardLock, error) {
	holder := uuid.NewString()
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			l := &shardLock{path: path, holder: holder, f: f}
			if err := l.write(); err != nil {
				_ = l.Release()
				return nil, err
			}
			if err := sysLock(f); err != nil {
				_ = l.Release()
				return nil, err
			}
			return l, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}

		info, statErr := os.Stat(path)
		if errors.Is(statErr, os.ErrNotExist) {
			continue // holder released between open and stat
		}
		if statErr != nil {
			return nil, statErr
		}
		if time.Since(info.ModTime()) < reclaim {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		// Stale: holder is gone. Remove and retry once.
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLocked, path)
}

func (l *shardLock) write() error {
	data, err := json.Marshal(lease{
		Holder:   l.holder,
		PID:      os.Getpid(),
		Acquired: time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	if _, err := l.f.Write(data); err != nil {
		return err
	}
	return l.f.Sync()
}

// Release drops the lock. Only the owning holder's file is removed.
func (l *shardLock) Release() error {
	if l.f == nil {
		return nil
	}
	_ = sysUnlock(l.f)
	err := l.f.Close()
	l.f = nil

	data, readErr := os.ReadFile(l.path)
	if readErr == nil {
		var cur lease
		if json.Unmarshal(data, &cur) == nil && cur.Holder != l.holder {
			return err // reclaimed by someone else; leave their lock alone
		}
	}
	if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	return err
}
