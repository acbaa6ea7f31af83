//go:build !windows

package storage

import (
	"os"
	"syscall"
	"time"

	"github.com/hushlog/hushlog/internal/errs"
)

// flockExclusive takes an exclusive advisory lock on f, retrying until
// timeout. Concurrent writers from other shell sessions block here
// instead of interleaving partial lines.
func flockExclusive(f *os.File, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return nil
		}
		if err != syscall.EWOULDBLOCK && err != syscall.EAGAIN {
			return errs.E(errs.KindIO, "storage.flock", err)
		}
		if time.Now().After(deadline) {
			return errs.Errorf(errs.KindLocked, "storage.flock",
				"history file %s is locked by another process", f.Name())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func funlock(f *os.File) {
	// Unlock errors are unrecoverable and the fd is closing anyway.
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
