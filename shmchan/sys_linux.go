//go:build linux

package shmchan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared futex operations; the lock word is reached from several processes,
// so the private variants cannot be used.
const (
	futexWaitOp = 0
	futexWakeOp = 1
)

const shmDir = "/dev/shm"

// sharedSupported reports whether FlagLock and FlagShm are available.
const sharedSupported = true

// futexWait sleeps while *addr == val, for at most timeout. Spurious and
// interrupted wakeups return nil; callers re-check the lock word.
func futexWait(addr *uint32, val uint32, timeout time.Duration) error {
	ts := unix.NsecToTimespec(timeout.Nanoseconds())
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWaitOp,
		uintptr(val),
		uintptr(unsafe.Pointer(&ts)),
		0,
		0,
	)

	switch errno {
	case 0, unix.EAGAIN, unix.EINTR, unix.ETIMEDOUT:
		return nil
	default:
		return fmt.Errorf("futex wait: %w", errno)
	}
}

// futexWake wakes up to n waiters on addr and returns how many woke.
func futexWake(addr *uint32, n int) (int, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWakeOp,
		uintptr(n),
		0,
		0,
		0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("futex wake: %w", errno)
	}

	return int(r1), nil
}

// pidAlive reports whether a process with the given pid exists.
func pidAlive(pid uint32) bool {
	err := unix.Kill(int(pid), 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// shmPath returns the /dev/shm path for a channel name.
func shmPath(name string) string {
	return filepath.Join(shmDir, "netcore_chan_"+name)
}

// mapAnonymous creates a memfd of size bytes and maps it shared. The file
// can be handed to child processes and attached with OpenFD.
func mapAnonymous(size int) (*os.File, []byte, error) {
	fd, err := unix.MemfdCreate("netcore_chan", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, nil, fmt.Errorf("memfd_create: %w", err)
	}

	f := os.NewFile(uintptr(fd), "memfd:netcore_chan")
	if err := f.Truncate(int64(size)); err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("resize memfd: %w", err)
	}

	mem, err := mapFile(f, size)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}

	return f, mem, nil
}

// mapNamed creates a channel file under /dev/shm and maps it shared.
func mapNamed(name string, size int) (*os.File, []byte, string, error) {
	path := shmPath(name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, nil, "", fmt.Errorf("create %s: %w", path, err)
	}

	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(path)
	}

	if err := f.Truncate(int64(size)); err != nil {
		cleanup()
		return nil, nil, "", fmt.Errorf("resize %s: %w", path, err)
	}

	mem, err := mapFile(f, size)
	if err != nil {
		cleanup()
		return nil, nil, "", err
	}

	return f, mem, path, nil
}

// openNamed opens an existing channel file by name.
func openNamed(name string) (*os.File, error) {
	path := shmPath(name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	return f, nil
}

// mapExisting maps the whole of f shared.
func mapExisting(f *os.File) ([]byte, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", f.Name(), err)
	}
	if info.Size() < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidChannel, info.Size())
	}

	return mapFile(f, int(info.Size()))
}

func mapFile(f *os.File, size int) ([]byte, error) {
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}

	return mem, nil
}

func unmap(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}

	return nil
}
