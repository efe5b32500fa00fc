// Package block implements the virtio-block device model: request parsing,
// three backend kinds (Sync, Async, Mmap), and the status-byte/used-length
// semantics the virtio-blk wire format requires.
package block

import (
	"io"
	"os"
	"syscall"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"novmm/errs"
)

// Backend is the host-storage abstraction the block device reads/writes
// through. Every implementation must satisfy the "all requested bytes or
// an explicit error" invariant.
type Backend interface {
	ReadAt(buf []byte, off int64) error
	WriteAt(buf []byte, off int64) error
	Flush() error
	Size() int64
	Close() error
}

// openFile opens path for the backend constructors below, taking an
// advisory exclusive lock so two monitor processes never share one image
// file, matching how production block backends guard against double-attach.
func openFile(path string, readOnly bool) (*os.File, *flock.Flock, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, nil, &errs.BackendError{Backend: "block", Op: "open", Err: err}
	}
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil || !locked {
		f.Close()
		return nil, nil, &errs.BackendError{Backend: "block", Op: "lock", Err: err}
	}
	return f, lock, nil
}

// SyncBackend issues pread/pwrite directly against the image file,
// retrying on EINTR and looping short reads/writes until satisfied. This is
// the default backend: simplest and sufficient for most images.
type SyncBackend struct {
	file *os.File
	lock *flock.Flock
	size int64
}

// NewSyncBackend opens path as a sync pread/pwrite-backed image.
func NewSyncBackend(path string, readOnly bool) (*SyncBackend, error) {
	f, lock, err := openFile(path, readOnly)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &errs.BackendError{Backend: "block", Op: "stat", Err: err}
	}
	return &SyncBackend{file: f, lock: lock, size: info.Size()}, nil
}

func (b *SyncBackend) Size() int64 { return b.size }

// ReadAt loops pread until buf is fully populated, per the "all requested
// bytes or WriteZero/UnexpectedEof" invariant; a short read that can never
// make further progress (0 bytes returned before buf is full) is reported
// as io.ErrUnexpectedEOF.
func (b *SyncBackend) ReadAt(buf []byte, off int64) error {
	total := 0
	for total < len(buf) {
		n, err := b.file.ReadAt(buf[total:], off+int64(total))
		if n > 0 {
			total += n
		}
		if err != nil {
			if err == io.EOF && total < len(buf) {
				return &errs.BackendError{Backend: "block", Op: "read", Err: io.ErrUnexpectedEOF}
			}
			if err == syscall.EINTR {
				continue
			}
			if err != io.EOF {
				return &errs.BackendError{Backend: "block", Op: "read", Err: err}
			}
		}
		if n == 0 && err == nil {
			return &errs.BackendError{Backend: "block", Op: "read", Err: io.ErrUnexpectedEOF}
		}
	}
	return nil
}

// WriteAt loops pwrite until buf is fully written.
func (b *SyncBackend) WriteAt(buf []byte, off int64) error {
	total := 0
	for total < len(buf) {
		n, err := b.file.WriteAt(buf[total:], off+int64(total))
		if n > 0 {
			total += n
		}
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return &errs.BackendError{Backend: "block", Op: "write", Err: err}
		}
		if n == 0 {
			return &errs.BackendError{Backend: "block", Op: "write", Err: io.ErrShortWrite}
		}
	}
	if off+int64(total) > b.size {
		b.size = off + int64(total)
	}
	return nil
}

// Flush forces the host page cache through to the device.
func (b *SyncBackend) Flush() error {
	if err := b.file.Sync(); err != nil {
		return &errs.BackendError{Backend: "block", Op: "flush", Err: err}
	}
	return nil
}

func (b *SyncBackend) Close() error {
	if b.lock != nil {
		b.lock.Unlock()
	}
	return b.file.Close()
}

// MmapBackend maps the whole image file into host memory and copies
// directly in and out of it; flush is an msync(MS_ASYNC).
type MmapBackend struct {
	file *os.File
	lock *flock.Flock
	data []byte
}

// NewMmapBackend opens path and maps it read-write (or read-only).
func NewMmapBackend(path string, readOnly bool) (*MmapBackend, error) {
	f, lock, err := openFile(path, readOnly)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &errs.BackendError{Backend: "block", Op: "stat", Err: err}
	}
	prot := unix.PROT_READ | unix.PROT_WRITE
	if readOnly {
		prot = unix.PROT_READ
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), prot, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, &errs.BackendError{Backend: "block", Op: "mmap", Err: err}
	}
	return &MmapBackend{file: f, lock: lock, data: data}, nil
}

func (b *MmapBackend) Size() int64 { return int64(len(b.data)) }

func (b *MmapBackend) ReadAt(buf []byte, off int64) error {
	if off < 0 || off+int64(len(buf)) > int64(len(b.data)) {
		return &errs.BackendError{Backend: "block", Op: "read", Err: io.ErrUnexpectedEOF}
	}
	copy(buf, b.data[off:off+int64(len(buf))])
	return nil
}

func (b *MmapBackend) WriteAt(buf []byte, off int64) error {
	if off < 0 || off+int64(len(buf)) > int64(len(b.data)) {
		return &errs.BackendError{Backend: "block", Op: "write", Err: io.ErrShortWrite}
	}
	copy(b.data[off:off+int64(len(buf))], buf)
	return nil
}

func (b *MmapBackend) Flush() error {
	if err := unix.Msync(b.data, unix.MS_ASYNC); err != nil {
		return &errs.BackendError{Backend: "block", Op: "flush", Err: err}
	}
	return nil
}

func (b *MmapBackend) Close() error {
	err := unix.Munmap(b.data)
	if b.lock != nil {
		b.lock.Unlock()
	}
	b.file.Close()
	return err
}

// AsyncCompletion is one retired submission: which request it belongs to,
// bytes transferred, and an error if the I/O failed.
type AsyncCompletion struct {
	RequestID uint64
	Bytes     int64
	Err       error
}

// AsyncBackend enqueues one submission per data segment and retires them
// through a completion eventfd. Submission is performed synchronously
// under an async-completion facade rather than against a real io_uring
// ring, since this core has no io_uring binding to dispatch through.
type AsyncBackend struct {
	file         *os.File
	lock         *flock.Flock
	size         int64
	completionFD int
	pending      chan AsyncCompletion
}

// NewAsyncBackend opens path and creates the completion eventfd the event
// loop polls to learn submissions have retired.
func NewAsyncBackend(path string, readOnly bool) (*AsyncBackend, error) {
	f, lock, err := openFile(path, readOnly)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &errs.BackendError{Backend: "block", Op: "stat", Err: err}
	}
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		f.Close()
		return nil, &errs.BackendError{Backend: "block", Op: "eventfd", Err: err}
	}
	return &AsyncBackend{file: f, lock: lock, size: info.Size(), completionFD: fd, pending: make(chan AsyncCompletion, 256)}, nil
}

func (b *AsyncBackend) Size() int64      { return b.size }
func (b *AsyncBackend) CompletionFD() int { return b.completionFD }

// Submit performs the I/O synchronously and immediately posts a
// completion, then kicks the eventfd so the event loop's completion
// handler observes it on its next iteration.
func (b *AsyncBackend) Submit(requestID uint64, buf []byte, off int64, write bool) {
	var n int
	var err error
	if write {
		n, err = b.file.WriteAt(buf, off)
	} else {
		n, err = b.file.ReadAt(buf, off)
	}
	b.pending <- AsyncCompletion{RequestID: requestID, Bytes: int64(n), Err: err}
	var one [8]byte
	one[7] = 1
	unix.Write(b.completionFD, one[:])
}

// Drain returns every completion posted since the last Drain call.
func (b *AsyncBackend) Drain() []AsyncCompletion {
	var out []AsyncCompletion
	for {
		select {
		case c := <-b.pending:
			out = append(out, c)
		default:
			return out
		}
	}
}

func (b *AsyncBackend) Flush() error {
	if err := b.file.Sync(); err != nil {
		return &errs.BackendError{Backend: "block", Op: "flush", Err: err}
	}
	return nil
}

func (b *AsyncBackend) WriteAt(buf []byte, off int64) error { b.Submit(0, buf, off, true); return nil }
func (b *AsyncBackend) ReadAt(buf []byte, off int64) error  { b.Submit(0, buf, off, false); return nil }

func (b *AsyncBackend) Close() error {
	if b.lock != nil {
		b.lock.Unlock()
	}
	unix.Close(b.completionFD)
	return b.file.Close()
}
