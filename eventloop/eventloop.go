// Package eventloop implements the single-threaded cooperative I/O
// dispatcher: an epoll-based registry that owns every eventfd, tap FD,
// timerfd, and async-completion FD in the process. The only suspension
// point is epoll_wait; every callback completes one unit of work and
// returns without blocking.
package eventloop

import (
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"

	"novmm/errs"
)

// Handler is invoked when its registered fd becomes readable.
type Handler func()

// Loop is the event-loop thread's owned state: the epoll fd and the
// fd -> Handler registry.
type Loop struct {
	epfd     int
	handlers map[int]Handler
	log      hclog.Logger
}

// New creates an epoll instance. The returned Loop owns epfd for its
// lifetime; Close releases it.
func New(log hclog.Logger) (*Loop, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, &errs.BackendError{Backend: "eventloop", Op: "epoll_create1", Err: err}
	}
	return &Loop{epfd: fd, handlers: make(map[int]Handler), log: log}, nil
}

// Register subscribes fd for readability (level-triggered, matching every
// device's "drain what's available, then return" processing style) and
// associates handler with it.
func (l *Loop) Register(fd int, handler Handler) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return &errs.BackendError{Backend: "eventloop", Op: "epoll_ctl(ADD)", Err: err}
	}
	l.handlers[fd] = handler
	return nil
}

// Unregister removes fd from the epoll set and its handler.
func (l *Loop) Unregister(fd int) error {
	delete(l.handlers, fd)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return &errs.BackendError{Backend: "eventloop", Op: "epoll_ctl(DEL)", Err: err}
	}
	return nil
}

// RunOnce blocks in epoll_wait until at least one registered fd is
// readable (or timeout elapses), then dispatches every ready fd's handler
// in turn. It returns the number of fds dispatched.
func (l *Loop) RunOnce(timeout time.Duration) (int, error) {
	events := make([]unix.EpollEvent, 32)
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}
	n, err := unix.EpollWait(l.epfd, events, ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, &errs.BackendError{Backend: "eventloop", Op: "epoll_wait", Err: err}
	}
	dispatched := 0
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if h, ok := l.handlers[fd]; ok {
			h()
			dispatched++
		}
	}
	return dispatched, nil
}

// RunWithTimeout runs RunOnce in a loop until timeout has elapsed in total;
// on timeout, no further event is processed.
func (l *Loop) RunWithTimeout(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		if _, err := l.RunOnce(remaining); err != nil {
			return err
		}
	}
}

// Run drains events forever until Close is called from another goroutine
// or a handler panics; intended for the monitor's steady-state I/O thread.
func (l *Loop) Run() error {
	for {
		if _, err := l.RunOnce(-1); err != nil {
			return err
		}
	}
}

// Close releases the epoll fd. Callers should drain pending events and
// tear down devices (flush backends, detach taps, unmap VFIO
// BARs/IOMMU) before calling Close.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}
