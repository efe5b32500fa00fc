package eventloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestRegisterDispatchesOnReadability(t *testing.T) {
	loop, err := New(nil)
	require.NoError(t, err)
	defer loop.Close()

	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	require.NoError(t, err)
	defer unix.Close(fd)

	fired := false
	require.NoError(t, loop.Register(fd, func() {
		fired = true
		var buf [8]byte
		unix.Read(fd, buf[:])
	}))

	var one [8]byte
	one[7] = 1
	_, err = unix.Write(fd, one[:])
	require.NoError(t, err)

	n, err := loop.RunOnce(time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, fired)
}

func TestRunWithTimeoutReturnsWithoutEvents(t *testing.T) {
	loop, err := New(nil)
	require.NoError(t, err)
	defer loop.Close()

	start := time.Now()
	require.NoError(t, loop.RunWithTimeout(50*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestUnregisterStopsDispatch(t *testing.T) {
	loop, err := New(nil)
	require.NoError(t, err)
	defer loop.Close()

	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	require.NoError(t, err)
	defer unix.Close(fd)

	require.NoError(t, loop.Register(fd, func() {}))
	require.NoError(t, loop.Unregister(fd))

	var one [8]byte
	one[7] = 1
	unix.Write(fd, one[:])

	n, err := loop.RunOnce(10 * time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
