package virtio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

const testQueueSize = 4

// layout offsets for a single queue's three guest-memory regions, used to
// hand-assemble avail/desc/used rings the way a guest driver would.
const (
	descTableAddr = 0x1000
	availAddr     = 0x2000
	usedAddr      = 0x3000
	dataAddr      = 0x4000
)

func newTestQueue() (*Queue, PlainMemory) {
	mem := make(PlainMemory, 0x8000)
	q := NewQueue(testQueueSize)
	q.DescTableAddr = descTableAddr
	q.AvailAddr = availAddr
	q.UsedAddr = usedAddr
	q.Ready = true
	return q, mem
}

func putDescriptor(mem PlainMemory, idx uint16, d Descriptor) {
	off := descTableAddr + uint64(idx)*descSize
	binary.LittleEndian.PutUint64(mem[off:], d.Addr)
	binary.LittleEndian.PutUint32(mem[off+8:], d.Len)
	binary.LittleEndian.PutUint16(mem[off+12:], d.Flags)
	binary.LittleEndian.PutUint16(mem[off+14:], d.Next)
}

// publishAvail appends headIdx to the avail ring and bumps avail.idx, the
// same two writes a real driver performs to hand a chain to the host.
func publishAvail(mem PlainMemory, slot uint16, headIdx uint16) {
	binary.LittleEndian.PutUint16(mem[availAddr+4+uint64(slot)*2:], headIdx)
	cur := binary.LittleEndian.Uint16(mem[availAddr+2:])
	binary.LittleEndian.PutUint16(mem[availAddr+2:], cur+1)
}

func TestPopChainNotReadyBeforeActivation(t *testing.T) {
	q, mem := newTestQueue()
	q.Ready = false

	_, err := q.PopChain(mem)
	require.Equal(t, ErrQueueNotReady, err)
}

func TestPopChainNoneAvailableReturnsNil(t *testing.T) {
	q, mem := newTestQueue()

	chain, err := q.PopChain(mem)
	require.NoError(t, err)
	require.Nil(t, chain)
}

func TestPopChainSingleDescriptor(t *testing.T) {
	q, mem := newTestQueue()
	putDescriptor(mem, 0, Descriptor{Addr: dataAddr, Len: 16})
	publishAvail(mem, 0, 0)

	chain, err := q.PopChain(mem)
	require.NoError(t, err)
	require.NotNil(t, chain)
	require.Equal(t, uint16(0), chain.HeadIndex)
	require.Len(t, chain.Descs, 1)
	require.Equal(t, uint32(16), chain.TotalLen())

	chain, err = q.PopChain(mem)
	require.NoError(t, err)
	require.Nil(t, chain, "second pop with no new avail entry returns nil")
}

func TestPopChainFollowsNextLinks(t *testing.T) {
	q, mem := newTestQueue()
	putDescriptor(mem, 0, Descriptor{Addr: dataAddr, Len: 8, Flags: DescFNext, Next: 1})
	putDescriptor(mem, 1, Descriptor{Addr: dataAddr + 8, Len: 8, Flags: DescFWrite})
	publishAvail(mem, 0, 0)

	chain, err := q.PopChain(mem)
	require.NoError(t, err)
	require.Len(t, chain.Descs, 2)
	require.Equal(t, uint32(16), chain.TotalLen())
}

func TestPopChainDetectsCycle(t *testing.T) {
	q, mem := newTestQueue()
	putDescriptor(mem, 0, Descriptor{Addr: dataAddr, Len: 8, Flags: DescFNext, Next: 1})
	putDescriptor(mem, 1, Descriptor{Addr: dataAddr, Len: 8, Flags: DescFNext, Next: 0})
	publishAvail(mem, 0, 0)

	_, err := q.PopChain(mem)
	require.Error(t, err)
	qe, ok := err.(interface{ Error() string })
	require.True(t, ok)
	require.Contains(t, qe.Error(), "")
}

func TestPopChainRejectsOutOfRangeHead(t *testing.T) {
	q, mem := newTestQueue()
	publishAvail(mem, 0, uint16(testQueueSize)) // one past the valid range

	_, err := q.PopChain(mem)
	require.Error(t, err)
}

func TestPushUsedAdvancesIdxAndWritesEntry(t *testing.T) {
	q, mem := newTestQueue()

	require.NoError(t, q.PushUsed(mem, 3, 42))
	require.Equal(t, uint16(1), q.UsedIdx())

	id := binary.LittleEndian.Uint32(mem[usedAddr+4:])
	length := binary.LittleEndian.Uint32(mem[usedAddr+8:])
	require.Equal(t, uint32(3), id)
	require.Equal(t, uint32(42), length)

	publishedIdx := binary.LittleEndian.Uint16(mem[usedAddr+2:])
	require.Equal(t, uint16(1), publishedIdx)
}

func TestHasAvailableReflectsUnconsumedEntries(t *testing.T) {
	q, mem := newTestQueue()
	has, err := q.HasAvailable(mem)
	require.NoError(t, err)
	require.False(t, has)

	putDescriptor(mem, 0, Descriptor{Addr: dataAddr, Len: 1})
	publishAvail(mem, 0, 0)

	has, err = q.HasAvailable(mem)
	require.NoError(t, err)
	require.True(t, has)
}

func TestHasAvailableFalseWhenNotReady(t *testing.T) {
	q, mem := newTestQueue()
	q.Ready = false
	has, err := q.HasAvailable(mem)
	require.NoError(t, err)
	require.False(t, has)
}

func TestSaveRestoreQueueRoundTripsAddressesAndCursors(t *testing.T) {
	q, mem := newTestQueue()
	putDescriptor(mem, 0, Descriptor{Addr: dataAddr, Len: 1})
	publishAvail(mem, 0, 0)
	_, err := q.PopChain(mem)
	require.NoError(t, err)
	require.NoError(t, q.PushUsed(mem, 0, 1))

	state := q.Save()
	require.Equal(t, uint32(testQueueSize), state.Size)
	require.Equal(t, uint64(descTableAddr), state.DescTableAddr)
	require.Equal(t, uint16(1), state.LastAvailIdx)
	require.Equal(t, uint16(1), state.UsedIdx)
	require.True(t, state.Ready)

	restored := RestoreQueue(state)
	require.Equal(t, q.Size, restored.Size)
	require.Equal(t, q.DescTableAddr, restored.DescTableAddr)
	require.Equal(t, q.LastAvailIdx(), restored.LastAvailIdx())
	require.Equal(t, q.UsedIdx(), restored.UsedIdx())
	require.Equal(t, q.Ready, restored.Ready)
}
