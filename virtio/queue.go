package virtio

import (
	"encoding/binary"

	"novmm/errs"
)

// Descriptor flag bits (virtio 1.x split virtqueue).
const (
	DescFNext     uint16 = 1
	DescFWrite    uint16 = 2
	DescFIndirect uint16 = 4
)

const descSize = 16 // addr(8) + len(4) + flags(2) + next(2)

// Descriptor is one entry of the descriptor table.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Chain is one fulfilled descriptor chain: the head index (used to tag the
// used-ring entry) and the ordered list of descriptors composing it.
type Chain struct {
	HeadIndex uint16
	Descs     []Descriptor
}

// TotalLen returns the sum of every descriptor's length in the chain.
func (c *Chain) TotalLen() uint32 {
	var n uint32
	for _, d := range c.Descs {
		n += d.Len
	}
	return n
}

// Queue is one virtqueue: descriptor table, avail ring, used ring, all in
// guest DRAM, plus the activation gate and the host-side index cursor.
// Indices are taken modulo Size, which must be a power of two.
type Queue struct {
	Size uint32

	DescTableAddr uint64
	AvailAddr     uint64
	UsedAddr      uint64

	lastAvailIdx uint16
	usedIdx      uint16

	// Ready mirrors the virtio-MMIO QueueReady register: the queue is
	// inert (PopChain returns ErrQueueNotReady) until the device reaches
	// DRIVER_OK and sets it, activation gate.
	Ready bool
}

// NewQueue returns a queue of the given (power-of-two) size, inert until
// its addresses are set and Ready is raised by the device state machine.
func NewQueue(size uint32) *Queue {
	return &Queue{Size: size}
}

// ErrQueueNotReady is returned by PopChain before activation; callers must
// treat it as "no chain available", not as a malformed-descriptor error.
var ErrQueueNotReady = &errs.ActivationError{Device: "virtqueue", Reason: "queue not ready"}

func (q *Queue) availRingOffset(i uint16) uint64 {
	// layout: flags(2) idx(2) ring[i](2) ...
	return q.AvailAddr + 4 + uint64(i)*2
}

func (q *Queue) usedRingOffset(i uint16) uint64 {
	// layout: flags(2) idx(2) ring[i]{id(4) len(4)} ...
	return q.UsedAddr + 4 + uint64(i)*8
}

func readU16(mem GuestMemory, addr uint64) (uint16, error) {
	b, err := boundsCheckedSlice(mem, addr, 2, "avail/used")
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func writeU16(mem GuestMemory, addr uint64, v uint16) error {
	b, err := boundsCheckedSlice(mem, addr, 2, "avail/used")
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, v)
	return nil
}

func writeU32(mem GuestMemory, addr uint64, v uint32) error {
	b, err := boundsCheckedSlice(mem, addr, 4, "used")
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

func (q *Queue) readDescriptor(mem GuestMemory, idx uint16) (Descriptor, error) {
	addr := q.DescTableAddr + uint64(idx)*descSize
	b, err := boundsCheckedSlice(mem, addr, descSize, "descriptor-table")
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(b[0:8]),
		Len:   binary.LittleEndian.Uint32(b[8:12]),
		Flags: binary.LittleEndian.Uint16(b[12:14]),
		Next:  binary.LittleEndian.Uint16(b[14:16]),
	}, nil
}

// HasAvailable reports whether the guest has published a new avail entry
// the host has not yet consumed, without mutating any cursor.
func (q *Queue) HasAvailable(mem GuestMemory) (bool, error) {
	if !q.Ready {
		return false, nil
	}
	idx, err := readU16(mem, q.AvailAddr+2)
	if err != nil {
		return false, err
	}
	return idx != q.lastAvailIdx, nil
}

// PopChain consumes the next available descriptor chain, walking Next
// links until DescFNext is clear. It fails with a QueueError if the chain
// cycles or exceeds Size descriptors (a malformed guest), and with
// ErrQueueNotReady before activation.
func (q *Queue) PopChain(mem GuestMemory) (*Chain, error) {
	if !q.Ready {
		return nil, ErrQueueNotReady
	}
	availIdx, err := readU16(mem, q.AvailAddr+2)
	if err != nil {
		return nil, err
	}
	if availIdx == q.lastAvailIdx {
		return nil, nil
	}

	ringSlot := q.lastAvailIdx % uint16(q.Size)
	headIdx, err := readU16(mem, q.availRingOffset(ringSlot))
	if err != nil {
		return nil, err
	}
	if headIdx >= uint16(q.Size) {
		return nil, &errs.QueueError{Kind: errs.QueueErrorIndexOutOfRange, Queue: "avail"}
	}

	chain := &Chain{HeadIndex: headIdx}
	cur := headIdx
	for i := uint32(0); ; i++ {
		if i >= q.Size {
			return nil, &errs.QueueError{Kind: errs.QueueErrorDescriptorCycle, Queue: "descriptor-table"}
		}
		d, err := q.readDescriptor(mem, cur)
		if err != nil {
			return nil, err
		}
		chain.Descs = append(chain.Descs, d)
		if d.Flags&DescFNext == 0 {
			break
		}
		cur = d.Next
		if cur >= uint16(q.Size) {
			return nil, &errs.QueueError{Kind: errs.QueueErrorIndexOutOfRange, Queue: "descriptor-table"}
		}
	}

	q.lastAvailIdx++
	return chain, nil
}

// PushUsed writes the (id, len) tuple into the used ring and advances
// used.idx. Per ordering guarantee, the tuple is written
// before the index that publishes it — on this single-threaded, single
// address-space implementation the Go memory model already guarantees a
// later read of UsedAddr+2 observes this write, so no explicit fence is
// needed beyond program order.
func (q *Queue) PushUsed(mem GuestMemory, id uint16, length uint32) error {
	slot := q.usedIdx % uint16(q.Size)
	off := q.usedRingOffset(slot)
	if err := writeU32(mem, off, uint32(id)); err != nil {
		return err
	}
	if err := writeU32(mem, off+4, length); err != nil {
		return err
	}
	q.usedIdx++
	return writeU16(mem, q.UsedAddr+2, q.usedIdx)
}

// UsedIdx returns the host's current used.idx cursor, mainly for tests that
// assert activation-gating behavior (scenario 3).
func (q *Queue) UsedIdx() uint16 { return q.usedIdx }

// LastAvailIdx returns the host's current avail-ring read cursor.
func (q *Queue) LastAvailIdx() uint16 { return q.lastAvailIdx }

// QueueState is the persisted shape of one virtqueue: its guest-memory
// addresses and the host-side ring cursors, sufficient to resume processing
// without replaying the avail/used rings from index zero.
type QueueState struct {
	Size          uint32
	DescTableAddr uint64
	AvailAddr     uint64
	UsedAddr      uint64
	LastAvailIdx  uint16
	UsedIdx       uint16
	Ready         bool
}

// Save captures the queue's addresses and cursors for persistence.
func (q *Queue) Save() QueueState {
	return QueueState{
		Size:          q.Size,
		DescTableAddr: q.DescTableAddr,
		AvailAddr:     q.AvailAddr,
		UsedAddr:      q.UsedAddr,
		LastAvailIdx:  q.lastAvailIdx,
		UsedIdx:       q.usedIdx,
		Ready:         q.Ready,
	}
}

// RestoreQueue constructs a queue from a previously saved state, a pure
// construction with no replay of the activation handshake: addresses and
// cursors are restored verbatim, and Ready reflects whatever the saved
// device status register implied at save time.
func RestoreQueue(state QueueState) *Queue {
	return &Queue{
		Size:          state.Size,
		DescTableAddr: state.DescTableAddr,
		AvailAddr:     state.AvailAddr,
		UsedAddr:      state.UsedAddr,
		lastAvailIdx:  state.LastAvailIdx,
		usedIdx:       state.UsedIdx,
		Ready:         state.Ready,
	}
}
