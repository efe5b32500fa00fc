package virtio

// Device-type IDs (virtio 1.x, subset relevant to this core).
const (
	TypeNet     uint32 = 1
	TypeBlock   uint32 = 2
	TypeRNG     uint32 = 4
	TypeBalloon uint32 = 5
	TypeVsock   uint32 = 19
)

// Status register bits (virtio-MMIO device status register).
const (
	StatusAcknowledge uint32 = 1
	StatusDriver      uint32 = 2
	StatusFailed      uint32 = 128
	StatusFeaturesOK  uint32 = 8
	StatusDriverOK    uint32 = 4
	StatusNeedsReset  uint32 = 64
)

// State is the device activation state machine: constructed Inactive,
// transitioning to Activated only once the guest driver completes
// ACKNOWLEDGE -> DRIVER -> FEATURES_OK -> DRIVER_OK.
type State int

const (
	StateInactive State = iota
	StateActivated
)

// InterruptTrigger abstracts the eventfd + status-bit pair a device uses to
// signal the guest: setting a status bit and writing the device IRQ
// trigger eventfd.
type InterruptTrigger interface {
	// Trigger raises the interrupt with the given virtio interrupt status
	// bit set (VIRTIO_MMIO_INT_VRING or VIRTIO_MMIO_INT_CONFIG).
	Trigger(statusBit uint32) error
	// InterruptStatus returns the currently latched status bits, cleared by
	// the guest's write to the interrupt-ack MMIO register.
	InterruptStatus() uint32
	AckInterrupt(ackBits uint32)
}

const (
	IntVRing  uint32 = 1
	IntConfig uint32 = 2
)

// Device is the capability every virtio device model (Block, Net, Balloon,
// Entropy) implements, dispatched to by the MMIO transport.
type Device interface {
	DeviceType() uint32
	AvailFeatures() uint64
	AckedFeatures() uint64
	SetAckedFeatures(uint64)

	Queues() []*Queue
	InterruptTrigger() InterruptTrigger

	ReadConfig(offset uint64, data []byte)
	WriteConfig(offset uint64, data []byte)

	// Activate is called exactly once, when the guest writes DRIVER_OK; it
	// performs any backend setup (opening
	// files, tap FDs) that must not happen before the guest has negotiated
	// features. Base.SetStatus marks every queue Ready once it returns nil.
	// It returns an ActivationError if a required resource is
	// unavailable, in which case the guest observes FAILED status.
	Activate(mem GuestMemory) error
	IsActivated() bool

	// Id is a stable string identity used in logs, metrics, and snapshot
	// state, not part of the wire protocol.
	Id() string
}

// Base is embedded by every concrete device to provide the common status/
// feature-negotiation state machine, so device models only implement their
// own config space and queue processing.
type Base struct {
	id            string
	devType       uint32
	availFeatures uint64
	ackedFeatures uint64
	status        uint32
	state         State
	queues        []*Queue
	interrupt     InterruptTrigger
}

// NewBase constructs the shared device state. queues must already be sized
// (NewQueue(size)) in device-type queue order (e.g. RX, TX for net).
func NewBase(id string, devType uint32, availFeatures uint64, queues []*Queue, interrupt InterruptTrigger) Base {
	return Base{
		id:            id,
		devType:       devType,
		availFeatures: availFeatures,
		queues:        queues,
		interrupt:     interrupt,
	}
}

func (b *Base) Id() string                 { return b.id }
func (b *Base) DeviceType() uint32         { return b.devType }
func (b *Base) AvailFeatures() uint64      { return b.availFeatures }
func (b *Base) AckedFeatures() uint64      { return b.ackedFeatures }
func (b *Base) SetAckedFeatures(f uint64)  { b.ackedFeatures = f }
func (b *Base) Queues() []*Queue           { return b.queues }
func (b *Base) InterruptTrigger() InterruptTrigger { return b.interrupt }
func (b *Base) IsActivated() bool          { return b.state == StateActivated }

// Status returns the current virtio-MMIO device-status register value.
func (b *Base) Status() uint32 { return b.status }

// DeviceState is the common persisted shape every concrete device extends
// with its own device-specific fields (balloon target/actual pages, net
// MMDS config, ...). It captures feature negotiation, the device-status
// register, and every queue's addresses and cursors, enough to resume a
// device without re-running the ACKNOWLEDGE/DRIVER/FEATURES_OK/DRIVER_OK
// handshake.
type DeviceState struct {
	Id            string
	DeviceType    uint32
	AckedFeatures uint64
	Status        uint32
	Queues        []QueueState
}

// Save captures the common device state. Concrete devices call this from
// their own Save and append their device-specific fields.
func (b *Base) Save() DeviceState {
	qs := make([]QueueState, len(b.queues))
	for i, q := range b.queues {
		qs[i] = q.Save()
	}
	return DeviceState{
		Id:            b.id,
		DeviceType:    b.devType,
		AckedFeatures: b.ackedFeatures,
		Status:        b.status,
		Queues:        qs,
	}
}

// RestoreBase constructs a Base from a previously saved state plus the
// arguments a fresh construction needs (availFeatures is a property of the
// device model, not persisted state). It is a pure construction: no
// activation callback runs, and queues are rebuilt exactly as saved
// (including Ready), not re-gated by a status-register replay.
func RestoreBase(state DeviceState, availFeatures uint64, interrupt InterruptTrigger) Base {
	queues := make([]*Queue, len(state.Queues))
	for i, qs := range state.Queues {
		queues[i] = RestoreQueue(qs)
	}
	st := StateInactive
	if state.Status&StatusDriverOK != 0 && state.Status&StatusFailed == 0 {
		st = StateActivated
	}
	return Base{
		id:            state.Id,
		devType:       state.DeviceType,
		availFeatures: availFeatures,
		ackedFeatures: state.AckedFeatures,
		status:        state.Status,
		state:         st,
		queues:        queues,
		interrupt:     interrupt,
	}
}

// SetStatus processes a guest write to the status register. Writing 0
// resets the device to Inactive with all queues un-Ready. Reaching
// DRIVER_OK (with no FAILED bit) calls activate exactly once.
func (b *Base) SetStatus(value uint32, activate func() error) {
	if value == 0 {
		b.status = 0
		b.state = StateInactive
		for _, q := range b.queues {
			q.Ready = false
		}
		return
	}
	wasDriverOK := b.status&StatusDriverOK != 0
	b.status = value
	if value&StatusFailed != 0 {
		b.state = StateInactive
		return
	}
	if !wasDriverOK && value&StatusDriverOK != 0 {
		if activate != nil {
			if err := activate(); err != nil {
				b.status |= StatusFailed
				return
			}
		}
		for _, q := range b.queues {
			q.Ready = true
		}
		b.state = StateActivated
	}
}
