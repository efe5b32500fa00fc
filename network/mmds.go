package network

// MmdsResponder is the narrow interface the net device calls into for
// frames destined to the metadata service's link-local address. It never
// owns a socket: the net device hands it a matching Ethernet frame and
// gets back zero or more reply frames to push onto the RX queue, which
// avoids a cyclic ownership between the net device and the MMDS stack.
// The HTTP/metadata surface itself lives outside this core.
type MmdsResponder interface {
	// Matches reports whether frame is addressed to the MMDS link-local
	// endpoint and should be diverted instead of written to the tap.
	Matches(frame []byte) bool
	// Respond processes a matched frame and returns reply frames, if any,
	// to be queued on the net device's RX ring.
	Respond(frame []byte) ([][]byte, error)
}

// MmdsConfig enables the MMDS diversion for a net device. Re-applying the
// same config is idempotent and never touches the tap interface.
type MmdsConfig struct {
	IPv4Address [4]byte
}

// MmdsStack holds the current MMDS binding for a net device. A nil
// Responder means MMDS is disabled; the net device then forwards every
// frame to its tap backend unconditionally.
type MmdsStack struct {
	Config    *MmdsConfig
	Responder MmdsResponder
}

// Configure idempotently (re)binds the MMDS stack. Passing the same config
// and responder values again is a no-op in effect, matching
// configure_mmds_network_stack's idempotence.
func (s *MmdsStack) Configure(cfg MmdsConfig, responder MmdsResponder) {
	s.Config = &cfg
	s.Responder = responder
}

// Disable unbinds MMDS; the tap interface itself is left untouched.
func (s *MmdsStack) Disable() {
	s.Config = nil
	s.Responder = nil
}

// Enabled reports whether frames should be checked against the responder.
func (s *MmdsStack) Enabled() bool {
	return s.Config != nil && s.Responder != nil
}
