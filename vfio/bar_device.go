package vfio

// MsixTableDevice is the bus.Device registered at a BAR's excluded MSI-X
// table hole, so guest accesses there are virtualized instead of reaching
// hardware directly through the BAR's bulk KVM memory-slot mapping.
type MsixTableDevice struct {
	Msix *MsixConfig
}

func (d *MsixTableDevice) Read(offset uint64, data []byte)  { d.Msix.ReadTable(offset, data) }
func (d *MsixTableDevice) Write(offset uint64, data []byte) { d.Msix.WriteTable(offset, data) }

// MsixPbaDevice is the bus.Device registered at a BAR's excluded PBA hole.
type MsixPbaDevice struct {
	Msix *MsixConfig
}

func (d *MsixPbaDevice) Read(offset uint64, data []byte)  { d.Msix.ReadPba(offset, data) }
func (d *MsixPbaDevice) Write(offset uint64, data []byte) {}
