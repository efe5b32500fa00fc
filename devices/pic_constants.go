// PIC register bit layout and port constants shared by pic.go.
package devices

// 8259A PIC I/O Port Addresses (uint16 for compatibility with port argument)
const (
	PIC_MASTER_CMD_PORT uint16 = 0x20 // Master PIC Command Port
	PIC_MASTER_DATA_PORT uint16 = 0x21 // Master PIC Data (IMR) Port
	PIC_SLAVE_CMD_PORT  uint16 = 0xA0 // Slave PIC Command Port
	PIC_SLAVE_DATA_PORT uint16 = 0xA1 // Slave PIC Data (IMR) Port
)

// Common IRQ lines for devices (uint8 for consistency with PIC logic)
const (
	PIT_IRQ          uint8 = 0  // Programmable Interval Timer
	KEYBOARD_IRQ     uint8 = 1  // Keyboard
	PIC_MASTER_SLAVE_IRQ uint8 = 2  // Master PIC IRQ line connected to Slave PIC
	SERIAL_IRQ       uint8 = 4  // Serial Port 1 (COM1 typically uses IRQ4, COM2 IRQ3)
	// SERIAL2_IRQ      uint8 = 3  // Serial Port 2
	// LPT2_IRQ         uint8 = 5  // Parallel Port 2
	// FLOPPY_IRQ       uint8 = 6  // Floppy Disk Controller
	// LPT1_IRQ         uint8 = 7  // Parallel Port 1
	RTC_IRQ          uint8 = 8  // Real-Time Clock (Slave IRQ0)
	// ... other IRQs (9-15 for slave)
)

// ICW1 (Initialization Command Word 1) bits
const (
	PIC_ICW1_IC4      byte = 0x01 // IC4 (Initialization Command Word 4) needed
	PIC_ICW1_SNGL     byte = 0x02 // Single (1) or Cascade (0) mode; pic.go treats a set bit as a single, non-cascaded PIC
	PIC_ICW1_ADI      byte = 0x04 // Address Interval (not usually used in PC) - Call Address Interval for 8085, Interval4 for 8086
	PIC_ICW1_LTIM     byte = 0x08 // Level (1) or Edge (0) triggered mode
	PIC_ICW1_INIT     byte = 0x10 // Initialization bit (must be 1 for ICW1)
	// Bits 5,6,7 are 0 for x86
)

// ICW4 (Initialization Command Word 4) bits
const (
    PIC_ICW4_UPM   byte = 0x01 // Microprocessor mode (1 for 8086/8088, 0 for MCS-80/85)
    PIC_ICW4_AEOI  byte = 0x02 // Auto EOI
    PIC_ICW4_MS    byte = 0x04 // Master/Slave in buffered mode (1 for master, 0 for slave)
    PIC_ICW4_BUF   byte = 0x08 // Buffered mode
    PIC_ICW4_SFNM  byte = 0x10 // Special Fully Nested Mode
	// Bits 5,6,7 are 0
)


// OCW2 (Operational Command Word 2) bits
const (
	PIC_OCW2_L0L1L2   byte = 0x07 // IR Level to act upon (for specific EOI)
	PIC_OCW2_EOI_CMD  byte = 0x20 // End of Interrupt command bit
	PIC_OCW2_SL_CMD   byte = 0x40 // Specific/Level command bit (1 for specific)
	PIC_OCW2_R_CMD    byte = 0x80 // Rotate command bit
)

// OCW3 (Operational Command Word 3) bits
const (
	PIC_OCW3_RIS_CMD   byte = 0x01 // Read ISR if set (1), IRR if clear (0) (when RR is set)
	PIC_OCW3_RR_CMD    byte = 0x02 // Read Register command bit
	PIC_OCW3_POLL_CMD  byte = 0x04 // Poll command bit
	// Bit 3 (0x08) must be 1 for OCW3
	PIC_OCW3_OCW3_ID  byte = 0x08 // Identifies this as an OCW3 if set.
	// Bit 4 (0x10) must be 0 for OCW3
	PIC_OCW3_ESMM_CMD  byte = 0x20 // Enable Special Mask Mode command bit
	PIC_OCW3_SMM_CMD   byte = 0x40 // Set Special Mask Mode command bit (when ESMM is also set)
)


// Serial Port Constants
const (
	COM1_PORT_BASE uint16 = 0x3F8 // Base address for COM1
	COM1_PORT_END  uint16 = 0x3FF // End address for COM1 (8 registers)

	// Offsets from base port
	RHR_THR_DLL uint16 = 0 // Receiver Holding Reg (R), Transmitter Holding Reg (W), Divisor Latch LSB (DLAB=1)
	IER_DLH     uint16 = 1 // Interrupt Enable Reg, Divisor Latch MSB (DLAB=1)
	IIR_FCR     uint16 = 2 // Interrupt ID Reg (R), FIFO Control Reg (W)
	LCR         uint16 = 3 // Line Control Register
	MCR         uint16 = 4 // Modem Control Register
	LSR         uint16 = 5 // Line Status Register
	MSR         uint16 = 6 // Modem Status Register
	SCR         uint16 = 7 // Scratch Register
)
// Line Control Register (LCR) bits
const (
	LCR_DLAB byte = 0x80 // Divisor Latch Access Bit
	// ... other LCR bits for word length, stop bits, parity
)
// Line Status Register (LSR) bits
const (
	LSR_DR   byte = 0x01 // Data Ready
	LSR_OE   byte = 0x02 // Overrun Error
	LSR_PE   byte = 0x04 // Parity Error
	LSR_FE   byte = 0x08 // Framing Error
	LSR_BI   byte = 0x10 // Break Interrupt
	LSR_THRE byte = 0x20 // Transmitter Holding Register Empty
	LSR_TEMT byte = 0x40 // Transmitter Empty
	LSR_ERF  byte = 0x80 // Error in RCVR FIFO (16750) / Reserved (16550)
)
// Interrupt Identification Register (IIR) bits (when read)
const (
	IIR_NO_INT_PENDING byte = 0x01 // No interrupt pending
	IIR_INT_ID_MASK    byte = 0x0E // Mask for interrupt ID bits
	IIR_RLS            byte = 0x06 // Receiver Line Status interrupt
	IIR_RDA            byte = 0x04 // Received Data Available interrupt
	IIR_THRE           byte = 0x02 // Transmitter Holding Register Empty interrupt
	IIR_MS             byte = 0x00 // Modem Status interrupt
	IIR_FIFO_ENABLED   byte = 0xC0 // Both bits set if FIFO enabled (16550+)
)
// Interrupt Enable Register (IER) bits
const (
	IER_RX_DATA_AVAILABLE byte = 0x01 // Enable Received Data Available Interrupt
	IER_THRE_ENABLE       byte = 0x02 // Enable Transmitter Holding Register Empty Interrupt
	IER_RX_LINE_STATUS    byte = 0x04 // Enable Receiver Line Status Interrupt
	IER_MODEM_STATUS      byte = 0x08 // Enable Modem Status Interrupt
	// Bits 4-7 are 0 (16550)
)


// Keyboard Controller Port Constants (8042 style)
const (
	KEYBOARD_PORT_DATA   uint16 = 0x60 // Data Register (read/write)
	KEYBOARD_PORT_STATUS uint16 = 0x64 // Status Register (read) / Command Register (write)
)
