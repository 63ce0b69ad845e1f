package mmio

// Register offsets for the peripheral blocks the control plane drives.
// Offsets follow the OMAP/VAYU TRM layouts.

// Mailbox block registers. One block carries twelve 32-bit FIFOs; the
// IRQ registers are replicated per user (DSP, IPU, host).
const (
	MailboxRevision  = 0x000
	MailboxSysconfig = 0x010

	// Per-FIFO registers, m in [0, 12).
	MailboxMessageBase    = 0x040 // MESSAGE_m    = 0x40 + 4*m
	MailboxFifoStatusBase = 0x080 // FIFOSTATUS_m = 0x80 + 4*m (bit 0: full)
	MailboxMsgStatusBase  = 0x0C0 // MSGSTATUS_m  = 0xC0 + 4*m (pending count)

	// Per-user registers, u in [0, 4).
	MailboxIRQStatusRawBase = 0x100 // 0x100 + 0x10*u
	MailboxIRQStatusClrBase = 0x104 // 0x104 + 0x10*u
	MailboxIRQEnableSetBase = 0x108 // 0x108 + 0x10*u
	MailboxIRQEnableClrBase = 0x10C // 0x10C + 0x10*u

	MailboxNumFifos = 12
	MailboxNumUsers = 4
	MailboxFifoDepth = 4

	// SYSCONFIG bits.
	MailboxSoftReset = 1 << 0
	MailboxSmartIdle = 0x8
)

// MailboxMessage returns the MESSAGE register offset for fifo m.
func MailboxMessage(m int) uint32 { return MailboxMessageBase + uint32(m)*4 }

// MailboxFifoStatus returns the FIFOSTATUS register offset for fifo m.
func MailboxFifoStatus(m int) uint32 { return MailboxFifoStatusBase + uint32(m)*4 }

// MailboxMsgStatus returns the MSGSTATUS register offset for fifo m.
func MailboxMsgStatus(m int) uint32 { return MailboxMsgStatusBase + uint32(m)*4 }

// MailboxIRQStatus returns the IRQSTATUS_CLR register offset for user u.
func MailboxIRQStatus(u int) uint32 { return MailboxIRQStatusClrBase + uint32(u)*0x10 }

// MailboxIRQStatusRaw returns the IRQSTATUS_RAW register offset for user u.
func MailboxIRQStatusRaw(u int) uint32 { return MailboxIRQStatusRawBase + uint32(u)*0x10 }

// MailboxIRQEnableSet returns the IRQENABLE_SET register offset for user u.
func MailboxIRQEnableSet(u int) uint32 { return MailboxIRQEnableSetBase + uint32(u)*0x10 }

// MailboxIRQEnableClr returns the IRQENABLE_CLR register offset for user u.
func MailboxIRQEnableClr(u int) uint32 { return MailboxIRQEnableClrBase + uint32(u)*0x10 }

// MailboxIRQBit returns the new-message IRQ bit for fifo m. Bit 2m signals
// a pending message, bit 2m+1 a not-full transition.
func MailboxIRQBit(m int) uint32 { return 1 << (uint(m) * 2) }

// Slave L2 MMU registers.
const (
	MMURevision   = 0x00
	MMUSysconfig  = 0x10
	MMUSysstatus  = 0x14
	MMUIRQStatus  = 0x18
	MMUIRQEnable  = 0x1C
	MMUWalkingST  = 0x40
	MMUCntl       = 0x44
	MMUFaultAd    = 0x48
	MMUTTB        = 0x4C
	MMULock       = 0x50
	MMULdTLB      = 0x54
	MMUCam        = 0x58
	MMURam        = 0x5C
	MMUGFlush     = 0x60
	MMUFlushEntry = 0x64
	MMUReadCam    = 0x68
	MMUReadRam    = 0x6C
	MMUEmuFaultAd = 0x70

	// MMURegCount is the number of contiguous 32-bit registers captured by
	// a context save, covering offsets 0x00 through MMUEmuFaultAd.
	MMURegCount = 29

	// CNTL bits.
	MMUEnable    = 1 << 1
	MMUTWLEnable = 1 << 2

	// IRQ bits.
	MMUIRQTLBMiss   = 1 << 0
	MMUIRQTableWalk = 1 << 4

	// LOCK fields.
	MMULockBaseShift = 10
	MMULockVictShift = 4
	MMULockFieldMask = 0x1F

	// CAM fields.
	MMUCamVATagMask = 0xFFFFF000
	MMUCamPreserved = 1 << 3
	MMUCamValid     = 1 << 2
	MMUCamPgszMask  = 0x3
	MMUCamPgsz1M    = 0x0
	MMUCamPgsz64K   = 0x1
	MMUCamPgsz4K    = 0x2
	MMUCamPgsz16M   = 0x3

	// RAM fields.
	MMURamPAddrMask  = 0xFFFFF000
	MMURamEndianBig  = 1 << 9
	MMURamElszShift  = 7
	MMURamElszMask   = 0x3 << MMURamElszShift
	MMURamElsz8      = 0x0 << MMURamElszShift
	MMURamElsz16     = 0x1 << MMURamElszShift
	MMURamElsz32     = 0x2 << MMURamElszShift
	MMURamElszNone   = 0x3 << MMURamElszShift
	MMURamMixed      = 1 << 6

	// MMUTLBSize is the number of hardware TLB entries.
	MMUTLBSize = 32

	// SYSCONFIG idle mode (bits 4:3).
	MMUSmartIdle = 0x2 << 3
)

// General-purpose timer registers.
const (
	GPTTidr         = 0x00
	GPTTiocpCfg     = 0x10
	GPTIRQStatusRaw = 0x24
	GPTIRQStatus    = 0x28
	GPTIRQEnableSet = 0x2C
	GPTIRQEnableClr = 0x30
	GPTIRQWakeEn    = 0x34
	GPTTclr         = 0x38
	GPTTcrr         = 0x3C
	GPTTldr         = 0x40
	GPTTtgr         = 0x44
	GPTTwps         = 0x48
	GPTTmar         = 0x4C
	GPTTcar1        = 0x50
	GPTTsicr        = 0x54
	GPTTcar2        = 0x58

	// TCLR bits.
	GPTStart      = 1 << 0
	GPTAutoReload = 1 << 1

	// IRQ bits.
	GPTOverflowIRQ = 1 << 1

	// TIOCP_CFG idle modes (bits 3:2).
	GPTSmartIdle = 0x2 << 2
)

// PRCM registers for the domains this module gates. The block is a
// flattened view holding only the words the sequences touch; each domain's
// registers are grouped at a fixed stride.
const (
	// Per-domain register group offsets: base = PRCMDomainStride * domain.
	PRCMDomainStride = 0x40

	PRCMPwrstCtrl   = 0x00 // power-state control
	PRCMPwrstStatus = 0x04 // power-state status
	PRCMClkstCtrl   = 0x08 // clock-state control (wakeup mode)
	PRCMRstCtrl     = 0x0C // sub-reset control
	PRCMRstStatus   = 0x10 // sub-reset status
	PRCMClkctrlCore = 0x14 // functional clock control, core
	PRCMClkctrlAux  = 0x18 // functional clock control, SL2 / aux

	// PWRSTCTRL / PWRSTSTATUS power states (bits 1:0).
	PRCMPowerOn  = 0x3
	PRCMPowerOff = 0x0

	// CLKSTCTRL wakeup modes (bits 1:0).
	PRCMWakeupSW = 0x2
	PRCMWakeupHW = 0x3

	// CLKCTRL module modes and idle status.
	PRCMModuleEnable   = 0x1 // auto-enable in MODULEMODE field (bits 1:0)
	PRCMModuleDisable  = 0x0
	PRCMIdleStatusMask = 0x3 << 16 // IDLEST field
	PRCMIdleFunctional = 0x0 << 16

	// CLKSTCTRL activity bit.
	PRCMClkActivity = 1 << 8

	// RSTCTRL bits for the IVA domain.
	PRCMRstLogicSL2 = 1 << 2
	PRCMRstICont1   = 1 << 0
	PRCMRstICont2   = 1 << 1

	// RSTCTRL bits for a processor subsystem (CPU + MMU/cache).
	PRCMRstCPU = 1 << 0
	PRCMRstMMU = 1 << 1
)

// PRCMDomainBase returns the register-group base offset for domain d.
func PRCMDomainBase(d int) uint32 { return uint32(d) * PRCMDomainStride }

// Per-core control registers (boot vector and subsystem resets), one
// small block per remote core.
const (
	CoreBootAddr = 0x00
	CoreRstCtrl  = 0x04

	// CoreRstCtrl bits; a set bit holds the unit in reset.
	CoreRstCPU = 1 << 0
	CoreRstMMUCache = 1 << 1
)
