package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	kvmGetAPIVersion          = 0x00
	kvmCreateVM               = 0x01
	kvmCheckExtension         = 0x03
	kvmGetVCPUMMapSize        = 0x04
	kvmGetSupportedCPUID      = 0x05
	kvmCreateVCPU             = 0x41
	kvmSetUserMemoryRegion    = 0x46
	kvmSetTSSAddr             = 0x47
	kvmSetIdentityMapAddr     = 0x48
	kvmRun                    = 0x80
	kvmGetRegs                = 0x81
	kvmSetRegs                = 0x82
	kvmGetSregs               = 0x83
	kvmSetSregs               = 0x84
	kvmGetMSRs                = 0x88
	kvmSetCPUID2              = 0x90
	kvmSetGuestDebug          = 0x9b
	kvmGetMSRFeatureIndexList = 0x0a

	// APIVersion is the only KVM API version ever shipped.
	APIVersion = 12

	numInterrupts = 0x100

	// Placed just below 4GiB like kvmtool and qemu do.
	tssAddr         = 0xfffbd000
	identityMapAddr = 0xffffc000
)

// RunData is the shared kvm_run structure mapped from a vCPU fd.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the io member of the exit union.
func (r *RunData) IO() (uint64, uint64, uint64, uint64, uint64) {
	direction := r.Data[0] & 0xFF
	size := (r.Data[0] >> 8) & 0xFF
	port := (r.Data[0] >> 16) & 0xFFFF
	count := (r.Data[0] >> 32) & 0xFFFFFFFF
	offset := r.Data[1]

	return direction, size, port, count, offset
}

// Exit returns the exit reason as an ExitType.
func (r *RunData) Exit() ExitType {
	return ExitType(r.ExitReason)
}

// GetAPIVersion returns the KVM API version, which must be APIVersion.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)
}

// CreateVM creates a new VM and returns its fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), 0)
}

// CreateVCPU creates vCPU number id in the VM and returns its fd.
func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), uintptr(id))
}

// Run enters the guest until the next exit.
//
// Unlike Ioctl, Run is not restarted on EINTR: a signal is how another
// thread kicks a vCPU out of the guest, so the caller sees unix.EINTR.
func Run(vcpuFd uintptr) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpuFd, IIO(kvmRun), 0); errno != 0 {
		return errno
	}

	return nil
}

// GetVCPUMMmapSize returns the size of the kvm_run mapping of a vCPU fd.
func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), 0)
}

// SetTSSAddr places the three-page TSS region Intel hosts need for real mode.
func SetTSSAddr(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmSetTSSAddr), tssAddr)

	return err
}

// SetIdentityMapAddr places the identity map page Intel hosts need for real mode.
func SetIdentityMapAddr(vmFd uintptr) error {
	var mapAddr uint64 = identityMapAddr

	_, err := Ioctl(vmFd, IIOW(kvmSetIdentityMapAddr, 8), uintptr(unsafe.Pointer(&mapAddr)))

	return err
}
