package kvm

import (
	"unsafe"
)

const (
	CPUIDSignature  = 0x40000000
	CPUIDFeatures   = 0x40000001
	CPUIDFuncPerMon = 0x0A

	maxCPUIDEntries = 100
)

// CPUID is the set of CPUID entries returned by GetSupportedCPUID.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [maxCPUIDEntries]CPUIDEntry2
}

// CPUIDEntry2 is one entry for CPUID. It took 2 tries to get it right :-)
// Thanks x86 :-).
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

type cpuidHeader struct {
	Nent    uint32
	Padding uint32
}

// GetSupportedCPUID gets all supported CPUID entries for a vm.
func GetSupportedCPUID(kvmFd uintptr, kvmCPUID *CPUID) error {
	if kvmCPUID.Nent == 0 {
		kvmCPUID.Nent = maxCPUIDEntries
	}

	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetSupportedCPUID, unsafe.Sizeof(cpuidHeader{})),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// SetCPUID2 sets entries for a vCPU.
// The progression is, hence, get the CPUID entries for a vm, then set them into
// individual vCPUs. This seems odd, but in fact lets code tailor CPUID entries
// as needed.
func SetCPUID2(vcpuFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(vcpuFd,
		IIOW(kvmSetCPUID2, unsafe.Sizeof(cpuidHeader{})),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}
