package kvm

import (
	"unsafe"
)

const (
	// MSRVMXProcbasedCtls2 reports the allowed secondary processor-based
	// VM-execution controls. The upper half holds the allowed-1 settings.
	MSRVMXProcbasedCtls2 = 0x48B

	// VMXSecondaryEnableVPID is the "enable VPID" bit of the secondary controls.
	VMXSecondaryEnableVPID = 1 << 5

	maxMSREntries = 100
)

type MSRList struct {
	NMSRs    uint32
	Indicies [maxMSREntries]uint32
}

// GetMSRFeatureIndexList returns the list of MSRs that can be passed to the KVM_GET_MSRS system ioctl.
// This lets userspace probe host capabilities and processor features that are exposed via MSRs
// (e.g., VMX capabilities). This list also varies by kvm version and host processor, but does not change otherwise.
func GetMSRFeatureIndexList(kvmFd uintptr, list *MSRList) error {
	list.NMSRs = maxMSREntries

	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetMSRFeatureIndexList, unsafe.Sizeof(list.NMSRs)),
		uintptr(unsafe.Pointer(list)))

	return err
}

// MSREntry is a single index/value pair.
type MSREntry struct {
	Index uint32
	_     uint32
	Data  uint64
}

// MSRs is the kvm_msrs structure with room for a fixed number of entries.
type MSRs struct {
	NMSRs   uint32
	_       uint32
	Entries [maxMSREntries]MSREntry
}

type msrsHeader struct {
	NMSRs uint32
	_     uint32
}

// GetMSRs reads the MSRs listed in msrs.Entries[:msrs.NMSRs]. Issued on the
// /dev/kvm fd it reads feature MSRs; issued on a vcpu fd it reads guest MSRs.
// It returns how many entries were read, which stops at the first failure.
func GetMSRs(fd uintptr, msrs *MSRs) (int, error) {
	n, err := Ioctl(fd,
		IIOWR(kvmGetMSRs, unsafe.Sizeof(msrsHeader{})),
		uintptr(unsafe.Pointer(msrs)))

	return int(n), err
}

// VMXVPIDAllowed reports whether the host permits the VPID secondary
// control, reading MSRVMXProcbasedCtls2 through the system fd.
func VMXVPIDAllowed(kvmFd uintptr) (bool, error) {
	msrs := &MSRs{NMSRs: 1}
	msrs.Entries[0].Index = MSRVMXProcbasedCtls2

	n, err := GetMSRs(kvmFd, msrs)
	if err != nil {
		return false, err
	}

	if n != 1 {
		return false, nil
	}

	allowed1 := uint32(msrs.Entries[0].Data >> 32)

	return allowed1&VMXSecondaryEnableVPID != 0, nil
}
