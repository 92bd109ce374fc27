package kvm

import "fmt"

// Capability is a KVM_CAP_* extension number.
type Capability uint

const (
	CapIRQChip            Capability = 0
	CapHLT                Capability = 1
	CapUserMemory         Capability = 3
	CapSetTSSAddr         Capability = 4
	CapEXTCPUID           Capability = 7
	CapNRVCPUs            Capability = 9
	CapNRMemSlots         Capability = 10
	CapPIT                Capability = 11
	CapMPState            Capability = 14
	CapCoalescedMMIO      Capability = 15
	CapSyncMMU            Capability = 16
	CapIOMMU              Capability = 18
	CapUserNMI            Capability = 22
	CapSetGuestDebug      Capability = 23
	CapReinjectControl    Capability = 24
	CapIRQRouting         Capability = 25
	CapMCE                Capability = 31
	CapIRQFD              Capability = 32
	CapPIT2               Capability = 33
	CapSetIdentityMapAddr Capability = 37
	CapVCPUEvents         Capability = 41
	CapDebugRegs          Capability = 50
	CapXSave              Capability = 55
	CapXCRS               Capability = 56
	CapMaxVCPUs           Capability = 66
	CapKVMClockCtrl       Capability = 76
	CapGETMSRFeatures     Capability = 153
)

var capabilityNames = map[Capability]string{
	CapIRQChip:            "CapIRQChip",
	CapHLT:                "CapHLT",
	CapUserMemory:         "CapUserMemory",
	CapSetTSSAddr:         "CapSetTSSAddr",
	CapEXTCPUID:           "CapEXTCPUID",
	CapNRVCPUs:            "CapNRVCPUs",
	CapNRMemSlots:         "CapNRMemSlots",
	CapPIT:                "CapPIT",
	CapMPState:            "CapMPState",
	CapCoalescedMMIO:      "CapCoalescedMMIO",
	CapSyncMMU:            "CapSyncMMU",
	CapIOMMU:              "CapIOMMU",
	CapUserNMI:            "CapUserNMI",
	CapSetGuestDebug:      "CapSetGuestDebug",
	CapReinjectControl:    "CapReinjectControl",
	CapIRQRouting:         "CapIRQRouting",
	CapMCE:                "CapMCE",
	CapIRQFD:              "CapIRQFD",
	CapPIT2:               "CapPIT2",
	CapSetIdentityMapAddr: "CapSetIdentityMapAddr",
	CapVCPUEvents:         "CapVCPUEvents",
	CapDebugRegs:          "CapDebugRegs",
	CapXSave:              "CapXSave",
	CapXCRS:               "CapXCRS",
	CapMaxVCPUs:           "CapMaxVCPUs",
	CapKVMClockCtrl:       "CapKVMClockCtrl",
	CapGETMSRFeatures:     "CapGETMSRFeatures",
}

func (c Capability) String() string {
	if s, ok := capabilityNames[c]; ok {
		return s
	}

	return fmt.Sprintf("Capability(%d)", uint(c))
}

// X86Capabilities lists the capabilities worth reporting on an x86 host.
//
//nolint:gochecknoglobals
var X86Capabilities = []Capability{
	CapIRQChip, CapHLT, CapUserMemory, CapSetTSSAddr, CapEXTCPUID,
	CapNRVCPUs, CapNRMemSlots, CapPIT, CapMPState, CapCoalescedMMIO,
	CapSyncMMU, CapIOMMU, CapUserNMI, CapSetGuestDebug, CapReinjectControl,
	CapIRQRouting, CapMCE, CapIRQFD, CapPIT2, CapSetIdentityMapAddr,
	CapVCPUEvents, CapDebugRegs, CapXSave, CapXCRS, CapMaxVCPUs,
	CapKVMClockCtrl, CapGETMSRFeatures,
}

// CheckExtension returns a positive value when cap is available. Some
// capabilities, CapNRVCPUs for example, return a count instead of 1.
func CheckExtension(kvmFd uintptr, c Capability) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCheckExtension), uintptr(c))
}
