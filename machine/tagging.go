package machine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bobuhiro11/govcpu/vcpu"
	"github.com/klauspost/cpuid/v2"
)

// Tagged-TLB mechanisms.
const (
	TaggingVPID = "vpid" // Intel VMX
	TaggingASID = "asid" // AMD SVM
)

// HostTagging reports the tagged-TLB mechanism KVM uses on this host. It
// fails with vcpu.ErrFeatureUnavailable when there is none.
func HostTagging(sysfsRoot string) (string, error) {
	return hostTagging(sysfsRoot, cpuid.CPU.VendorString,
		cpuid.CPU.Supports(cpuid.VMX), cpuid.CPU.Supports(cpuid.SVM))
}

// hostTagging is HostTagging with the CPU features spelled out.
//
// kvm_intel exports whether it runs with VPIDs as the vpid module
// parameter. kvm_amd always uses ASIDs, so the module being loaded is
// enough.
func hostTagging(root, vendor string, vmx, svm bool) (string, error) {
	switch {
	case vmx:
		p := filepath.Join(root, "module", "kvm_intel", "parameters", "vpid")

		b, err := os.ReadFile(p)
		if err != nil {
			return "", fmt.Errorf("%w: %w", vcpu.ErrFeatureUnavailable, err)
		}

		switch v := strings.TrimSpace(string(b)); v {
		case "Y", "y", "1":
			return TaggingVPID, nil
		default:
			return "", fmt.Errorf("%w: kvm_intel loaded with vpid=%s", vcpu.ErrFeatureUnavailable, v)
		}
	case svm:
		if _, err := os.Stat(filepath.Join(root, "module", "kvm_amd")); err != nil {
			return "", fmt.Errorf("%w: kvm_amd: %w", vcpu.ErrFeatureUnavailable, err)
		}

		return TaggingASID, nil
	}

	return "", fmt.Errorf("%w: %q cpu has neither VMX nor SVM", vcpu.ErrFeatureUnavailable, vendor)
}

// tagging probes the host once per machine.
func (m *Machine) tagging() (string, error) {
	m.tagOnce.Do(func() {
		m.tagMech, m.tagErr = HostTagging(m.sysfs)
		if m.tagErr != nil {
			m.log.Warn().Err(m.tagErr).Msg("address space tagging unavailable")
		} else {
			m.log.Info().Str("mechanism", m.tagMech).Msg("address space tagging available")
		}
	})

	return m.tagMech, m.tagErr
}
