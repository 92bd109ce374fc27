// Package probe reports what the host offers the monitor: KVM
// capabilities, the CPU's virtualization extensions and whether vCPUs can
// get tagged TLBs.
package probe

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/bobuhiro11/govcpu/kvm"
	"github.com/bobuhiro11/govcpu/machine"
	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sys/unix"
)

// Report prints every probe to w. dev is the KVM device node and sysfs the
// sysfs mount point.
func Report(w io.Writer, dev, sysfs string) error {
	Host(w)

	if err := Tagging(w, sysfs); err != nil {
		return err
	}

	f, err := os.Open(dev)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := KVMCapabilities(w, f.Fd()); err != nil {
		return err
	}

	if err := VPIDControl(w, f.Fd()); err != nil {
		return err
	}

	return CPUID(w, f.Fd())
}

// Host prints the host CPU and its virtualization extensions.
func Host(w io.Writer) {
	c := cpuid.CPU

	fmt.Fprintf(w, "cpu: %s (%s), %d logical cores\n", c.BrandName, c.VendorString, c.LogicalCores)
	fmt.Fprintf(w, "vmx: %v\nsvm: %v\n", c.Supports(cpuid.VMX), c.Supports(cpuid.SVM))
	fmt.Fprintf(w, "hypervisor: %v\n", c.Supports(cpuid.HYPERVISOR))
}

// Tagging prints the tagged-TLB mechanism KVM uses, if any. Only I/O
// errors on w are returned; a host without tagging is a result, not an
// error.
func Tagging(w io.Writer, sysfs string) error {
	mech, err := machine.HostTagging(sysfs)
	if err != nil {
		_, werr := fmt.Fprintf(w, "address space tagging: unavailable (%v)\n", err)

		return werr
	}

	_, err = fmt.Fprintf(w, "address space tagging: %s\n", mech)

	return err
}

// KVMCapabilities calls KVM_CHECK_EXTENSION for each x86 capability and
// prints the result.
func KVMCapabilities(w io.Writer, kvmFd uintptr) error {
	for _, c := range kvm.X86Capabilities {
		r, err := kvm.CheckExtension(kvmFd, c)
		if err != nil {
			return fmt.Errorf("CheckExtension(%s): %w", c, err)
		}

		fmt.Fprintf(w, "%-24s %d\n", c, r)
	}

	return nil
}

// VPIDControl prints whether the VMX secondary processor-based controls
// allow enabling VPIDs, as read from the feature MSR. Hosts that do not
// expose that MSR, AMD ones included, print "n/a".
func VPIDControl(w io.Writer, kvmFd uintptr) error {
	var list kvm.MSRList

	err := kvm.GetMSRFeatureIndexList(kvmFd, &list)
	if err != nil && !unsupported(err) {
		return fmt.Errorf("GetMSRFeatureIndexList: %w", err)
	}

	n := min(int(list.NMSRs), len(list.Indicies))
	if err != nil || !slices.Contains(list.Indicies[:n], kvm.MSRVMXProcbasedCtls2) {
		_, err = fmt.Fprintln(w, "vmx vpid control: n/a")

		return err
	}

	ok, err := kvm.VMXVPIDAllowed(kvmFd)
	if err != nil {
		return fmt.Errorf("reading VMX controls: %w", err)
	}

	_, err = fmt.Fprintf(w, "vmx vpid control: %v (%d feature msrs)\n", ok, n)

	return err
}

func unsupported(err error) bool {
	return errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOTTY) || errors.Is(err, unix.E2BIG)
}

// CPUID calls KVM_GET_SUPPORTED_CPUID and prints the result.
func CPUID(w io.Writer, kvmFd uintptr) error {
	var c kvm.CPUID

	if err := kvm.GetSupportedCPUID(kvmFd, &c); err != nil {
		return fmt.Errorf("GetSupportedCPUID: %w", err)
	}

	printCPUID(w, &c)

	return nil
}

func printCPUID(w io.Writer, c *kvm.CPUID) {
	fmt.Fprintf(w, "%-10s %-5s %-10s %-10s %-10s %-10s\n", "function", "index", "eax", "ebx", "ecx", "edx")

	for i := 0; i < int(c.Nent) && i < len(c.Entries); i++ {
		e := c.Entries[i]
		fmt.Fprintf(w, "%#-10x %-5d %#-10x %#-10x %#-10x %#-10x\n", e.Function, e.Index, e.Eax, e.Ebx, e.Ecx, e.Edx)
	}
}
