package machine

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/govcpu/kvm"
	"github.com/bobuhiro11/govcpu/vcpu"
	"golang.org/x/arch/x86/x86asm"
)

// ErrPaging is returned when a guest linear address cannot be resolved
// because the guest has paging enabled.
var ErrPaging = errors.New("guest paging is not supported")

const (
	cr0PE = 1
	cr0PG = 1 << 31
)

// exitContext is what delegates bound to a CPU receive.
type exitContext struct {
	cpu   *CPU
	class kvm.ExitType
}

func (e *exitContext) Core() vcpu.CoreID  { return e.cpu.id }
func (e *exitContext) Exit() kvm.ExitType { return e.class }

// Inst decodes the instruction at the vCPU's current RIP.
func (e *exitContext) Inst() (*x86asm.Inst, *kvm.Regs, string, error) {
	return e.cpu.Inst()
}

// mode returns the decoding mode, 16, 32 or 64, of the code segment.
func mode(s *kvm.Sregs) int {
	switch {
	case s.CR0&cr0PE == 0:
		return 16
	case s.CS.L == 1:
		return 64
	case s.CS.DB == 1:
		return 32
	}

	return 16
}

// Inst retrieves an instruction from the guest, at RIP.
// It returns an x86asm.Inst, the registers, a string in GNU syntax, and
// an error.
func (c *CPU) Inst() (*x86asm.Inst, *kvm.Regs, string, error) {
	r, err := kvm.GetRegs(c.fd)
	if err != nil {
		return nil, nil, "", fmt.Errorf("Inst:GetRegs:%w", err)
	}

	s, err := kvm.GetSregs(c.fd)
	if err != nil {
		return nil, nil, "", fmt.Errorf("Inst:GetSregs:%w", err)
	}

	if s.CR0&cr0PG != 0 {
		return nil, nil, "", fmt.Errorf("reading PC at %#x:%w", r.RIP, ErrPaging)
	}

	// We know the PC; grab a bunch of bytes there, then decode and print.
	// Without paging, linear addresses are guest physical.
	pc := s.CS.Base + r.RIP
	if pc >= uint64(len(c.m.mem)) {
		return nil, nil, "", fmt.Errorf("reading PC at %#x:%w", pc, ErrOutOfRange)
	}

	insn := make([]byte, min(16, uint64(len(c.m.mem))-pc))

	n, err := c.m.ReadAt(insn, int64(pc))
	if err != nil {
		return nil, nil, "", fmt.Errorf("reading PC at %#x:%w", pc, err)
	}

	d, err := x86asm.Decode(insn[:n], mode(s))
	if err != nil {
		return nil, nil, "", fmt.Errorf("decoding %#02x:%w", insn[:n], err)
	}

	return &d, r, x86asm.GNUSyntax(d, r.RIP, nil), nil
}
