// Package vpid provides the vCPU variants of the monitor.
//
// The default variant, registered as "vpid", binds its exit delegates and
// then enables tagged TLBs (VPID on Intel, ASID on AMD) on the base. The
// "basic" variant binds the same delegates and leaves tagging off; it
// exists for monitor builds that do not require the feature.
package vpid

import (
	"context"
	"fmt"

	"github.com/bobuhiro11/govcpu/kvm"
	"github.com/bobuhiro11/govcpu/logger"
	"github.com/bobuhiro11/govcpu/metrics"
	"github.com/bobuhiro11/govcpu/vcpu"
	"github.com/rs/zerolog"
	"golang.org/x/arch/x86/x86asm"
)

const (
	// Name is the variant with tagged TLBs. It is the default.
	Name = "vpid"

	// BasicName is the variant without tagged TLBs.
	BasicName = "basic"
)

func init() {
	vcpu.Register(Name, New)
	vcpu.Register(BasicName, NewBasic)
}

// Options is the creation context understood by both variants. Any other
// creation context, nil included, means zero Options.
type Options struct {
	// Trace adds a delegate that logs each single-stepped instruction.
	Trace bool

	// Logger replaces the package logger for delegate output.
	Logger *zerolog.Logger
}

func optionsOf(cctx vcpu.CreationContext) Options {
	switch o := cctx.(type) {
	case *Options:
		if o != nil {
			return *o
		}
	case Options:
		return o
	}

	return Options{}
}

// Disassembler is implemented by exit contexts that can decode the guest
// instruction at the current program counter.
type Disassembler interface {
	Inst() (*x86asm.Inst, *kvm.Regs, string, error)
}

// VCPU is a virtual CPU of either variant. Once New or NewBasic returns,
// its state and tagging never change; Close is the only transition left.
type VCPU struct {
	noCopy vcpu.NoCopy

	base    vcpu.Base
	variant string
	state   vcpu.State
	tagged  bool
	closed  bool
	halts   int
	log     zerolog.Logger
}

var _ vcpu.VCPU = (*VCPU)(nil)

// New builds the "vpid" variant: delegates first, then tagging, so that an
// exit caused by the enablement itself already reaches the delegates.
func New(base vcpu.Base, cctx vcpu.CreationContext) (vcpu.VCPU, error) {
	v := newVCPU(Name, base, optionsOf(cctx))

	if err := v.bindDelegates(optionsOf(cctx)); err != nil {
		return nil, vcpu.Fail("bind delegates", base.ID(), err)
	}

	if err := v.enableTagging(); err != nil {
		return nil, vcpu.Fail("enable address space tagging", base.ID(), err)
	}

	return v, nil
}

// NewBasic builds the "basic" variant, which stops after binding.
func NewBasic(base vcpu.Base, cctx vcpu.CreationContext) (vcpu.VCPU, error) {
	v := newVCPU(BasicName, base, optionsOf(cctx))

	if err := v.bindDelegates(optionsOf(cctx)); err != nil {
		return nil, vcpu.Fail("bind delegates", base.ID(), err)
	}

	return v, nil
}

func newVCPU(variant string, base vcpu.Base, opts Options) *VCPU {
	l := logger.WithComponent("vpid")
	if opts.Logger != nil {
		l = *opts.Logger
	}

	return &VCPU{
		base:    base,
		variant: variant,
		state:   vcpu.Uninitialized,
		log:     l.With().Int("core", int(base.ID())).Str("variant", variant).Logger(),
	}
}

func (v *VCPU) bindDelegates(opts Options) error {
	if err := v.base.AddEventDelegate(kvm.EXITHLT, v.onHalt); err != nil {
		return err
	}

	if opts.Trace {
		if err := v.base.AddEventDelegate(kvm.EXITDEBUG, v.onStep); err != nil {
			return err
		}
	}

	v.state = vcpu.DelegatesBound

	return nil
}

func (v *VCPU) enableTagging() error {
	if v.state != vcpu.DelegatesBound {
		return &vcpu.Error{Op: "enable address space tagging", Core: v.base.ID(), Kind: vcpu.ErrConstructionFailure}
	}

	if err := v.base.EnableAddressSpaceTagging(); err != nil {
		metrics.AddressSpaceTaggingTotal.WithLabelValues(metrics.ResultFeatureUnavailable).Inc()

		return err
	}

	metrics.AddressSpaceTaggingTotal.WithLabelValues(metrics.ResultOK).Inc()

	v.tagged = true
	v.state = vcpu.FeatureEnabled

	return nil
}

func (v *VCPU) onHalt(ctx vcpu.EventContext) {
	v.halts++
	v.log.Debug().Stringer("exit", ctx.Exit()).Int("halts", v.halts).Msg("guest halted")
}

func (v *VCPU) onStep(ctx vcpu.EventContext) {
	d, ok := ctx.(Disassembler)
	if !ok {
		return
	}

	_, regs, asm, err := d.Inst()
	if err != nil {
		v.log.Warn().Err(err).Msg("disassembling after debug exit")

		return
	}

	v.log.Info().Str("rip", fmt.Sprintf("%#x", regs.RIP)).Str("inst", asm).Msg("step")
}

// ID implements vcpu.VCPU.
func (v *VCPU) ID() vcpu.CoreID { return v.base.ID() }

// State implements vcpu.VCPU.
func (v *VCPU) State() vcpu.State { return v.state }

// AddressSpaceTagged implements vcpu.VCPU.
func (v *VCPU) AddressSpaceTagged() bool { return v.tagged }

// Variant returns the variant name the vCPU was built as.
func (v *VCPU) Variant() string { return v.variant }

// Halts returns how many halt exits the halt delegate has seen.
func (v *VCPU) Halts() int { return v.halts }

// Run implements vcpu.VCPU.
func (v *VCPU) Run(ctx context.Context) error {
	if v.closed {
		return vcpu.ErrClosed
	}

	return v.base.Run(ctx)
}

// Close releases the delegates and the base as one unit. Tagging has no
// separate teardown; it goes away with the base. Close is idempotent.
func (v *VCPU) Close() error {
	if v.closed {
		return nil
	}

	v.closed = true

	metrics.VCPUCloseTotal.WithLabelValues(v.variant).Inc()

	return v.base.Close()
}
