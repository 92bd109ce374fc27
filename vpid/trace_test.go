package vpid

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bobuhiro11/govcpu/kvm"
	"github.com/bobuhiro11/govcpu/vcpu"
	"github.com/bobuhiro11/govcpu/vcpu/vcputest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

type stepContext struct {
	code []byte
	rip  uint64
	err  error
}

func (stepContext) Core() vcpu.CoreID  { return 0 }
func (stepContext) Exit() kvm.ExitType { return kvm.EXITDEBUG }

func (s stepContext) Inst() (*x86asm.Inst, *kvm.Regs, string, error) {
	if s.err != nil {
		return nil, nil, "", s.err
	}

	inst, err := x86asm.Decode(s.code, 64)
	if err != nil {
		return nil, nil, "", err
	}

	regs := &kvm.Regs{RIP: s.rip}

	return &inst, regs, x86asm.GNUSyntax(inst, s.rip, nil), nil
}

func newTraced(t *testing.T, buf *bytes.Buffer) *VCPU {
	t.Helper()

	l := zerolog.New(buf)

	base, err := (&vcputest.Allocator{}).NewBase(0)
	require.NoError(t, err)

	v, err := New(base, &Options{Trace: true, Logger: &l})
	require.NoError(t, err)

	return v.(*VCPU)
}

func TestStepLogsInstruction(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	v := newTraced(t, &buf)
	v.onStep(stepContext{code: []byte{0xf4}, rip: 0x1000})

	assert.Contains(t, buf.String(), `"inst":"hlt"`)
	assert.Contains(t, buf.String(), `"rip":"0x1000"`)
}

func TestStepLogsDecodeFailure(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	v := newTraced(t, &buf)
	v.onStep(stepContext{err: errors.New("rip not mapped")})

	assert.Contains(t, buf.String(), "rip not mapped")
}

func TestOptionsOf(t *testing.T) {
	t.Parallel()

	assert.True(t, optionsOf(&Options{Trace: true}).Trace)
	assert.True(t, optionsOf(Options{Trace: true}).Trace)
	assert.False(t, optionsOf((*Options)(nil)).Trace)
	assert.False(t, optionsOf("trace").Trace)
	assert.False(t, optionsOf(nil).Trace)
}
