package vcpu_test

import (
	"context"
	"errors"
	"testing"

	"github.com/bobuhiro11/govcpu/kvm"
	"github.com/bobuhiro11/govcpu/metrics"
	"github.com/bobuhiro11/govcpu/vcpu"
	"github.com/bobuhiro11/govcpu/vcpu/vcputest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testVariant = "factory-test"

// haltCPU is the smallest well-behaved variant: one halt delegate, then
// tagging.
type haltCPU struct {
	base   vcpu.Base
	state  vcpu.State
	halted int
}

func (c *haltCPU) ID() vcpu.CoreID               { return c.base.ID() }
func (c *haltCPU) State() vcpu.State             { return c.state }
func (c *haltCPU) AddressSpaceTagged() bool      { return c.state == vcpu.FeatureEnabled }
func (c *haltCPU) Run(ctx context.Context) error { return c.base.Run(ctx) }
func (c *haltCPU) Close() error                  { return c.base.Close() }

var errCtx = errors.New("creation context rejected")

func init() {
	vcpu.Register(testVariant, func(base vcpu.Base, cctx vcpu.CreationContext) (vcpu.VCPU, error) {
		if cctx == errCtx {
			return nil, errCtx
		}

		c := &haltCPU{base: base}
		if err := base.AddEventDelegate(kvm.EXITHLT, func(vcpu.EventContext) { c.halted++ }); err != nil {
			return nil, err
		}

		c.state = vcpu.DelegatesBound

		if err := base.EnableAddressSpaceTagging(); err != nil {
			return nil, err
		}

		c.state = vcpu.FeatureEnabled

		return c, nil
	})
}

func newFactory(t *testing.T, alloc *vcputest.Allocator, cores int) *vcpu.Factory {
	t.Helper()

	f, err := vcpu.NewFactory(testVariant, alloc, cores)
	require.NoError(t, err)

	return f
}

func TestMakeValidCores(t *testing.T) {
	t.Parallel()

	alloc := &vcputest.Allocator{}
	f := newFactory(t, alloc, 4)

	for id := vcpu.CoreID(0); id < 4; id++ {
		v, err := f.Make(id, nil)
		require.NoError(t, err)

		assert.Equal(t, id, v.ID())
		assert.Equal(t, vcpu.FeatureEnabled, v.State())
		assert.True(t, v.AddressSpaceTagged())
	}

	bases := alloc.Bases()
	require.Len(t, bases, 4)

	for _, b := range bases {
		assert.Equal(t, []string{"add:EXITHLT", "enable"}, b.Calls())
		assert.Equal(t, 1, b.Enables())
	}
}

func TestMakeInvalidCoreHasNoSideEffects(t *testing.T) {
	t.Parallel()

	for _, id := range []vcpu.CoreID{-1, 2, 1 << 20} {
		alloc := &vcputest.Allocator{}
		f := newFactory(t, alloc, 2)

		v, err := f.Make(id, nil)

		assert.Nil(t, v)
		require.ErrorIs(t, err, vcpu.ErrInvalidCore)
		assert.Empty(t, alloc.Bases(), "no base may be allocated for core %d", id)

		var verr *vcpu.Error
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, id, verr.Core)
	}
}

func TestMakeAllocationFailure(t *testing.T) {
	t.Parallel()

	cause := errors.New("out of vcpu slots")
	f := newFactory(t, &vcputest.Allocator{AllocErr: cause}, 1)

	v, err := f.Make(0, nil)

	assert.Nil(t, v)
	assert.ErrorIs(t, err, vcpu.ErrConstructionFailure)
	assert.ErrorIs(t, err, cause, "the collaborator's error is kept")
}

func TestMakeFeatureUnavailable(t *testing.T) {
	t.Parallel()

	alloc := &vcputest.Allocator{Untagged: true}
	f := newFactory(t, alloc, 1)

	v, err := f.Make(0, nil)

	assert.Nil(t, v)
	require.ErrorIs(t, err, vcpu.ErrFeatureUnavailable)
	assert.NotErrorIs(t, err, vcpu.ErrConstructionFailure)

	b := alloc.Bases()[0]
	assert.True(t, b.Closed(), "the partially built vcpu is unwound")
	assert.Equal(t, 0, b.Fire(kvm.EXITHLT), "no delegate survives the failed construction")
	assert.Equal(t, 1, b.Enables(), "the probe is not retried")
}

func TestMakeDelegateFailure(t *testing.T) {
	t.Parallel()

	cause := errors.New("dispatch table full")
	alloc := &vcputest.Allocator{AddErr: cause}
	f := newFactory(t, alloc, 1)

	_, err := f.Make(0, nil)

	require.ErrorIs(t, err, vcpu.ErrConstructionFailure)
	assert.ErrorIs(t, err, cause)

	b := alloc.Bases()[0]
	assert.Equal(t, 0, b.Enables(), "tagging is never enabled without bound delegates")
	assert.True(t, b.Closed())
}

func TestMakeForwardsCreationContext(t *testing.T) {
	t.Parallel()

	alloc := &vcputest.Allocator{}
	f := newFactory(t, alloc, 1)

	_, err := f.Make(0, errCtx)
	require.ErrorIs(t, err, errCtx)
	assert.True(t, alloc.Bases()[0].Closed())
}

func TestMakeCountsResults(t *testing.T) {
	f := newFactory(t, &vcputest.Allocator{}, 1)

	ok := metrics.VCPUConstructTotal.WithLabelValues(testVariant, metrics.ResultOK)
	invalid := metrics.VCPUConstructTotal.WithLabelValues(testVariant, metrics.ResultInvalidCore)
	okBefore, invalidBefore := testutil.ToFloat64(ok), testutil.ToFloat64(invalid)

	_, err := f.Make(0, nil)
	require.NoError(t, err)

	_, err = f.Make(7, nil)
	require.Error(t, err)

	assert.Equal(t, okBefore+1, testutil.ToFloat64(ok))
	assert.Equal(t, invalidBefore+1, testutil.ToFloat64(invalid))
}

func TestIndependentInstancesHaveDisjointDelegates(t *testing.T) {
	t.Parallel()

	alloc := &vcputest.Allocator{}
	f := newFactory(t, alloc, 1)

	first, err := f.Make(0, nil)
	require.NoError(t, err)

	second, err := f.Make(0, nil)
	require.NoError(t, err)

	bases := alloc.Bases()
	require.Len(t, bases, 2)

	bases[0].Fire(kvm.EXITHLT)

	assert.Equal(t, 1, first.(*haltCPU).halted)
	assert.Equal(t, 0, second.(*haltCPU).halted)
}

func TestNewFactoryErrors(t *testing.T) {
	t.Parallel()

	_, err := vcpu.NewFactory("no-such-variant", &vcputest.Allocator{}, 1)
	assert.ErrorIs(t, err, vcpu.ErrUnknownVariant)

	_, err = vcpu.NewFactory(testVariant, &vcputest.Allocator{}, 0)
	assert.ErrorIs(t, err, vcpu.ErrInvalidCore)

	_, err = vcpu.NewFactory(testVariant, nil, 1)
	assert.ErrorIs(t, err, vcpu.ErrConstructionFailure)
}

func TestRegister(t *testing.T) {
	t.Parallel()

	assert.Contains(t, vcpu.Variants(), testVariant)

	assert.Panics(t, func() {
		vcpu.Register(testVariant, func(vcpu.Base, vcpu.CreationContext) (vcpu.VCPU, error) { return nil, nil })
	})
	assert.Panics(t, func() { vcpu.Register("", nil) })
}

func TestErrorFormatting(t *testing.T) {
	t.Parallel()

	cause := errors.New("mmap: cannot allocate memory")
	err := vcpu.Fail("allocate", 3, cause)

	assert.EqualError(t, err, "vcpu 3: allocate: vcpu construction failed: mmap: cannot allocate memory")
	assert.ErrorIs(t, err, vcpu.ErrConstructionFailure)
	assert.ErrorIs(t, err, cause)

	feat := vcpu.Fail("enable", 1, vcpu.ErrFeatureUnavailable)
	assert.EqualError(t, feat, "vcpu 1: enable: hardware feature unavailable")
	assert.Same(t, feat, vcpu.Fail("construct", 1, feat), "an *Error passes through")
	assert.NoError(t, vcpu.Fail("noop", 0, nil))
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Uninitialized", vcpu.Uninitialized.String())
	assert.Equal(t, "DelegatesBound", vcpu.DelegatesBound.String())
	assert.Equal(t, "FeatureEnabled", vcpu.FeatureEnabled.String())
	assert.Equal(t, "State(9)", vcpu.State(9).String())
}
