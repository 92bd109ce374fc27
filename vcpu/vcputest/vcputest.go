// Package vcputest provides an in-memory vcpu.Allocator for tests that
// must not touch /dev/kvm.
package vcputest

import (
	"context"
	"sync"

	"github.com/bobuhiro11/govcpu/kvm"
	"github.com/bobuhiro11/govcpu/vcpu"
)

// Allocator hands out fake bases and remembers every one of them. It is
// safe for concurrent use.
type Allocator struct {
	// Untagged makes EnableAddressSpaceTagging fail with
	// vcpu.ErrFeatureUnavailable, like a host without VPID.
	Untagged bool

	// AllocErr is returned by NewBase when set.
	AllocErr error

	// AddErr is returned by AddEventDelegate when set.
	AddErr error

	mu    sync.Mutex
	bases []*Base
}

var _ vcpu.Allocator = (*Allocator)(nil)

// NewBase implements vcpu.Allocator.
func (a *Allocator) NewBase(id vcpu.CoreID) (vcpu.Base, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.AllocErr != nil {
		return nil, a.AllocErr
	}

	b := &Base{id: id, untagged: a.Untagged, addErr: a.AddErr}
	a.bases = append(a.bases, b)

	return b, nil
}

// Bases returns every base allocated so far, in allocation order.
func (a *Allocator) Bases() []*Base {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]*Base(nil), a.bases...)
}

// Base is a fake vcpu.Base that records the calls it receives.
type Base struct {
	id        vcpu.CoreID
	untagged  bool
	addErr    error
	delegates vcpu.Delegates

	mu      sync.Mutex
	calls   []string
	enables int
	tagged  bool
	closed  bool
}

var _ vcpu.Base = (*Base)(nil)

func (b *Base) record(call string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls = append(b.calls, call)
}

// ID implements vcpu.Base.
func (b *Base) ID() vcpu.CoreID { return b.id }

// AddEventDelegate implements vcpu.Base.
func (b *Base) AddEventDelegate(class kvm.ExitType, d vcpu.Delegate) error {
	b.record("add:" + class.String())

	if b.addErr != nil {
		return b.addErr
	}

	return b.delegates.Add(class, d)
}

// EnableAddressSpaceTagging implements vcpu.Base.
func (b *Base) EnableAddressSpaceTagging() error {
	b.record("enable")

	b.mu.Lock()
	defer b.mu.Unlock()

	b.enables++

	switch {
	case b.closed:
		return vcpu.ErrClosed
	case b.untagged:
		return vcpu.ErrFeatureUnavailable
	}

	b.tagged = true

	return nil
}

// Run implements vcpu.Base. The fake guest halts right away.
func (b *Base) Run(ctx context.Context) error {
	b.record("run")

	if err := ctx.Err(); err != nil {
		return err
	}

	b.Fire(kvm.EXITHLT)

	return nil
}

// Close implements vcpu.Base.
func (b *Base) Close() error {
	b.record("close")

	b.mu.Lock()
	defer b.mu.Unlock()

	b.delegates.Reset()
	b.tagged = false
	b.closed = true

	return nil
}

// Fire simulates one exit of class and returns how many delegates ran.
func (b *Base) Fire(class kvm.ExitType) int {
	return b.delegates.Dispatch(vcpu.Event{CoreID: b.id, Class: class})
}

// Calls returns the recorded calls, e.g. "add:EXITHLT", "enable", "close".
func (b *Base) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]string(nil), b.calls...)
}

// Enables returns how often EnableAddressSpaceTagging was called.
func (b *Base) Enables() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.enables
}

// Tagged reports whether tagging is currently latched on the fake hardware.
func (b *Base) Tagged() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.tagged
}

// Closed reports whether Close was called.
func (b *Base) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.closed
}

// Delegates returns the number of delegates registered for class.
func (b *Base) Delegates(class kvm.ExitType) int {
	return b.delegates.Len(class)
}
