// Package vcpu defines the per-core virtual CPU contract of the monitor and
// the factory that builds virtual CPUs.
//
// A virtual CPU is assembled in three steps. An Allocator provides the
// architecture-specific Base (vCPU fd, run structure, exit loop). A variant
// Constructor then binds its exit delegates to the base and enables the
// hardware features it needs, tagged TLBs in particular. The result is
// returned by Factory.Make as a VCPU that the caller owns until Close.
//
// Construction is all-or-nothing: Make either returns a vCPU in its
// variant's terminal State or an error, never something in between.
package vcpu

import (
	"context"
	"fmt"

	"github.com/bobuhiro11/govcpu/kvm"
)

// CoreID identifies a logical core / vCPU slot. Valid ids are
// [0, cores) of the factory that builds the vCPU.
type CoreID int

// CreationContext carries caller-defined construction parameters. It is
// forwarded to the variant constructor as is; neither the factory nor the
// base ever looks inside.
type CreationContext any

// EventContext is the opaque handle passed to a Delegate. Bases may hand
// out richer values; delegates that need more use a type assertion.
type EventContext interface {
	Core() CoreID
	Exit() kvm.ExitType
}

// Event is the minimal EventContext.
type Event struct {
	CoreID CoreID
	Class  kvm.ExitType
}

func (e Event) Core() CoreID       { return e.CoreID }
func (e Event) Exit() kvm.ExitType { return e.Class }

// Delegate handles one VM exit. It must deal with its own failures; the
// dispatcher neither recovers panics nor inspects results.
type Delegate func(ctx EventContext)

// Base is the capability set of the architecture-specific vCPU that
// variants build on.
type Base interface {
	ID() CoreID

	// AddEventDelegate appends d to the delegates of class. Registering the
	// same delegate twice makes it run twice per exit.
	AddEventDelegate(class kvm.ExitType, d Delegate) error

	// EnableAddressSpaceTagging turns on tagged TLBs (VPID/ASID) for this
	// vCPU. It fails with ErrFeatureUnavailable when the host lacks them
	// and is idempotent otherwise.
	EnableAddressSpaceTagging() error

	// Run enters the guest and handles exits until the vCPU stops or ctx
	// ends.
	Run(ctx context.Context) error

	// Close drops every delegate and releases the vCPU resources,
	// tagging state included.
	Close() error
}

// Allocator creates the Base for a core.
type Allocator interface {
	NewBase(id CoreID) (Base, error)
}

// VCPU is what every caller outside the factory sees of a virtual CPU.
type VCPU interface {
	ID() CoreID
	State() State

	// AddressSpaceTagged is the feature-state token. It never changes
	// after construction.
	AddressSpaceTagged() bool

	Run(ctx context.Context) error
	Close() error
}

// State is the construction progress of a vCPU.
type State int

const (
	Uninitialized State = iota
	DelegatesBound
	FeatureEnabled
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case DelegatesBound:
		return "DelegatesBound"
	case FeatureEnabled:
		return "FeatureEnabled"
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// NoCopy marks a struct that wraps hardware state and therefore must not
// be copied after first use. go vet's copylocks check reports copies of
// any struct holding a NoCopy field. Keep it in an unexported field.
type NoCopy struct{}

func (*NoCopy) Lock()   {}
func (*NoCopy) Unlock() {}
