package vcpu

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bobuhiro11/govcpu/logger"
	"github.com/bobuhiro11/govcpu/metrics"
	"github.com/rs/zerolog"
)

// Constructor builds a variant on top of base. On error the factory closes
// base, so a constructor must not close it itself. cctx is the caller's
// CreationContext, untouched.
type Constructor func(base Base, cctx CreationContext) (VCPU, error)

// Maker is the construction authority seen by monitor start-up code.
type Maker interface {
	Make(id CoreID, cctx CreationContext) (VCPU, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register makes a variant available under name. Variants call it from
// init. It panics if name is empty, taken, or ctor is nil.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if name == "" || ctor == nil {
		panic("vcpu: Register needs a name and a constructor")
	}

	if _, dup := registry[name]; dup {
		panic("vcpu: Register called twice for variant " + name)
	}

	registry[name] = ctor
}

// Variants returns the registered variant names, sorted.
func Variants() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Factory builds vCPUs of one variant for a fixed number of cores.
type Factory struct {
	variant string
	ctor    Constructor
	alloc   Allocator
	cores   int
	log     zerolog.Logger
}

var _ Maker = (*Factory)(nil)

// NewFactory returns a factory for variant that allocates bases from alloc
// and accepts core ids in [0, cores).
func NewFactory(variant string, alloc Allocator, cores int) (*Factory, error) {
	registryMu.RLock()
	ctor, ok := registry[variant]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrUnknownVariant, variant, Variants())
	}

	if alloc == nil {
		return nil, fmt.Errorf("%w: nil allocator", ErrConstructionFailure)
	}

	if cores <= 0 {
		return nil, fmt.Errorf("%w: need at least one core, have %d", ErrInvalidCore, cores)
	}

	return &Factory{
		variant: variant,
		ctor:    ctor,
		alloc:   alloc,
		cores:   cores,
		log:     logger.WithComponent("vcpu").With().Str("variant", variant).Logger(),
	}, nil
}

// Variant returns the name of the variant the factory builds.
func (f *Factory) Variant() string { return f.variant }

// Cores returns the number of valid core ids.
func (f *Factory) Cores() int { return f.cores }

// Make builds one vCPU for core id and transfers its ownership to the
// caller, who must Close it. An out-of-range id fails with ErrInvalidCore
// before anything is allocated. Any later failure closes what was built
// and returns an *Error; no partially constructed vCPU ever escapes.
func (f *Factory) Make(id CoreID, cctx CreationContext) (VCPU, error) {
	v, err := f.make(id, cctx)

	metrics.VCPUConstructTotal.WithLabelValues(f.variant, resultLabel(err)).Inc()

	if err != nil {
		f.log.Error().Err(err).Int("core", int(id)).Msg("vcpu construction failed")

		return nil, err
	}

	f.log.Debug().
		Int("core", int(id)).
		Stringer("state", v.State()).
		Bool("tagged", v.AddressSpaceTagged()).
		Msg("vcpu constructed")

	return v, nil
}

func (f *Factory) make(id CoreID, cctx CreationContext) (VCPU, error) {
	if id < 0 || int(id) >= f.cores {
		return nil, &Error{
			Op:   "make",
			Core: id,
			Kind: ErrInvalidCore,
			Err:  fmt.Errorf("core %d outside [0, %d)", id, f.cores),
		}
	}

	base, err := f.alloc.NewBase(id)
	if err != nil {
		return nil, &Error{Op: "allocate", Core: id, Kind: ErrConstructionFailure, Err: err}
	}

	if base == nil {
		return nil, &Error{Op: "allocate", Core: id, Kind: ErrConstructionFailure}
	}

	v, err := f.ctor(base, cctx)
	if err == nil && v == nil {
		err = fmt.Errorf("variant %s returned no vcpu", f.variant)
	}

	if err != nil {
		if cerr := base.Close(); cerr != nil {
			f.log.Warn().Err(cerr).Int("core", int(id)).Msg("closing base after failed construction")
		}

		return nil, Fail("construct", id, err)
	}

	return v, nil
}
