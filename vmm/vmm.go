// Package vmm brings a monitor up: it creates the machine, builds every
// core through the vcpu factory, loads the guest and runs it.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/bobuhiro11/govcpu/logger"
	"github.com/bobuhiro11/govcpu/machine"
	"github.com/bobuhiro11/govcpu/metrics"
	"github.com/bobuhiro11/govcpu/vcpu"
	"github.com/bobuhiro11/govcpu/vpid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrNoLoader is returned by Setup when the allocator cannot load images.
var ErrNoLoader = errors.New("allocator cannot load guest images")

// Config is the monitor configuration.
type Config struct {
	Dev       string
	Image     string
	NCPUs     int
	MemSize   int
	Variant   string
	Trace     bool
	SysfsRoot string

	// MetricsAddr, when set, serves /metrics while the guest runs.
	MetricsAddr string

	// Console receives the guest's serial output, os.Stdout when nil.
	Console io.Writer
}

// Loader is implemented by allocators that own guest memory.
type Loader interface {
	LoadImage(image io.Reader) error
	SingleStep(onoff bool) error
}

type VMM struct {
	Config

	alloc  vcpu.Allocator
	closer io.Closer
	cpus   []vcpu.VCPU
	log    zerolog.Logger
}

// New returns a monitor that allocates its cores from a machine built
// from c.
func New(c Config) *VMM {
	return &VMM{
		Config: c,
		log:    logger.WithComponent("vmm"),
	}
}

// NewWithAllocator returns a monitor that allocates its cores from alloc
// instead of creating a machine.
func NewWithAllocator(c Config, alloc vcpu.Allocator) *VMM {
	v := New(c)
	v.alloc = alloc

	return v
}

// Init creates the machine and constructs every core. Cores are built in
// parallel; if any of them fails, the ones already built are closed and
// the first error is returned, so Init leaves either all cores or none.
func (v *VMM) Init() error {
	if v.Variant == "" {
		v.Variant = vpid.Name
	}

	if v.alloc == nil {
		m, err := machine.New(machine.Config{
			Dev:       v.Dev,
			MemSize:   v.MemSize,
			Console:   v.Console,
			SysfsRoot: v.SysfsRoot,
		})
		if err != nil {
			return err
		}

		v.alloc, v.closer = m, m
	}

	f, err := vcpu.NewFactory(v.Variant, v.alloc, v.NCPUs)
	if err != nil {
		return errors.Join(err, v.Close())
	}

	cpus, err := MakeAll(f, v.NCPUs, &vpid.Options{Trace: v.Trace})
	if err != nil {
		return errors.Join(err, v.Close())
	}

	v.cpus = cpus

	v.log.Info().Str("variant", v.Variant).Int("cpus", v.NCPUs).Msg("cores constructed")

	return nil
}

// MakeAll builds cores [0, n) with m in parallel. It returns all of them or,
// after closing the ones that were built, the first error.
func MakeAll(m vcpu.Maker, n int, cctx vcpu.CreationContext) ([]vcpu.VCPU, error) {
	cpus := make([]vcpu.VCPU, n)

	var g errgroup.Group

	for i := 0; i < n; i++ {
		i := i

		g.Go(func() error {
			c, err := m.Make(vcpu.CoreID(i), cctx)
			if err != nil {
				return err
			}

			cpus[i] = c

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, c := range cpus {
			if c != nil {
				_ = c.Close()
			}
		}

		return nil, err
	}

	return cpus, nil
}

// Cores returns the constructed cores, indexed by core id.
func (v *VMM) Cores() []vcpu.VCPU {
	return v.cpus
}

// Setup loads the guest image and arms single-stepping when tracing.
func (v *VMM) Setup() error {
	l, ok := v.alloc.(Loader)
	if !ok {
		return ErrNoLoader
	}

	img, err := os.Open(v.Image)
	if err != nil {
		return err
	}
	defer img.Close()

	if err := l.LoadImage(img); err != nil {
		return fmt.Errorf("loading %s: %w", v.Image, err)
	}

	if err := l.SingleStep(v.Trace); err != nil {
		return fmt.Errorf("setting trace to %v:%w", v.Trace, err)
	}

	return nil
}

// Boot runs every core on its own goroutine until all of them halt. The
// first core to fail stops the others, as does the end of ctx.
func (v *VMM) Boot(ctx context.Context) error {
	if v.MetricsAddr != "" {
		mctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})

		go func() {
			defer close(done)

			if err := metrics.Serve(mctx, v.MetricsAddr); err != nil {
				v.log.Error().Err(err).Str("addr", v.MetricsAddr).Msg("metrics listener")
			}
		}()

		defer func() {
			cancel()
			<-done
		}()
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, c := range v.cpus {
		c := c

		v.log.Info().Int("core", int(c.ID())).Int("cpus", len(v.cpus)).Msg("start cpu")

		g.Go(func() error {
			if err := c.Run(gctx); err != nil {
				return fmt.Errorf("cpu %d: %w", c.ID(), err)
			}

			v.log.Info().Int("core", int(c.ID())).Msg("cpu exits")

			return nil
		})
	}

	return g.Wait()
}

// Close releases every core, then the machine.
func (v *VMM) Close() error {
	errs := make([]error, 0, len(v.cpus)+1)

	for _, c := range v.cpus {
		errs = append(errs, c.Close())
	}

	v.cpus = nil

	if v.closer != nil {
		errs = append(errs, v.closer.Close())
		v.closer = nil
	}

	return errors.Join(errs...)
}
