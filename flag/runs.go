package flag

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/govcpu/logger"
	"github.com/bobuhiro11/govcpu/probe"
	"github.com/bobuhiro11/govcpu/vcpu"
	"github.com/bobuhiro11/govcpu/vmm"
	"github.com/pkg/profile"
)

const (
	programName = "govcpu"
	programDesc = "govcpu is a small Linux KVM monitor that builds one VPID-tagged vCPU per core"
)

// defaultConfigs are read, when present, before the --config file.
var defaultConfigs = []string{"/etc/govcpu.yaml", "~/.config/govcpu.yaml"}

func newParser(c *CLI, options ...kong.Option) (*kong.Kong, error) {
	options = append([]kong.Option{
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.Configuration(YAML, defaultConfigs...),
		kong.Vars{"variants": strings.Join(vcpu.Variants(), ",")},
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
	}, options...)

	return kong.New(c, options...)
}

func Parse() error {
	c := CLI{}

	parser, err := newParser(&c)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	logger.Configure(logger.Config{Level: c.LogLevel})

	return ctx.Run()
}

func (d *ProbeCMD) Run() error {
	return probe.Report(os.Stdout, d.Dev, d.Sysfs)
}

// config converts the flags to a monitor configuration.
func (s *BootCMD) config() (vmm.Config, error) {
	memSize, err := ParseSize(s.MemSize, "m")
	if err != nil {
		return vmm.Config{}, err
	}

	return vmm.Config{
		Dev:         s.Dev,
		Image:       s.Image,
		NCPUs:       s.NCPUs,
		MemSize:     memSize,
		Variant:     s.Variant,
		Trace:       s.Trace,
		SysfsRoot:   s.Sysfs,
		MetricsAddr: s.MetricsAddr,
	}, nil
}

func profileMode(name string) func(*profile.Profile) {
	switch name {
	case "cpu":
		return profile.CPUProfile
	case "mem":
		return profile.MemProfile
	case "block":
		return profile.BlockProfile
	case "mutex":
		return profile.MutexProfile
	case "goroutine":
		return profile.GoroutineProfile
	case "trace":
		return profile.TraceProfile
	case "clock":
		return profile.ClockProfile
	}

	return nil
}

func (s *BootCMD) Run() (err error) {
	c, err := s.config()
	if err != nil {
		return err
	}

	if mode := profileMode(s.Profile); mode != nil {
		defer profile.Start(mode, profile.ProfilePath(s.ProfilePath), profile.NoShutdownHook, profile.Quiet).Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v := vmm.New(c)

	if err := v.Init(); err != nil {
		return err
	}

	defer func() {
		if cerr := v.Close(); err == nil {
			err = cerr
		}
	}()

	if err := v.Setup(); err != nil {
		return err
	}

	return v.Boot(ctx)
}
