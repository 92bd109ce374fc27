package flag

import (
	"github.com/alecthomas/kong"
)

// CLI is the kong model of the command line.
type CLI struct {
	Config   kong.ConfigFlag `help:"YAML file with flag values; flags given on the command line win."`
	LogLevel string          `name:"log-level" default:"info" enum:"trace,debug,info,warn,error" help:"Log level."`

	Boot  BootCMD  `cmd:"" help:"Boot a flat real-mode image on every core."`
	Probe ProbeCMD `cmd:"" help:"Report KVM capabilities and tagged-TLB support."`
}

type BootCMD struct {
	Dev         string `short:"D" default:"/dev/kvm" help:"path of kvm device"`
	Image       string `short:"i" required:"" type:"existingfile" help:"flat real-mode image, loaded at 0x1000"`
	NCPUs       int    `name:"cpus" short:"c" default:"1" help:"number of cpus"`
	MemSize     string `name:"memory" short:"m" default:"16M" help:"memory size: as number[gGmM], optional units, defaults to M"`
	Variant     string `default:"vpid" enum:"${variants}" help:"vcpu variant: ${variants}"`
	Trace       bool   `short:"T" help:"single-step the guest and log every instruction"`
	Sysfs       string `default:"/sys" help:"sysfs mount point"`
	MetricsAddr string `name:"metrics-addr" help:"serve Prometheus metrics on this address while the guest runs"`
	Profile     string `default:"" enum:",cpu,mem,block,mutex,goroutine,trace,clock" help:"write a profile of the monitor"`
	ProfilePath string `name:"profile-path" default:"." type:"path" help:"directory for profile output"`
}

type ProbeCMD struct {
	Dev   string `short:"D" default:"/dev/kvm" help:"path of kvm device"`
	Sysfs string `default:"/sys" help:"sysfs mount point"`
}
