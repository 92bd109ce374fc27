package kvm_test

import (
	"testing"
	"unsafe"

	"github.com/bobuhiro11/govcpu/kvm"
)

func TestIoctlEncoding(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		have uintptr
		want uintptr
	}{
		{name: "Run", have: kvm.IIO(0x80), want: 44672},
		{name: "CreateVCPU", have: kvm.IIO(0x41), want: 44609},
		{name: "GetRegs", have: kvm.IIOR(0x81, unsafe.Sizeof(kvm.Regs{})), want: 0x8090ae81},
		{name: "SetRegs", have: kvm.IIOW(0x82, unsafe.Sizeof(kvm.Regs{})), want: 0x4090ae82},
		{name: "GetSregs", have: kvm.IIOR(0x83, unsafe.Sizeof(kvm.Sregs{})), want: 0x8138ae83},
		{name: "SetSregs", have: kvm.IIOW(0x84, unsafe.Sizeof(kvm.Sregs{})), want: 0x4138ae84},
		{
			name: "SetUserMemoryRegion",
			have: kvm.IIOW(0x46, unsafe.Sizeof(kvm.UserspaceMemoryRegion{})),
			want: 1075883590,
		},
		{name: "GetSupportedCPUID", have: kvm.IIOWR(0x05, 8), want: 0xc008ae05},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			if test.have != test.want {
				t.Errorf("have: %#x, want: %#x", test.have, test.want)
			}
		})
	}
}

func TestRunDataLayout(t *testing.T) {
	t.Parallel()

	run := kvm.RunData{}

	if off := unsafe.Offsetof(run.ExitReason); off != 8 {
		t.Errorf("ExitReason at %d, want 8", off)
	}

	if off := unsafe.Offsetof(run.Data); off != 32 {
		t.Errorf("Data at %d, want 32", off)
	}
}

func TestRunDataIO(t *testing.T) {
	t.Parallel()

	run := kvm.RunData{ExitReason: uint32(kvm.EXITIO)}
	run.Data[0] = 1<<32 | 0x3f8<<16 | 1<<8 | kvm.EXITIOOUT
	run.Data[1] = 0x1000

	direction, size, port, count, offset := run.IO()

	if direction != kvm.EXITIOOUT || size != 1 || port != 0x3f8 || count != 1 || offset != 0x1000 {
		t.Fatalf("unexpected decode: %d %d %#x %d %#x", direction, size, port, count, offset)
	}

	if run.Exit() != kvm.EXITIO {
		t.Fatalf("have %v, want %v", run.Exit(), kvm.EXITIO)
	}
}
