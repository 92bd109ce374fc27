package probe

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/bobuhiro11/govcpu/kvm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintCPUID(t *testing.T) {
	t.Parallel()

	var c kvm.CPUID

	c.Nent = 2
	c.Entries[0] = kvm.CPUIDEntry2{Function: 0, Eax: 0xd, Ebx: 0x756e6547}
	c.Entries[1] = kvm.CPUIDEntry2{Function: kvm.CPUIDSignature, Index: 0}

	var buf bytes.Buffer

	printCPUID(&buf, &c)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "0x756e6547")
	assert.Contains(t, lines[2], "0x40000000")
}

func TestHost(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	Host(&buf)

	assert.Contains(t, buf.String(), "vmx: ")
	assert.Contains(t, buf.String(), "svm: ")
}

func TestTaggingWithoutModules(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	require.NoError(t, Tagging(&buf, t.TempDir()))
	assert.Contains(t, buf.String(), "address space tagging: unavailable")
}

func TestReport(t *testing.T) {
	t.Parallel()

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("Skipping test since /dev/kvm is not usable: %v", err)
	}

	var buf bytes.Buffer

	err := Report(&buf, "/dev/kvm", "/sys")
	if os.IsPermission(err) {
		t.Skipf("Skipping test since /dev/kvm is not usable: %v", err)
	}

	require.NoError(t, err)
	assert.Contains(t, buf.String(), kvm.CapUserMemory.String())
	assert.Contains(t, buf.String(), "vmx vpid control: ")
}
