package machine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bobuhiro11/govcpu/kvm"
	"github.com/bobuhiro11/govcpu/vcpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeParam(t *testing.T, root, module, param, value string) {
	t.Helper()

	dir := filepath.Join(root, "module", module, "parameters")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, param), []byte(value), 0o644))
}

func TestHostTagging(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name     string
		setup    func(t *testing.T, root string)
		vmx, svm bool
		want     string
	}{
		{
			name:  "intel vpid on",
			setup: func(t *testing.T, root string) { writeParam(t, root, "kvm_intel", "vpid", "Y\n") },
			vmx:   true,
			want:  TaggingVPID,
		},
		{
			name:  "intel vpid off",
			setup: func(t *testing.T, root string) { writeParam(t, root, "kvm_intel", "vpid", "N\n") },
			vmx:   true,
		},
		{
			name:  "kvm_intel not loaded",
			setup: func(*testing.T, string) {},
			vmx:   true,
		},
		{
			name:  "amd",
			setup: func(t *testing.T, root string) { writeParam(t, root, "kvm_amd", "npt", "Y\n") },
			svm:   true,
			want:  TaggingASID,
		},
		{
			name:  "kvm_amd not loaded",
			setup: func(*testing.T, string) {},
			svm:   true,
		},
		{
			name:  "no virtualization",
			setup: func(t *testing.T, root string) { writeParam(t, root, "kvm_intel", "vpid", "Y\n") },
		},
	} {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			root := t.TempDir()
			tt.setup(t, root)

			got, err := hostTagging(root, "TestVendor", tt.vmx, tt.svm)
			if tt.want == "" {
				assert.ErrorIs(t, err, vcpu.ErrFeatureUnavailable)
				assert.Empty(t, got)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMode(t *testing.T) {
	t.Parallel()

	var realMode, prot32 kvm.Sregs

	prot32.CR0 = cr0PE
	prot32.CS.DB = 1

	long := prot32
	long.CS.L = 1

	assert.Equal(t, 16, mode(&realMode))
	assert.Equal(t, 32, mode(&prot32))
	assert.Equal(t, 64, mode(&long))
}
