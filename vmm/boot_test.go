package vmm_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bobuhiro11/govcpu/vmm"
	"github.com/bobuhiro11/govcpu/vpid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootOnKVM(t *testing.T) {
	t.Parallel()

	// mov dx, 0x3f8; mov al, 'A'; out dx, al; hlt
	img := filepath.Join(t.TempDir(), "hello.bin")
	require.NoError(t, os.WriteFile(img, []byte{0xba, 0xf8, 0x03, 0xb0, 'A', 0xee, 0xf4}, 0o644))

	var out bytes.Buffer

	v := vmm.New(vmm.Config{
		Image:   img,
		NCPUs:   2,
		MemSize: 1 << 20,
		Variant: vpid.BasicName,
		Console: &out,
	})

	err := v.Init()
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		t.Skipf("Skipping test since /dev/kvm is not usable: %v", err)
	}

	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, v.Close()) })

	require.NoError(t, v.Setup())
	require.NoError(t, v.Boot(context.Background()))

	assert.Equal(t, "AA", out.String())
}
