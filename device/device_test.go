package device_test

import (
	"bytes"
	"testing"

	"github.com/bobuhiro11/govcpu/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusRouting(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	post := device.NewPostCodeDevice()

	bus, err := device.NewBus(
		device.NewConsole(&out),
		post,
		&device.NoopDevice{Port: 0x70, Psize: 2},
	)
	require.NoError(t, err)

	for _, c := range []byte("hi\n") {
		require.NoError(t, bus.Out(device.COM1Addr, []byte{c}))
	}

	assert.Equal(t, "hi\n", out.String())

	lsr := []byte{0}
	require.NoError(t, bus.In(device.COM1Addr+5, lsr))
	assert.Equal(t, byte(0x60), lsr[0])

	require.NoError(t, bus.Out(device.PostCodePort, []byte{0x42}))

	code := []byte{0}
	require.NoError(t, bus.In(device.PostCodePort, code))
	assert.Equal(t, byte(0x42), code[0])

	cmos := []byte{0xff}
	require.NoError(t, bus.In(0x71, cmos))
	assert.Equal(t, byte(0), cmos[0])

	assert.ErrorIs(t, bus.In(0x72, cmos), device.ErrNoDevice)
	assert.ErrorIs(t, bus.Out(0x3f7, cmos), device.ErrNoDevice)
}

func TestBusConflict(t *testing.T) {
	t.Parallel()

	bus, err := device.NewBus(&device.NoopDevice{Port: 0x3f0, Psize: 0x10})
	require.NoError(t, err)

	assert.ErrorIs(t, bus.Register(device.NewConsole(&bytes.Buffer{})), device.ErrPortConflict)
	assert.NoError(t, bus.Register(&device.NoopDevice{Port: 0x400, Psize: 1}))
}

func TestConsoleSkipsNonDataRegisters(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	c := device.NewConsole(&out)

	require.NoError(t, c.Write(device.COM1Addr+3, []byte{0x03}))
	assert.Zero(t, out.Len())

	assert.Error(t, c.Write(device.COM1Addr, []byte{'a', 'b'}))
}

func TestPostCodeDataSize(t *testing.T) {
	t.Parallel()

	p := device.NewPostCodeDevice()

	assert.Error(t, p.Write(device.PostCodePort, []byte{1, 2}))
	assert.Equal(t, uint64(device.PostCodePort), p.IOPort())
	assert.Equal(t, uint64(1), p.Size())
}
