package device

import (
	"sync/atomic"

	"github.com/bobuhiro11/govcpu/logger"
	"github.com/rs/zerolog"
)

// PostCodePort is the BIOS POST diagnostic port.
const PostCodePort = 0x80

// PostCodeDevice records the last POST code written by the guest.
type PostCodeDevice struct {
	log  zerolog.Logger
	last atomic.Uint32
}

func NewPostCodeDevice() *PostCodeDevice {
	return &PostCodeDevice{log: logger.WithComponent("postcode")}
}

func (p *PostCodeDevice) Read(port uint64, data []byte) error {
	if len(data) != 1 {
		return errDataLenInvalid
	}

	data[0] = byte(p.last.Load())

	return nil
}

func (p *PostCodeDevice) Write(port uint64, data []byte) error {
	if len(data) != 1 {
		return errDataLenInvalid
	}

	p.last.Store(uint32(data[0]))
	p.log.Debug().Uint8("code", data[0]).Msg("post code")

	return nil
}

func (p *PostCodeDevice) IOPort() uint64 {
	return PostCodePort
}

func (p *PostCodeDevice) Size() uint64 {
	return 0x1
}
