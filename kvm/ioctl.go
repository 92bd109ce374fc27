package kvm

import (
	"golang.org/x/sys/unix"
)

// ioctl request encoding, see include/uapi/asm-generic/ioctl.h.
const (
	kvmIO = 0xAE

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | kvmIO<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

// IIO encodes an ioctl without a payload.
func IIO(nr uintptr) uintptr {
	return ioc(iocNone, nr, 0)
}

// IIOR encodes an ioctl that reads size bytes from the kernel.
func IIOR(nr, size uintptr) uintptr {
	return ioc(iocRead, nr, size)
}

// IIOW encodes an ioctl that writes size bytes to the kernel.
func IIOW(nr, size uintptr) uintptr {
	return ioc(iocWrite, nr, size)
}

// IIOWR encodes an ioctl that both writes and reads size bytes.
func IIOWR(nr, size uintptr) uintptr {
	return ioc(iocRead|iocWrite, nr, size)
}

// Ioctl issues op on fd. The call is restarted when a signal interrupts it,
// so callers never see EINTR.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
		if errno == unix.EINTR {
			continue
		}

		if errno != 0 {
			return res, errno
		}

		return res, nil
	}
}
