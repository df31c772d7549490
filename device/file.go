package device

import (
	"context"
	"fmt"
	"os"

	"github.com/ncw/directio"
	"golang.org/x/sys/unix"
)

type fileRW struct {
	f         *os.File
	direct    bool
	blockSize int
}

// MakeFileDevice returns a device backed by a single flat file. With direct
// set, the file is opened with O_DIRECT and all transfers go through aligned
// buffers.
func MakeFileDevice(path string, cfg Config, direct bool) (Device, error) {
	err := cfg.check()
	if err != nil {
		return nil, err
	}
	if direct && cfg.BlockSize%directio.BlockSize != 0 {
		return nil, fmt.Errorf("device: block size %d not usable with direct io", cfg.BlockSize)
	}

	var f *os.File
	if direct {
		f, err = directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	} else {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	}
	if err != nil {
		return nil, fmt.Errorf("device: %s: %s", path, err)
	}
	err = unix.Ftruncate(int(f.Fd()), cfg.Size)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("device: %s: %s", path, err)
	}

	return makeDevice(cfg,
		&fileRW{
			f:         f,
			direct:    direct,
			blockSize: cfg.BlockSize,
		}), nil
}

func (frw *fileRW) readAt(ctx context.Context, off int64, buf []byte) error {
	if frw.direct {
		if off%int64(frw.blockSize) != 0 || len(buf)%frw.blockSize != 0 {
			return fmt.Errorf("%w: direct read at %d length %d", ErrBadWrite, off, len(buf))
		}
		aligned := directio.AlignedBlock(len(buf))
		_, err := frw.f.ReadAt(aligned, off)
		if err != nil {
			return fmt.Errorf("device: read at %d: %s", off, err)
		}
		copy(buf, aligned)
		return nil
	}

	_, err := frw.f.ReadAt(buf, off)
	if err != nil {
		return fmt.Errorf("device: read at %d: %s", off, err)
	}
	return nil
}

func (frw *fileRW) writeAt(ctx context.Context, off int64, data []byte) error {
	if frw.direct {
		padded := len(data)
		if padded%frw.blockSize != 0 {
			padded += frw.blockSize - padded%frw.blockSize
		}
		aligned := directio.AlignedBlock(padded)
		copy(aligned, data)
		_, err := frw.f.WriteAt(aligned, off)
		if err != nil {
			return fmt.Errorf("device: write at %d: %s", off, err)
		}
		return nil
	}

	_, err := frw.f.WriteAt(data, off)
	if err != nil {
		return fmt.Errorf("device: write at %d: %s", off, err)
	}
	return nil
}

func (frw *fileRW) sync(ctx context.Context) error {
	return frw.f.Sync()
}

func (frw *fileRW) close() error {
	return frw.f.Close()
}
