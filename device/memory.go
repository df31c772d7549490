package device

import (
	"context"
)

type memoryRW struct {
	buf []byte
}

// MakeMemoryDevice returns an ephemeral in-memory device; useful for tests
// and throwaway stores.
func MakeMemoryDevice(cfg Config) (Device, error) {
	err := cfg.check()
	if err != nil {
		return nil, err
	}
	return makeDevice(cfg, &memoryRW{buf: make([]byte, cfg.Size)}), nil
}

func (mrw *memoryRW) readAt(ctx context.Context, off int64, buf []byte) error {
	copy(buf, mrw.buf[off:])
	return nil
}

func (mrw *memoryRW) writeAt(ctx context.Context, off int64, data []byte) error {
	copy(mrw.buf[off:], data)
	return nil
}

func (mrw *memoryRW) sync(ctx context.Context) error {
	return nil
}

func (mrw *memoryRW) close() error {
	mrw.buf = nil
	return nil
}
