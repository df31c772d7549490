package device

import (
	"context"
	"os"

	"github.com/cockroachdb/pebble"
	log "github.com/sirupsen/logrus"
)

type pebbleRW struct {
	db        *pebble.DB
	blockSize int
}

// MakePebbleDevice returns a device that keeps its blocks in a pebble
// database, one key per block.
func MakePebbleDevice(dataDir string, cfg Config, logger *log.Logger) (Device, error) {
	err := cfg.check()
	if err != nil {
		return nil, err
	}

	os.MkdirAll(dataDir, 0755)

	db, err := pebble.Open(dataDir, &pebble.Options{Logger: logger})
	if err != nil {
		return nil, err
	}

	return makeDevice(cfg,
		&pebbleRW{
			db:        db,
			blockSize: cfg.BlockSize,
		}), nil
}

func (prw *pebbleRW) readAt(ctx context.Context, off int64, buf []byte) error {
	var err error
	forEachBlock(off, len(buf), prw.blockSize,
		func(blockOff int64, bufAt, cnt int) {
			if err != nil {
				return
			}
			val, closer, gerr := prw.db.Get(blockKey(blockOff, prw.blockSize))
			if gerr == pebble.ErrNotFound {
				return
			} else if gerr != nil {
				err = gerr
				return
			}
			copy(buf[bufAt:bufAt+cnt], val[off+int64(bufAt)-blockOff:])
			closer.Close()
		})
	return err
}

func (prw *pebbleRW) writeAt(ctx context.Context, off int64, data []byte) error {
	batch := prw.db.NewBatch()

	var err error
	forEachBlock(off, len(data), prw.blockSize,
		func(blockOff int64, dataAt, cnt int) {
			if err != nil {
				return
			}
			val := make([]byte, prw.blockSize)
			copy(val[off+int64(dataAt)-blockOff:], data[dataAt:dataAt+cnt])
			err = batch.Set(blockKey(blockOff, prw.blockSize), val, nil)
		})
	if err != nil {
		batch.Close()
		return err
	}
	return batch.Commit(pebble.NoSync)
}

func (prw *pebbleRW) sync(ctx context.Context) error {
	return prw.db.Flush()
}

func (prw *pebbleRW) close() error {
	return prw.db.Close()
}
