package device

import (
	"context"
	"os"

	"github.com/dgraph-io/badger"
	log "github.com/sirupsen/logrus"
)

type badgerRW struct {
	db        *badger.DB
	blockSize int
}

// MakeBadgerDevice returns a device that keeps its blocks in a badger
// database, one key per block.
func MakeBadgerDevice(dataDir string, cfg Config, logger *log.Logger) (Device, error) {
	err := cfg.check()
	if err != nil {
		return nil, err
	}

	os.MkdirAll(dataDir, 0755)

	opts := badger.DefaultOptions(dataDir)
	opts = opts.WithBypassLockGuard(true)
	opts = opts.WithLogger(logger)
	opts = opts.WithSyncWrites(false)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return makeDevice(cfg,
		&badgerRW{
			db:        db,
			blockSize: cfg.BlockSize,
		}), nil
}

func (brw *badgerRW) readAt(ctx context.Context, off int64, buf []byte) error {
	tx := brw.db.NewTransaction(false)
	defer tx.Discard()

	var err error
	forEachBlock(off, len(buf), brw.blockSize,
		func(blockOff int64, bufAt, cnt int) {
			if err != nil {
				return
			}
			item, ierr := tx.Get(blockKey(blockOff, brw.blockSize))
			if ierr == badger.ErrKeyNotFound {
				return
			} else if ierr != nil {
				err = ierr
				return
			}
			err = item.Value(
				func(val []byte) error {
					copy(buf[bufAt:bufAt+cnt], val[off+int64(bufAt)-blockOff:])
					return nil
				})
		})
	return err
}

func (brw *badgerRW) writeAt(ctx context.Context, off int64, data []byte) error {
	tx := brw.db.NewTransaction(true)

	var err error
	forEachBlock(off, len(data), brw.blockSize,
		func(blockOff int64, dataAt, cnt int) {
			if err != nil {
				return
			}
			val := make([]byte, brw.blockSize)
			copy(val[off+int64(dataAt)-blockOff:], data[dataAt:dataAt+cnt])
			err = tx.Set(blockKey(blockOff, brw.blockSize), val)
		})
	if err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit()
}

func (brw *badgerRW) sync(ctx context.Context) error {
	return brw.db.Sync()
}

func (brw *badgerRW) close() error {
	return brw.db.Close()
}
