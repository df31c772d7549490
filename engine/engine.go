package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/logstore/cache"
	"github.com/leftmike/logstore/device"
	"github.com/leftmike/logstore/journal"
	"github.com/leftmike/logstore/store"
)

var (
	ErrClosed = errors.New("engine: store closed")
)

// Store binds a cache and a journal over one device: transactions read and
// mutate extents through the cache, and Commit makes their records durable
// through the journal before publishing their effects.
type Store struct {
	dev    device.Device
	logger *log.Logger
	cache  *cache.Cache
	jrnl   *journal.Journal

	// mutex serializes commits so that journal order matches publication
	// order.
	mutex  sync.Mutex
	closed bool
}

func makeStore(dev device.Device, logger *log.Logger) *Store {
	return &Store{
		dev:    dev,
		logger: logger,
		cache:  cache.MakeCache(dev, logger),
		jrnl:   journal.MakeJournal(dev, logger, journal.MakeSequentialProvider(dev.Config())),
	}
}

// MkFS initializes a fresh store on dev: a new journal with a new store
// identity and an empty committed root. The device must not already hold a
// store.
func MkFS(ctx context.Context, dev device.Device, logger *log.Logger) (*Store, error) {
	s := makeStore(dev, logger)
	err := s.jrnl.Create(ctx)
	if err != nil {
		return nil, err
	}

	txn := s.Begin()
	s.cache.InitRoot(txn)
	ok, err := s.Commit(ctx, txn)
	if err != nil {
		return nil, err
	}
	if !ok {
		panic("engine: initial root commit conflicted")
	}

	s.logger.WithField("store", s.jrnl.StoreID().String()).Info("store created")
	return s, nil
}

// Mount opens the store on dev, replaying the journal through the cache to
// rebuild the committed state.
func Mount(ctx context.Context, dev device.Device, logger *log.Logger) (*Store, error) {
	s := makeStore(dev, logger)
	err := s.jrnl.Open(ctx,
		func(recordStart store.Paddr, d store.Delta) error {
			return s.cache.ReplayDelta(ctx, recordStart, d)
		})
	if err != nil {
		return nil, err
	}

	s.logger.WithField("store", s.jrnl.StoreID().String()).Info("store mounted")
	return s, nil
}

// StoreID identifies the store; it is generated by MkFS and recovered from
// the device by Mount.
func (s *Store) StoreID() uuid.UUID {
	return s.jrnl.StoreID()
}

// Cache exposes the extent cache for reads, allocations, and mutations
// within transactions begun by Begin.
func (s *Store) Cache() *cache.Cache {
	return s.cache
}

func (s *Store) Begin() *cache.Transaction {
	return s.cache.Begin()
}

// Commit makes txn durable and publishes its effects. It returns false with
// a nil error when txn lost a conflict; the caller must discard txn and
// retry from scratch.
func (s *Store) Commit(ctx context.Context, txn *cache.Transaction) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return false, ErrClosed
	}

	rec, err := s.cache.TryConstructRecord(txn)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}

	recordStart, err := s.jrnl.SubmitRecord(ctx, rec)
	if err != nil {
		return false, err
	}
	s.cache.CompleteCommit(txn, recordStart)
	return true, nil
}

func (s *Store) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.closed = true

	err := s.jrnl.Close()
	cerr := s.cache.Close()
	if err != nil {
		return err
	}
	return cerr
}
