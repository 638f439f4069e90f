package archive

import (
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

const (
	// storeSyncInterval is the interval between WAL syncs.
	storeSyncInterval = 100 * time.Millisecond

	// payloadPrefix keys the archived proof payloads.
	payloadPrefix = "payload/"

	// entryPrefix keys the flatbuffers index records.
	entryPrefix = "entry/"
)

// localStore is the durable local half of the archive, backed by Pebble.
// Writes are non-blocking (NoSync); a background goroutine periodically
// syncs the WAL so a crash loses at most the last sync window.
type localStore struct {
	db       *pebble.DB    // db is the underlying Pebble database
	stopSync chan struct{} // stopSync signals the sync goroutine to stop
	wg       sync.WaitGroup
}

// openLocalStore opens (or creates) the local archive at path.
func openLocalStore(path string) (*localStore, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(16 << 20), // 16 MB cache
		MemTableSize:                8 << 20,                   // 8 MB memtable
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open archive store:\n%w", err)
	}

	s := &localStore{
		db:       db,
		stopSync: make(chan struct{}),
	}

	s.startSyncLoop()

	return s, nil
}

// putPayload stores a compressed proof payload under its object name.
func (s *localStore) putPayload(objectName string, payload []byte) error {
	return s.db.Set([]byte(payloadPrefix+objectName), payload, pebble.NoSync)
}

// getPayload retrieves a stored payload, or nil if absent.
func (s *localStore) getPayload(objectName string) ([]byte, error) {
	value, closer, err := s.db.Get([]byte(payloadPrefix + objectName))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// putEntry stores an index record under its object name.
func (s *localStore) putEntry(objectName string, record []byte) error {
	return s.db.Set([]byte(entryPrefix+objectName), record, pebble.NoSync)
}

// getEntry retrieves an index record, or nil if absent.
func (s *localStore) getEntry(objectName string) ([]byte, error) {
	value, closer, err := s.db.Get([]byte(entryPrefix + objectName))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// iterateEntries calls fn for every index record.
func (s *localStore) iterateEntries(fn func(record []byte) error) error {
	prefix := []byte(entryPrefix)

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: []byte(entryPrefix + "\xff"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// Close stops the sync goroutine and closes the database after a final
// sync.
func (s *localStore) Close() error {
	close(s.stopSync)
	s.wg.Wait()

	if err := s.sync(); err != nil {
		return err
	}

	return s.db.Close()
}

// startSyncLoop starts the background WAL sync goroutine.
func (s *localStore) startSyncLoop() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(storeSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync to disk.
func (s *localStore) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}
