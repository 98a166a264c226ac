package codestore

import (
	"errors"
	"fmt"
	"time"

	"github.com/inoxlang/tjit/internal/target"
	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"
)

const (
	DEFAULT_OPEN_TIMEOUT = time.Second
	STORE_FILE_PERM      = 0o600

	LOG_SRC = "codestore"
)

var (
	ErrInvalidRecord  = errors.New("invalid compiled method record")
	ErrReadOnlyStore  = errors.New("code store is opened in read-only mode")
	ErrDuplicateEntry = errors.New("a record with the same ID is already stored")

	recordsBucket  = []byte("methods")
	byMethodBucket = []byte("by-method")
)

type Config struct {
	Path     string
	ReadOnly bool

	// Timeout is the time to wait for the file lock held by another process.
	Timeout time.Duration
	Logger  zerolog.Logger
}

// A Store persists the records of compiled methods in a bbolt file. Records are keyed by the ID of
// the compiled method, an index bucket groups the IDs by method.
type Store struct {
	db       *bbolt.DB
	path     string
	readOnly bool
	logger   zerolog.Logger
}

func Open(config Config) (*Store, error) {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DEFAULT_OPEN_TIMEOUT
	}

	db, err := bbolt.Open(config.Path, STORE_FILE_PERM, &bbolt.Options{
		Timeout:  timeout,
		ReadOnly: config.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open code store %s: %w", config.Path, err)
	}

	if !config.ReadOnly {
		err = db.Update(func(tx *bbolt.Tx) error {
			if _, err := tx.CreateBucketIfNotExists(recordsBucket); err != nil {
				return err
			}
			_, err := tx.CreateBucketIfNotExists(byMethodBucket)
			return err
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize code store %s: %w", config.Path, err)
		}
	}

	store := &Store{
		db:       db,
		path:     config.Path,
		readOnly: config.ReadOnly,
		logger:   config.Logger.With().Str("component", LOG_SRC).Logger(),
	}
	store.logger.Debug().Str("path", config.Path).Bool("read-only", config.ReadOnly).Msg("code store opened")
	return store, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	s.logger.Debug().Str("path", s.path).Msg("close code store")
	return s.db.Close()
}

// Put stores the record of a compiled method.
func (s *Store) Put(m *target.CompiledMethod) (Record, error) {
	record := NewRecord(m)
	return record, s.PutRecord(record)
}

func (s *Store) PutRecord(record Record) error {
	if s.readOnly {
		return ErrReadOnlyStore
	}
	if err := record.Validate(); err != nil {
		return err
	}
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(recordsBucket)
		key := []byte(record.ID)
		if records.Get(key) != nil {
			return fmt.Errorf("%w: %s", ErrDuplicateEntry, record.ID)
		}
		if err := records.Put(key, data); err != nil {
			return err
		}

		methodIDs, err := tx.Bucket(byMethodBucket).CreateBucketIfNotExists([]byte(record.Method))
		if err != nil {
			return err
		}
		return methodIDs.Put(key, []byte(record.Kind))
	})
	if err != nil {
		return err
	}

	s.logger.Debug().Str("id", record.ID).Str("method", record.Method).Int("code-size", len(record.Code)).Msg("record stored")
	return nil
}

// Get returns the record with the given ID.
func (s *Store) Get(id string) (Record, bool, error) {
	var (
		record Record
		found  bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		records := tx.Bucket(recordsBucket)
		if records == nil {
			return nil
		}
		data := records.Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true

		var err error
		record, err = decodeRecord(data)
		return err
	})
	return record, found, err
}

// ForEach calls fn for each record, in the order of the IDs: the compilation order. The iteration
// stops at the first error returned by fn.
func (s *Store) ForEach(fn func(record Record) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		records := tx.Bucket(recordsBucket)
		if records == nil {
			return nil
		}
		return records.ForEach(func(k, v []byte) error {
			record, err := decodeRecord(v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			return fn(record)
		})
	})
}

func (s *Store) List() ([]Record, error) {
	var list []Record
	err := s.ForEach(func(record Record) error {
		list = append(list, record)
		return nil
	})
	return list, err
}

// Methods returns the names of the methods having at least one record.
func (s *Store) Methods() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		byMethod := tx.Bucket(byMethodBucket)
		if byMethod == nil {
			return nil
		}
		return byMethod.ForEach(func(k, v []byte) error {
			if v == nil { //nested bucket
				names = append(names, string(k))
			}
			return nil
		})
	})
	return names, err
}

// ByMethod returns the records of a method, oldest first.
func (s *Store) ByMethod(method string) ([]Record, error) {
	var list []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		byMethod := tx.Bucket(byMethodBucket)
		if byMethod == nil {
			return nil
		}
		methodIDs := byMethod.Bucket([]byte(method))
		if methodIDs == nil {
			return nil
		}
		records := tx.Bucket(recordsBucket)

		return methodIDs.ForEach(func(k, _ []byte) error {
			data := records.Get(k)
			if data == nil {
				return fmt.Errorf("%w: %s is indexed but not stored", ErrInvalidRecord, k)
			}
			record, err := decodeRecord(data)
			if err != nil {
				return err
			}
			list = append(list, record)
			return nil
		})
	})
	return list, err
}

// Delete removes a record, it returns false if there is no record with the given ID.
func (s *Store) Delete(id string) (bool, error) {
	if s.readOnly {
		return false, ErrReadOnlyStore
	}

	deleted := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(recordsBucket)
		key := []byte(id)
		data := records.Get(key)
		if data == nil {
			return nil
		}
		record, err := decodeRecord(data)
		if err != nil {
			return err
		}
		if err := records.Delete(key); err != nil {
			return err
		}
		deleted = true

		byMethod := tx.Bucket(byMethodBucket)
		methodIDs := byMethod.Bucket([]byte(record.Method))
		if methodIDs == nil {
			return nil
		}
		if err := methodIDs.Delete(key); err != nil {
			return err
		}
		if k, _ := methodIDs.Cursor().First(); k == nil {
			return byMethod.DeleteBucket([]byte(record.Method))
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

func (s *Store) Len() (int, error) {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		if records := tx.Bucket(recordsBucket); records != nil {
			count = records.Stats().KeyN
		}
		return nil
	})
	return count, err
}
