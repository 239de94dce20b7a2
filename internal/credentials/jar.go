package credentials

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"
)

// ErrNoSession is returned by Jar.Get when nothing is saved for the user.
var ErrNoSession = errors.New("no saved session")

// Jar persists exported browser sessions keyed by user. Entries expire after
// the configured TTL so stale cookies are not replayed forever.
type Jar struct {
	db  *badger.DB
	ttl time.Duration
}

func OpenJar(dir string, ttl time.Duration) (*Jar, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	return openJar(opts, ttl)
}

// OpenMemoryJar keeps sessions in memory only.
func OpenMemoryJar(ttl time.Duration) (*Jar, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return openJar(opts, ttl)
}

func openJar(opts badger.Options, ttl time.Duration) (*Jar, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open session jar: %w", err)
	}
	return &Jar{db: db, ttl: ttl}, nil
}

func sessionKey(userID string) []byte {
	return []byte("session/" + userID)
}

func (j *Jar) Put(userID string, data []byte) error {
	return j.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(sessionKey(userID), data)
		if j.ttl > 0 {
			e = e.WithTTL(j.ttl)
		}
		return txn.SetEntry(e)
	})
}

func (j *Jar) Get(userID string) ([]byte, error) {
	var value []byte
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(userID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNoSession
			}
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (j *Jar) Delete(userID string) error {
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(userID))
	})
}

func (j *Jar) Close() error {
	return j.db.Close()
}
