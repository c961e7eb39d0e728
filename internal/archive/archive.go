// Package archive persists accepted candidates per search session in BadgerDB
// so a frontier can be rebuilt after srdesk exits.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/kingrea/srdesk/internal/results"
)

// ErrUnknownSession is returned by Load for a session never begun.
var ErrUnknownSession = errors.New("archive: unknown session")

const (
	sessionPrefix   = "s/"
	candidatePrefix = "c/"
	sequencePrefix  = "q/"

	sequenceBandwidth = 256
)

// SessionInfo describes one StartAll run.
type SessionInfo struct {
	ID         string    `json:"id"`
	Started    time.Time `json:"started"`
	Workers    int       `json:"workers"`
	Executable string    `json:"executable,omitempty"`
}

// Store wraps a Badger database.
type Store struct {
	db *badger.DB

	mu   sync.Mutex
	seqs map[string]*badger.Sequence
}

// Open opens (or creates) the archive at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	return open(opts)
}

// OpenInMemory opens a throwaway archive, used when archiving is disabled
// on disk and by tests.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	return open(opts)
}

func open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("archive: open badger: %w", err)
	}
	return &Store{db: db, seqs: map[string]*badger.Sequence{}}, nil
}

// Close releases sequences and closes the database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	var errs []error
	for key, seq := range s.seqs {
		if err := seq.Release(); err != nil {
			errs = append(errs, fmt.Errorf("archive: release %s: %w", key, err))
		}
	}
	s.seqs = map[string]*badger.Sequence{}
	s.mu.Unlock()
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("archive: close: %w", err))
	}
	return errors.Join(errs...)
}

// BeginSession records a new session.
func (s *Store) BeginSession(info SessionInfo) error {
	info.ID = strings.TrimSpace(info.ID)
	if info.ID == "" {
		return errors.New("archive: session id required")
	}
	if info.Started.IsZero() {
		info.Started = time.Now().UTC()
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("archive: encode session: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(sessionPrefix+info.ID), payload)
	})
}

// Append stores accepted candidates of one worker in arrival order.
func (s *Store) Append(session string, worker int, candidates []results.Candidate) error {
	if len(candidates) == 0 {
		return nil
	}
	seq, err := s.sequence(session)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, c := range candidates {
			n, err := seq.Next()
			if err != nil {
				return fmt.Errorf("archive: next sequence: %w", err)
			}
			payload, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("archive: encode candidate: %w", err)
			}
			if err := txn.Set(candidateKey(session, worker, n), payload); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load returns every candidate archived for session, grouped by worker and
// in arrival order within a worker.
func (s *Store) Load(session string) ([]results.Candidate, error) {
	var out []results.Candidate
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(sessionPrefix + session)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrUnknownSession
			}
			return err
		}
		prefix := []byte(candidatePrefix + session + "/")
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var c results.Candidate
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			}); err != nil {
				return fmt.Errorf("archive: decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Sessions lists archived sessions, newest first.
func (s *Store) Sessions() ([]SessionInfo, error) {
	var out []SessionInfo
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(sessionPrefix)
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var info SessionInfo
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &info)
			}); err != nil {
				return fmt.Errorf("archive: decode session: %w", err)
			}
			out = append(out, info)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Started.After(out[j].Started)
	})
	return out, nil
}

func (s *Store) sequence(session string) (*badger.Sequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq, ok := s.seqs[session]; ok {
		return seq, nil
	}
	seq, err := s.db.GetSequence([]byte(sequencePrefix+session), sequenceBandwidth)
	if err != nil {
		return nil, fmt.Errorf("archive: sequence for %s: %w", session, err)
	}
	s.seqs[session] = seq
	return seq, nil
}

func candidateKey(session string, worker int, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%04d/%020d", candidatePrefix, session, worker, seq))
}
