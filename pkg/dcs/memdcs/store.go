// Package memdcs is an in-memory consensus store implementing the dcs
// interface. One Store is shared by any number of session-scoped
// clients, which makes it possible to script whole-cluster scenarios in
// tests: concurrent lease races, session expiry, partitions and store
// outages all become direct method calls.
package memdcs

import (
	"path"
	"strings"
	"sync"

	"github.com/dd0wney/cluso-deadman/pkg/dcs"
)

type entry struct {
	data       []byte
	generation uint64
	ephemeral  bool
	session    string
}

type watcher struct {
	path    string
	session string
	ch      chan dcs.Event
}

// Store is the shared hierarchical namespace. Entries are keyed by full
// path; watches fire for any change directly under the watched path.
type Store struct {
	entries     map[string]*entry
	watchers    []*watcher
	unavailable bool
	mu          sync.Mutex
}

// NewStore creates an empty in-memory store
func NewStore() *Store {
	return &Store{
		entries: make(map[string]*entry),
	}
}

// SetUnavailable toggles simulated store outage. While unavailable,
// every client operation fails with ErrConsensusUnavailable.
func (s *Store) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = down
}

// expireSessionLocked removes every ephemeral entry owned by the
// session and detaches its watchers. Caller holds s.mu.
func (s *Store) expireSessionLocked(session string) {
	var touched []string
	for p, e := range s.entries {
		if e.ephemeral && e.session == session {
			delete(s.entries, p)
			touched = append(touched, p)
		}
	}

	kept := s.watchers[:0]
	for _, w := range s.watchers {
		if w.session == session {
			close(w.ch)
			continue
		}
		kept = append(kept, w)
	}
	s.watchers = kept

	for _, p := range touched {
		s.notifyLocked(p)
	}
}

// notifyLocked wakes watchers of the changed path's parent (children
// watches) and of the path itself (lease watches). Sends are
// non-blocking: the consumer re-reads the full snapshot anyway, so
// coalescing dropped events is safe.
func (s *Store) notifyLocked(changed string) {
	parent := path.Dir(changed)
	for _, w := range s.watchers {
		switch w.path {
		case parent:
			select {
			case w.ch <- dcs.Event{Type: dcs.EventChildrenChanged, Path: changed}:
			default:
			}
		case changed:
			select {
			case w.ch <- dcs.Event{Type: dcs.EventLeaseChanged, Path: changed}:
			default:
			}
		}
	}
}

func (s *Store) childrenLocked(parent string) dcs.Snapshot {
	snap := make(dcs.Snapshot)
	prefix := parent + "/"
	for p, e := range s.entries {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if strings.Contains(rest, "/") {
			continue
		}
		data := make([]byte, len(e.data))
		copy(data, e.data)
		snap[rest] = data
	}
	return snap
}
