// Package irootdb implements the canonical, hash-indexed, persisted store
// of iRoot events and iRoots (spec.md §3, §4.3): the candidate database the
// predictor populates and the active scheduler reads from.
package irootdb

import (
	"cmp"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/joeycumines/go-idiomscan/internal/sinfo"
)

// EventKind is one of the four dynamic access kinds an iRoot event names.
type EventKind int

const (
	MemRead EventKind = iota
	MemWrite
	MutexLock
	MutexUnlock
)

// EventID and IRootID are stable, persisted ids (spec.md §6.2).
type EventID uint32
type IRootID uint32

// Idiom is the structural shape of an iRoot — spec.md §3 / GLOSSARY,
// idioms 1 through 5.
type Idiom int

const (
	Idiom1 Idiom = 1 // a single pair A -> B between two threads
	Idiom2 Idiom = 2 // A; (remote C); B, A and B same thread
	Idiom3 Idiom = 3 // two nested pairs, same memory location
	Idiom4 Idiom = 4 // two nested pairs, two memory locations
	Idiom5 Idiom = 5 // deadlock-shaped, reversed timing
)

// EventCount returns the number of events an iRoot of this idiom carries,
// per spec.md §3: "idiom 1 -> 2, idiom 2 -> 3, idioms 3/4/5 -> 4".
func (i Idiom) EventCount() int {
	switch i {
	case Idiom1:
		return 2
	case Idiom2:
		return 3
	case Idiom3, Idiom4, Idiom5:
		return 4
	default:
		return 0
	}
}

// Event is one canonical (inst, kind) record, deduplicated across the
// whole run.
type Event struct {
	ID   EventID
	Inst sinfo.InstID
	Kind EventKind
}

// IRoot is an ordered sequence of events forming one of the five idioms.
// For idioms 3-5, events[0:2] are the "outer" pair and events[2:4] the
// "inner" pair (spec.md §3's invariant).
type IRoot struct {
	ID             IRootID
	Idiom          Idiom
	Events         []EventID
	SrcCount       int
	DstCount       int
	CountPairValid bool
}

// eventKey is the map key for events; iRoots are keyed by the string
// irootBucketKey builds. Both are exact keys into Go maps, so a lookup
// needs no bucket scan: a map hit is always the same (inst, kind) or
// (idiom, events) tuple.
type eventKey struct {
	inst sinfo.InstID
	kind EventKind
}

// DB is the iRoot database: hash-indexed canonical stores of events and
// iRoots, safe for concurrent use from the observer and predictor, both of
// which may be invoked from different instrumentation-callback threads
// under spec.md §5's kernel_lock — this type additionally guards itself so
// it can also be used directly by offline tooling outside that lock.
type DB struct {
	mu sync.Mutex

	eventsByKey map[eventKey]*Event
	events      map[EventID]*Event
	nextEventID EventID

	irootsByKey map[string]*IRoot
	iroots      map[IRootID]*IRoot
	nextIRootID IRootID
}

// New returns an empty iRoot database.
func New() *DB {
	return &DB{
		eventsByKey: make(map[eventKey]*Event),
		events:      make(map[EventID]*Event),
		irootsByKey: make(map[string]*IRoot),
		iroots:      make(map[IRootID]*IRoot),
		nextEventID: 1,
		nextIRootID: 1,
	}
}

// GetEvent returns the canonical event for (inst, kind), creating it if
// this is the first time the pair has been seen (spec.md §4.3).
func (db *DB) GetEvent(inst sinfo.InstID, kind EventKind) *Event {
	db.mu.Lock()
	defer db.mu.Unlock()
	key := eventKey{inst: inst, kind: kind}
	if e, ok := db.eventsByKey[key]; ok {
		return e
	}
	e := &Event{ID: db.nextEventID, Inst: inst, Kind: kind}
	db.nextEventID++
	db.eventsByKey[key] = e
	db.events[e.ID] = e
	return e
}

// FindEvent looks up a previously created event by id.
func (db *DB) FindEvent(id EventID) (*Event, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.events[id]
	return e, ok
}

// irootBucketKey builds the deduplication key for (idiom, events...):
// events are part of the identity in order, since spec.md §3 defines an
// iRoot as idiom plus an *ordered* list of events.
func irootBucketKey(idiom Idiom, eventIDs []EventID) string {
	buf := make([]byte, 0, 1+4*len(eventIDs))
	buf = append(buf, byte(idiom))
	for _, id := range eventIDs {
		buf = append(buf, byte(id), byte(id>>8), byte(id>>16), byte(id>>24))
	}
	return string(buf)
}

// GetIRoot returns the canonical iRoot for (idiom, events...), creating it
// if absent. Two calls with identical arguments return the same *IRoot
// (pointer-equal), per spec.md §8's testable property.
func (db *DB) GetIRoot(idiom Idiom, eventIDs []EventID, srcCount, dstCount int, countPairValid bool) *IRoot {
	db.mu.Lock()
	defer db.mu.Unlock()

	key := irootBucketKey(idiom, eventIDs)
	if r, ok := db.irootsByKey[key]; ok {
		return r
	}
	r := &IRoot{
		ID:             db.nextIRootID,
		Idiom:          idiom,
		Events:         append([]EventID(nil), eventIDs...),
		SrcCount:       srcCount,
		DstCount:       dstCount,
		CountPairValid: countPairValid,
	}
	db.nextIRootID++
	db.irootsByKey[key] = r
	db.iroots[r.ID] = r
	return r
}

// FindIRoot looks up a previously created iRoot by id.
func (db *DB) FindIRoot(id IRootID) (*IRoot, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.iroots[id]
	return r, ok
}

// Count returns the number of unique (idiom, events) argument tuples ever
// seen — the testable property from spec.md §8 ("the DB's iroot count is
// the number of unique argument tuples ever seen").
func (db *DB) Count() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.iroots)
}

// All returns every iRoot in id order, for persistence or iteration by the
// memo store.
func (db *DB) All() []*IRoot {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]*IRoot, 0, len(db.iroots))
	for _, r := range db.iroots {
		out = append(out, r)
	}
	sortIRoots(out)
	return out
}

// AllEvents returns every event in id order.
func (db *DB) AllEvents() []*Event {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]*Event, 0, len(db.events))
	for _, e := range db.events {
		out = append(out, e)
	}
	sortEvents(out)
	return out
}

func sortIRoots(s []*IRoot) {
	slices.SortFunc(s, func(a, b *IRoot) int { return cmp.Compare(a.ID, b.ID) })
}

func sortEvents(s []*Event) {
	slices.SortFunc(s, func(a, b *Event) int { return cmp.Compare(a.ID, b.ID) })
}
