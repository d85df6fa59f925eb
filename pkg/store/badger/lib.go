// Package badger is the local event store on badger: raw events under a
// monotonic serial, time ordered indexes by kind, author, author and kind,
// and e and p tag values, plus user records and lists.
package badger

import (
	"os"
	"sync"

	"github.com/Hubmakerlabs/feedr/pkg/slog"
	"github.com/Hubmakerlabs/feedr/pkg/store"
	"github.com/dgraph-io/badger/v4"
	"github.com/fiatjaf/generic-ristretto/z"
)

var log, chk = slog.New(os.Stderr)

var _ store.Store = (*Backend)(nil)

type Backend struct {
	Path string
	// InMemory keeps everything in memory, Path is ignored.
	InMemory bool
	// ScanCeiling is the number of matching events a query counts at most.
	ScanCeiling int
	// DB is the badger db interface
	*badger.DB
	// seq is the monotonic collision free index for raw event storage.
	seq *badger.Sequence
	// authorLocks serialise the read-compare-write of replaceable events,
	// striped by author.
	authorLocks [authorLockCount]sync.Mutex
}

const authorLockCount = 64

func (b *Backend) lockAuthor(pubkey string) (unlock func()) {
	mx := &b.authorLocks[z.MemHashString(pubkey)%authorLockCount]
	mx.Lock()
	return mx.Unlock
}

// New returns a backend storing its files under path.
func New(path string) *Backend {
	return &Backend{Path: path, ScanCeiling: store.DefaultScanCeiling}
}

// NewInMemory returns a backend that keeps nothing on disk.
func NewInMemory() *Backend {
	return &Backend{InMemory: true, ScanCeiling: store.DefaultScanCeiling}
}

func (b *Backend) Init() (err error) {
	opts := badger.DefaultOptions(b.Path)
	if b.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = logger{Level: slog.Warn, Label: "badger"}
	log.D.Ln("opening badger event store at", b.Path)
	if b.DB, err = badger.Open(opts); chk.E(err) {
		return
	}
	if b.seq, err = b.DB.GetSequence([]byte("events"), 1000); chk.E(err) {
		return
	}
	if err = b.runMigrations(); chk.E(err) {
		return log.E.Err("error running migrations: %w; %s", err, b.Path)
	}
	if b.ScanCeiling <= 0 {
		b.ScanCeiling = store.DefaultScanCeiling
	}
	return
}

func (b *Backend) Close() {
	if b.DB == nil {
		return
	}
	chk.E(b.seq.Release())
	chk.E(b.DB.Close())
	b.DB = nil
}

func (b *Backend) ready() error {
	if b.DB == nil {
		return store.ErrNotInitialized
	}
	return nil
}

// serial returns a new value of the event sequence.
func (b *Backend) serial() (s ser, err error) {
	var n uint64
	if n, err = b.seq.Next(); chk.E(err) {
		return
	}
	return serialOf(n), nil
}
