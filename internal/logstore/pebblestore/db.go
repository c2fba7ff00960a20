package pebblestore

import (
	"errors"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// FsyncMode defines durability behavior for appends.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways syncs the WAL on every committed append.
	FsyncModeAlways
	// FsyncModeInterval lets Pebble coalesce WAL syncs within FsyncInterval.
	FsyncModeInterval
	// FsyncModeNever never forces a WAL sync. Telemetry written in the last
	// moments before a crash may be lost.
	FsyncModeNever
)

// ParseFsyncMode maps a config string to a FsyncMode. The empty string maps
// to FsyncModeUnspecified.
func ParseFsyncMode(s string) (FsyncMode, error) {
	switch s {
	case "":
		return FsyncModeUnspecified, nil
	case "always":
		return FsyncModeAlways, nil
	case "interval":
		return FsyncModeInterval, nil
	case "never":
		return FsyncModeNever, nil
	}
	return FsyncModeUnspecified, errors.New("pebblestore: fsync must be one of always, interval, never")
}

// Options configures the Pebble engine.
type Options struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	// FS overrides the filesystem. vfs.NewMem() gives a purely in-memory store.
	FS vfs.FS
	// Fsync determines when to sync the WAL.
	Fsync FsyncMode
	// FsyncInterval controls group-commit when Fsync=FsyncModeInterval.
	FsyncInterval time.Duration
}

// db wraps a Pebble database with the configured fsync policy.
type db struct {
	inner     *pebble.DB
	writeSync bool
}

func openDB(opts Options) (*db, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebblestore: Options.DataDir is required")
	}

	po := &pebble.Options{}
	if opts.FS != nil {
		po.FS = opts.FS
	}

	switch opts.Fsync {
	case FsyncModeAlways:
		// Sync on every commit, see commit.
	case FsyncModeInterval:
		interval := opts.FsyncInterval
		if interval <= 0 {
			interval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return interval }
	case FsyncModeNever:
	default:
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
	}

	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, err
	}
	return &db{
		inner:     inner,
		writeSync: opts.Fsync == FsyncModeAlways,
	}, nil
}

func (d *db) close() error {
	return d.inner.Close()
}

// commit commits b with the configured fsync policy.
func (d *db) commit(b *pebble.Batch) error {
	mode := pebble.NoSync
	if d.writeSync {
		mode = pebble.Sync
	}
	return b.Commit(mode)
}

// get copies the value for key. A missing key returns (nil, false, nil).
func (d *db) get(key []byte) ([]byte, bool, error) {
	val, closer, err := d.inner.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), true, nil
}

func (d *db) newIter(lower, upper []byte) (*pebble.Iterator, error) {
	return d.inner.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
}
