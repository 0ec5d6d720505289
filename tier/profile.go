package tier

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/go-logr/logr"
)

var (
	profileLower = []byte("prof:")
	profileUpper = []byte("prof;")
)

const (
	profileKeyLen   = 5 + 8 + len(CodeHash{})
	profileValueLen = 8 + 8 + 4
)

// ProfileEntry is the persisted execution count of one block entry. A zero
// Hash means the entry was hot but never compiled, so its code extent is
// unknown.
type ProfileEntry struct {
	EntryRIP  uint64
	Hash      CodeHash
	Count     uint64
	CodePAddr uint64
	ByteLen   uint32
}

// ProfileStore persists hot-block execution counts between runs so that a
// later run can queue compile requests before the blocks warm up again.
type ProfileStore struct {
	db  *pebble.DB
	log logr.Logger
}

// ProfileOption configures a ProfileStore.
type ProfileOption func(*profileOptions)

type profileOptions struct {
	pebble *pebble.Options
	log    logr.Logger
}

// WithPebbleOptions overrides the options passed to pebble.Open.
func WithPebbleOptions(o *pebble.Options) ProfileOption {
	return func(p *profileOptions) {
		p.pebble = o
	}
}

// WithProfileLogger sets the logger for open, save and clear events.
func WithProfileLogger(l logr.Logger) ProfileOption {
	return func(p *profileOptions) {
		p.log = l
	}
}

// OpenProfileStore opens or creates the profile database at path.
func OpenProfileStore(path string, opts ...ProfileOption) (*ProfileStore, error) {
	o := profileOptions{pebble: &pebble.Options{}, log: logr.Discard()}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := pebble.Open(path, o.pebble)
	if err != nil {
		return nil, fmt.Errorf("open profile %s: %w", path, err)
	}
	o.log.Info("profile opened", "path", path)

	return &ProfileStore{db: db, log: o.log}, nil
}

// Close closes the database.
func (p *ProfileStore) Close() error {
	return p.db.Close()
}

func profileKey(rip uint64, hash CodeHash) []byte {
	key := make([]byte, 0, profileKeyLen)
	key = append(key, profileLower...)
	key = binary.BigEndian.AppendUint64(key, rip)
	return append(key, hash[:]...)
}

func encodeProfileValue(e ProfileEntry) []byte {
	v := make([]byte, profileValueLen)
	binary.LittleEndian.PutUint64(v[0:], e.Count)
	binary.LittleEndian.PutUint64(v[8:], e.CodePAddr)
	binary.LittleEndian.PutUint32(v[16:], e.ByteLen)
	return v
}

func decodeProfileEntry(key, value []byte) (ProfileEntry, error) {
	if len(key) != profileKeyLen || len(value) != profileValueLen {
		return ProfileEntry{}, fmt.Errorf("malformed profile record %x", key)
	}
	e := ProfileEntry{
		EntryRIP:  binary.BigEndian.Uint64(key[len(profileLower):]),
		Count:     binary.LittleEndian.Uint64(value[0:]),
		CodePAddr: binary.LittleEndian.Uint64(value[8:]),
		ByteLen:   binary.LittleEndian.Uint32(value[16:]),
	}
	copy(e.Hash[:], key[len(profileLower)+8:])
	return e, nil
}

// Get returns the entry for rip compiled from code with the given hash.
func (p *ProfileStore) Get(rip uint64, hash CodeHash) (ProfileEntry, bool, error) {
	key := profileKey(rip, hash)
	value, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return ProfileEntry{}, false, nil
	}
	if err != nil {
		return ProfileEntry{}, false, fmt.Errorf("read profile: %w", err)
	}
	defer closer.Close()

	e, err := decodeProfileEntry(key, value)
	if err != nil {
		return ProfileEntry{}, false, err
	}
	return e, true, nil
}

// Merge adds the counts of entries to the stored ones in a single batch.
// Code extents are replaced by the merged values.
func (p *ProfileStore) Merge(entries []ProfileEntry) error {
	batch := p.db.NewBatch()
	defer batch.Close()

	for _, e := range entries {
		old, ok, err := p.Get(e.EntryRIP, e.Hash)
		if err != nil {
			return err
		}
		if ok {
			e.Count += old.Count
		}
		if err := batch.Set(profileKey(e.EntryRIP, e.Hash), encodeProfileValue(e), nil); err != nil {
			return fmt.Errorf("stage profile entry: %w", err)
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit profile: %w", err)
	}
	p.log.Info("profile saved", "entries", len(entries))
	return nil
}

// Entries returns every stored entry, hottest first.
func (p *ProfileStore) Entries() ([]ProfileEntry, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: profileLower,
		UpperBound: profileUpper,
	})
	if err != nil {
		return nil, fmt.Errorf("iterate profile: %w", err)
	}
	defer iter.Close()

	var out []ProfileEntry
	for iter.First(); iter.Valid(); iter.Next() {
		e, err := decodeProfileEntry(iter.Key(), iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate profile: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Count > out[j].Count
	})
	return out, nil
}

// Hot returns the entries executed at least threshold times, hottest first.
func (p *ProfileStore) Hot(threshold uint64) ([]ProfileEntry, error) {
	all, err := p.Entries()
	if err != nil {
		return nil, err
	}
	n := sort.Search(len(all), func(i int) bool { return all[i].Count < threshold })
	return all[:n], nil
}

// Clear deletes every entry.
func (p *ProfileStore) Clear() error {
	if err := p.db.DeleteRange(profileLower, profileUpper, pebble.Sync); err != nil {
		return fmt.Errorf("clear profile: %w", err)
	}
	p.log.Info("profile cleared")
	return nil
}
