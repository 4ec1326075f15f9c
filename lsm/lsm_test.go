package lsm

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealdisk/cache"
	"sealdisk/file"
	"sealdisk/seal"
	"sealdisk/sstable"
	"sealdisk/utils"
	"sealdisk/utils/cmp"
	"sealdisk/utils/errs"
)

type fixture struct {
	store     *seal.Store
	versions  *seal.Counter
	manifests []*Manifest
	failNext  bool
}

func newFixture(t *testing.T) *fixture {
	sealer, err := seal.NewSealer(bytes.Repeat([]byte{9}, 32), seal.DomainIndex)
	require.NoError(t, err)
	return &fixture{
		store:    seal.NewStore(file.NewBlockStore(file.NewMemDevice(4096)), sealer),
		versions: seal.NewCounter(0),
	}
}

func (f *fixture) options() Options {
	return Options{
		MemTableSize: 1 << 14,
		Cache:        cache.NewCache(64),
		Checkpoint: func(m *Manifest) error {
			if f.failNext {
				f.failNext = false
				return errors.Wrap(errs.ErrIO, "injected")
			}
			f.manifests = append(f.manifests, m)
			return nil
		},
	}
}

func (f *fixture) open(t *testing.T) *LSM {
	return NewLSM(f.store, f.versions, f.options())
}

func (f *fixture) lastManifest() *Manifest {
	if len(f.manifests) == 0 {
		return &Manifest{NextRunID: 1}
	}
	return f.manifests[len(f.manifests)-1]
}

func key(i int) []byte {
	return []byte(fmt.Sprintf("key%06d", i))
}

func loc(i int, gen uint64) utils.Location {
	return utils.Location{Block: uint64(i), Count: 1, Length: uint32(i), Version: gen}
}

func TestPutGetDelete(t *testing.T) {
	f := newFixture(t)
	l := f.open(t)

	require.NoError(t, l.Put([]byte("a"), loc(1, 1), 1))
	require.NoError(t, l.Put([]byte("b"), loc(2, 1), 2))
	got, err := l.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, loc(1, 1), got)

	require.NoError(t, l.Put([]byte("a"), loc(3, 2), 3))
	got, err = l.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, loc(3, 2), got)

	require.NoError(t, l.Delete([]byte("a"), 4))
	_, err = l.Get([]byte("a"))
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = l.Get([]byte("zzz"))
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.ErrorIs(t, l.Put(nil, loc(1, 1), 5), errs.ErrEmptyKey)
}

func TestFlush(t *testing.T) {
	f := newFixture(t)
	l := f.open(t)
	for i := 0; i < 500; i++ {
		require.NoError(t, l.Put(key(i), loc(i, 1), uint64(i+1)))
	}
	assert.True(t, l.NeedsFlush())
	require.NoError(t, l.Flush())
	assert.False(t, l.NeedsFlush())

	s := l.Stats()
	assert.Equal(t, 1, s.Levels[0].Runs)
	assert.Equal(t, 0, s.MemTableKeys)
	assert.Equal(t, uint64(500), s.CheckpointSeq)

	m := f.lastManifest()
	require.Len(t, m.Runs, 1)
	assert.Equal(t, uint64(500), m.CheckpointSeq)
	assert.Equal(t, uint64(2), m.NextRunID)
	assert.Equal(t, uint32(500), m.Runs[0].Entries)

	for i := 0; i < 500; i++ {
		got, err := l.Get(key(i))
		require.NoError(t, err)
		assert.Equal(t, loc(i, 1), got)
	}

	// flushing an empty memtable is a no-op
	require.NoError(t, l.Flush())
	assert.Len(t, f.manifests, 1)
}

func TestMaybeCompact(t *testing.T) {
	f := newFixture(t)
	opt := f.options()
	opt.L0CompactionTrigger = 2
	l := NewLSM(f.store, f.versions, opt)

	w, err := l.MaybeCompact(nil)
	require.NoError(t, err)
	assert.Equal(t, Work{}, w)

	seq := uint64(0)
	fill := func() {
		for i := 0; i < 500; i++ {
			seq++
			require.NoError(t, l.Put(key(i), loc(i, seq), seq))
		}
	}
	fill()
	w, err = l.MaybeCompact(nil)
	require.NoError(t, err)
	assert.Equal(t, Work{Flushed: true}, w)

	flushes := 0
	fill()
	w, err = l.MaybeCompact(func() error {
		flushes++
		return l.Flush()
	})
	require.NoError(t, err)
	assert.Equal(t, Work{Flushed: true, Merges: 1}, w)
	assert.Equal(t, 1, flushes)

	s := l.Stats()
	assert.Equal(t, 0, s.Levels[0].Runs)
	assert.Equal(t, 1, s.Levels[1].Runs)
	got, err := l.Get(key(7))
	require.NoError(t, err)
	assert.Equal(t, loc(7, seq-492), got)
}

func TestMergeNewestWins(t *testing.T) {
	f := newFixture(t)
	l := f.open(t)
	seq := uint64(0)
	for gen := uint64(1); gen <= 4; gen++ {
		for i := 0; i < 200; i++ {
			seq++
			require.NoError(t, l.Put(key(i), loc(i, gen), seq))
		}
		require.NoError(t, l.Flush())
	}
	level, ok := l.PickMerge()
	require.True(t, ok)
	assert.Equal(t, 0, level)

	require.NoError(t, l.Merge(0))
	s := l.Stats()
	assert.Equal(t, 0, s.Levels[0].Runs)
	assert.Equal(t, 1, s.Levels[1].Runs)
	_, ok = l.PickMerge()
	assert.False(t, ok)

	for i := 0; i < 200; i++ {
		got, err := l.Get(key(i))
		require.NoError(t, err)
		assert.Equal(t, loc(i, 4), got)
	}
	runs := l.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, uint32(200), runs[0].Entries)
	assert.Equal(t, uint64(800), f.lastManifest().CheckpointSeq)

	assert.ErrorIs(t, l.Merge(6), errs.ErrInvalidArgs)
}

func TestMergeDropsTombstonesAtBottom(t *testing.T) {
	f := newFixture(t)
	l := f.open(t)
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Put(key(i), loc(i, 1), uint64(i+1)))
	}
	require.NoError(t, l.Flush())
	require.NoError(t, l.Merge(0))

	for i := 0; i < 100; i += 2 {
		require.NoError(t, l.Delete(key(i), uint64(200+i)))
	}
	require.NoError(t, l.Flush())
	// level 1 is the bottom, so merging into it drops tombstones
	require.NoError(t, l.Merge(0))
	runs := l.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, uint32(50), runs[0].Entries)

	for i := 0; i < 100; i++ {
		_, err := l.Get(key(i))
		if i%2 == 0 {
			assert.ErrorIs(t, err, errs.ErrNotFound)
		} else {
			assert.NoError(t, err)
		}
	}
}

func TestMergeKeepsTombstonesAboveData(t *testing.T) {
	f := newFixture(t)
	l := f.open(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Put(key(i), loc(i, 1), uint64(i+1)))
	}
	require.NoError(t, l.Flush())
	require.NoError(t, l.Merge(0))
	require.NoError(t, l.Merge(1))

	require.NoError(t, l.Delete(key(3), 50))
	require.NoError(t, l.Flush())
	require.NoError(t, l.Merge(0))

	s := l.Stats()
	assert.Equal(t, 1, s.Levels[1].Runs)
	assert.Equal(t, 1, s.Levels[2].Runs)
	_, err := l.Get(key(3))
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRecover(t *testing.T) {
	f := newFixture(t)
	l := f.open(t)
	for i := 0; i < 300; i++ {
		require.NoError(t, l.Put(key(i), loc(i, 1), uint64(i+1)))
		if i%100 == 99 {
			require.NoError(t, l.Flush())
		}
	}
	require.NoError(t, l.Merge(0))
	require.NoError(t, l.Put(key(0), loc(0, 2), 301))
	require.NoError(t, l.Flush())

	l2 := f.open(t)
	require.NoError(t, l2.Recover(f.lastManifest()))
	for i := 0; i < 300; i++ {
		gen := uint64(1)
		if i == 0 {
			gen = 2
		}
		got, err := l2.Get(key(i))
		require.NoError(t, err)
		assert.Equal(t, loc(i, gen), got)
	}
	assert.Equal(t, l.Manifest(), l2.Manifest())

	bad := *f.lastManifest()
	bad.Runs = append([]sstable.Meta(nil), bad.Runs...)
	bad.Runs[0].Version++
	assert.ErrorIs(t, f.open(t).Recover(&bad), errs.ErrIntegrity)
}

func TestFlushCheckpointFailure(t *testing.T) {
	f := newFixture(t)
	l := f.open(t)
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Put(key(i), loc(i, 1), uint64(i+1)))
	}
	f.failNext = true
	assert.ErrorIs(t, l.Flush(), errs.ErrIO)
	assert.True(t, l.NeedsFlush())
	assert.Equal(t, 0, l.Stats().Levels[0].Runs)

	require.NoError(t, l.Put(key(100), loc(100, 1), 51))
	got, err := l.Get(key(10))
	require.NoError(t, err)
	assert.Equal(t, loc(10, 1), got)

	// the retry flushes the old immutable memtable only
	require.NoError(t, l.Flush())
	assert.Equal(t, uint64(50), f.lastManifest().CheckpointSeq)
	require.NoError(t, l.Flush())
	assert.Equal(t, uint64(51), f.lastManifest().CheckpointSeq)
	assert.Equal(t, 2, l.Stats().Levels[0].Runs)
}

func TestIterate(t *testing.T) {
	f := newFixture(t)
	l := f.open(t)
	for i := 0; i < 20; i++ {
		require.NoError(t, l.Put(key(i), loc(i, 1), uint64(i+1)))
	}
	require.NoError(t, l.Flush())
	require.NoError(t, l.Delete(key(5), 30))
	require.NoError(t, l.Put(key(7), loc(7, 2), 31))
	require.NoError(t, l.Put(key(25), loc(25, 2), 32))

	var keys [][]byte
	locs := map[string]utils.Location{}
	require.NoError(t, l.Iterate(func(e *utils.Entry) error {
		keys = append(keys, e.Key)
		lc, err := utils.DecodeLocation(e.Value)
		require.NoError(t, err)
		locs[string(e.Key)] = lc
		return nil
	}))
	assert.Len(t, keys, 20)
	for i := 1; i < len(keys); i++ {
		assert.Negative(t, bytes.Compare(keys[i-1], keys[i]))
	}
	assert.NotContains(t, locs, string(key(5)))
	assert.Equal(t, loc(7, 2), locs[string(key(7))])
	assert.Equal(t, loc(25, 2), locs[string(key(25))])
}

func TestMergeIterator(t *testing.T) {
	newer := utils.NewSkipList(cmp.ByteComparator{})
	older := utils.NewSkipList(cmp.ByteComparator{})
	older.Add(&utils.Entry{Key: []byte("a"), Value: []byte("old"), Seq: 1})
	older.Add(&utils.Entry{Key: []byte("c"), Value: []byte("old"), Seq: 2})
	newer.Add(&utils.Entry{Key: []byte("b"), Value: []byte("new"), Seq: 3})
	newer.Add(&utils.Entry{Key: []byte("c"), Value: []byte("new"), Seq: 4})

	it := NewMergeIterator([]utils.Iterator{newer.NewIterator(), older.NewIterator()}, cmp.ByteComparator{})
	var got []string
	for it.Rewind(); it.Valid(); it.Next() {
		e := it.Item().Entry()
		got = append(got, string(e.Key)+"="+string(e.Value))
	}
	assert.Equal(t, []string{"a=old", "b=new", "c=new"}, got)
	require.NoError(t, it.Err())

	it.Seek([]byte("bb"))
	require.True(t, it.Valid())
	assert.Equal(t, "c", string(it.Item().Entry().Key))
}

func TestManifestEncoding(t *testing.T) {
	m := &Manifest{
		Runs: []sstable.Meta{{
			ID: 3, Level: 1, Extent: file.Extent{Start: 10, Count: 4}, Version: 9,
			DataBlocks: 3, IndexLen: 100, Entries: 42, Smallest: []byte("a"), Largest: []byte("z"),
		}},
		CheckpointSeq: 17,
		NextRunID:     4,
	}
	buf, err := m.Marshal()
	require.NoError(t, err)
	got, err := UnmarshalManifest(buf)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	_, err = UnmarshalManifest([]byte("{"))
	assert.ErrorIs(t, err, errs.ErrIntegrity)
	m.NextRunID = 3
	buf, err = m.Marshal()
	require.NoError(t, err)
	_, err = UnmarshalManifest(buf)
	assert.ErrorIs(t, err, errs.ErrIntegrity)
}
