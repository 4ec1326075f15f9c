package sealdisk

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealdisk/file"
	"sealdisk/journal"
	"sealdisk/seal"
	"sealdisk/utils/cmp"
	"sealdisk/utils/errs"
	"sealdisk/wal"
)

var testMasterKey = bytes.Repeat([]byte{0x5a}, 32)

func testOptions() Options {
	opt := DefaultOptions(testMasterKey)
	opt.MemTableSize = 1 << 20
	opt.BlockCacheSize = 64
	opt.CompactPolicy = journal.NeverCompactPolicy()
	return opt
}

func format(t *testing.T, blocks uint64, opt Options) (*file.MemDevice, *Disk) {
	dev := file.NewMemDevice(blocks)
	d, err := Format(dev, opt)
	require.NoError(t, err)
	return dev, d
}

// crash abandons d without closing it and mounts the device again.
func crash(t *testing.T, dev file.Device, opt Options) *Disk {
	d, err := Open(dev, opt)
	require.NoError(t, err)
	return d
}

func mustRead(t *testing.T, d *Disk, key string) string {
	v, err := d.Read([]byte(key))
	require.NoError(t, err, "read %q", key)
	return string(v)
}

// physical maps a journal LBN to its device block.
func physical(desc wal.Descriptor, lbn uint64) uint64 {
	off := lbn - desc.BaseLBN
	for _, e := range desc.Extents {
		if off < e.Count {
			return e.Start + off
		}
		off -= e.Count
	}
	panic("lbn outside log")
}

func TestExampleScenario(t *testing.T) {
	opt := testOptions()
	dev, d := format(t, 1000, opt)
	_, err := d.Write([]byte("a"), []byte("1"))
	require.NoError(t, err)
	_, err = d.Write([]byte("b"), []byte("2"))
	require.NoError(t, err)
	require.NoError(t, d.Flush())

	_, err = d.Delete([]byte("a"))
	require.NoError(t, err)
	_, err = d.Read([]byte("a"))
	assert.ErrorIs(t, err, errs.ErrNotFound)

	// lose the last journal record, as if the delete never reached the disk
	desc := d.journal.Descriptor()
	dev.SetRaw(physical(desc, desc.Tail-1), nil)

	d = crash(t, dev, opt)
	assert.Equal(t, "1", mustRead(t, d, "a"))
	assert.Equal(t, "2", mustRead(t, d, "b"))
	require.NoError(t, d.Close())
}

func TestReadAfterWrite(t *testing.T) {
	_, d := format(t, 512, testOptions())
	defer d.Close()

	big := bytes.Repeat([]byte("0123456789abcdef"), 1000)
	cases := map[string][]byte{
		"small": []byte("value"),
		"empty": {},
		"big":   big,
	}
	for k, v := range cases {
		seq, err := d.Write([]byte(k), v)
		require.NoError(t, err)
		assert.NotZero(t, seq)
	}
	for k, v := range cases {
		got, err := d.Read([]byte(k))
		require.NoError(t, err)
		assert.Equal(t, v, got, k)
	}

	_, err := d.Write([]byte("small"), []byte("other"))
	require.NoError(t, err)
	assert.Equal(t, "other", mustRead(t, d, "small"))

	ok, err := d.Has([]byte("big"))
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = d.Delete([]byte("big"))
	require.NoError(t, err)
	ok, err = d.Has([]byte("big"))
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = d.Read([]byte("missing"))
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSupersededBlocksFreed(t *testing.T) {
	_, d := format(t, 512, testOptions())
	defer d.Close()
	value := bytes.Repeat([]byte("v"), 3*seal.PayloadSize)

	_, err := d.Write([]byte("k"), value)
	require.NoError(t, err)
	free := d.blocks.Free()
	for i := 0; i < 10; i++ {
		_, err := d.Write([]byte("k"), value)
		require.NoError(t, err)
	}
	assert.Equal(t, free, d.blocks.Free())

	_, err = d.Delete([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, free+3, d.blocks.Free())
}

func TestValidation(t *testing.T) {
	opt := testOptions()
	opt.MaxValueSize = 100
	_, d := format(t, 256, opt)

	_, err := d.Write(nil, []byte("v"))
	assert.ErrorIs(t, err, errs.ErrEmptyKey)
	_, err = d.Write(bytes.Repeat([]byte("k"), MaxKeySize+1), []byte("v"))
	assert.ErrorIs(t, err, errs.ErrKeyTooLarge)
	_, err = d.Write([]byte("k"), make([]byte, 101))
	assert.ErrorIs(t, err, errs.ErrValueTooLarge)
	_, err = d.CommitBatch(d.NewBatch())
	assert.ErrorIs(t, err, errs.ErrInvalidArgs)
	_, err = d.Read(nil)
	assert.ErrorIs(t, err, errs.ErrEmptyKey)

	require.NoError(t, d.Close())
	_, err = d.Write([]byte("k"), []byte("v"))
	assert.ErrorIs(t, err, errs.ErrClosed)
	_, err = d.Read([]byte("k"))
	assert.ErrorIs(t, err, errs.ErrClosed)
	assert.ErrorIs(t, d.Close(), errs.ErrClosed)

	_, err = Format(file.NewMemDevice(64), Options{})
	assert.ErrorIs(t, err, errs.ErrInvalidArgs)
}

func TestBatch(t *testing.T) {
	_, d := format(t, 256, testOptions())
	defer d.Close()
	_, err := d.Write([]byte("gone"), []byte("x"))
	require.NoError(t, err)

	b := d.NewBatch().
		Put([]byte("a"), []byte("1")).
		Put([]byte("b"), []byte("2")).
		Put([]byte("a"), []byte("3")).
		Delete([]byte("gone"))
	assert.Equal(t, 4, b.Len())
	seq, err := d.CommitBatch(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	assert.Equal(t, "3", mustRead(t, d, "a"))
	assert.Equal(t, "2", mustRead(t, d, "b"))
	_, err = d.Read([]byte("gone"))
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCommitAtomicityUnderCrash(t *testing.T) {
	big := func(s string) []byte { return bytes.Repeat([]byte(s), seal.PayloadSize+100) }
	for _, torn := range []bool{false, true} {
		committed := false
		for n := 0; n < 40 && !committed; n++ {
			opt := testOptions()
			dev, d := format(t, 256, opt)
			_, err := d.CommitBatch(d.NewBatch().
				Put([]byte("k0"), []byte("base0")).
				Put([]byte("k1"), []byte("base1")).
				Put([]byte("del"), []byte("x")))
			require.NoError(t, err)

			dev.FailAfter(n, torn)
			_, err = d.CommitBatch(d.NewBatch().
				Put([]byte("k0"), big("n")).
				Put([]byte("k1"), big("m")).
				Delete([]byte("del")))
			committed = err == nil
			dev.Heal()

			d = crash(t, dev, opt)
			k0, err := d.Read([]byte("k0"))
			require.NoError(t, err)
			applied := bytes.Equal(k0, big("n"))
			if committed {
				assert.True(t, applied, "n=%d torn=%v", n, torn)
			}
			if applied {
				assert.Equal(t, string(big("m")), mustRead(t, d, "k1"))
				_, err = d.Read([]byte("del"))
				assert.ErrorIs(t, err, errs.ErrNotFound)
			} else {
				assert.Equal(t, "base0", string(k0))
				assert.Equal(t, "base1", mustRead(t, d, "k1"))
				assert.Equal(t, "x", mustRead(t, d, "del"))
			}
			require.NoError(t, d.Close())
		}
		assert.True(t, committed, "torn=%v never committed", torn)
	}
}

func TestCommitAfterUnknownAppend(t *testing.T) {
	opt := testOptions()
	dev, d := format(t, 256, opt)
	_, err := d.Write([]byte("a"), []byte("1"))
	require.NoError(t, err)

	// a delete writes no value blocks, so the journal append takes the failed flush
	dev.FailNextFlush()
	_, err = d.Delete([]byte("a"))
	assert.ErrorIs(t, err, errs.ErrIO)
	_, err = d.Write([]byte("c"), []byte("3"))
	assert.ErrorIs(t, err, errs.ErrIO)

	d = crash(t, dev, opt)
	_, err = d.Read([]byte("a"))
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = d.Read([]byte("c"))
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = d.Write([]byte("c"), []byte("3"))
	require.NoError(t, err)
	assert.Equal(t, "3", mustRead(t, d, "c"))
	require.NoError(t, d.Close())
}

func TestValueBitFlip(t *testing.T) {
	opt := testOptions()
	dev, d := format(t, 256, opt)
	_, err := d.Write([]byte("k"), []byte("secret"))
	require.NoError(t, err)
	_, err = d.Write([]byte("flushed"), []byte("value"))
	require.NoError(t, err)
	require.NoError(t, d.Flush())

	loc, err := d.lsm.Get([]byte("k"))
	require.NoError(t, err)
	dev.FlipBit(loc.Block, 8*100)
	_, err = d.Read([]byte("k"))
	assert.ErrorIs(t, err, errs.ErrIntegrity)

	// the stored block never holds the plaintext
	assert.False(t, bytes.Contains(dev.Raw(loc.Block), []byte("secret")))

	// the allocator rebuild walks every run, so a corrupt run stops the mount
	runs := d.lsm.Runs()
	require.Len(t, runs, 1)
	require.NoError(t, d.Close())
	dev.FlipBit(runs[0].Extent.Start, 8*64)
	_, err = Open(dev, opt)
	assert.ErrorIs(t, err, errs.ErrIntegrity)
}

func TestRootCorruption(t *testing.T) {
	opt := testOptions()
	dev, d := format(t, 256, opt)
	_, err := d.Write([]byte("k"), []byte("v"))
	require.NoError(t, err)
	newest := d.sb.slot()
	require.NoError(t, d.Close())

	// the older slot is only a fallback for torn root writes
	dev.FlipBit(1-newest, 8*20)
	d = crash(t, dev, opt)
	assert.Equal(t, "v", mustRead(t, d, "k"))
	require.NoError(t, d.Close())

	dev.FlipBit(0, 8*20)
	dev.FlipBit(1, 8*20)
	_, err = Open(dev, opt)
	assert.ErrorIs(t, err, errs.ErrRecovery)
}

func TestTornRootWriteNotReused(t *testing.T) {
	opt := testOptions()
	dev, d := format(t, 256, opt)
	_, err := d.Write([]byte("k"), []byte("v"))
	require.NoError(t, err)

	dev.FailAfter(0, true)
	assert.Error(t, d.updateRoot(func(*superblock) {}))
	dev.Heal()
	torn := d.lastGen
	assert.Equal(t, torn, seal.EmbeddedVersion(dev.Raw(torn%rootSlots)))

	d = crash(t, dev, opt)
	assert.Greater(t, d.sb.Generation, torn)
	assert.Equal(t, "v", mustRead(t, d, "k"))
	require.NoError(t, d.Close())
}

func TestOpenMismatch(t *testing.T) {
	opt := testOptions()
	dev, d := format(t, 256, opt)
	require.NoError(t, d.Close())

	wrongKey := opt
	wrongKey.Key = bytes.Repeat([]byte{1}, 32)
	_, err := Open(dev, wrongKey)
	assert.ErrorIs(t, err, errs.ErrRecovery)

	decimal := opt
	decimal.Comparator = cmp.IntComparator{}
	_, err = Open(dev, decimal)
	assert.ErrorIs(t, err, errs.ErrRecovery)

	_, err = Open(file.NewMemDevice(256), opt)
	assert.ErrorIs(t, err, errs.ErrRecovery)
}

// nonceDevice records every (position, version) pair written.
type nonceDevice struct {
	*file.MemDevice
	seen map[[2]uint64]bool
	dups int
}

func (d *nonceDevice) WriteBlock(idx uint64, buf []byte) error {
	k := [2]uint64{idx, seal.EmbeddedVersion(buf)}
	if d.seen[k] {
		d.dups++
	}
	d.seen[k] = true
	return d.MemDevice.WriteBlock(idx, buf)
}

func TestNoNonceReuse(t *testing.T) {
	opt := testOptions()
	opt.MemTableSize = 2 << 10
	opt.VersionReserve = 16
	opt.CompactPolicy = journal.DefaultCompactPolicy()
	dev := &nonceDevice{MemDevice: file.NewMemDevice(1024), seen: map[[2]uint64]bool{}}
	d, err := Format(dev, opt)
	require.NoError(t, err)

	for round := 0; round < 4; round++ {
		for i := 0; i < 60; i++ {
			_, err := d.Write([]byte(fmt.Sprintf("key%d", i%20)), []byte(fmt.Sprintf("v%d-%d", round, i)))
			require.NoError(t, err)
		}
		require.NoError(t, d.CompactJournal())
		d = crash(t, dev, opt)
	}
	require.NoError(t, d.Close())
	assert.Zero(t, dev.dups)
	assert.Greater(t, len(dev.seen), 100)

	// a new format derives new domain keys; only the root key carries over
	for k := range dev.seen {
		if k[0] >= rootSlots {
			delete(dev.seen, k)
		}
	}
	d, err = Format(dev, opt)
	require.NoError(t, err)
	_, err = d.Write([]byte("k"), []byte("v"))
	require.NoError(t, err)
	assert.Zero(t, dev.dups)
	require.NoError(t, d.Close())
}

func TestCompactionTransparency(t *testing.T) {
	opt := testOptions()
	opt.MemTableSize = 4 << 10
	opt.L0CompactionTrigger = 3
	opt.CompactPolicy = journal.CompactPolicy{MinBlocks: 8, ObsoleteRatio: 0.5, MaxBlocks: 64}
	dev, d := format(t, 4096, opt)

	model := map[string]string{}
	check := func(d *Disk) {
		for i := 0; i < 150; i++ {
			k := fmt.Sprintf("key%03d", i)
			got, err := d.Read([]byte(k))
			if want, ok := model[k]; ok {
				require.NoError(t, err, k)
				assert.Equal(t, want, string(got), k)
			} else {
				assert.ErrorIs(t, err, errs.ErrNotFound, k)
			}
		}
	}

	rnd := rand.New(rand.NewSource(7))
	for step := 0; step < 1500; step++ {
		k := fmt.Sprintf("key%03d", rnd.Intn(150))
		switch r := rnd.Intn(100); {
		case r < 70:
			v := fmt.Sprintf("%s-%d-%s", k, step, bytes.Repeat([]byte("x"), rnd.Intn(300)))
			_, err := d.Write([]byte(k), []byte(v))
			require.NoError(t, err)
			model[k] = v
		case r < 90:
			_, err := d.Delete([]byte(k))
			require.NoError(t, err)
			delete(model, k)
		case r < 94:
			require.NoError(t, d.Flush())
		case r < 97:
			require.NoError(t, d.Merge())
		default:
			require.NoError(t, d.CompactJournal())
		}
		if step%250 == 0 {
			check(d)
		}
	}
	check(d)
	s := d.Stats()
	assert.NotZero(t, s.Flushes)
	assert.NotZero(t, s.Merges)
	assert.NotZero(t, s.Compactions)
	assert.Empty(t, s.MaintenanceErr)

	d = crash(t, dev, opt)
	check(d)
	require.NoError(t, d.Close())
}

func TestRecoveryIdempotence(t *testing.T) {
	opt := testOptions()
	opt.MemTableSize = 2 << 10
	dev, d := format(t, 1024, opt)
	for i := 0; i < 200; i++ {
		_, err := d.Write([]byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
	}
	for i := 0; i < 200; i += 3 {
		_, err := d.Delete([]byte(fmt.Sprintf("k%d", i)))
		require.NoError(t, err)
	}
	snapshot := func(d *Disk) map[string]string {
		out := map[string]string{}
		for i := 0; i < 200; i++ {
			k := fmt.Sprintf("k%d", i)
			v, err := d.Read([]byte(k))
			if errs.Is(err, errs.ErrNotFound) {
				continue
			}
			require.NoError(t, err)
			out[k] = string(v)
		}
		return out
	}
	want := snapshot(d)
	assert.Len(t, want, 133)
	free := d.blocks.Free()
	lastSeq := d.lastSeq.Load()
	require.NoError(t, d.Close())

	for i := 0; i < 3; i++ {
		d = crash(t, dev, opt)
		assert.Equal(t, want, snapshot(d))
		assert.Equal(t, free, d.blocks.Free())
		assert.Equal(t, lastSeq, d.Stats().LastSeq)
		require.NoError(t, d.Close())
	}
}

func TestResumeCompactionOnOpen(t *testing.T) {
	opt := testOptions()
	dev, d := format(t, 512, opt)
	for i := 0; i < 20; i++ {
		_, err := d.Write([]byte(fmt.Sprintf("k%d", i)), []byte("v"))
		require.NoError(t, err)
	}
	require.NoError(t, d.Flush())
	_, err := d.Write([]byte("late"), []byte("after checkpoint"))
	require.NoError(t, err)

	// fail right after the root records the compacting state
	root := d.stats.rootWrites.Load()
	dev.FailAfter(1, false)
	assert.Error(t, d.CompactJournal())
	dev.Heal()
	assert.Equal(t, root+1, d.stats.rootWrites.Load())

	d = crash(t, dev, opt)
	assert.Equal(t, journal.StateActive, d.journal.Meta().State)
	assert.Equal(t, 1, d.journal.Meta().Groups)
	assert.Equal(t, "after checkpoint", mustRead(t, d, "late"))
	assert.Equal(t, "v", mustRead(t, d, "k7"))
	require.NoError(t, d.Close())
}

func TestCompression(t *testing.T) {
	opt := testOptions()
	opt.Compression = true
	dev, d := format(t, 256, opt)
	value := bytes.Repeat([]byte("compressible "), 2000)
	_, err := d.Write([]byte("k"), value)
	require.NoError(t, err)
	loc, err := d.lsm.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), loc.Count)
	assert.Less(t, int(loc.Length), len(value))
	require.NoError(t, d.Close())

	opt.Compression = false
	d = crash(t, dev, opt)
	got, err := d.Read([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, value, got)
	require.NoError(t, d.Close())
}

func TestDecimalComparator(t *testing.T) {
	opt := testOptions()
	opt.Comparator = cmp.IntComparator{}
	opt.MemTableSize = 1 << 10
	dev, d := format(t, 512, opt)
	for i := 0; i < 100; i++ {
		_, err := d.Write([]byte(fmt.Sprint(i)), []byte(fmt.Sprint(i*i)))
		require.NoError(t, err)
	}
	require.NoError(t, d.Merge())
	require.NoError(t, d.Close())

	d = crash(t, dev, opt)
	for i := 0; i < 100; i++ {
		assert.Equal(t, fmt.Sprint(i*i), mustRead(t, d, fmt.Sprint(i)))
	}
	require.NoError(t, d.Close())
}

func TestBackgroundMaintenance(t *testing.T) {
	opt := testOptions()
	opt.Background = true
	opt.MemTableSize = 2 << 10
	dev, d := format(t, 2048, opt)
	for i := 0; i < 500; i++ {
		_, err := d.Write([]byte(fmt.Sprintf("k%04d", i)), []byte(fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, d.Close())

	opt.Background = false
	d = crash(t, dev, opt)
	for i := 0; i < 500; i++ {
		assert.Equal(t, fmt.Sprintf("v%d", i), mustRead(t, d, fmt.Sprintf("k%04d", i)))
	}
	require.NoError(t, d.Close())
}
