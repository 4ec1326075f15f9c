package file

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrInjectedFault is returned by a MemDevice after its write budget ran out.
var ErrInjectedFault = errors.New("injected device fault")

// MemDevice keeps blocks in memory. Besides serving as a scratch device it can
// simulate crashes: after FailAfter(n) the device accepts n more block writes
// and then fails every write and flush until Heal. A torn failure leaves the
// failing block half written.
type MemDevice struct {
	mu        sync.Mutex
	blocks    [][]byte
	failAfter int
	torn      bool
	dead      bool
	failFlush bool
	writes    int
	flushes   int
}

func NewMemDevice(blocks uint64) *MemDevice {
	return &MemDevice{
		blocks:    make([][]byte, blocks),
		failAfter: -1,
	}
}

func (d *MemDevice) ReadBlock(idx uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if idx >= uint64(len(d.blocks)) || len(buf) != BlockSize {
		return errors.Errorf("read block %d out of range", idx)
	}
	if b := d.blocks[idx]; b != nil {
		copy(buf, b)
	} else {
		clear(buf)
	}
	return nil
}

func (d *MemDevice) WriteBlock(idx uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if idx >= uint64(len(d.blocks)) || len(buf) != BlockSize {
		return errors.Errorf("write block %d out of range", idx)
	}
	if d.dead {
		return ErrInjectedFault
	}
	if d.failAfter == 0 {
		d.dead = true
		if d.torn {
			b := d.block(idx)
			copy(b[:BlockSize/2], buf[:BlockSize/2])
		}
		return ErrInjectedFault
	}
	if d.failAfter > 0 {
		d.failAfter--
	}
	copy(d.block(idx), buf)
	d.writes++
	return nil
}

func (d *MemDevice) block(idx uint64) []byte {
	if d.blocks[idx] == nil {
		d.blocks[idx] = make([]byte, BlockSize)
	}
	return d.blocks[idx]
}

func (d *MemDevice) BlockCount() uint64 {
	return uint64(len(d.blocks))
}

func (d *MemDevice) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dead {
		return ErrInjectedFault
	}
	if d.failFlush {
		d.failFlush = false
		return ErrInjectedFault
	}
	d.flushes++
	return nil
}

func (d *MemDevice) Close() error {
	return nil
}

// FailAfter arms the fault injector. A negative n disarms it.
func (d *MemDevice) FailAfter(n int, torn bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAfter = n
	d.torn = torn
	d.dead = false
}

// FailNextFlush makes the next Flush fail after the writes before it have
// already reached the device.
func (d *MemDevice) FailNextFlush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failFlush = true
}

// Heal brings a failed device back, keeping whatever reached it.
func (d *MemDevice) Heal() {
	d.FailAfter(-1, false)
}

// Writes counts successful block writes.
func (d *MemDevice) Writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

// Raw returns a copy of a block as stored.
func (d *MemDevice) Raw(idx uint64) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, BlockSize)
	if b := d.blocks[idx]; b != nil {
		copy(out, b)
	}
	return out
}

// SetRaw overwrites a block behind the engine's back.
func (d *MemDevice) SetRaw(idx uint64, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.block(idx)
	clear(b)
	copy(b, data)
}

// FlipBit inverts one bit of a stored block.
func (d *MemDevice) FlipBit(idx uint64, bit int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.block(idx)[bit/8] ^= 1 << (bit % 8)
}
