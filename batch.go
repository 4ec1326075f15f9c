package sealdisk

import (
	"github.com/pkg/errors"

	"sealdisk/journal"
	"sealdisk/utils/errs"
)

type batchOp struct {
	op    journal.Op
	key   []byte
	value []byte
}

// Batch collects puts and deletes committed as one atomic edit group. Later
// operations on a key override earlier ones.
type Batch struct {
	ops []batchOp
}

func (d *Disk) NewBatch() *Batch {
	return &Batch{}
}

func (b *Batch) Put(key, value []byte) *Batch {
	b.ops = append(b.ops, batchOp{
		op:    journal.OpPut,
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	return b
}

func (b *Batch) Delete(key []byte) *Batch {
	b.ops = append(b.ops, batchOp{op: journal.OpDelete, key: append([]byte(nil), key...)})
	return b
}

func (b *Batch) Len() int {
	return len(b.ops)
}

func validateKey(key []byte) error {
	if len(key) == 0 {
		return errs.ErrEmptyKey
	}
	if len(key) > MaxKeySize {
		return errors.Wrapf(errs.ErrKeyTooLarge, "%d bytes", len(key))
	}
	return nil
}

func (d *Disk) validate(b *Batch) error {
	if b == nil || b.Len() == 0 {
		return errors.Wrap(errs.ErrInvalidArgs, "empty batch")
	}
	if b.Len() > MaxBatchOps {
		return errors.Wrapf(errs.ErrInvalidArgs, "batch of %d operations", b.Len())
	}
	for _, op := range b.ops {
		if err := validateKey(op.key); err != nil {
			return err
		}
		if len(op.value) > d.opt.MaxValueSize {
			return errors.Wrapf(errs.ErrValueTooLarge, "%d bytes", len(op.value))
		}
	}
	return nil
}
