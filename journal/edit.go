package journal

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"sealdisk/utils"
	"sealdisk/utils/errs"
)

type Op uint8

const (
	OpPut Op = iota + 1
	OpDelete
)

func (op Op) String() string {
	switch op {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// Edit is one mutation: a key mapped to a new data location, or deleted.
type Edit struct {
	Op       Op
	Key      []byte
	Location utils.Location
}

// EditGroup is the unit of atomicity: replay applies all of it or none.
type EditGroup struct {
	Seq   uint64
	Edits []Edit
}

// field numbers of the wire encoding
const (
	fieldSeq  protowire.Number = 1
	fieldEdit protowire.Number = 2

	fieldOp       protowire.Number = 1
	fieldKey      protowire.Number = 2
	fieldLocation protowire.Number = 3
)

func (g *EditGroup) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, g.Seq)
	for _, e := range g.Edits {
		var eb []byte
		eb = protowire.AppendTag(eb, fieldOp, protowire.VarintType)
		eb = protowire.AppendVarint(eb, uint64(e.Op))
		eb = protowire.AppendTag(eb, fieldKey, protowire.BytesType)
		eb = protowire.AppendBytes(eb, e.Key)
		if e.Op == OpPut {
			eb = protowire.AppendTag(eb, fieldLocation, protowire.BytesType)
			eb = protowire.AppendBytes(eb, e.Location.Encode())
		}
		b = protowire.AppendTag(b, fieldEdit, protowire.BytesType)
		b = protowire.AppendBytes(b, eb)
	}
	return b
}

func UnmarshalEditGroup(b []byte) (*EditGroup, error) {
	g := &EditGroup{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, wireError(n)
		}
		b = b[n:]
		switch {
		case num == fieldSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, wireError(n)
			}
			g.Seq = v
			b = b[n:]
		case num == fieldEdit && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, wireError(n)
			}
			e, err := unmarshalEdit(v)
			if err != nil {
				return nil, err
			}
			g.Edits = append(g.Edits, e)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, wireError(n)
			}
			b = b[n:]
		}
	}
	if g.Seq == 0 || len(g.Edits) == 0 {
		return nil, errors.Wrapf(errs.ErrIntegrity, "edit group %d with %d edits", g.Seq, len(g.Edits))
	}
	return g, nil
}

func unmarshalEdit(b []byte) (Edit, error) {
	var (
		e      Edit
		hasLoc bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Edit{}, wireError(n)
		}
		b = b[n:]
		switch {
		case num == fieldOp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Edit{}, wireError(n)
			}
			e.Op = Op(v)
			b = b[n:]
		case num == fieldKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Edit{}, wireError(n)
			}
			e.Key = append([]byte(nil), v...)
			b = b[n:]
		case num == fieldLocation && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Edit{}, wireError(n)
			}
			loc, err := utils.DecodeLocation(v)
			if err != nil {
				return Edit{}, err
			}
			e.Location, hasLoc = loc, true
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Edit{}, wireError(n)
			}
			b = b[n:]
		}
	}
	switch {
	case len(e.Key) == 0:
		return Edit{}, errors.Wrap(errs.ErrIntegrity, "edit without key")
	case e.Op == OpPut && !hasLoc:
		return Edit{}, errors.Wrap(errs.ErrIntegrity, "put without location")
	case e.Op != OpPut && e.Op != OpDelete:
		return Edit{}, errors.Wrapf(errs.ErrIntegrity, "unknown op %d", e.Op)
	}
	return e, nil
}

func wireError(n int) error {
	return errors.Wrapf(errs.ErrIntegrity, "edit group: %v", protowire.ParseError(n))
}
