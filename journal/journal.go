package journal

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"sealdisk/seal"
	"sealdisk/utils/errs"
	"sealdisk/wal"
)

type State uint8

const (
	StateActive State = iota
	StateCompacting
)

func (s State) String() string {
	if s == StateCompacting {
		return "compacting"
	}
	return "active"
}

// Root is the part of the disk root owned by the journal.
type Root struct {
	State    State           `json:"state"`
	Active   wal.Descriptor  `json:"active"`
	Pending  *wal.Descriptor `json:"pending,omitempty"`
	LBNFloor uint64          `json:"lbn_floor"`
}

// Meta summarizes the journal for compaction decisions.
type Meta struct {
	State         State
	Head, Tail    uint64
	Groups        int
	LiveGroups    int
	TotalBlocks   uint64
	LiveBlocks    uint64
	CheckpointSeq uint64
	NextSeq       uint64
}

type Options struct {
	Policy CompactPolicy
	// Persist durably records a new journal root. It is called with the
	// journal lock held and must not call back into the journal.
	Persist func(Root) error
	Log     wal.Options
	Logger  *zap.Logger
}

type groupRef struct {
	seq    uint64
	off    uint64
	blocks uint64
}

// Journal is the durable ordered sequence of committed edit groups.
type Journal struct {
	mu         sync.Mutex
	store      *seal.Store
	versions   seal.VersionSource
	opt        Options
	logger     *zap.Logger
	log        *wal.Log
	state      State
	pending    *wal.Descriptor
	floor      uint64
	groups     []groupRef
	nextSeq    uint64
	checkpoint uint64
	broken     error
}

func newJournal(store *seal.Store, versions seal.VersionSource, opt Options) *Journal {
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	opt.Log.Logger = opt.Logger.Named("wal")
	return &Journal{
		store:    store,
		versions: versions,
		opt:      opt,
		logger:   opt.Logger,
		nextSeq:  1,
	}
}

// Create starts an empty journal. The caller persists Root afterwards.
func Create(store *seal.Store, versions seal.VersionSource, opt Options) (*Journal, error) {
	j := newJournal(store, versions, opt)
	log, err := wal.Create(store, versions, 0, 0, j.walOptions())
	if err != nil {
		return nil, err
	}
	j.log = log
	j.floor = log.Descriptor().End()
	return j, nil
}

// Open attaches to a persisted journal. Recover must run next.
func Open(store *seal.Store, versions seal.VersionSource, root Root, opt Options) *Journal {
	j := newJournal(store, versions, opt)
	j.log = wal.Open(store, versions, root.Active, j.walOptions())
	j.state = root.State
	j.pending = root.Pending
	j.floor = max(root.LBNFloor, root.Active.End())
	if root.Pending != nil {
		j.floor = max(j.floor, root.Pending.End())
	}
	return j
}

func (j *Journal) walOptions() wal.Options {
	opt := j.opt.Log
	opt.OnGrow = j.onGrow
	return opt
}

// onGrow runs under j.mu from inside an append to the active log.
func (j *Journal) onGrow(d wal.Descriptor) error {
	j.floor = max(j.floor, d.End())
	return j.persist(Root{State: j.state, Active: d, Pending: j.pending, LBNFloor: j.floor})
}

func (j *Journal) persist(r Root) error {
	if j.opt.Persist == nil {
		return nil
	}
	return j.opt.Persist(r)
}

func (j *Journal) rootLocked() Root {
	r := Root{State: j.state, Active: j.log.Descriptor(), LBNFloor: j.floor}
	if j.pending != nil {
		p := *j.pending
		r.Pending = &p
	}
	return r
}

func (j *Journal) Root() Root {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rootLocked()
}

// SetCheckpoint records that every group up to seq is durably in the index.
func (j *Journal) SetCheckpoint(seq uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if seq > j.checkpoint {
		j.checkpoint = seq
	}
	if j.nextSeq <= j.checkpoint {
		j.nextSeq = j.checkpoint + 1
	}
}

// Recover replays the journal after open. Every group is handed to fn in
// sequence order; a torn tail ends the replay quietly.
func (j *Journal) Recover(fn func(*EditGroup) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var last uint64
	err := j.log.Recover(func(off uint64, rec []byte) error {
		g, err := UnmarshalEditGroup(rec)
		if err != nil {
			return err
		}
		if g.Seq <= last {
			return errors.Wrapf(errs.ErrIntegrity, "edit group %d after %d", g.Seq, last)
		}
		last = g.Seq
		j.groups = append(j.groups, groupRef{seq: g.Seq, off: off, blocks: wal.BlocksFor(len(rec))})
		return fn(g)
	})
	if err != nil {
		return err
	}
	if last >= j.nextSeq {
		j.nextSeq = last + 1
	}
	j.logger.Info("journal recovered",
		zap.Int("groups", len(j.groups)),
		zap.Uint64("next_seq", j.nextSeq),
		zap.Stringer("state", j.state))
	return nil
}

// Replay hands every group still in the journal to fn, in order. fn must
// not call back into the journal.
func (j *Journal) Replay(fn func(*EditGroup) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var last uint64
	return j.log.ReadFrom(j.log.Head(), func(_ uint64, rec []byte) error {
		g, err := UnmarshalEditGroup(rec)
		if err != nil {
			return err
		}
		if g.Seq <= last {
			return errors.Wrapf(errs.ErrIntegrity, "edit group %d after %d", g.Seq, last)
		}
		last = g.Seq
		return fn(g)
	})
}

// AppendGroup durably appends edits as one group and returns its sequence
// number. ErrLogFull, ErrNoSpace and ErrInvalidArgs mean nothing was written.
// Any other error leaves the group possibly durable, so the journal refuses
// further appends and compactions until it is reopened.
func (j *Journal) AppendGroup(edits []Edit) (uint64, error) {
	if len(edits) == 0 {
		return 0, errors.Wrap(errs.ErrInvalidArgs, "empty edit group")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.broken != nil {
		return 0, j.broken
	}
	g := &EditGroup{Seq: j.nextSeq, Edits: edits}
	rec := g.Marshal()
	off, err := j.log.Append(rec)
	if err != nil {
		if !errs.Is(err, errs.ErrLogFull, errs.ErrNoSpace, errs.ErrInvalidArgs) {
			j.broken = errors.WithMessagef(err, "edit group %d may be durable", g.Seq)
			j.logger.Error("journal append failed", zap.Uint64("seq", g.Seq), zap.Error(err))
		}
		return 0, err
	}
	j.groups = append(j.groups, groupRef{seq: g.Seq, off: off, blocks: wal.BlocksFor(len(rec))})
	j.nextSeq++
	return g.Seq, nil
}

func (j *Journal) Meta() Meta {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.metaLocked()
}

func (j *Journal) metaLocked() Meta {
	m := Meta{
		State:         j.state,
		Head:          j.log.Head(),
		Tail:          j.log.Tail(),
		Groups:        len(j.groups),
		CheckpointSeq: j.checkpoint,
		NextSeq:       j.nextSeq,
	}
	for _, g := range j.groups {
		m.TotalBlocks += g.blocks
		if g.seq > j.checkpoint {
			m.LiveGroups++
			m.LiveBlocks += g.blocks
		}
	}
	return m
}

// Descriptor returns the descriptor of the active log.
func (j *Journal) Descriptor() wal.Descriptor {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.log.Descriptor()
}

// MaybeCompact compacts when the policy asks for it.
func (j *Journal) MaybeCompact() (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.broken != nil {
		return false, j.broken
	}
	if !j.opt.Policy.ShouldCompact(j.metaLocked()) {
		return false, nil
	}
	return true, j.compactLocked()
}

// Compact rewrites the groups newer than the checkpoint into a new log and
// swaps it in. Appends wait until it finishes.
func (j *Journal) Compact() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.broken != nil {
		return j.broken
	}
	return j.compactLocked()
}

// ResumeCompaction finishes a compaction interrupted by a crash. The
// partially written log is discarded and the compaction runs again.
func (j *Journal) ResumeCompaction() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateCompacting {
		return nil
	}
	j.logger.Info("resuming interrupted journal compaction")
	j.pending = nil
	j.state = StateActive
	return j.compactLocked()
}

func (j *Journal) compactLocked() error {
	var (
		live []groupRef
		need uint64
	)
	for _, g := range j.groups {
		if g.seq > j.checkpoint {
			live = append(live, g)
			need += g.blocks
		}
	}
	next, err := wal.Create(j.store, j.versions, j.floor, need, j.opt.Log)
	if err != nil {
		return err
	}
	pending := next.Descriptor()
	j.floor = max(j.floor, pending.End())
	j.state, j.pending = StateCompacting, &pending
	if err := j.persist(j.rootLocked()); err != nil {
		j.abort(next, err)
		return err
	}
	next.SetOnGrow(func(d wal.Descriptor) error {
		j.floor = max(j.floor, d.End())
		j.pending = &d
		return j.persist(j.rootLocked())
	})

	moved := make([]groupRef, 0, len(live))
	for _, g := range live {
		rec, err := j.log.ReadRecord(g.off)
		if err == nil {
			g.off, err = next.Append(rec)
		}
		if err != nil {
			j.abort(next, err)
			return err
		}
		moved = append(moved, g)
	}

	old := j.log
	next.SetOnGrow(j.onGrow)
	j.log, j.state, j.pending = next, StateActive, nil
	if err := j.persist(j.rootLocked()); err != nil {
		// The swap may or may not be durable; only a reopen can tell.
		j.broken = errors.WithMessage(err, "journal root swap failed")
		return j.broken
	}
	j.groups = moved
	if err := old.Release(); err != nil {
		return err
	}
	j.logger.Info("journal compacted",
		zap.Int("groups", len(moved)),
		zap.Uint64("blocks", need),
		zap.Uint64("checkpoint_seq", j.checkpoint))
	return nil
}

// abort returns to the old log after a failed compaction.
func (j *Journal) abort(next *wal.Log, cause error) {
	j.state, j.pending = StateActive, nil
	if err := j.persist(j.rootLocked()); err != nil {
		j.logger.Warn("journal compaction abort not persisted", zap.Error(err))
	}
	if err := next.Release(); err != nil {
		j.logger.Error("release aborted compaction log", zap.Error(err))
	}
	j.logger.Warn("journal compaction aborted", zap.Error(cause))
}
