package lsm

import (
	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"sealdisk/sstable"
	"sealdisk/utils/errs"
)

// Manifest is the durable description of the run levels. Journal groups with
// a sequence at or below CheckpointSeq are fully reflected in the runs.
type Manifest struct {
	Runs          []sstable.Meta `json:"runs"`
	CheckpointSeq uint64         `json:"checkpoint_seq"`
	NextRunID     uint64         `json:"next_run_id"`
}

func (m *Manifest) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

func UnmarshalManifest(b []byte) (*Manifest, error) {
	m := &Manifest{}
	if err := json.Unmarshal(b, m); err != nil {
		return nil, errors.Wrapf(errs.ErrIntegrity, "manifest: %v", err)
	}
	for _, r := range m.Runs {
		if r.ID >= m.NextRunID {
			return nil, errors.Wrapf(errs.ErrIntegrity, "manifest: run id %d not below next id %d", r.ID, m.NextRunID)
		}
	}
	return m, nil
}
