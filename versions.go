package sealdisk

import "sync"

// versionSource hands out block versions from a range reserved in the root.
// Every version below the persisted reservation may have been used, so after
// a crash counting resumes at the reservation.
type versionSource struct {
	mu      sync.Mutex
	next    uint64
	limit   uint64
	step    uint64
	persist func(limit uint64) error
}

func newVersionSource(next, step uint64, persist func(limit uint64) error) *versionSource {
	return &versionSource{next: next, limit: next, step: step, persist: persist}
}

func (v *versionSource) Next() (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.next >= v.limit {
		if err := v.extendLocked(); err != nil {
			return 0, err
		}
	}
	n := v.next
	v.next++
	return n, nil
}

// extend reserves a fresh range and persists it.
func (v *versionSource) extend() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.extendLocked()
}

func (v *versionSource) extendLocked() error {
	limit := v.next + v.step
	if err := v.persist(limit); err != nil {
		return err
	}
	v.limit = limit
	return nil
}

func (v *versionSource) reserved() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.limit
}
