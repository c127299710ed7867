package loomstream

import (
	"context"
	"errors"
	"sync"
)

// memStore is an in-memory Store for tests. It mirrors the contract of the
// durable backends: idempotent upserts keyed by response id, checkpoint
// writes that never overwrite a finalized message, and at-most-one usage
// deduction per response id.
type memStore struct {
	mu sync.Mutex

	checkpoints   [][]*Part
	finalParts    []*Part
	finalMeta     *FinalizeMeta
	finalizeCalls int

	usage      []UsageRecord
	deductions int

	checkpointErr error
	usageErr      error
}

func newMemStore() *memStore {
	return &memStore{}
}

func (m *memStore) PersistCheckpoint(_ context.Context, _ string, parts []*Part, _ *CheckpointMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkpointErr != nil {
		return m.checkpointErr
	}
	if m.finalMeta != nil {
		// Finalized rows are authoritative; late checkpoints are ignored.
		return nil
	}
	m.checkpoints = append(m.checkpoints, parts)
	return nil
}

func (m *memStore) FinalizeMessage(_ context.Context, _ string, parts []*Part, meta *FinalizeMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalParts = parts
	m.finalMeta = meta
	m.finalizeCalls++
	return nil
}

func (m *memStore) RecordUsage(_ context.Context, rec UsageRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usageErr != nil {
		return false, m.usageErr
	}
	for _, u := range m.usage {
		if u.ResponseID == rec.ResponseID {
			return false, nil
		}
	}
	m.usage = append(m.usage, rec)
	m.deductions++
	return true, nil
}

func (m *memStore) checkpointCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.checkpoints)
}

func (m *memStore) lastCheckpoint() []*Part {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.checkpoints) == 0 {
		return nil
	}
	return m.checkpoints[len(m.checkpoints)-1]
}

func (m *memStore) finalized() ([]*Part, *FinalizeMeta, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalParts, m.finalMeta, m.finalizeCalls
}

func (m *memStore) usageRecords() []UsageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]UsageRecord, len(m.usage))
	copy(out, m.usage)
	return out
}

func (m *memStore) deductionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deductions
}

func (m *memStore) setCheckpointErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpointErr = err
}

var errStoreDown = errors.New("store down")
