package mixd

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

func zapNop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// fakeGraph records outbound graph commands and can be made arbitrarily
// slow or faulty to exercise timeout and transport-error paths
type fakeGraph struct {
	mu    sync.Mutex
	moves []fakeMove
	vols  map[string]float32
	mutes map[string]bool

	delay time.Duration
	err   error

	resyncs int
}

type fakeMove struct {
	nodeID uint32
	sink   string
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		vols:  map[string]float32{},
		mutes: map[string]bool{},
	}
}

func (f *fakeGraph) stall() error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.err
}

func (f *fakeGraph) MoveStream(nodeID uint32, sink string) error {
	if err := f.stall(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, fakeMove{nodeID: nodeID, sink: sink})

	return nil
}

func (f *fakeGraph) SetSinkVolume(sink string, volume float32) error {
	if err := f.stall(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.vols[sink] = volume

	return nil
}

func (f *fakeGraph) SetSinkMute(sink string, muted bool) error {
	if err := f.stall(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutes[sink] = muted

	return nil
}

func (f *fakeGraph) Resync() error {
	if err := f.stall(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.resyncs++

	return nil
}

func (f *fakeGraph) movedTo(nodeID uint32) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := len(f.moves) - 1; i >= 0; i-- {
		if f.moves[i].nodeID == nodeID {
			return f.moves[i].sink, true
		}
	}

	return "", false
}

// memoryOverrideStore is an OverrideStore that never touches disk
type memoryOverrideStore struct {
	mu    sync.Mutex
	saved map[string]string
	calls int
	err   error
}

func (m *memoryOverrideStore) SaveOverrides(overrides map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}

	m.saved = overrides
	m.calls++

	return nil
}
