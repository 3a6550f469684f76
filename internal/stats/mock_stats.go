package stats

import (
	"sync"

	"github.com/stretchr/testify/mock"
)

type MockStatsUpdater struct {
	mock.Mock
}

func (m *MockStatsUpdater) Incr(name string) {
	m.Called(name)
}
func (m *MockStatsUpdater) Decr(name string) {
	m.Called(name)
}
func (m *MockStatsUpdater) RegisterMetric(name string) {
	m.Called(name)
}
func (m *MockStatsUpdater) Run() {
	m.Called()
}

// RecordingStats counts metric updates in memory. Use it in tests where
// stats calls are incidental and setting mock expectations would be noise.
type RecordingStats struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewRecordingStats() *RecordingStats {
	return &RecordingStats{counts: make(map[string]int)}
}

func (r *RecordingStats) Incr(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name]++
}

func (r *RecordingStats) Decr(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name]--
}

func (r *RecordingStats) RegisterMetric(name string) {}

func (r *RecordingStats) Run() {}

func (r *RecordingStats) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}
