package metrics

import (
	"sync"
)

// Metrics tracks system metrics
type Metrics struct {
	mu sync.RWMutex

	submittedJobs  int64
	dispatchedJobs int64
	completedJobs  int64
	failedJobs     int64
	sweptJobs      int64
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// IncrementSubmittedJobs increments the submitted jobs counter
func (m *Metrics) IncrementSubmittedJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submittedJobs++
}

// IncrementDispatchedJobs increments the dispatched jobs counter
func (m *Metrics) IncrementDispatchedJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatchedJobs++
}

// IncrementCompletedJobs increments the completed jobs counter
func (m *Metrics) IncrementCompletedJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completedJobs++
}

// IncrementFailedJobs increments the failed jobs counter
func (m *Metrics) IncrementFailedJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedJobs++
}

// AddSweptJobs adds n to the swept jobs counter
func (m *Metrics) AddSweptJobs(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweptJobs += int64(n)
}

// GetSnapshot returns a snapshot of all metrics
func (m *Metrics) GetSnapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int64{
		"submitted_jobs":  m.submittedJobs,
		"dispatched_jobs": m.dispatchedJobs,
		"completed_jobs":  m.completedJobs,
		"failed_jobs":     m.failedJobs,
		"swept_jobs":      m.sweptJobs,
	}
}
