package jobqueue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/logos-ecosystem/logos-billing/internal/pkg/env"
)

// EventReprocessor re-runs webhook ledger rows that never reached a terminal
// status, normally the reconciliation service.
type EventReprocessor interface {
	ReprocessPending(ctx context.Context, olderThan time.Duration) (int, error)
}

// Manager manages the global job queue and background tasks
type Manager struct {
	queue         *Queue
	reprocessor   EventReprocessor
	pendingTicker *time.Ticker
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	running       bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the global job queue manager (singleton)
func GetManager() *Manager {
	managerOnce.Do(func() {
		workerCount := 5
		if v, err := strconv.Atoi(env.GetEnv("JOBQUEUE_WORKER_COUNT", "")); err == nil && v > 0 {
			workerCount = v
		}

		globalManager = &Manager{
			queue:  NewQueue(workerCount),
			stopCh: make(chan struct{}),
		}
	})
	return globalManager
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// SetEventReprocessor wires the reconciliation service in. Must be called
// before Start for the pending-event sweep to run.
func (m *Manager) SetEventReprocessor(r EventReprocessor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reprocessor = r
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	// Start the job queue
	m.queue.Start()

	// Pending-event sweep: picks up ledger rows left behind by a crash
	// between ingestion and processing.
	if m.reprocessor != nil {
		sweepInterval := 5 * time.Minute
		if v, err := strconv.Atoi(env.GetEnv("BILLING_PENDING_SWEEP_MINUTES", "")); err == nil && v > 0 {
			sweepInterval = time.Duration(v) * time.Minute
		}
		m.pendingTicker = time.NewTicker(sweepInterval)
		m.wg.Add(1)
		go m.pendingEventsWorker()
	}

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	if m.pendingTicker != nil {
		m.pendingTicker.Stop()
	}

	// Signal workers to stop
	close(m.stopCh)
	m.stopCh = nil
	m.running = false

	// Wait for background workers to finish
	m.wg.Wait()

	// Stop the job queue
	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

// pendingEventsWorker periodically reprocesses webhook events stuck in
// pending. Only rows older than the sweep age are touched so in-flight
// deliveries are left alone.
func (m *Manager) pendingEventsWorker() {
	defer m.wg.Done()
	log.Info("[JobQueue Manager] Started pending-event sweep worker")

	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Pending-event sweep worker stopping")
			return
		case <-m.pendingTicker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			n, err := m.reprocessor.ReprocessPending(ctx, 2*time.Minute)
			cancel()
			if err != nil {
				log.Errorf("[JobQueue Manager] Pending-event sweep error: %v", err)
			} else if n > 0 {
				log.Infof("[JobQueue Manager] Pending-event sweep reprocessed %d events", n)
			}
		}
	}
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
