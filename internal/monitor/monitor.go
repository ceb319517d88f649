// Package monitor owns the per-account polling tasks and the lifecycle
// state machine that governs them. All session, task and snapshot
// bookkeeping is funneled through the Manager so ownership is explicit;
// there is no package-level state.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"bandmonitor/internal/detect"
	"bandmonitor/internal/models"
	"bandmonitor/internal/probe"
)

var (
	// ErrNotRunning is returned by Pause for accounts without a task.
	ErrNotRunning = errors.New("account is not running")
	// ErrNotPaused is returned by Resume for accounts not paused.
	ErrNotPaused = errors.New("account is not paused")
)

const (
	snapshotTimeout  = 30 * time.Second
	artifactTimeout  = 20 * time.Second
	maxRecentEvents  = 256
	subscriberBuffer = 16
)

// AccountStore is the slice of the persistence layer the manager needs.
type AccountStore interface {
	Account(id int64) (models.Account, error)
	SetStatus(id int64, status models.MonitorStatus) error
	CaptureBaseline(id int64, members, requests int) error
	ApplyCounterUpdate(id int64, members, requests int, ts time.Time) error
	SetBandID(id int64, bandID string) error
	SetBandName(id int64, name string) error
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs one polling task per started account and keeps the
// persisted status consistent with the set of live tasks.
type Manager struct {
	store    AccountStore
	probe    probe.Probe
	interval time.Duration
	notify   func() // nudges the link publisher; may be nil

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu        sync.Mutex
	ops       map[int64]*sync.Mutex
	tasks     map[int64]*task
	prevSnaps map[int64]*models.Snapshot

	subMu   sync.Mutex
	subs    map[int]chan models.MonitorEvent
	nextSub int
	recent  []models.MonitorEvent
}

// NewManager creates a manager polling each started account every
// interval. notify, if non-nil, is called after every lifecycle change
// so the link publisher can refresh the active set promptly.
func NewManager(store AccountStore, pb probe.Probe, interval time.Duration, notify func()) *Manager {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:      store,
		probe:      pb,
		interval:   interval,
		notify:     notify,
		baseCtx:    ctx,
		baseCancel: cancel,
		ops:        make(map[int64]*sync.Mutex),
		tasks:      make(map[int64]*task),
		prevSnaps:  make(map[int64]*models.Snapshot),
		subs:       make(map[int]chan models.MonitorEvent),
	}
}

// opLock returns the mutex serialising lifecycle operations for one
// account. Operations on different accounts never block each other.
func (m *Manager) opLock(id int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.ops[id]
	if !ok {
		lock = &sync.Mutex{}
		m.ops[id] = lock
	}
	return lock
}

// Start begins monitoring an account. It acquires a positioned browser
// session, captures the baseline when starting from Stopped, and spawns
// the polling task. Starting an account that already has a task cancels
// the old task first, so there is never more than one per account.
func (m *Manager) Start(ctx context.Context, id int64) error {
	lock := m.opLock(id)
	lock.Lock()
	defer lock.Unlock()

	acc, err := m.store.Account(id)
	if err != nil {
		return err
	}

	bandID, err := m.probe.EnsurePositioned(ctx, acc)
	if err != nil {
		// Status stays as it was: the operation failed, the account
		// did not start.
		return fmt.Errorf("acquire session: %w", err)
	}
	if bandID != "" && bandID != acc.BandID {
		if err := m.store.SetBandID(id, bandID); err != nil {
			return err
		}
		acc.BandID = bandID
	}

	if acc.Status == models.StatusStopped {
		snap, err := m.probe.Snapshot(ctx, id, false)
		if err != nil {
			return fmt.Errorf("initial snapshot: %w", err)
		}
		if snap.SessionClosed {
			return errors.New("session closed during start")
		}
		if err := m.store.CaptureBaseline(id, snap.Members, snap.Requests); err != nil {
			return err
		}
		if snap.BandName != "" {
			if err := m.store.SetBandName(id, snap.BandName); err != nil {
				return err
			}
		}
	}

	m.spawn(id)
	if err := m.store.SetStatus(id, models.StatusRunning); err != nil {
		return err
	}
	m.nudge()
	return nil
}

// Pause cancels the polling task but keeps counters and the cached
// previous snapshot, so a later resume continues change detection
// instead of re-triggering an "initial" capture.
func (m *Manager) Pause(id int64) error {
	lock := m.opLock(id)
	lock.Lock()
	defer lock.Unlock()

	if !m.cancelTask(id) {
		return ErrNotRunning
	}
	if err := m.store.SetStatus(id, models.StatusPaused); err != nil {
		return err
	}
	m.nudge()
	return nil
}

// Resume restarts the polling task for a paused account. No baseline
// recapture and no re-authentication happen here.
func (m *Manager) Resume(id int64) error {
	lock := m.opLock(id)
	lock.Lock()
	defer lock.Unlock()

	acc, err := m.store.Account(id)
	if err != nil {
		return err
	}
	if acc.Status != models.StatusPaused {
		return ErrNotPaused
	}

	m.spawn(id)
	if err := m.store.SetStatus(id, models.StatusRunning); err != nil {
		return err
	}
	m.nudge()
	return nil
}

// Close stops monitoring, releases the browser session and clears the
// cached previous snapshot. Valid from any state.
func (m *Manager) Close(id int64) error {
	lock := m.opLock(id)
	lock.Lock()
	defer lock.Unlock()

	m.cancelTask(id)
	m.probe.Release(id)

	m.mu.Lock()
	delete(m.prevSnaps, id)
	m.mu.Unlock()

	if err := m.store.SetStatus(id, models.StatusStopped); err != nil {
		return err
	}
	m.nudge()
	return nil
}

// Running reports whether the account currently has a live polling task.
func (m *Manager) Running(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[id]
	return ok
}

// Shutdown cancels every polling task and waits for them to finish.
func (m *Manager) Shutdown() {
	m.baseCancel()

	m.mu.Lock()
	tasks := make([]*task, 0, len(m.tasks))
	for id, t := range m.tasks {
		tasks = append(tasks, t)
		delete(m.tasks, id)
	}
	m.mu.Unlock()

	for _, t := range tasks {
		<-t.done
	}
}

// spawn replaces any existing task for the account with a fresh one.
func (m *Manager) spawn(id int64) {
	m.mu.Lock()
	old := m.tasks[id]
	m.mu.Unlock()

	if old != nil {
		old.cancel()
		<-old.done
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	t := &task{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.tasks[id] = t
	m.mu.Unlock()

	go m.runLoop(ctx, id, t)
}

// cancelTask stops the account's task if one exists and reports whether
// it did.
func (m *Manager) cancelTask(id int64) bool {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if ok {
		delete(m.tasks, id)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	t.cancel()
	<-t.done
	return true
}

// runLoop is one account's polling task. Each iteration snapshots the
// page, detects changes, persists counters and emits a progress event,
// strictly in that order. Cancellation is honoured at the sleep and at
// every external call; a cancelled iteration never half-applies.
func (m *Manager) runLoop(ctx context.Context, id int64, t *task) {
	defer close(t.done)

	for {
		if done := m.iterate(ctx, id); done {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.interval):
		}
	}
}

// iterate performs one polling pass. It returns true when the task must
// terminate, either because its context was cancelled or because the
// session is gone.
func (m *Manager) iterate(ctx context.Context, id int64) bool {
	snapCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	snap, err := m.probe.Snapshot(snapCtx, id, true)
	cancel()

	if ctx.Err() != nil {
		return true
	}
	if err != nil {
		// Transient probe failure: retried on the next cadence tick.
		log.Printf("account %d: snapshot failed: %v", id, err)
		return false
	}
	if snap.SessionClosed {
		m.handleSessionClosed(id)
		return true
	}
	if snap.NeedsReacquire {
		log.Printf("account %d: member page not readable, retrying next tick", id)
		return false
	}

	changed, reason := detect.Compare(m.prevSnap(id), snap)
	if changed {
		capCtx, cancel := context.WithTimeout(ctx, artifactTimeout)
		if _, err := m.probe.CaptureArtifact(capCtx, id, reason); err != nil {
			// Capture failures never abort the iteration.
			log.Printf("account %d: artifact capture (%s) failed: %v", id, reason, err)
		}
		cancel()
		m.setPrevSnap(id, snap)
	}

	now := time.Now().UTC()
	if err := m.store.ApplyCounterUpdate(id, snap.Members, snap.Requests, now); err != nil {
		log.Printf("account %d: persist counters failed: %v", id, err)
	}
	if snap.BandName != "" {
		if err := m.store.SetBandName(id, snap.BandName); err != nil {
			log.Printf("account %d: persist band name failed: %v", id, err)
		}
	}

	m.publish(models.MonitorEvent{
		AccountID: id,
		Members:   snap.Members,
		Requests:  snap.Requests,
		BandName:  snap.BandName,
		Timestamp: now,
	})
	return false
}

// handleSessionClosed is the terminal path of a polling task: the probe
// reported the browser gone, so the account transitions to Stopped and
// the session resource is released, exactly once.
func (m *Manager) handleSessionClosed(id int64) {
	m.mu.Lock()
	delete(m.tasks, id)
	m.mu.Unlock()

	if err := m.store.SetStatus(id, models.StatusStopped); err != nil {
		log.Printf("account %d: persist stopped status failed: %v", id, err)
	}
	m.probe.Release(id)

	m.publish(models.MonitorEvent{
		AccountID:     id,
		SessionClosed: true,
		Timestamp:     time.Now().UTC(),
	})
	m.nudge()
	log.Printf("account %d: session closed, monitoring stopped", id)
}

func (m *Manager) prevSnap(id int64) *models.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prevSnaps[id]
}

func (m *Manager) setPrevSnap(id int64, snap models.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prevSnaps[id] = &snap
}

func (m *Manager) nudge() {
	if m.notify != nil {
		m.notify()
	}
}
