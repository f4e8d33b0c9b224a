package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/syncstorage/sync-engine/internal/domain"
	"github.com/syncstorage/sync-engine/internal/jsonvalue"
	"github.com/syncstorage/sync-engine/internal/realtime"
)

// ConnectivityChecker reports whether a device currently holds an open
// real-time session. The offline queue only buffers updates for instances
// that are not connected; *realtime.Hub satisfies this.
type ConnectivityChecker interface {
	IsInstanceConnected(userID, instanceID string) bool
}

// instanceKey identifies one (userId, instanceId) queue.
type instanceKey struct {
	userID     string
	instanceID string
}

// Manager buffers queued updates per (userId, instanceId), newest-first,
// bounded to domain.MaxQueuedUpdatesPerInstance entries and
// domain.MaxQueuedUpdateAge age (spec §4.F). It subscribes to the event bus
// directly and decides, per event, which of a user's known sibling
// instances are currently offline and so need the update buffered.
type Manager struct {
	mu     sync.Mutex
	queues map[instanceKey][]domain.QueuedUpdate
	known  map[string]map[string]bool // userID -> known instanceIDs

	conn    ConnectivityChecker
	logger  *slog.Logger
	metrics *Metrics
}

// NewManager creates an empty Manager.
func NewManager(conn ConnectivityChecker, logger *slog.Logger, metrics *Metrics) *Manager {
	return &Manager{
		queues:  make(map[instanceKey][]domain.QueuedUpdate),
		known:   make(map[string]map[string]bool),
		conn:    conn,
		logger:  logger.With("component", "offline_queue"),
		metrics: metrics,
	}
}

// RegisterInstance records instanceID as a known device of userID, so
// future updates from its siblings are considered for buffering even before
// it has produced a write of its own. Safe to call repeatedly.
func (m *Manager) RegisterInstance(userID, instanceID string) {
	if userID == "" || instanceID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registerLocked(userID, instanceID)
}

func (m *Manager) registerLocked(userID, instanceID string) {
	set, ok := m.known[userID]
	if !ok {
		set = make(map[string]bool)
		m.known[userID] = set
	}
	set[instanceID] = true
}

// QueueUpdate buffers a pending SetItem delivery for one instance.
func (m *Manager) QueueUpdate(userID, instanceID, key string, value, metadata jsonvalue.Value, version, timestamp int64) {
	m.enqueue(domain.QueuedUpdate{
		Type:       domain.QueuedUpdateSet,
		UserID:     userID,
		InstanceID: instanceID,
		Key:        key,
		Value:      value,
		Metadata:   metadata,
		Timestamp:  timestamp,
		Version:    &version,
	})
}

// QueueRemoval buffers a pending RemoveItem delivery for one instance.
func (m *Manager) QueueRemoval(userID, instanceID, key string, version, timestamp int64) {
	m.enqueue(domain.QueuedUpdate{
		Type:       domain.QueuedUpdateRemove,
		UserID:     userID,
		InstanceID: instanceID,
		Key:        key,
		Timestamp:  timestamp,
		Version:    &version,
	})
}

func (m *Manager) enqueue(update domain.QueuedUpdate) {
	key := instanceKey{userID: update.UserID, instanceID: update.InstanceID}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.registerLocked(update.UserID, update.InstanceID)

	existing := m.queues[key]
	updated := make([]domain.QueuedUpdate, 0, len(existing)+1)
	updated = append(updated, update)
	updated = append(updated, existing...)

	if len(updated) > domain.MaxQueuedUpdatesPerInstance {
		dropped := len(updated) - domain.MaxQueuedUpdatesPerInstance
		updated = updated[:domain.MaxQueuedUpdatesPerInstance]
		if m.metrics != nil {
			m.metrics.EvictionsTotal.WithLabelValues("capacity").Add(float64(dropped))
		}
	}
	m.queues[key] = updated

	if m.metrics != nil {
		m.metrics.Depth.Set(float64(m.totalDepthLocked()))
	}
}

// GetPendingUpdates returns a newest-first snapshot of buffered updates for
// one instance, filtered to timestamp > since when since is non-nil.
// Age-expired entries are evicted opportunistically before the snapshot is
// taken.
func (m *Manager) GetPendingUpdates(userID, instanceID string, since *int64) []domain.QueuedUpdate {
	key := instanceKey{userID: userID, instanceID: instanceID}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.evictExpiredLocked(key, time.Now())

	source := m.queues[key]
	out := make([]domain.QueuedUpdate, 0, len(source))
	for _, update := range source {
		if since != nil && update.Timestamp <= *since {
			continue
		}
		out = append(out, update)
	}
	return out
}

// ClearQueue drops the queue for one instance, or every queue belonging to
// userID when instanceID is empty.
func (m *Manager) ClearQueue(userID, instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if instanceID != "" {
		delete(m.queues, instanceKey{userID: userID, instanceID: instanceID})
	} else {
		for key := range m.queues {
			if key.userID == userID {
				delete(m.queues, key)
			}
		}
	}

	if m.metrics != nil {
		m.metrics.Depth.Set(float64(m.totalDepthLocked()))
	}
}

// Sweep removes age-expired entries and empty queues across every instance,
// returning the counts for the caller (the scheduler) to log.
func (m *Manager) Sweep() (evicted, emptied int) {
	start := time.Now()
	defer func() {
		if m.metrics != nil {
			m.metrics.SweepDuration.Observe(time.Since(start).Seconds())
		}
	}()

	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.queues {
		before := len(m.queues[key])
		m.evictExpiredLocked(key, now)
		evicted += before - len(m.queues[key])
		if len(m.queues[key]) == 0 {
			delete(m.queues, key)
			emptied++
		}
	}

	if m.metrics != nil {
		if evicted > 0 {
			m.metrics.EvictionsTotal.WithLabelValues("age").Add(float64(evicted))
		}
		m.metrics.Depth.Set(float64(m.totalDepthLocked()))
	}

	return evicted, emptied
}

// evictExpiredLocked drops entries older than domain.MaxQueuedUpdateAge.
// Callers must hold m.mu.
func (m *Manager) evictExpiredLocked(key instanceKey, now time.Time) {
	source, ok := m.queues[key]
	if !ok {
		return
	}
	cutoff := now.Add(-domain.MaxQueuedUpdateAge).UnixMilli()
	kept := make([]domain.QueuedUpdate, 0, len(source))
	for _, update := range source {
		if update.Timestamp >= cutoff {
			kept = append(kept, update)
		}
	}
	m.queues[key] = kept
}

func (m *Manager) totalDepthLocked() int {
	total := 0
	for _, q := range m.queues {
		total += len(q)
	}
	return total
}

// ID implements realtime.EventSubscriber.
func (m *Manager) ID() string { return "offline-queue" }

// Close implements realtime.EventSubscriber. The queue holds no external
// resources to release.
func (m *Manager) Close() error { return nil }

// Context implements realtime.EventSubscriber.
func (m *Manager) Context() context.Context { return context.Background() }

// Send implements realtime.EventSubscriber: on ItemSynced/ItemRemoved it
// registers the writing instance as known and buffers the update for every
// other known sibling instance currently disconnected. StorageCleared and
// ConflictDetected are not queued, since domain.QueuedUpdate models only
// set/remove deliveries (spec §4.F names queueUpdate/queueRemoval only).
func (m *Manager) Send(event realtime.Event) error {
	userID, _ := event.Data["userId"].(string)
	originInstanceID, _ := event.Data["instanceId"].(string)
	if userID == "" {
		return nil
	}

	m.RegisterInstance(userID, originInstanceID)

	switch event.Type {
	case realtime.EventTypeItemSynced:
		m.fanOutToOffline(userID, originInstanceID, func(instanceID string) {
			key, _ := event.Data["key"].(string)
			value, _ := event.Data["value"].(jsonvalue.Value)
			metadata, _ := event.Data["metadata"].(jsonvalue.Value)
			version, _ := event.Data["version"].(int64)
			timestamp, _ := event.Data["timestamp"].(int64)
			m.QueueUpdate(userID, instanceID, key, value, metadata, version, timestamp)
		})
	case realtime.EventTypeItemRemoved:
		m.fanOutToOffline(userID, originInstanceID, func(instanceID string) {
			key, _ := event.Data["key"].(string)
			version, _ := event.Data["version"].(int64)
			timestamp, _ := event.Data["timestamp"].(int64)
			m.QueueRemoval(userID, instanceID, key, version, timestamp)
		})
	}
	return nil
}

func (m *Manager) fanOutToOffline(userID, originInstanceID string, deliver func(instanceID string)) {
	m.mu.Lock()
	siblings := make([]string, 0, len(m.known[userID]))
	for instanceID := range m.known[userID] {
		if instanceID == originInstanceID {
			continue
		}
		siblings = append(siblings, instanceID)
	}
	m.mu.Unlock()

	for _, instanceID := range siblings {
		if m.conn != nil && m.conn.IsInstanceConnected(userID, instanceID) {
			continue
		}
		deliver(instanceID)
	}
}

var _ realtime.EventSubscriber = (*Manager)(nil)
