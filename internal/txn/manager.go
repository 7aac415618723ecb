// Package txn implements grouped cache mutations with commit, rollback,
// and timeout-based reclamation.
//
// A transaction is a named buffer of operations the RPC layer records as
// it applies them. Commit hands the buffer back for re-application in
// order; rollback hands it back for inverse application in reverse order.
// Transactions left open past their timeout are swept: their buffers are
// discarded and no inverse is applied, so mutations the RPC layer already
// applied under them stay in the cache.
//
// The manager never touches the cache itself: it owns pending buffers
// until commit or rollback returns them, and the cache service applies
// them without any manager lock held.
package txn

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OpKind discriminates the operation variants.
type OpKind int

const (
	// OpPut records an insert or overwrite of a key.
	OpPut OpKind = iota

	// OpEvict records a removal, capturing enough prior state to restore
	// the key on rollback.
	OpEvict
)

// Operation is one recorded mutation.
type Operation struct {
	Kind OpKind
	Key  string

	// Value is the uncompressed value. For OpPut it is the value written;
	// for OpEvict it is the value the key held before eviction (nil when
	// the key was absent, in which case rollback of the evict is a no-op).
	Value []byte

	// TTL is the put's TTL, or the evicted entry's remaining TTL at
	// capture time. Zero means no expiry.
	TTL time.Duration

	// Captured reports, for OpEvict, whether prior state was present to
	// capture.
	Captured bool
}

// transaction is one open group of operations.
type transaction struct {
	id        string
	ops       []Operation
	expiresAt time.Time
}

// Manager tracks open transactions. Create with NewManager or Disabled.
type Manager struct {
	mu           sync.Mutex
	transactions map[string]*transaction
	timeout      time.Duration
	enabled      bool
	logger       *zap.Logger
}

// NewManager creates an enabled manager whose transactions expire timeout
// after Begin.
func NewManager(timeout time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		transactions: make(map[string]*transaction),
		timeout:      timeout,
		enabled:      true,
		logger:       logger,
	}
}

// Disabled creates a manager that accepts no transactions: Begin returns
// an empty id and every other operation is a no-op.
func Disabled(logger *zap.Logger) *Manager {
	return &Manager{
		transactions: make(map[string]*transaction),
		logger:       logger,
	}
}

// Enabled reports whether the manager accepts transactions.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Begin opens a new transaction and returns its id. On a disabled manager
// it returns the empty string and changes nothing. Begin also sweeps
// expired transactions, so a node with no sweeper ticker still reclaims
// abandoned buffers.
func (m *Manager) Begin() string {
	if !m.enabled {
		return ""
	}

	id := uuid.NewString()
	now := time.Now()

	m.mu.Lock()
	m.sweepLocked(now)
	m.transactions[id] = &transaction{
		id:        id,
		expiresAt: now.Add(m.timeout),
	}
	m.mu.Unlock()

	return id
}

// AddOperation appends op to the transaction's buffer. Unknown or expired
// ids are dropped silently; the RPC layer treats the mutation as
// non-transactional in that case.
func (m *Manager) AddOperation(id string, op Operation) {
	if !m.enabled || id == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transactions[id]
	if !ok || time.Now().After(t.expiresAt) {
		return
	}
	t.ops = append(t.ops, op)
}

// Commit removes the transaction and returns its operations in append
// order for the caller to apply. ok is false when the id is unknown or the
// transaction expired; commit of a missing transaction is idempotent.
func (m *Manager) Commit(id string) ([]Operation, bool) {
	return m.take(id)
}

// Rollback removes the transaction and returns its operations; the caller
// applies the inverse of each, last first. ok is false when the id is
// unknown.
func (m *Manager) Rollback(id string) ([]Operation, bool) {
	return m.take(id)
}

// take removes and returns the transaction's buffer. A transaction
// observed past its expiry is treated as absent.
func (m *Manager) take(id string) ([]Operation, bool) {
	if !m.enabled || id == "" {
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transactions[id]
	if !ok {
		return nil, false
	}
	delete(m.transactions, id)

	if time.Now().After(t.expiresAt) {
		return nil, false
	}
	return t.ops, true
}

// CleanupExpired removes transactions whose deadline has passed and
// returns how many were reclaimed.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked(time.Now())
}

// sweepLocked drops expired transactions. Caller holds mu.
func (m *Manager) sweepLocked(now time.Time) int {
	n := 0
	for id, t := range m.transactions {
		if now.After(t.expiresAt) {
			delete(m.transactions, id)
			n++
		}
	}
	if n > 0 {
		m.logger.Debug("reclaimed expired transactions", zap.Int("count", n))
	}
	return n
}

// Open reports the number of open transactions.
func (m *Manager) Open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transactions)
}

// Sweeper runs CleanupExpired on a timer until stop closes. Run it in its
// own goroutine.
func (m *Manager) Sweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CleanupExpired()
		case <-stop:
			return
		}
	}
}
