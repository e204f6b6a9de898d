package dbtx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/e2e-harness/harness/config"
	"github.com/e2e-harness/harness/metrics"
)

// TransactionConflictError reports a second Acquire for a test id whose
// transaction is still open. This indicates a test-authoring bug, never a
// transient condition.
type TransactionConflictError struct {
	TestID string
}

func (e *TransactionConflictError) Error() string {
	return fmt.Sprintf("transaction for test %q is already active", e.TestID)
}

// session is one borrowed connection with its open transaction.
type session struct {
	conn     *sql.Conn
	tx       *sql.Tx
	acquired time.Time
}

// Manager hands each logical test its own transaction on a pooled
// connection and guarantees rollback on release, so tests never leak
// committed data into the database under test.
type Manager struct {
	db        *sql.DB
	log       logrus.FieldLogger
	collector *metrics.Collector

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithCollector wires harness metrics into the manager.
func WithCollector(c *metrics.Collector) ManagerOption {
	return func(m *Manager) { m.collector = c }
}

// Open connects to the configured PostgreSQL database and verifies the
// connection.
func Open(ctx context.Context, cfg *config.DatabaseConfig, log logrus.FieldLogger, opts ...ManagerOption) (*Manager, error) {
	db, err := sql.Open("postgres", cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	m := &Manager{
		db:       db,
		log:      log.WithField("component", "dbtx"),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log.Info("Connected to PostgreSQL database")
	return m, nil
}

// NewWithDB wraps an existing pool. Used by tests that provision their own
// database (testcontainers).
func NewWithDB(db *sql.DB, log logrus.FieldLogger, opts ...ManagerOption) *Manager {
	m := &Manager{
		db:       db,
		log:      log.WithField("component", "dbtx"),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire borrows a pooled connection, opens a READ COMMITTED transaction on
// it and records it under testID. Exactly one transaction may be active per
// test id; a second Acquire before Release fails with a
// TransactionConflictError.
func (m *Manager) Acquire(ctx context.Context, testID string) (*sql.Tx, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("transaction manager is closed")
	}
	if _, exists := m.sessions[testID]; exists {
		m.mu.Unlock()
		return nil, &TransactionConflictError{TestID: testID}
	}
	// Reserve the slot before the network round-trips so a concurrent
	// Acquire with the same id conflicts instead of double-issuing.
	m.sessions[testID] = nil
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.sessions, testID)
		m.mu.Unlock()
	}

	conn, err := m.db.Conn(ctx)
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to acquire connection for test %s: %w", testID, err)
	}

	tx, err := conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		conn.Close()
		release()
		return nil, fmt.Errorf("failed to begin transaction for test %s: %w", testID, err)
	}

	s := &session{conn: conn, tx: tx, acquired: time.Now()}

	m.mu.Lock()
	if m.closed {
		// Close ran while the transaction was being opened; it cannot see
		// this session, so undo it here instead of installing it.
		m.mu.Unlock()
		if rerr := m.rollback(testID, s); rerr != nil {
			m.log.WithError(rerr).WithField("test_id", testID).Warn("Rollback after close failed")
		}
		return nil, fmt.Errorf("transaction manager is closed")
	}
	m.sessions[testID] = s
	active := len(m.sessions)
	m.mu.Unlock()

	if m.collector != nil {
		m.collector.SetActiveTransactions(active)
	}
	m.log.WithField("test_id", testID).Debug("Acquired transaction")
	return tx, nil
}

// Release rolls back the transaction recorded under testID and returns its
// connection to the pool. Releasing an unknown id is an error; rollback of an
// already-finished transaction is not.
func (m *Manager) Release(testID string) error {
	m.mu.Lock()
	s, ok := m.sessions[testID]
	if !ok || s == nil {
		// A nil entry is an Acquire still in flight; its reservation must
		// survive this call.
		m.mu.Unlock()
		return fmt.Errorf("no active transaction for test %q", testID)
	}
	delete(m.sessions, testID)
	active := len(m.sessions)
	m.mu.Unlock()

	if m.collector != nil {
		m.collector.SetActiveTransactions(active)
	}
	return m.rollback(testID, s)
}

// WithSession runs fn inside a transaction scoped to testID. The transaction
// is rolled back on every exit path, including panics.
func (m *Manager) WithSession(ctx context.Context, testID string, fn func(tx *sql.Tx) error) error {
	tx, err := m.Acquire(ctx, testID)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Release(testID); err != nil {
			m.log.WithError(err).WithField("test_id", testID).Warn("Failed to release transaction")
		}
	}()
	return fn(tx)
}

// ActiveSessions returns the number of currently open transactions.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Stats exposes the underlying pool statistics.
func (m *Manager) Stats() sql.DBStats {
	return m.db.Stats()
}

// Close force-rolls-back any still-open transactions, logging a warning per
// leak (a leak means a test failed to clean up), then closes the pool.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	leaked := m.sessions
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	for testID, s := range leaked {
		if s == nil {
			continue
		}
		m.log.WithFields(logrus.Fields{
			"test_id": testID,
			"held":    time.Since(s.acquired).Round(time.Millisecond),
		}).Warn("Transaction leaked by test, rolling back")
		if err := m.rollback(testID, s); err != nil {
			m.log.WithError(err).WithField("test_id", testID).Warn("Forced rollback failed")
		}
	}

	if m.collector != nil {
		m.collector.SetActiveTransactions(0)
	}
	return m.db.Close()
}

// rollback undoes the session's transaction and returns its connection.
func (m *Manager) rollback(testID string, s *session) error {
	err := s.tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		s.conn.Close()
		return fmt.Errorf("failed to rollback transaction for test %s: %w", testID, err)
	}
	if cerr := s.conn.Close(); cerr != nil {
		return fmt.Errorf("failed to return connection for test %s: %w", testID, cerr)
	}
	m.log.WithField("test_id", testID).Debug("Rolled back transaction")
	return nil
}
