package txn

import (
	"context"
	"sync"
	"time"

	"github.com/DonaldAirey/data-model-test/config"
	"github.com/DonaldAirey/data-model-test/store/deadlock"
	"github.com/DonaldAirey/data-model-test/store/lock"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type State int32

const (
	Open State = iota
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled back"
	}
	return "unknown"
}

// Manager hands out transactions that share one wait-for graph. Every transaction touching the same
// tables must come from the same Manager, otherwise deadlocks between them go undetected.
type Manager struct {
	detector        *deadlock.Detector
	lockWaitTimeout time.Duration
	nextID          atomic.Uint64
}

func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		lockWaitTimeout: cfg.Txn.LockWaitTimeout.Duration,
	}
	if cfg.Txn.DetectDeadlock {
		m.detector = deadlock.NewDetector()
	}
	return m
}

var defaultManager = NewManager(config.NewDefaultConfig())

// Default returns the process-wide Manager used by Begin.
func Default() *Manager {
	return defaultManager
}

// Detector returns the manager's wait-for graph, nil when detection is disabled.
func (m *Manager) Detector() *deadlock.Detector {
	return m.detector
}

// Begin starts a transaction with the default manager. See Manager.Begin.
func Begin(ctx context.Context) (context.Context, *Txn) {
	return defaultManager.Begin(ctx)
}

// Begin starts a transaction and returns a context carrying it. If ctx already carries an open
// transaction the new one is nested in it: it shares the enclosing transaction's locks, and its
// changes are handed to the enclosing transaction when it commits.
//
// The caller must end every transaction with Close, normally deferred; a transaction closed before
// Commit rolls back.
func (m *Manager) Begin(ctx context.Context) (context.Context, *Txn) {
	t := &Txn{
		mgr:   m,
		start: time.Now(),
	}
	parent, _ := FromContext(ctx)
	for parent != nil && parent.State() != Open {
		parent = parent.parent
	}
	if parent != nil && parent.addChild(t) {
		t.parent = parent
		t.root = parent.root
		t.mgr = parent.mgr
	} else {
		t.root = t
	}
	t.id = t.mgr.nextID.Inc()
	log.Debug("begin transaction", zap.Uint64("txn", t.id), zap.Uint64("root", t.root.id))
	return NewContext(ctx, t), t
}

// Txn is a unit of work. It holds every lock it acquires until the outermost transaction finishes
// (two-phase locking), keeps the undo actions of its changes, and the actions to run once the
// outermost transaction commits.
type Txn struct {
	id     uint64
	mgr    *Manager
	parent *Txn
	root   *Txn
	start  time.Time

	mu          sync.Mutex
	state       State
	children    []*Txn
	grants      []lock.Grant
	undo        []func()
	onCommit    []func()
	afterCommit []func()
}

func (t *Txn) ID() uint64 {
	return t.id
}

// Parent returns the enclosing transaction, nil for an outermost one.
func (t *Txn) Parent() *Txn {
	return t.parent
}

func (t *Txn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LockOwnerID implements lock.Owner. Locks are held on behalf of the outermost transaction.
func (t *Txn) LockOwnerID() uint64 {
	return t.root.id
}

// WaitGraph implements lock.Owner.
func (t *Txn) WaitGraph() *deadlock.Detector {
	return t.mgr.detector
}

// Lock acquires l in mode and keeps it until the transaction finishes. Nothing is recorded when the
// transaction (or an enclosing one) already holds l in mode. A request aborted by deadlock detection
// returns an error whose cause is *deadlock.ErrDeadlock; the caller is expected to let the
// transaction roll back.
func (t *Txn) Lock(ctx context.Context, l *lock.RWLock, mode lock.Mode) error {
	t.mu.Lock()
	err := t.checkLocked()
	t.mu.Unlock()
	if err != nil {
		return err
	}

	waitCtx := ctx
	if t.mgr.lockWaitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, t.mgr.lockWaitTimeout)
		defer cancel()
	}
	g, acquired, err := l.Acquire(waitCtx, t, mode)
	if err != nil {
		// Only the timeout set here is a lock wait timeout; the caller's own deadline is passed on.
		if err == context.DeadlineExceeded && ctx.Err() == nil {
			log.Warn("lock wait timeout",
				zap.Uint64("txn", t.id),
				zap.String("lock", l.Name()),
				zap.Stringer("mode", mode))
			return &ErrLockWaitTimeout{Txn: t.id, Lock: l.Name()}
		}
		return errors.Trace(err)
	}
	if acquired {
		t.mu.Lock()
		t.grants = append(t.grants, g)
		t.mu.Unlock()
	}
	return nil
}

// Holds reports whether the transaction, or one enclosing it, holds l in at least mode.
func (t *Txn) Holds(l *lock.RWLock, mode lock.Mode) bool {
	return l.HeldBy(t.root.id) >= mode
}

// OnRollback registers an undo action. Undo actions run in reverse registration order if this
// transaction, or an enclosing one it was committed into, rolls back.
func (t *Txn) OnRollback(fn func()) {
	t.mu.Lock()
	t.undo = append(t.undo, fn)
	t.mu.Unlock()
}

// OnCommit registers an action run when the outermost transaction commits, before its locks are
// released.
func (t *Txn) OnCommit(fn func()) {
	t.mu.Lock()
	t.onCommit = append(t.onCommit, fn)
	t.mu.Unlock()
}

// AfterCommit registers an action run after the outermost transaction has committed and released its
// locks. Row change notifications use it.
func (t *Txn) AfterCommit(fn func()) {
	t.mu.Lock()
	t.afterCommit = append(t.afterCommit, fn)
	t.mu.Unlock()
}

// Commit completes the transaction. A nested transaction hands its locks and actions to its parent and
// nothing becomes final until the outermost transaction commits.
func (t *Txn) Commit() error {
	t.mu.Lock()
	if err := t.checkLocked(); err != nil {
		t.mu.Unlock()
		return err
	}
	t.state = Committed
	grants, undo, onCommit, afterCommit := t.grants, t.undo, t.onCommit, t.afterCommit
	t.grants, t.undo, t.onCommit, t.afterCommit = nil, nil, nil, nil
	t.mu.Unlock()

	if t.parent != nil {
		t.parent.adopt(t, grants, undo, onCommit, afterCommit)
		log.Debug("nested transaction committed", zap.Uint64("txn", t.id), zap.Uint64("parent", t.parent.id))
		return nil
	}

	for _, fn := range onCommit {
		fn()
	}
	releaseAll(grants)
	t.mgr.detector.Remove(t.id)
	t.finished("commit", len(grants))
	for _, fn := range afterCommit {
		fn()
	}
	return nil
}

// Complete is an alias of Commit.
func (t *Txn) Complete() error {
	return t.Commit()
}

// Rollback undoes every change made by this transaction and by the nested transactions committed into
// it, then releases the locks it acquired. Open nested transactions are rolled back first. Rolling back
// a finished transaction does nothing.
func (t *Txn) Rollback() {
	t.mu.Lock()
	if t.state != Open {
		t.mu.Unlock()
		return
	}
	children := append([]*Txn(nil), t.children...)
	t.mu.Unlock()

	for i := len(children) - 1; i >= 0; i-- {
		children[i].Rollback()
	}

	t.mu.Lock()
	t.state = RolledBack
	grants, undo := t.grants, t.undo
	t.grants, t.undo, t.onCommit, t.afterCommit, t.children = nil, nil, nil, nil, nil
	t.mu.Unlock()

	for i := len(undo) - 1; i >= 0; i-- {
		t.runUndo(undo[i])
	}
	releaseAll(grants)

	if t.parent != nil {
		t.parent.removeChild(t)
		log.Debug("nested transaction rolled back", zap.Uint64("txn", t.id), zap.Uint64("parent", t.parent.id))
		return
	}
	t.mgr.detector.Remove(t.id)
	t.finished("rollback", len(grants))
}

// Close ends the transaction's scope: it rolls back unless the transaction was committed.
func (t *Txn) Close() {
	t.Rollback()
}

func (t *Txn) checkLocked() error {
	if t.state != Open {
		return ErrNotOpen
	}
	if len(t.children) > 0 {
		return ErrChildActive
	}
	return nil
}

func (t *Txn) addChild(child *Txn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Open {
		return false
	}
	t.children = append(t.children, child)
	return true
}

func (t *Txn) removeChild(child *Txn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, c := range t.children {
		if c == child {
			t.children = append(t.children[:i], t.children[i+1:]...)
			return
		}
	}
}

func (t *Txn) adopt(child *Txn, grants []lock.Grant, undo, onCommit, afterCommit []func()) {
	t.mu.Lock()
	t.grants = append(t.grants, grants...)
	t.undo = append(t.undo, undo...)
	t.onCommit = append(t.onCommit, onCommit...)
	t.afterCommit = append(t.afterCommit, afterCommit...)
	t.mu.Unlock()
	t.removeChild(child)
}

func (t *Txn) runUndo(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("undo action panicked", zap.Uint64("txn", t.id), zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

func (t *Txn) finished(result string, locks int) {
	elapsed := time.Since(t.start)
	txnCounter.WithLabelValues(result).Inc()
	txnDuration.WithLabelValues(result).Observe(elapsed.Seconds())
	log.Debug("transaction finished",
		zap.Uint64("txn", t.id),
		zap.String("result", result),
		zap.Int("locks", locks),
		zap.Duration("elapsed", elapsed))
}

func releaseAll(grants []lock.Grant) {
	for i := len(grants) - 1; i >= 0; i-- {
		grants[i].Lock.Release(grants[i])
	}
}
