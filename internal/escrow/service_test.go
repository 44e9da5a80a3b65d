package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/taskmesh/backend/internal/config"
	"github.com/taskmesh/backend/internal/ledger"
	"github.com/taskmesh/backend/internal/models"
	"github.com/taskmesh/backend/internal/protocol"
)

// ---------------------------------------------------------------------------
// In-memory mocks for Store, AgentDirectory, the ledger boundary, and the
// event recorder. The store mirrors the conditional status flips the real
// repository performs, which is what the idempotence tests exercise.
// ---------------------------------------------------------------------------

type fakeTx struct {
	pgx.Tx
}

func (fakeTx) Commit(context.Context) error   { return nil }
func (fakeTx) Rollback(context.Context) error { return nil }

type mockStore struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]models.Task
}

func newMockStore() *mockStore {
	return &mockStore{tasks: make(map[int64]models.Task)}
}

func (m *mockStore) Begin(context.Context) (pgx.Tx, error) { return fakeTx{}, nil }

func (m *mockStore) Insert(_ context.Context, _ pgx.Tx, t *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t.ID = m.nextID
	t.CreatedAt = time.Now()
	m.tasks[t.ID] = *t
	return nil
}

func (m *mockStore) Get(_ context.Context, id int64) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id], nil
}

func (m *mockStore) GetForUpdate(_ context.Context, _ pgx.Tx, id int64) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id], nil
}

func (m *mockStore) MarkAssigned(_ context.Context, _ pgx.Tx, id, agentID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tasks[id]
	if t.Status != models.TaskStatusPending {
		return false, nil
	}
	t.Status = models.TaskStatusInProgress
	t.AssignedAgentID = agentID
	m.tasks[id] = t
	return true, nil
}

func (m *mockStore) MarkCompleted(_ context.Context, _ pgx.Tx, id int64, resultHash string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tasks[id]
	if t.Status != models.TaskStatusInProgress {
		return false, nil
	}
	t.Status = models.TaskStatusCompleted
	t.ResultHash = resultHash
	t.CompletedAt = &at
	m.tasks[id] = t
	return true, nil
}

func (m *mockStore) MarkFailed(_ context.Context, _ pgx.Tx, id int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tasks[id]
	if t.Status != models.TaskStatusPending && t.Status != models.TaskStatusInProgress {
		return false, nil
	}
	t.Status = models.TaskStatusFailed
	t.CompletedAt = &at
	m.tasks[id] = t
	return true, nil
}

func (m *mockStore) MarkCancelled(_ context.Context, _ pgx.Tx, id int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tasks[id]
	if t.Status != models.TaskStatusPending {
		return false, nil
	}
	t.Status = models.TaskStatusCancelled
	t.CompletedAt = &at
	m.tasks[id] = t
	return true, nil
}

func (m *mockStore) ListExpired(_ context.Context, now time.Time, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for id, t := range m.tasks {
		if !t.Terminal() && !now.Before(t.Deadline) && len(out) < limit {
			out = append(out, id)
		}
	}
	return out, nil
}

// ---

type mockAgents struct {
	mu      sync.Mutex
	agents  map[int64]models.Agent
	touched []int64
}

func (m *mockAgents) GetForUpdate(_ context.Context, _ pgx.Tx, id int64) (models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agents[id], nil
}

func (m *mockAgents) TouchActive(_ context.Context, _ pgx.Tx, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched = append(m.touched, id)
	return nil
}

// ---

type journalEntry struct {
	txType string
	from   uuid.UUID
	to     uuid.UUID
	amount int64
}

type mockLedger struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int64
	journal  []journalEntry
}

func newMockLedger() *mockLedger {
	return &mockLedger{balances: make(map[uuid.UUID]int64)}
}

func (m *mockLedger) Transfer(_ context.Context, _ pgx.Tx, txType string, from, to uuid.UUID, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount <= 0 {
		return protocol.E(protocol.KindInvalidInput, "transfer amount must be positive, got %d", amount)
	}
	if m.balances[from] < amount {
		return protocol.E(protocol.KindInsufficientBalance, "account %s cannot cover %d", from, amount)
	}
	m.balances[from] -= amount
	m.balances[to] += amount
	m.journal = append(m.journal, journalEntry{txType: txType, from: from, to: to, amount: amount})
	return nil
}

func (m *mockLedger) BalanceOf(_ context.Context, account uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account], nil
}

func (m *mockLedger) Deposit(_ context.Context, account uuid.UUID, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] += amount
	return nil
}

func (m *mockLedger) byType(txType string) []journalEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []journalEntry
	for _, e := range m.journal {
		if e.txType == txType {
			out = append(out, e)
		}
	}
	return out
}

func (m *mockLedger) total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, b := range m.balances {
		sum += b
	}
	return sum
}

// ---

type mockRecorder struct {
	mu    sync.Mutex
	kinds []string
}

func (m *mockRecorder) Append(_ context.Context, _ pgx.Tx, kind, _ string, _ int64, _ any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kinds = append(m.kinds, kind)
	return nil
}

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

type fixture struct {
	svc     *Service
	store   *mockStore
	agents  *mockAgents
	ledger  *mockLedger
	events  *mockRecorder
	creator uuid.UUID
	worker  uuid.UUID
	agentID int64
}

func newFixture(params config.Params) *fixture {
	f := &fixture{
		store:   newMockStore(),
		agents:  &mockAgents{agents: make(map[int64]models.Agent)},
		ledger:  newMockLedger(),
		events:  &mockRecorder{},
		creator: uuid.New(),
		worker:  uuid.New(),
		agentID: 7,
	}
	f.ledger.balances[f.creator] = 10000
	f.agents.agents[f.agentID] = models.Agent{
		ID:           f.agentID,
		Owner:        f.worker,
		Capabilities: []string{"research"},
		IsActive:     true,
	}
	f.svc = NewService(f.store, f.agents, f.ledger, f.events, params)
	return f
}

func (f *fixture) createTask(t *testing.T, reward int64, deadline time.Time) models.Task {
	t.Helper()
	task, err := f.svc.Create(context.Background(), f.creator, "index the archive", []string{"research"}, reward, deadline)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return task
}

func future() time.Time { return time.Now().Add(time.Hour) }

// past-deadline tasks are built directly in the store: Create rejects
// deadlines that are not in the future.
func (f *fixture) seedExpired(t *testing.T, status string) models.Task {
	t.Helper()
	task := f.createTask(t, 1000, future())
	f.store.mu.Lock()
	stored := f.store.tasks[task.ID]
	stored.Status = status
	stored.Deadline = time.Now().Add(-time.Minute)
	f.store.tasks[task.ID] = stored
	f.store.mu.Unlock()
	stored.Status = status
	return stored
}

// ---------------------------------------------------------------------------
// 1. TestCreate
// ---------------------------------------------------------------------------

func TestCreate(t *testing.T) {
	f := newFixture(config.DefaultParams())
	task := f.createTask(t, 1000, future())

	// Fee is 2.5 percent of the reward, snapshotted on the task.
	if task.PlatformFee != 25 {
		t.Errorf("platform fee: got %d, want 25", task.PlatformFee)
	}
	if task.Status != models.TaskStatusPending {
		t.Errorf("status: got %s, want pending", task.Status)
	}

	// Creator escrows reward plus fee.
	if got := f.ledger.balances[f.creator]; got != 10000-1025 {
		t.Errorf("creator balance: got %d, want %d", got, 10000-1025)
	}
	if got := f.ledger.balances[models.EscrowCustodyAccountID]; got != 1025 {
		t.Errorf("escrow custody: got %d, want 1025", got)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(config.DefaultParams())
	ctx := context.Background()

	if _, err := f.svc.Create(ctx, f.creator, "   ", nil, 100, future()); !errors.Is(err, protocol.ErrInvalidInput) {
		t.Errorf("blank description: got %v", err)
	}
	if _, err := f.svc.Create(ctx, f.creator, "work", nil, 0, future()); !errors.Is(err, protocol.ErrInvalidInput) {
		t.Errorf("zero reward: got %v", err)
	}
	if _, err := f.svc.Create(ctx, f.creator, "work", nil, 100, time.Now().Add(-time.Minute)); !errors.Is(err, protocol.ErrInvalidInput) {
		t.Errorf("past deadline: got %v", err)
	}
	if _, err := f.svc.Create(ctx, f.creator, "work", nil, 1e9, future()); !errors.Is(err, protocol.ErrInsufficientBalance) {
		t.Errorf("unaffordable reward: got %v", err)
	}
}

// ---------------------------------------------------------------------------
// 2. TestAssign
// ---------------------------------------------------------------------------

func TestAssign(t *testing.T) {
	f := newFixture(config.DefaultParams())
	task := f.createTask(t, 1000, future())
	ctx := context.Background()

	got, err := f.svc.Assign(ctx, f.worker, task.ID, f.agentID)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if got.Status != models.TaskStatusInProgress {
		t.Errorf("status: got %s, want in_progress", got.Status)
	}
	if got.AssignedAgentID != f.agentID {
		t.Errorf("assigned agent: got %d, want %d", got.AssignedAgentID, f.agentID)
	}
	// Taking work refreshes the agent's activity timestamp.
	if len(f.agents.touched) != 1 || f.agents.touched[0] != f.agentID {
		t.Errorf("touched agents after assign: got %v, want [%d]", f.agents.touched, f.agentID)
	}

	// At most one assignment ever succeeds.
	if _, err := f.svc.Assign(ctx, f.worker, task.ID, f.agentID); !errors.Is(err, protocol.ErrNotAvailable) {
		t.Errorf("second assign: got %v, want %v", err, protocol.ErrNotAvailable)
	}
}

func TestAssignChecks(t *testing.T) {
	f := newFixture(config.DefaultParams())
	task := f.createTask(t, 1000, future())
	ctx := context.Background()

	stranger := uuid.New()
	if _, err := f.svc.Assign(ctx, stranger, task.ID, f.agentID); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Errorf("non-owner: got %v, want %v", err, protocol.ErrUnauthorized)
	}
	if _, err := f.svc.Assign(ctx, f.worker, 999, f.agentID); !errors.Is(err, protocol.ErrNotFound) {
		t.Errorf("unknown task: got %v, want %v", err, protocol.ErrNotFound)
	}
	if _, err := f.svc.Assign(ctx, f.worker, task.ID, 999); !errors.Is(err, protocol.ErrNotFound) {
		t.Errorf("unknown agent: got %v, want %v", err, protocol.ErrNotFound)
	}

	// Deactivated agents cannot take work.
	f.agents.mu.Lock()
	a := f.agents.agents[f.agentID]
	a.IsActive = false
	f.agents.agents[f.agentID] = a
	f.agents.mu.Unlock()
	if _, err := f.svc.Assign(ctx, f.worker, task.ID, f.agentID); !errors.Is(err, protocol.ErrInactiveAgent) {
		t.Errorf("inactive agent: got %v, want %v", err, protocol.ErrInactiveAgent)
	}

	// Past-deadline tasks are not assignable.
	expired := f.seedExpired(t, models.TaskStatusPending)
	f.agents.mu.Lock()
	a.IsActive = true
	f.agents.agents[f.agentID] = a
	f.agents.mu.Unlock()
	if _, err := f.svc.Assign(ctx, f.worker, expired.ID, f.agentID); !errors.Is(err, protocol.ErrExpired) {
		t.Errorf("expired task: got %v, want %v", err, protocol.ErrExpired)
	}
}

func TestAssignCapabilityMatch(t *testing.T) {
	params := config.DefaultParams()
	params.EnforceCapabilityMatch = true
	f := newFixture(params)
	ctx := context.Background()

	task, err := f.svc.Create(ctx, f.creator, "translate the corpus", []string{"translate"}, 1000, future())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Agent only has "research".
	if _, err := f.svc.Assign(ctx, f.worker, task.ID, f.agentID); !errors.Is(err, protocol.ErrInvalidInput) {
		t.Errorf("capability mismatch: got %v, want %v", err, protocol.ErrInvalidInput)
	}
}

// ---------------------------------------------------------------------------
// 3. TestComplete: reward to the agent owner, fee retained by the platform.
// ---------------------------------------------------------------------------

func TestComplete(t *testing.T) {
	f := newFixture(config.DefaultParams())
	task := f.createTask(t, 1000, future())
	ctx := context.Background()

	if _, err := f.svc.Assign(ctx, f.worker, task.ID, f.agentID); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	got, err := f.svc.Complete(ctx, f.worker, task.ID, "0xabc123")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got.Status != models.TaskStatusCompleted {
		t.Errorf("status: got %s, want completed", got.Status)
	}
	if got.ResultHash != "0xabc123" {
		t.Errorf("result hash: got %q", got.ResultHash)
	}

	// Reward to worker, fee to platform, custody drained.
	if bal := f.ledger.balances[f.worker]; bal != 1000 {
		t.Errorf("worker balance: got %d, want 1000", bal)
	}
	if bal := f.ledger.balances[models.PlatformAccountID]; bal != 25 {
		t.Errorf("platform balance: got %d, want 25", bal)
	}
	if bal := f.ledger.balances[models.EscrowCustodyAccountID]; bal != 0 {
		t.Errorf("escrow custody: got %d, want 0", bal)
	}
	// Assign and Complete each refresh the agent's activity timestamp.
	if len(f.agents.touched) != 2 {
		t.Errorf("touched agents: got %v, want two entries", f.agents.touched)
	}

	// Completion is final.
	if _, err := f.svc.Complete(ctx, f.worker, task.ID, "0xdef"); !errors.Is(err, protocol.ErrWrongState) {
		t.Errorf("second complete: got %v, want %v", err, protocol.ErrWrongState)
	}
}

func TestCompleteChecks(t *testing.T) {
	f := newFixture(config.DefaultParams())
	task := f.createTask(t, 1000, future())
	ctx := context.Background()

	// Pending tasks cannot complete.
	if _, err := f.svc.Complete(ctx, f.worker, task.ID, "0xabc"); !errors.Is(err, protocol.ErrWrongState) {
		t.Errorf("pending complete: got %v, want %v", err, protocol.ErrWrongState)
	}

	if _, err := f.svc.Assign(ctx, f.worker, task.ID, f.agentID); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	// Empty result hash.
	if _, err := f.svc.Complete(ctx, f.worker, task.ID, " "); !errors.Is(err, protocol.ErrInvalidInput) {
		t.Errorf("empty hash: got %v, want %v", err, protocol.ErrInvalidInput)
	}
	// Only the assigned agent's owner may complete.
	if _, err := f.svc.Complete(ctx, f.creator, task.ID, "0xabc"); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Errorf("wrong caller: got %v, want %v", err, protocol.ErrUnauthorized)
	}

	// In-progress past the deadline: completion window is closed.
	expired := f.seedExpired(t, models.TaskStatusInProgress)
	f.store.mu.Lock()
	stored := f.store.tasks[expired.ID]
	stored.AssignedAgentID = f.agentID
	f.store.tasks[expired.ID] = stored
	f.store.mu.Unlock()
	if _, err := f.svc.Complete(ctx, f.worker, expired.ID, "0xabc"); !errors.Is(err, protocol.ErrExpired) {
		t.Errorf("late complete: got %v, want %v", err, protocol.ErrExpired)
	}
}

// ---------------------------------------------------------------------------
// 4. TestExpire: full refund including the fee, idempotent.
// ---------------------------------------------------------------------------

func TestExpire(t *testing.T) {
	f := newFixture(config.DefaultParams())
	ctx := context.Background()

	// An unassigned task can expire too.
	task := f.seedExpired(t, models.TaskStatusPending)

	got, err := f.svc.Expire(ctx, task.ID)
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if got.Status != models.TaskStatusFailed {
		t.Errorf("status: got %s, want failed", got.Status)
	}

	// The creator bears no fee when no work was delivered.
	if bal := f.ledger.balances[f.creator]; bal != 10000 {
		t.Errorf("creator balance: got %d, want 10000", bal)
	}
	refunds := f.ledger.byType(ledger.TxEscrowRefund)
	if len(refunds) != 1 || refunds[0].amount != 1025 {
		t.Errorf("refund journal: got %+v, want one entry of 1025", refunds)
	}

	// Only the first expiry has effect.
	if _, err := f.svc.Expire(ctx, task.ID); !errors.Is(err, protocol.ErrWrongState) {
		t.Errorf("second expire: got %v, want %v", err, protocol.ErrWrongState)
	}
}

func TestExpireTooEarly(t *testing.T) {
	f := newFixture(config.DefaultParams())
	task := f.createTask(t, 1000, future())

	if _, err := f.svc.Expire(context.Background(), task.ID); !errors.Is(err, protocol.ErrNotAvailable) {
		t.Errorf("early expire: got %v, want %v", err, protocol.ErrNotAvailable)
	}
}

// ---------------------------------------------------------------------------
// 5. TestCancel
// ---------------------------------------------------------------------------

func TestCancel(t *testing.T) {
	f := newFixture(config.DefaultParams())
	task := f.createTask(t, 1000, future())
	ctx := context.Background()

	// Creator-only.
	if _, err := f.svc.Cancel(ctx, f.worker, task.ID); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Errorf("non-creator cancel: got %v, want %v", err, protocol.ErrUnauthorized)
	}

	got, err := f.svc.Cancel(ctx, f.creator, task.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != models.TaskStatusCancelled {
		t.Errorf("status: got %s, want cancelled", got.Status)
	}
	if bal := f.ledger.balances[f.creator]; bal != 10000 {
		t.Errorf("creator balance after refund: got %d, want 10000", bal)
	}

	// Assigned tasks cannot be cancelled.
	task2 := f.createTask(t, 500, future())
	if _, err := f.svc.Assign(ctx, f.worker, task2.ID, f.agentID); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, err := f.svc.Cancel(ctx, f.creator, task2.ID); !errors.Is(err, protocol.ErrWrongState) {
		t.Errorf("cancel in_progress: got %v, want %v", err, protocol.ErrWrongState)
	}
}

// ---------------------------------------------------------------------------
// 6. TestEscrowConservation
//    Exactly one payout shape per task, and balance is never created or
//    destroyed across the whole lifecycle.
// ---------------------------------------------------------------------------

func TestEscrowConservation(t *testing.T) {
	f := newFixture(config.DefaultParams())
	ctx := context.Background()
	before := f.ledger.total()

	// Task A: completed.
	a := f.createTask(t, 1000, future())
	if _, err := f.svc.Assign(ctx, f.worker, a.ID, f.agentID); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, err := f.svc.Complete(ctx, f.worker, a.ID, "0xaaa"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// Task B: cancelled.
	b := f.createTask(t, 400, future())
	if _, err := f.svc.Cancel(ctx, f.creator, b.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// Task C: expired while in progress.
	c := f.seedExpired(t, models.TaskStatusInProgress)
	if _, err := f.svc.Expire(ctx, c.ID); err != nil {
		t.Fatalf("Expire: %v", err)
	}

	if after := f.ledger.total(); after != before {
		t.Errorf("total balance changed: before %d, after %d", before, after)
	}
	// Custody holds nothing once every task is terminal.
	if bal := f.ledger.balances[models.EscrowCustodyAccountID]; bal != 0 {
		t.Errorf("escrow custody: got %d, want 0", bal)
	}
	// Fee retained exactly once (task A only).
	fees := f.ledger.byType(ledger.TxFeeRetained)
	if len(fees) != 1 || fees[0].amount != 25 {
		t.Errorf("fee journal: got %+v, want one entry of 25", fees)
	}
}
