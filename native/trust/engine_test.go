package trust

import (
	"errors"
	"math/big"
	"testing"

	"trustmesh/identity"
	"trustmesh/state"
	storagedb "trustmesh/storage"
)

type staticPrice struct {
	price *big.Int
}

func (p staticPrice) CostPerByte() *big.Int { return new(big.Int).Set(p.price) }

type transferCall struct {
	account string
	amount  *big.Int
}

type mockTreasury struct {
	balance   *big.Int
	transfers []transferCall
	failNext  error
}

func (m *mockTreasury) Balance() *big.Int {
	if m.balance == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(m.balance)
}

func (m *mockTreasury) Transfer(account string, amount *big.Int) error {
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	m.transfers = append(m.transfers, transferCall{account: account, amount: new(big.Int).Set(amount)})
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *mockTreasury) {
	t.Helper()
	engine := NewEngine(state.NewManager(storagedb.NewMemDB()))
	engine.SetPriceOracle(staticPrice{price: big.NewInt(1)})
	treasury := &mockTreasury{balance: big.NewInt(0)}
	engine.SetTreasury(treasury)
	return engine, treasury
}

// fund returns an attachment that comfortably covers any record in these
// tests at a byte price of 1.
func fund() *big.Int { return big.NewInt(10_000) }

func requireDeposit(t *testing.T, e *Engine, account string) *big.Int {
	t.Helper()
	deposit, ok, err := e.GetDeposit(identity.Derive(account).String())
	if err != nil || !ok {
		t.Fatalf("deposit for %s: ok=%v err=%v", account, ok, err)
	}
	return deposit
}

func TestSetProfileChargesExactCost(t *testing.T) {
	engine, treasury := newTestEngine(t)

	if err := engine.SetProfile("alice", "hello world", fund()); err != nil {
		t.Fatalf("set profile: %v", err)
	}

	id := identity.Derive("alice")
	view, ok, err := engine.GetUserView(id.String())
	if err != nil || !ok {
		t.Fatalf("user view: ok=%v err=%v", ok, err)
	}
	if view.Profile != "hello world" {
		t.Fatalf("profile not stored: %q", view.Profile)
	}

	expected := NewUserRecord(id)
	expected.SetProfile("hello world")
	wantDeposit := new(big.Int).SetUint64(MeasureStorage(expected))
	if deposit := requireDeposit(t, engine, "alice"); deposit.Cmp(wantDeposit) != 0 {
		t.Fatalf("deposit %s, want %s", deposit, wantDeposit)
	}

	// The excess over the measured cost comes straight back.
	if len(treasury.transfers) != 1 {
		t.Fatalf("expected one refund transfer, got %d", len(treasury.transfers))
	}
	wantRefund := new(big.Int).Sub(fund(), wantDeposit)
	if got := treasury.transfers[0]; got.account != "alice" || got.amount.Cmp(wantRefund) != 0 {
		t.Fatalf("refund %s to %s, want %s to alice", got.amount, got.account, wantRefund)
	}
}

func TestMutationInsufficientDepositAborts(t *testing.T) {
	engine, treasury := newTestEngine(t)

	err := engine.SetProfile("alice", "hello", big.NewInt(10))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	var insufficient *InsufficientFundsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected typed deficit, got %T", err)
	}
	id := identity.Derive("alice")
	expected := NewUserRecord(id)
	expected.SetProfile("hello")
	wantDeficit := new(big.Int).SetUint64(MeasureStorage(expected))
	wantDeficit.Sub(wantDeficit, big.NewInt(10))
	if insufficient.Deficit().Cmp(wantDeficit) != 0 {
		t.Fatalf("deficit %s, want %s", insufficient.Deficit(), wantDeficit)
	}

	// All-or-nothing: no record, no deposit, no transfers.
	if _, ok, _ := engine.GetUserView(id.String()); ok {
		t.Fatalf("aborted mutation must not create a record")
	}
	if _, ok, _ := engine.GetDeposit(id.String()); ok {
		t.Fatalf("aborted mutation must not create a deposit entry")
	}
	if len(treasury.transfers) != 0 {
		t.Fatalf("aborted mutation must not transfer funds")
	}
}

func TestShrinkingRecordRefundsHeldDeposit(t *testing.T) {
	engine, treasury := newTestEngine(t)

	if err := engine.SetTrust("alice", identity.Derive("bob").String(), 0.5, fund()); err != nil {
		t.Fatalf("set trust: %v", err)
	}
	before := requireDeposit(t, engine, "alice")
	treasury.transfers = nil

	// Removing the edge shrinks the record; the freed deposit comes back
	// without attaching anything.
	if err := engine.RemoveTrust("alice", identity.Derive("bob").String(), nil); err != nil {
		t.Fatalf("remove trust: %v", err)
	}
	after := requireDeposit(t, engine, "alice")
	if after.Cmp(before) >= 0 {
		t.Fatalf("deposit must shrink: %s -> %s", before, after)
	}
	if len(treasury.transfers) != 1 {
		t.Fatalf("expected one refund transfer, got %d", len(treasury.transfers))
	}
	wantRefund := new(big.Int).Sub(before, after)
	if treasury.transfers[0].amount.Cmp(wantRefund) != 0 {
		t.Fatalf("refund %s, want %s", treasury.transfers[0].amount, wantRefund)
	}
}

func TestBlockRemovesReverseTrustEdge(t *testing.T) {
	engine, _ := newTestEngine(t)

	aliceID := identity.Derive("alice")
	bobID := identity.Derive("bob")

	if err := engine.SetTrust("bob", aliceID.String(), 0.7, fund()); err != nil {
		t.Fatalf("bob trusts alice: %v", err)
	}
	bobDeposit := requireDeposit(t, engine, "bob")

	if err := engine.BlockUser("alice", bobID.String(), fund()); err != nil {
		t.Fatalf("alice blocks bob: %v", err)
	}

	aliceView, ok, err := engine.GetUserView(aliceID.String())
	if err != nil || !ok {
		t.Fatalf("alice view: ok=%v err=%v", ok, err)
	}
	if len(aliceView.BlockedUsers) != 1 || aliceView.BlockedUsers[0] != bobID.String() {
		t.Fatalf("alice must block bob: %+v", aliceView.BlockedUsers)
	}

	bobView, ok, err := engine.GetUserView(bobID.String())
	if err != nil || !ok {
		t.Fatalf("bob view: ok=%v err=%v", ok, err)
	}
	if len(bobView.TrustNetwork) != 0 {
		t.Fatalf("bob's trust edge toward alice must be removed: %+v", bobView.TrustNetwork)
	}

	// The side write never touches bob's deposit.
	if got := requireDeposit(t, engine, "bob"); got.Cmp(bobDeposit) != 0 {
		t.Fatalf("bob's deposit changed: %s -> %s", bobDeposit, got)
	}
}

func TestSetTrustFailsWhenBlockedByPeer(t *testing.T) {
	engine, _ := newTestEngine(t)

	aliceID := identity.Derive("alice")
	bobID := identity.Derive("bob")

	if err := engine.BlockUser("alice", bobID.String(), fund()); err != nil {
		t.Fatalf("alice blocks bob: %v", err)
	}
	err := engine.SetTrust("bob", aliceID.String(), 0.5, fund())
	if !errors.Is(err, ErrBlockedByPeer) {
		t.Fatalf("expected ErrBlockedByPeer, got %v", err)
	}
	// No state was created for bob.
	if _, ok, _ := engine.GetUserView(bobID.String()); ok {
		t.Fatalf("rejected trust must not create a record")
	}
}

func TestSetTrustRejectsOutOfRangeLevel(t *testing.T) {
	engine, _ := newTestEngine(t)
	err := engine.SetTrust("alice", identity.Derive("bob").String(), 1.5, fund())
	if !errors.Is(err, ErrInvalidTrustLevel) {
		t.Fatalf("expected ErrInvalidTrustLevel, got %v", err)
	}
	if ids, _ := engine.ListUserIDs(); len(ids) != 0 {
		t.Fatalf("rejected trust must not create state: %v", ids)
	}
}

func TestSetTrustZeroLevelRemovesEdge(t *testing.T) {
	engine, _ := newTestEngine(t)
	bobID := identity.Derive("bob")

	if err := engine.SetTrust("alice", bobID.String(), 0.5, fund()); err != nil {
		t.Fatalf("set trust: %v", err)
	}
	if err := engine.SetTrust("alice", bobID.String(), 0, nil); err != nil {
		t.Fatalf("zero trust: %v", err)
	}
	view, ok, err := engine.GetUserView(identity.Derive("alice").String())
	if err != nil || !ok {
		t.Fatalf("alice view: ok=%v err=%v", ok, err)
	}
	if len(view.TrustNetwork) != 0 {
		t.Fatalf("zero level must remove the edge: %+v", view.TrustNetwork)
	}
}

func TestUnblockNonBlockedPeerIsNoop(t *testing.T) {
	engine, _ := newTestEngine(t)
	if err := engine.UnblockUser("alice", identity.Derive("bob").String(), fund()); err != nil {
		t.Fatalf("unblock non-blocked peer: %v", err)
	}
	view, ok, err := engine.GetUserView(identity.Derive("alice").String())
	if err != nil || !ok {
		t.Fatalf("alice view: ok=%v err=%v", ok, err)
	}
	if len(view.BlockedUsers) != 0 {
		t.Fatalf("expected empty block set: %+v", view.BlockedUsers)
	}
}

func TestDeleteAccountRefundsFullBalance(t *testing.T) {
	engine, treasury := newTestEngine(t)

	if err := engine.SetProfile("alice", "bio", fund()); err != nil {
		t.Fatalf("set profile: %v", err)
	}
	held := requireDeposit(t, engine, "alice")
	treasury.transfers = nil

	if err := engine.DeleteAccount("alice"); err != nil {
		t.Fatalf("delete account: %v", err)
	}
	id := identity.Derive("alice")
	if _, ok, _ := engine.GetUserView(id.String()); ok {
		t.Fatalf("record must be purged")
	}
	if _, ok, _ := engine.GetDeposit(id.String()); ok {
		t.Fatalf("deposit entry must be purged")
	}
	if len(treasury.transfers) != 1 {
		t.Fatalf("expected one refund transfer, got %d", len(treasury.transfers))
	}
	if got := treasury.transfers[0]; got.account != "alice" || got.amount.Cmp(held) != 0 {
		t.Fatalf("refund %s to %s, want %s to alice", got.amount, got.account, held)
	}

	if err := engine.DeleteAccount("alice"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("second delete: expected ErrUserNotFound, got %v", err)
	}
}

func TestListUserIDs(t *testing.T) {
	engine, _ := newTestEngine(t)
	if err := engine.SetProfile("alice", "a", fund()); err != nil {
		t.Fatalf("set profile: %v", err)
	}
	if err := engine.SetProfile("bob", "b", fund()); err != nil {
		t.Fatalf("set profile: %v", err)
	}
	ids, err := engine.ListUserIDs()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 users, got %v", ids)
	}
	want := map[string]bool{
		identity.Derive("alice").String(): true,
		identity.Derive("bob").String():   true,
	}
	for _, id := range ids {
		if !want[id] {
			t.Fatalf("unexpected id %s", id)
		}
	}
}

func TestTotalDeposits(t *testing.T) {
	engine, _ := newTestEngine(t)
	if err := engine.SetProfile("alice", "a", fund()); err != nil {
		t.Fatalf("set profile: %v", err)
	}
	if err := engine.SetProfile("bob", "bb", fund()); err != nil {
		t.Fatalf("set profile: %v", err)
	}
	total, err := engine.TotalDeposits()
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	want := new(big.Int).Add(requireDeposit(t, engine, "alice"), requireDeposit(t, engine, "bob"))
	if total.Cmp(want) != 0 {
		t.Fatalf("total %s, want %s", total, want)
	}
}

func TestExtractSurplus(t *testing.T) {
	engine, treasury := newTestEngine(t)
	engine.SetOperator("operator")
	engine.SetReservedOverhead(big.NewInt(100))

	if err := engine.SetProfile("alice", "a", fund()); err != nil {
		t.Fatalf("set profile: %v", err)
	}
	held := requireDeposit(t, engine, "alice")
	treasury.balance = new(big.Int).Add(held, big.NewInt(600))
	treasury.transfers = nil

	// Non-privileged callers are always rejected.
	if err := engine.ExtractSurplus("mallory", "mallory", big.NewInt(1)); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	// Non-positive amounts are rejected.
	if err := engine.ExtractSurplus("operator", "ops-wallet", big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := engine.ExtractSurplus("operator", "ops-wallet", big.NewInt(-5)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	// surplus = balance - deposits - reserved = 500.
	if err := engine.ExtractSurplus("operator", "ops-wallet", big.NewInt(501)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := engine.ExtractSurplus("operator", "ops-wallet", big.NewInt(500)); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(treasury.transfers) != 1 {
		t.Fatalf("expected one transfer, got %d", len(treasury.transfers))
	}
	if got := treasury.transfers[0]; got.account != "ops-wallet" || got.amount.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("transfer %s to %s, want 500 to ops-wallet", got.amount, got.account)
	}
}

func TestTransferFailureDoesNotFailCall(t *testing.T) {
	engine, treasury := newTestEngine(t)
	treasury.failNext = errors.New("host transfer rejected")

	// The refund transfer fails, but the mutation itself must commit.
	if err := engine.SetProfile("alice", "bio", fund()); err != nil {
		t.Fatalf("set profile: %v", err)
	}
	if _, ok, _ := engine.GetUserView(identity.Derive("alice").String()); !ok {
		t.Fatalf("mutation must commit despite transfer failure")
	}
}
