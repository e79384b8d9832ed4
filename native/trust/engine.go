package trust

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"

	"trustmesh/events"
	"trustmesh/identity"
)

var (
	errNilState    = errors.New("trust engine: state not configured")
	errNilPricer   = errors.New("trust engine: price oracle not configured")
	errNilTreasury = errors.New("trust engine: treasury not configured")

	// ErrBlockedByPeer is returned when a caller attempts to trust a peer
	// that currently blocks them.
	ErrBlockedByPeer = errors.New("trust: blocked by peer")
	// ErrUserNotFound marks operations on accounts that have no record.
	ErrUserNotFound = errors.New("trust: user not found")
	// ErrNotAuthorized marks privileged operations invoked by anyone other
	// than the operator account.
	ErrNotAuthorized = errors.New("trust: caller not authorized")
	// ErrInvalidAmount marks non-positive token amounts.
	ErrInvalidAmount = errors.New("trust: amount must be positive")
)

// PriceOracle supplies the host-defined storage price. The engine never
// caches it; every reconciliation asks again.
type PriceOracle interface {
	CostPerByte() *big.Int
}

// Treasury models the funds the host holds on the system's behalf. Transfer
// is fire-and-forget from the engine's perspective: failures are logged, the
// enclosing call never fails on them.
type Treasury interface {
	Balance() *big.Int
	Transfer(account string, amount *big.Int) error
}

// Engine executes the trust/block mutation protocol: every mutating entry
// point hashes the caller, loads or creates their record, applies exactly one
// edit on a scratch copy, reconciles the deposit, and only then commits the
// record and ledger entry together. Calls are strictly serialised by an
// internal mutex; there is no other concurrency.
type Engine struct {
	mu               sync.Mutex
	store            storage
	ledger           *Ledger
	pricer           PriceOracle
	treasury         Treasury
	operator         string
	reservedOverhead *big.Int
	emitter          events.Emitter
	logger           *slog.Logger
}

// NewEngine constructs an engine backed by the provided storage backend.
// Price oracle, treasury and operator are wired via the setters.
func NewEngine(store storage) *Engine {
	return &Engine{
		store:            store,
		ledger:           NewLedger(store),
		reservedOverhead: big.NewInt(0),
		emitter:          events.NoopEmitter{},
	}
}

// SetPriceOracle configures the storage byte price source.
func (e *Engine) SetPriceOracle(pricer PriceOracle) { e.pricer = pricer }

// SetTreasury configures the funds holder used for refunds and extraction.
func (e *Engine) SetTreasury(treasury Treasury) { e.treasury = treasury }

// SetOperator configures the account permitted to extract surplus funds.
func (e *Engine) SetOperator(account string) { e.operator = strings.TrimSpace(account) }

// SetReservedOverhead configures the amount excluded from extractable
// surplus. Kept as an explicit constant rather than derived arithmetic.
func (e *Engine) SetReservedOverhead(amount *big.Int) {
	e.reservedOverhead = cloneOrZero(amount)
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger overrides the logger used for fire-and-forget transfer failures.
func (e *Engine) SetLogger(logger *slog.Logger) { e.logger = logger }

func (e *Engine) log() *slog.Logger {
	if e.logger != nil {
		return e.logger
	}
	return slog.Default()
}

// Ledger exposes the deposit ledger for read access.
func (e *Engine) Ledger() *Ledger { return e.ledger }

func (e *Engine) loadRecord(id identity.UserID) (*UserRecord, bool, error) {
	var stored storedUserRecord
	ok, err := e.store.KVGet(userRecordKey(id), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	rec, err := decodeUserRecord(&stored)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (e *Engine) storeRecord(rec *UserRecord) error {
	return e.store.KVPut(userRecordKey(rec.ID), encodeUserRecord(rec))
}

// mutationResult carries the committed state of a successful mutation for
// event emission.
type mutationResult struct {
	record  *UserRecord
	size    uint64
	balance *big.Int
	refund  *big.Int
}

// applyMutation runs the compute-then-validate-then-commit protocol for the
// caller's own record. Nothing is written until reconciliation has accepted
// the funds, so a failure aborts the whole call with no partial state.
func (e *Engine) applyMutation(caller string, id identity.UserID, attached *big.Int, edit func(*UserRecord) error) (*mutationResult, error) {
	if e.store == nil {
		return nil, errNilState
	}
	if e.pricer == nil {
		return nil, errNilPricer
	}
	rec, ok, err := e.loadRecord(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		rec = NewUserRecord(id)
	} else {
		rec = rec.Clone()
	}
	if err := edit(rec); err != nil {
		return nil, err
	}
	size := MeasureStorage(rec)
	balance, _, err := e.ledger.Balance(id)
	if err != nil {
		return nil, err
	}
	newBalance, refund, err := ReconcileDeposit(size, e.pricer.CostPerByte(), balance, attached)
	if err != nil {
		return nil, err
	}
	if err := e.storeRecord(rec); err != nil {
		return nil, err
	}
	if err := e.ledger.setBalance(id, newBalance); err != nil {
		return nil, err
	}
	e.transfer(caller, refund)
	return &mutationResult{record: rec, size: size, balance: newBalance, refund: refund}, nil
}

func (e *Engine) transfer(account string, amount *big.Int) {
	if e.treasury == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	if err := e.treasury.Transfer(account, amount); err != nil {
		e.log().Warn("outbound transfer failed",
			"account", account, "amount", amount.String(), "error", err)
	}
}

// SetProfile replaces the caller's published profile text.
func (e *Engine) SetProfile(caller, profile string, attached *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := identity.Derive(caller)
	res, err := e.applyMutation(caller, id, attached, func(rec *UserRecord) error {
		rec.SetProfile(profile)
		return nil
	})
	if err != nil {
		return err
	}
	e.emitMutation(TypeProfileUpdated, id, res, nil)
	return nil
}

// SetTrust records a weighted trust edge from the caller toward peerID. A
// level of zero removes the edge. Fails with ErrBlockedByPeer when the peer
// currently blocks the caller; no state changes in that case.
func (e *Engine) SetTrust(caller, peerID string, level float32, attached *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if level < 0 || level > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidTrustLevel, level)
	}
	id := identity.Derive(caller)
	peer := identity.FromEncoded(strings.TrimSpace(peerID))
	peerRec, ok, err := e.loadRecord(peer)
	if err != nil {
		return err
	}
	if ok && peerRec.IsBlocked(id.String()) {
		return ErrBlockedByPeer
	}
	res, err := e.applyMutation(caller, id, attached, func(rec *UserRecord) error {
		return rec.SetTrust(peer.String(), level)
	})
	if err != nil {
		return err
	}
	eventType := TypeTrustSet
	if level == 0 {
		eventType = TypeTrustRemoved
	}
	e.emitMutation(eventType, id, res, map[string]string{
		"peer":  peer.String(),
		"level": fmt.Sprintf("%g", level),
	})
	return nil
}

// RemoveTrust drops the caller's trust edge toward peerID if present.
func (e *Engine) RemoveTrust(caller, peerID string, attached *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := identity.Derive(caller)
	peer := identity.FromEncoded(strings.TrimSpace(peerID))
	res, err := e.applyMutation(caller, id, attached, func(rec *UserRecord) error {
		rec.RemoveTrust(peer.String())
		return nil
	})
	if err != nil {
		return err
	}
	e.emitMutation(TypeTrustRemoved, id, res, map[string]string{"peer": peer.String()})
	return nil
}

// BlockUser adds peerID to the caller's block set. If the peer's own record
// holds a trust edge toward the caller, that edge is removed as a best-effort
// side write. The peer's record only shrinks, so their deposit is never
// reconciled here.
func (e *Engine) BlockUser(caller, peerID string, attached *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := identity.Derive(caller)
	peer := identity.FromEncoded(strings.TrimSpace(peerID))
	res, err := e.applyMutation(caller, id, attached, func(rec *UserRecord) error {
		rec.Block(peer.String())
		return nil
	})
	if err != nil {
		return err
	}
	if peerRec, ok, loadErr := e.loadRecord(peer); loadErr != nil {
		e.log().Warn("blocked peer record unavailable", "peer", peer.String(), "error", loadErr)
	} else if ok {
		if _, trusted := peerRec.Trust(id.String()); trusted {
			peerRec.RemoveTrust(id.String())
			if storeErr := e.storeRecord(peerRec); storeErr != nil {
				e.log().Warn("failed to drop reverse trust edge", "peer", peer.String(), "error", storeErr)
			}
		}
	}
	e.emitMutation(TypeUserBlocked, id, res, map[string]string{"peer": peer.String()})
	return nil
}

// UnblockUser removes peerID from the caller's block set.
func (e *Engine) UnblockUser(caller, peerID string, attached *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := identity.Derive(caller)
	peer := identity.FromEncoded(strings.TrimSpace(peerID))
	res, err := e.applyMutation(caller, id, attached, func(rec *UserRecord) error {
		rec.Unblock(peer.String())
		return nil
	})
	if err != nil {
		return err
	}
	e.emitMutation(TypeUserUnblocked, id, res, map[string]string{"peer": peer.String()})
	return nil
}

// DeleteAccount purges the caller's record and deposit entry and refunds the
// full held balance. Fails with ErrUserNotFound when no record exists.
func (e *Engine) DeleteAccount(caller string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return errNilState
	}
	id := identity.Derive(caller)
	_, ok, err := e.loadRecord(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUserNotFound
	}
	balance, _, err := e.ledger.Balance(id)
	if err != nil {
		return err
	}
	refund := cloneOrZero(balance)
	if err := e.store.KVDelete(userRecordKey(id)); err != nil {
		return err
	}
	if err := e.ledger.remove(id); err != nil {
		return err
	}
	e.transfer(caller, refund)
	e.emit(TypeAccountDeleted, map[string]string{
		"user":   id.String(),
		"refund": refund.String(),
	})
	return nil
}

// ListUserIDs returns the hashed id of every stored user, sorted.
func (e *Engine) ListUserIDs() ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return nil, errNilState
	}
	ids := make([]string, 0)
	err := e.store.KVIterate(userRecordPrefix, func(key, value []byte) bool {
		ids = append(ids, string(key[len(userRecordPrefix):]))
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// GetUserView returns the read projection of the record stored under the
// encoded id, reporting absence via ok.
func (e *Engine) GetUserView(id string) (*UserView, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return nil, false, errNilState
	}
	rec, ok, err := e.loadRecord(identity.FromEncoded(strings.TrimSpace(id)))
	if err != nil || !ok {
		return nil, false, err
	}
	return rec.View(), true, nil
}

// GetDeposit returns the deposit held for the encoded id, reporting absence
// via ok.
func (e *Engine) GetDeposit(id string) (*big.Int, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return nil, false, errNilState
	}
	return e.ledger.Balance(identity.FromEncoded(strings.TrimSpace(id)))
}

// TotalDeposits sums every user's held deposit.
func (e *Engine) TotalDeposits() (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return nil, errNilState
	}
	return e.ledger.Total()
}

// ExtractSurplus transfers amount of uncommitted treasury funds to the given
// account. Only the operator may call it; the extractable surplus is the
// treasury balance minus every held deposit minus the reserved overhead.
func (e *Engine) ExtractSurplus(caller, to string, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return errNilState
	}
	if e.treasury == nil {
		return errNilTreasury
	}
	if e.operator == "" || caller != e.operator {
		return ErrNotAuthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	total, err := e.ledger.Total()
	if err != nil {
		return err
	}
	surplus := new(big.Int).Sub(cloneOrZero(e.treasury.Balance()), total)
	surplus.Sub(surplus, e.reservedOverhead)
	if surplus.Sign() < 0 {
		surplus.SetInt64(0)
	}
	if amount.Cmp(surplus) > 0 {
		return fmt.Errorf("%w: extractable surplus is %s", ErrInsufficientFunds, surplus)
	}
	e.transfer(to, amount)
	e.emit(TypeSurplusExtracted, map[string]string{
		"to":     to,
		"amount": amount.String(),
	})
	return nil
}
