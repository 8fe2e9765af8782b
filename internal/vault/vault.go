package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/finpocket/cardvault/internal/backend"
	"github.com/finpocket/cardvault/internal/ledger"
	"github.com/finpocket/cardvault/internal/models"
)

var (
	// ErrUnknownCard is returned for card IDs the vault does not own.
	ErrUnknownCard = errors.New("unknown card")
	// ErrInvalidAmount rejects a top-up before any backend call.
	ErrInvalidAmount = errors.New("invalid top-up amount")
	// ErrEmptyPatch rejects a settings update that changes nothing.
	ErrEmptyPatch = errors.New("empty settings patch")
	// ErrInvalidPatch rejects a settings update with an out-of-range field.
	ErrInvalidPatch = errors.New("invalid settings patch")
)

// Vault owns the authoritative in-memory card set. Mutations follow a
// confirm-then-apply discipline: local state changes only after the
// backend has confirmed, so a rejected call leaves state untouched.
// Mutations are serialized per card, which keeps responses applied in
// issue order. Callers only ever receive deep-copied snapshots.
type Vault struct {
	mu       sync.RWMutex
	backend  backend.Backend
	ledger   *ledger.Ledger
	log      *logrus.Logger
	userID   string
	cards    map[string]*models.Card
	order    []string
	ops      map[string]*sync.Mutex
	maxTopUp decimal.Decimal // zero means no ceiling
}

// New builds an empty vault. Seed it with Load before serving.
// maxTopUp caps a single top-up; pass decimal.Zero for no ceiling.
func New(b backend.Backend, led *ledger.Ledger, maxTopUp decimal.Decimal, log *logrus.Logger) *Vault {
	return &Vault{
		backend:  b,
		ledger:   led,
		log:      log,
		cards:    make(map[string]*models.Card),
		ops:      make(map[string]*sync.Mutex),
		maxTopUp: maxTopUp,
	}
}

// Load seeds the vault and ledger from a backend snapshot.
func (v *Vault) Load(ctx context.Context, userID string) error {
	cards, err := v.backend.ListCards(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load cards: %w", err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.userID = userID
	v.cards = make(map[string]*models.Card, len(cards))
	v.order = v.order[:0]
	for _, c := range cards {
		v.ledger.Load(c.ID, c.Transactions)
		cp := c
		cp.Transactions = nil // history lives in the ledger
		v.cards[c.ID] = &cp
		v.order = append(v.order, c.ID)
	}
	if v.log != nil {
		v.log.Infof("vault loaded %d cards for user %s", len(cards), userID)
	}
	return nil
}

// Cards returns snapshots of every card in load order.
func (v *Vault) Cards() []models.Card {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]models.Card, 0, len(v.order))
	for _, id := range v.order {
		out = append(out, v.snapshot(v.cards[id]))
	}
	return out
}

// Card returns a snapshot of one card.
func (v *Vault) Card(id string) (models.Card, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	c, ok := v.cards[id]
	if !ok {
		return models.Card{}, ErrUnknownCard
	}
	return v.snapshot(c), nil
}

// snapshot deep-copies a card and attaches its history. Caller holds
// at least the read lock.
func (v *Vault) snapshot(c *models.Card) models.Card {
	out := c.Clone()
	out.Transactions = v.ledger.Transactions(c.ID)
	return out
}

// Provision issues a new card through the backend and adds the
// confirmed card to the set.
func (v *Vault) Provision(ctx context.Context, template models.Card) (models.Card, error) {
	v.mu.RLock()
	userID := v.userID
	v.mu.RUnlock()

	card, err := v.backend.ProvisionCard(ctx, userID, template)
	if err != nil {
		return models.Card{}, fmt.Errorf("card issue rejected: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	cp := card.Clone()
	cp.Transactions = nil
	v.ledger.Load(card.ID, nil)
	v.cards[card.ID] = &cp
	v.order = append(v.order, card.ID)
	if v.log != nil {
		v.log.Infof("card %s issued for user %s", card.ID, userID)
	}
	return v.snapshot(&cp), nil
}

// ToggleFreeze flips the card's frozen state through the backend. The
// local flag is set to the confirmed value only; there is no
// optimistic update.
func (v *Vault) ToggleFreeze(ctx context.Context, id string) (bool, error) {
	op := v.opLock(id)
	op.Lock()
	defer op.Unlock()

	v.mu.RLock()
	c, ok := v.cards[id]
	if !ok {
		v.mu.RUnlock()
		return false, ErrUnknownCard
	}
	current := c.Frozen
	v.mu.RUnlock()

	confirmed, err := v.backend.ToggleFreeze(ctx, id, current)
	if err != nil {
		return current, fmt.Errorf("freeze toggle rejected: %w", err)
	}

	v.mu.Lock()
	c.Frozen = confirmed
	v.mu.Unlock()
	if v.log != nil {
		v.log.Infof("card %s frozen=%t", id, confirmed)
	}
	return confirmed, nil
}

// UpdateSettings confirms the patch with the backend, then merges it
// into the card's settings, last write wins per field.
func (v *Vault) UpdateSettings(ctx context.Context, id string, patch models.SettingsPatch) (models.CardSettings, error) {
	if patch.Empty() {
		return models.CardSettings{}, ErrEmptyPatch
	}
	if patch.MonthlyLimit != nil && patch.MonthlyLimit.IsNegative() {
		return models.CardSettings{}, fmt.Errorf("%w: monthly limit cannot be negative", ErrInvalidPatch)
	}
	op := v.opLock(id)
	op.Lock()
	defer op.Unlock()

	v.mu.RLock()
	c, ok := v.cards[id]
	v.mu.RUnlock()
	if !ok {
		return models.CardSettings{}, ErrUnknownCard
	}

	if err := v.backend.UpdateSettings(ctx, id, patch); err != nil {
		return models.CardSettings{}, fmt.Errorf("settings update rejected: %w", err)
	}

	v.mu.Lock()
	c.Settings = patch.Apply(c.Settings)
	merged := c.Settings
	v.mu.Unlock()
	return merged, nil
}

// TopUp credits the card. The amount is validated before any backend
// call; on confirmation the balance increase and the transaction
// prepend are applied under one lock section, together or not at all.
func (v *Vault) TopUp(ctx context.Context, id string, amount decimal.Decimal) (models.Transaction, error) {
	if !amount.IsPositive() {
		return models.Transaction{}, ErrInvalidAmount
	}
	if !v.maxTopUp.IsZero() && amount.GreaterThan(v.maxTopUp) {
		return models.Transaction{}, fmt.Errorf("%w: exceeds single top-up ceiling %s", ErrInvalidAmount, v.maxTopUp)
	}
	op := v.opLock(id)
	op.Lock()
	defer op.Unlock()

	v.mu.RLock()
	c, ok := v.cards[id]
	v.mu.RUnlock()
	if !ok {
		return models.Transaction{}, ErrUnknownCard
	}

	tx, err := v.backend.TopUp(ctx, id, amount)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("top-up rejected: %w", err)
	}

	v.mu.Lock()
	c.Balance = c.Balance.Add(amount)
	v.ledger.Append(id, tx)
	balance := c.Balance
	v.mu.Unlock()
	if v.log != nil {
		v.log.Infof("card %s topped up %s, balance %s", id, amount, balance)
	}
	return tx, nil
}

// Reconcile compares each card's authoritative balance against the
// signed total derived from its ledger and reports cards that drift.
func (v *Vault) Reconcile(seedOffsets map[string]decimal.Decimal) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var drifted []string
	for _, id := range v.order {
		derived := v.ledger.SignedTotal(id)
		if offset, ok := seedOffsets[id]; ok {
			derived = derived.Add(offset)
		}
		if !derived.Equal(v.cards[id].Balance) {
			drifted = append(drifted, id)
			if v.log != nil {
				v.log.Warnf("card %s balance %s drifts from ledger total %s",
					id, v.cards[id].Balance, derived)
			}
		}
	}
	return drifted
}

// SeedOffsets captures, at load time, the part of each balance not
// explained by the visible history. Reconcile uses it as the baseline.
func (v *Vault) SeedOffsets() map[string]decimal.Decimal {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(v.order))
	for _, id := range v.order {
		out[id] = v.cards[id].Balance.Sub(v.ledger.SignedTotal(id))
	}
	return out
}

func (v *Vault) opLock(id string) *sync.Mutex {
	v.mu.Lock()
	defer v.mu.Unlock()
	m, ok := v.ops[id]
	if !ok {
		m = &sync.Mutex{}
		v.ops[id] = m
	}
	return m
}
