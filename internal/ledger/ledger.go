package ledger

import (
	"errors"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/finpocket/cardvault/internal/models"
)

// FilterAll matches every transaction type.
const FilterAll = "all"

// ErrUnknownTransaction is returned when expanding a row that does not
// exist for the card.
var ErrUnknownTransaction = errors.New("unknown transaction")

// Ledger keeps the per-card transaction history, newest first. Entries
// are immutable once appended; the only writes are Load and Append.
type Ledger struct {
	mu       sync.RWMutex
	byCard   map[string][]models.Transaction
	expanded string // transaction ID of the single expanded row
}

// New builds an empty ledger.
func New() *Ledger {
	return &Ledger{byCard: make(map[string][]models.Transaction)}
}

// Load replaces the history for cardID with txs (already newest first).
func (l *Ledger) Load(cardID string, txs []models.Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := make([]models.Transaction, len(txs))
	copy(cp, txs)
	l.byCard[cardID] = cp
}

// Append prepends tx to the card's history.
func (l *Ledger) Append(cardID string, tx models.Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byCard[cardID] = append([]models.Transaction{tx}, l.byCard[cardID]...)
}

// Transactions returns a copy of the card's history, newest first.
func (l *Ledger) Transactions(cardID string) []models.Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	txs := l.byCard[cardID]
	out := make([]models.Transaction, len(txs))
	copy(out, txs)
	return out
}

// Filter returns the read-only projection: transactions matching the
// type filter (FilterAll or "" match everything) and, if query is
// non-empty, a case-insensitive substring of the merchant name. Order
// is preserved.
func (l *Ledger) Filter(cardID, txType, query string) []models.Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	q := strings.ToLower(query)
	var out []models.Transaction
	for _, tx := range l.byCard[cardID] {
		if txType != "" && txType != FilterAll && string(tx.Type) != txType {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(tx.Merchant), q) {
			continue
		}
		out = append(out, tx)
	}
	return out
}

// Expand marks one transaction row as detail-visible, collapsing any
// previously expanded row. At most one row is expanded at a time.
func (l *Ledger) Expand(cardID, txID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, tx := range l.byCard[cardID] {
		if tx.ID == txID {
			l.expanded = txID
			return nil
		}
	}
	return ErrUnknownTransaction
}

// Collapse clears the expanded row, if any.
func (l *Ledger) Collapse() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expanded = ""
}

// Expanded returns the ID of the expanded row, or "".
func (l *Ledger) Expanded() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.expanded
}

// SignedTotal derives the cumulative balance effect of the card's
// history. The reconciliation job compares it against the
// authoritative balance.
func (l *Ledger) SignedTotal(cardID string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := decimal.Zero
	for _, tx := range l.byCard[cardID] {
		total = total.Add(tx.BalanceEffect())
	}
	return total
}
