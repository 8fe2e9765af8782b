package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType classifies how a transaction affects the card.
type TransactionType string

const (
	TxPurchase TransactionType = "purchase"
	TxTopUp    TransactionType = "topup"
	TxSend     TransactionType = "send"
	TxReceive  TransactionType = "receive"
	TxSwap     TransactionType = "swap"
	TxBuy      TransactionType = "buy"
)

// TransactionStatus is the settlement state of a transaction.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
)

// Transaction is a single immutable ledger entry. Amount is always
// positive; the sign of its balance effect comes from the type.
type Transaction struct {
	ID       string            `json:"id"`
	Merchant string            `json:"merchant"`
	Amount   decimal.Decimal   `json:"amount"`
	Currency string            `json:"currency"`
	Category string            `json:"category"`
	Date     time.Time         `json:"date"`
	Type     TransactionType   `json:"type"`
	Status   TransactionStatus `json:"status"`
	Icon     string            `json:"icon"`
}

// BalanceEffect returns the signed amount this transaction contributes
// to the card balance. Top-ups and incoming transfers credit, spending
// debits, swaps are an exchange and net to zero.
func (t Transaction) BalanceEffect() decimal.Decimal {
	switch t.Type {
	case TxTopUp, TxReceive:
		return t.Amount
	case TxPurchase, TxSend, TxBuy:
		return t.Amount.Neg()
	default:
		return decimal.Zero
	}
}
