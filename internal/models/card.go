package models

import (
	"github.com/shopspring/decimal"
)

// Card represents a payment card as owned by the vault. Callers only ever
// see copies; mutation goes through vault operations.
type Card struct {
	ID           string          `json:"id"`
	Holder       string          `json:"holder"`
	Last4        string          `json:"last4"`
	Expiry       string          `json:"expiry"` // MM/YY
	Network      string          `json:"network"`
	Type         string          `json:"type"`
	Color        string          `json:"color"`
	Currency     string          `json:"currency"`
	Balance      decimal.Decimal `json:"balance"`
	Frozen       bool            `json:"frozen"`
	Settings     CardSettings    `json:"settings"`
	Transactions []Transaction   `json:"transactions"`
}

// Clone returns a deep copy safe to hand outside the vault.
func (c Card) Clone() Card {
	out := c
	out.Transactions = make([]Transaction, len(c.Transactions))
	copy(out.Transactions, c.Transactions)
	return out
}

// CardSettings holds per-card feature flags. Fields are independent,
// there are no cross-field invariants.
type CardSettings struct {
	OnlinePayments   bool            `json:"online_payments"`
	International    bool            `json:"international"`
	MonthlyLimit     decimal.Decimal `json:"monthly_limit"`
	RoundUpToSavings bool            `json:"round_up_to_savings"`
}

// SettingsPatch is a partial settings update; nil fields are left as-is.
type SettingsPatch struct {
	OnlinePayments   *bool            `json:"online_payments,omitempty"`
	International    *bool            `json:"international,omitempty"`
	MonthlyLimit     *decimal.Decimal `json:"monthly_limit,omitempty"`
	RoundUpToSavings *bool            `json:"round_up_to_savings,omitempty"`
}

// Apply merges the patch into s, last write wins per field.
func (p SettingsPatch) Apply(s CardSettings) CardSettings {
	if p.OnlinePayments != nil {
		s.OnlinePayments = *p.OnlinePayments
	}
	if p.International != nil {
		s.International = *p.International
	}
	if p.MonthlyLimit != nil {
		s.MonthlyLimit = *p.MonthlyLimit
	}
	if p.RoundUpToSavings != nil {
		s.RoundUpToSavings = *p.RoundUpToSavings
	}
	return s
}

// Empty reports whether the patch changes nothing.
func (p SettingsPatch) Empty() bool {
	return p.OnlinePayments == nil && p.International == nil &&
		p.MonthlyLimit == nil && p.RoundUpToSavings == nil
}
