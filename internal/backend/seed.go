package backend

import (
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/finpocket/cardvault/internal/models"
)

// DemoUserID is the user the development seed belongs to.
const DemoUserID = "u-demo"

// Seed loads a demo user with two cards and some history into s. The
// demo password is "password" and the PIN is "1234"; both are stored
// as bcrypt hashes only. Card numbers, expiry dates and CVVs go
// through the same issuing path as provisioned cards.
func Seed(s *Simulated) {
	passwordHash, _ := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.DefaultCost)
	pinHash, _ := bcrypt.GenerateFromPassword([]byte("1234"), bcrypt.DefaultCost)

	s.AddUser(models.User{
		ID:           DemoUserID,
		Email:        "demo@finpocket.local",
		Username:     "demo",
		PasswordHash: string(passwordHash),
		PINHash:      string(pinHash),
		Settings:     models.UserSettings{Notifications: true},
	})

	now := time.Now()
	card1, secret1, _ := issueCard(models.Card{
		Holder:   "Demo Holder",
		Network:  "visa",
		Type:     "debit",
		Color:    "indigo",
		Currency: "USD",
		Settings: models.CardSettings{
			OnlinePayments: true,
			International:  false,
			MonthlyLimit:   decimal.NewFromInt(3000),
		},
	})
	card1.ID = "card-1"
	card1.Balance = decimal.RequireFromString("2450.50")
	card1.Transactions = []models.Transaction{
		{
			ID: "tx-seed-1", Merchant: "Coffee Corner", Amount: decimal.RequireFromString("4.80"),
			Currency: "USD", Category: "food", Date: now.Add(-26 * time.Hour),
			Type: models.TxPurchase, Status: models.TxCompleted, Icon: "coffee",
		},
		{
			ID: "tx-seed-2", Merchant: "Salary", Amount: decimal.NewFromInt(1800),
			Currency: "USD", Category: "income", Date: now.Add(-72 * time.Hour),
			Type: models.TxReceive, Status: models.TxCompleted, Icon: "briefcase",
		},
	}
	s.AddCard(DemoUserID, card1, secret1)

	card2, secret2, _ := issueCard(models.Card{
		Holder:   "Demo Holder",
		Network:  "mastercard",
		Type:     "credit",
		Color:    "coral",
		Currency: "EUR",
		Settings: models.CardSettings{
			OnlinePayments:   true,
			International:    true,
			MonthlyLimit:     decimal.NewFromInt(1500),
			RoundUpToSavings: true,
		},
	})
	card2.ID = "card-2"
	card2.Balance = decimal.RequireFromString("310.00")
	s.AddCard(DemoUserID, card2, secret2)
}
