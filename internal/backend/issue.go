package backend

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/finpocket/cardvault/internal/models"
	"github.com/finpocket/cardvault/internal/utils"
)

// panPrefix maps a card network to its issuing number prefix.
func panPrefix(network string) string {
	switch network {
	case "mastercard":
		return "55"
	default:
		return "4"
	}
}

// issueCard fills in the generated identity of a new card: number,
// expiry, CVV, ID and Last4. The template keeps its cosmetic and
// settings fields; balance starts at zero.
func issueCard(template models.Card) (models.Card, models.SecretPayload, error) {
	pan, err := utils.GenerateCardNumber(panPrefix(template.Network), 16)
	if err != nil {
		return models.Card{}, models.SecretPayload{}, fmt.Errorf("failed to issue card number: %w", err)
	}
	c := template.Clone()
	c.ID = uuid.NewString()
	c.Last4 = utils.MaskPAN(pan)
	c.Expiry = utils.GenerateExpiryDate()
	c.Balance = decimal.Zero
	c.Frozen = false
	c.Transactions = nil
	return c, models.SecretPayload{PAN: pan, CVV: utils.GenerateCVV()}, nil
}
