package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finpocket/cardvault/internal/models"
)

func TestProvisionCardGeneratesIdentity(t *testing.T) {
	s := NewSimulated(Latencies{}, nil)

	card, err := s.ProvisionCard(context.Background(), "u-1", models.Card{
		Holder:   "Holder",
		Network:  "mastercard",
		Type:     "credit",
		Currency: "EUR",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, card.ID)
	assert.Regexp(t, `^\d{2}/\d{2}$`, card.Expiry)
	assert.True(t, card.Balance.IsZero())
	assert.False(t, card.Frozen)

	secret, err := s.GetCardDetails(context.Background(), card.ID)
	require.NoError(t, err)
	assert.Regexp(t, `^55\d{14}$`, secret.PAN)
	assert.Regexp(t, `^\d{3}$`, secret.CVV)
	assert.Equal(t, secret.PAN[len(secret.PAN)-4:], card.Last4)

	cards, err := s.ListCards(context.Background(), "u-1")
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, card.ID, cards[0].ID)
}

func TestSeedIssuesConsistentSecrets(t *testing.T) {
	s := NewSimulated(Latencies{}, nil)
	Seed(s)

	for _, cardID := range []string{"card-1", "card-2"} {
		secret, err := s.GetCardDetails(context.Background(), cardID)
		require.NoError(t, err)
		assert.Regexp(t, `^\d{16}$`, secret.PAN)
		assert.Regexp(t, `^\d{3}$`, secret.CVV)
	}

	cards, err := s.ListCards(context.Background(), DemoUserID)
	require.NoError(t, err)
	require.Len(t, cards, 2)
	for _, c := range cards {
		secret, err := s.GetCardDetails(context.Background(), c.ID)
		require.NoError(t, err)
		assert.Equal(t, secret.PAN[len(secret.PAN)-4:], c.Last4)
	}
}
