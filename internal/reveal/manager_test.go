package reveal

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finpocket/cardvault/internal/backend"
	"github.com/finpocket/cardvault/internal/models"
)

func seededBackend(lat backend.Latencies) *backend.Simulated {
	sim := backend.NewSimulated(lat, nil)
	sim.AddCard("u-1", models.Card{ID: "card-1", Currency: "USD", Balance: decimal.Zero},
		models.SecretPayload{PAN: "4242424242424242", CVV: "123"})
	sim.AddCard("u-1", models.Card{ID: "card-2", Currency: "USD", Balance: decimal.Zero},
		models.SecretPayload{PAN: "5500005555557001", CVV: "998"})
	return sim
}

func TestRequestStoresSecretWithTTL(t *testing.T) {
	sim := seededBackend(backend.Latencies{})
	m := NewManager(sim, time.Minute, nil)

	s, err := m.Request(context.Background(), "card-1")
	require.NoError(t, err)
	assert.Equal(t, "4242424242424242", s.Secret.PAN)
	assert.Equal(t, "123", s.Secret.CVV)
	assert.True(t, s.ExpiresAt.After(time.Now()))

	active, ok := m.Active("card-1")
	require.True(t, ok)
	assert.Equal(t, s.Secret, active.Secret)
}

func TestSecondRequestSharesSession(t *testing.T) {
	sim := seededBackend(backend.Latencies{})
	m := NewManager(sim, time.Minute, nil)

	first, err := m.Request(context.Background(), "card-1")
	require.NoError(t, err)
	second, err := m.Request(context.Background(), "card-1")
	require.NoError(t, err)

	assert.Equal(t, first.ExpiresAt, second.ExpiresAt)
	assert.Equal(t, 1, sim.Calls("GetCardDetails"))
}

func TestConcurrentRequestsSingleFlight(t *testing.T) {
	sim := seededBackend(backend.Latencies{GetCardDetails: 50 * time.Millisecond})
	m := NewManager(sim, time.Minute, nil)

	var wg sync.WaitGroup
	var failures int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Request(context.Background(), "card-1"); err != nil {
				atomic.AddInt32(&failures, 1)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, atomic.LoadInt32(&failures))
	assert.Equal(t, 1, sim.Calls("GetCardDetails"))
}

func TestHideBeforeFetchResolvesDiscardsSecret(t *testing.T) {
	sim := seededBackend(backend.Latencies{GetCardDetails: 80 * time.Millisecond})
	m := NewManager(sim, time.Minute, nil)

	done := make(chan error, 1)
	go func() {
		_, err := m.Request(context.Background(), "card-1")
		done <- err
	}()

	time.Sleep(20 * time.Millisecond) // fetch is in flight
	m.Hide("card-1")

	err := <-done
	assert.ErrorIs(t, err, ErrHidden)

	// even after the fetch has long completed, no secret is stored
	time.Sleep(100 * time.Millisecond)
	_, ok := m.Active("card-1")
	assert.False(t, ok)
}

func TestHideIsIdempotent(t *testing.T) {
	sim := seededBackend(backend.Latencies{})
	m := NewManager(sim, time.Minute, nil)

	_, err := m.Request(context.Background(), "card-1")
	require.NoError(t, err)
	m.Hide("card-1")
	m.Hide("card-1")
	m.Hide("card-never-revealed")

	_, ok := m.Active("card-1")
	assert.False(t, ok)
}

func TestExpiryDestroysSessionAndNotifies(t *testing.T) {
	sim := seededBackend(backend.Latencies{})
	m := NewManager(sim, 40*time.Millisecond, nil)

	expired := make(chan string, 1)
	m.OnExpire(func(cardID string) { expired <- cardID })

	_, err := m.Request(context.Background(), "card-1")
	require.NoError(t, err)

	select {
	case id := <-expired:
		assert.Equal(t, "card-1", id)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expiry observer was not notified")
	}
	_, ok := m.Active("card-1")
	assert.False(t, ok)
}

func TestHideCancelsExpiryTimer(t *testing.T) {
	sim := seededBackend(backend.Latencies{})
	m := NewManager(sim, 40*time.Millisecond, nil)

	var notified int32
	m.OnExpire(func(string) { atomic.AddInt32(&notified, 1) })

	_, err := m.Request(context.Background(), "card-1")
	require.NoError(t, err)
	m.Hide("card-1")

	time.Sleep(120 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&notified))
}

func TestRevealsForDifferentCardsAreIndependent(t *testing.T) {
	sim := seededBackend(backend.Latencies{})
	m := NewManager(sim, time.Minute, nil)

	_, err := m.Request(context.Background(), "card-1")
	require.NoError(t, err)
	_, err = m.Request(context.Background(), "card-2")
	require.NoError(t, err)
	assert.Equal(t, 2, sim.Calls("GetCardDetails"))

	m.Hide("card-2")
	_, ok := m.Active("card-1")
	assert.True(t, ok)
	_, ok = m.Active("card-2")
	assert.False(t, ok)
}

func TestBackendFailureSurfaces(t *testing.T) {
	sim := seededBackend(backend.Latencies{})
	sim.FailNext("GetCardDetails", errors.New("decrypt service down"))
	m := NewManager(sim, time.Minute, nil)

	_, err := m.Request(context.Background(), "card-1")
	assert.ErrorIs(t, err, backend.ErrUnavailable)
	_, ok := m.Active("card-1")
	assert.False(t, ok)

	// the failure is not sticky
	_, err = m.Request(context.Background(), "card-1")
	assert.NoError(t, err)
}
