package policy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/nostr-signing-agent/interfaces"
	"github.com/ruteri/nostr-signing-agent/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *storage.MemoryBackend, *clock.Mock) {
	t.Helper()
	backend := storage.NewMemoryBackend("policies")
	mockClock := clock.NewMock()
	return NewStore(backend, mockClock, slog.New(slog.NewTextHandler(io.Discard, nil))), backend, mockClock
}

func kind(k int) *int { return &k }

func TestPolicyPrecedence(t *testing.T) {
	ctx := context.Background()

	t.Run("kind allow overrides forever deny", func(t *testing.T) {
		s, _, clk := newTestStore(t)
		require.NoError(t, s.Record(ctx, "a.example", interfaces.OpSignEvent, true, interfaces.ForKinds(1)))
		clk.Add(time.Second)
		require.NoError(t, s.Record(ctx, "a.example", interfaces.OpSignEvent, false, interfaces.Forever()))

		assert.Equal(t, interfaces.DecisionAllow, s.Get(ctx, "a.example", interfaces.OpSignEvent, kind(1)))
		assert.Equal(t, interfaces.DecisionDeny, s.Get(ctx, "a.example", interfaces.OpSignEvent, kind(2)))
	})

	t.Run("kind allow without forever entry", func(t *testing.T) {
		s, _, _ := newTestStore(t)
		require.NoError(t, s.Record(ctx, "a.example", interfaces.OpSignEvent, true, interfaces.ForKinds(1)))

		assert.Equal(t, interfaces.DecisionAllow, s.Get(ctx, "a.example", interfaces.OpSignEvent, kind(1)))
		assert.Equal(t, interfaces.DecisionUnknown, s.Get(ctx, "a.example", interfaces.OpSignEvent, kind(2)))
		assert.Equal(t, interfaces.DecisionUnknown, s.Get(ctx, "a.example", interfaces.OpSignEvent, nil))
	})

	t.Run("newest forever entry wins", func(t *testing.T) {
		s, _, clk := newTestStore(t)
		require.NoError(t, s.Record(ctx, "a.example", interfaces.OpNip44Encrypt, false, interfaces.Forever()))
		clk.Add(time.Second)
		require.NoError(t, s.Record(ctx, "a.example", interfaces.OpNip44Encrypt, true, interfaces.Forever()))

		assert.Equal(t, interfaces.DecisionAllow, s.Get(ctx, "a.example", interfaces.OpNip44Encrypt, nil))
	})

	t.Run("deny wins a tie", func(t *testing.T) {
		s, _, _ := newTestStore(t)
		require.NoError(t, s.Record(ctx, "a.example", interfaces.OpSignEvent, true, interfaces.ForKinds(4)))
		require.NoError(t, s.Record(ctx, "a.example", interfaces.OpSignEvent, false, interfaces.ForKinds(4)))

		assert.Equal(t, interfaces.DecisionDeny, s.Get(ctx, "a.example", interfaces.OpSignEvent, kind(4)))
	})

	t.Run("scoped to host and type", func(t *testing.T) {
		s, _, _ := newTestStore(t)
		require.NoError(t, s.Record(ctx, "a.example", interfaces.OpGetPublicKey, true, interfaces.Forever()))

		assert.Equal(t, interfaces.DecisionAllow, s.Get(ctx, "a.example", interfaces.OpGetPublicKey, nil))
		assert.Equal(t, interfaces.DecisionUnknown, s.Get(ctx, "b.example", interfaces.OpGetPublicKey, nil))
		assert.Equal(t, interfaces.DecisionUnknown, s.Get(ctx, "a.example", interfaces.OpSignEvent, kind(1)))
	})
}

func TestRecordWithoutConditionsWritesNothing(t *testing.T) {
	ctx := context.Background()
	s, backend, _ := newTestStore(t)

	require.NoError(t, s.Record(ctx, "a.example", interfaces.OpSignEvent, true, nil))
	_, err := backend.Fetch(ctx, interfaces.KeyPolicies)
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)
	assert.Equal(t, interfaces.DecisionUnknown, s.Get(ctx, "a.example", interfaces.OpSignEvent, kind(1)))
}

func TestRecordValidation(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	require.ErrorIs(t, s.Record(ctx, "", interfaces.OpSignEvent, true, interfaces.Forever()), interfaces.ErrInvalidParams)
	require.ErrorIs(t, s.Record(ctx, "a.example", "bogus", true, interfaces.Forever()), interfaces.ErrInvalidParams)
}

func TestRecordMergesKinds(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	require.NoError(t, s.Record(ctx, "a.example", interfaces.OpSignEvent, true, interfaces.ForKinds(1)))
	require.NoError(t, s.Record(ctx, "a.example", interfaces.OpSignEvent, true, interfaces.ForKinds(7)))

	assert.Equal(t, interfaces.DecisionAllow, s.Get(ctx, "a.example", interfaces.OpSignEvent, kind(1)))
	assert.Equal(t, interfaces.DecisionAllow, s.Get(ctx, "a.example", interfaces.OpSignEvent, kind(7)))

	records, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []int{1, 7}, records[0].Conditions.KindList())
}

func TestStoredLayout(t *testing.T) {
	ctx := context.Background()
	s, backend, clk := newTestStore(t)
	clk.Set(time.Unix(1700000000, 0))

	require.NoError(t, s.Record(ctx, "a.example", interfaces.OpSignEvent, true, interfaces.ForKinds(1)))
	require.NoError(t, s.Record(ctx, "a.example", interfaces.OpGetPublicKey, false, interfaces.Forever()))

	data, err := backend.Fetch(ctx, interfaces.KeyPolicies)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"a.example": {
			"true": {"signEvent": {"conditions": {"remember": "kind", "kinds": {"1": true}}, "created_at": 1700000000}},
			"false": {"getPublicKey": {"conditions": {"remember": "forever"}, "created_at": 1700000000}}
		}
	}`, string(data))
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	require.NoError(t, s.Record(ctx, "a.example", interfaces.OpSignEvent, true, interfaces.Forever()))
	require.NoError(t, s.Record(ctx, "a.example", interfaces.OpGetPublicKey, true, interfaces.Forever()))
	require.NoError(t, s.Record(ctx, "b.example", interfaces.OpGetPublicKey, false, interfaces.Forever()))

	require.NoError(t, s.Revoke(ctx, "a.example", true, interfaces.OpSignEvent))
	assert.Equal(t, interfaces.DecisionUnknown, s.Get(ctx, "a.example", interfaces.OpSignEvent, kind(1)))
	assert.Equal(t, interfaces.DecisionAllow, s.Get(ctx, "a.example", interfaces.OpGetPublicKey, nil))

	// Revoking a missing entry is a no-op.
	require.NoError(t, s.Revoke(ctx, "a.example", false, interfaces.OpSignEvent))

	require.NoError(t, s.RevokeHost(ctx, "a.example"))
	assert.Equal(t, interfaces.DecisionUnknown, s.Get(ctx, "a.example", interfaces.OpGetPublicKey, nil))

	records, err := s.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []interfaces.PolicyRecord{{
		Host:       "b.example",
		Accept:     false,
		Type:       interfaces.OpGetPublicKey,
		Conditions: interfaces.Forever(),
		CreatedAt:  0,
	}}, records)
}

type failingBackend struct {
	*storage.MemoryBackend
}

func (failingBackend) Fetch(context.Context, string) ([]byte, error) {
	return nil, errors.New("disk on fire")
}

func TestStorageErrorsEscalate(t *testing.T) {
	ctx := context.Background()
	s := NewStore(failingBackend{storage.NewMemoryBackend("broken")}, clock.NewMock(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.Equal(t, interfaces.DecisionUnknown, s.Get(ctx, "a.example", interfaces.OpSignEvent, kind(1)))
	require.Error(t, s.Record(ctx, "a.example", interfaces.OpSignEvent, true, interfaces.Forever()))

	_, err := s.List(ctx)
	require.Error(t, err)
}

func TestCorruptDocumentEscalates(t *testing.T) {
	ctx := context.Background()
	s, backend, _ := newTestStore(t)
	require.NoError(t, backend.Store(ctx, interfaces.KeyPolicies, []byte("{not json")))

	assert.Equal(t, interfaces.DecisionUnknown, s.Get(ctx, "a.example", interfaces.OpSignEvent, kind(1)))
}
