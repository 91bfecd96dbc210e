package jwt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/neomentor/engine/runtime/auth"
)

func TestVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	v, err := New([]byte("test-secret"))
	require.NoError(t, err)

	token, err := v.Mint(auth.Identity{UserID: "user-1", Tier: "premium"}, time.Minute)
	require.NoError(t, err)

	id, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "user-1", id.UserID)
	require.Equal(t, "premium", id.Tier)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	t.Parallel()

	v, err := New([]byte("test-secret"))
	require.NoError(t, err)

	token, err := v.Mint(auth.Identity{UserID: "user-1"}, -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), token)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	t.Parallel()

	minter, err := New([]byte("other-secret"))
	require.NoError(t, err)
	token, err := minter.Mint(auth.Identity{UserID: "user-1"}, time.Minute)
	require.NoError(t, err)

	v, err := New([]byte("test-secret"))
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), token)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	t.Parallel()

	v, err := New([]byte("test-secret"))
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), "not-a-token")
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}
