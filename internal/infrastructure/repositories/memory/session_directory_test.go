package memory

import (
	"context"
	"testing"
	"time"

	"rtmsrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionDirectory_ClaimIsExclusive(t *testing.T) {
	dir := NewSessionDirectory()
	defer dir.Close()
	ctx := context.Background()

	id := domain.SessionIdentity{ClientID: "c", MeetingUUID: "m1", StreamID: "s1"}

	ok, err := dir.Claim(ctx, id, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = dir.Claim(ctx, id, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "duplicate delivery must not claim again")

	other := domain.SessionIdentity{ClientID: "c", MeetingUUID: "m1", StreamID: "s2"}
	ok, err = dir.Claim(ctx, other, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	list, err := dir.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.SessionIdentity{id, other}, list)

	require.NoError(t, dir.Release(ctx, id))
	ok, err = dir.Claim(ctx, id, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "released stream can be claimed again")
}

func TestSessionDirectory_ClaimExpires(t *testing.T) {
	dir := NewSessionDirectory()
	defer dir.Close()
	ctx := context.Background()

	id := domain.SessionIdentity{ClientID: "c", MeetingUUID: "m", StreamID: "s"}
	ok, err := dir.Claim(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		ok, _ := dir.Claim(ctx, id, time.Hour)
		return ok
	}, time.Second, 5*time.Millisecond)

	assert.NoError(t, dir.Release(ctx, domain.SessionIdentity{MeetingUUID: "missing"}))
	assert.NoError(t, dir.HealthCheck(ctx))
}
