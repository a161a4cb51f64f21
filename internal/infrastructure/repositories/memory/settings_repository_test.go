package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intercom/internal/core/domain"
)

func TestSettingsRepository_RoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewSettingsRepository()

	got, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "nothing stored yet")

	want := domain.Settings{Volume: 0.55, MicGainDB: -7, AutoAnswer: true}
	require.NoError(t, repo.Save(ctx, want))

	got, err = repo.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)
}
