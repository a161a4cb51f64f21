package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intercom/internal/core/domain"
)

func TestContactBook_SetCSV(t *testing.T) {
	b := NewContactBook("Kitchen", "")

	got := b.SetCSV(" Front Door, Kitchen ,, Garage ")
	assert.Equal(t, []string{"Front Door", "Garage"}, got.Names)
	assert.Equal(t, "Front Door", b.Current())

	got = b.SetCSV("Kitchen, ")
	assert.Equal(t, []string{domain.DefaultContact}, got.Names)
}

func TestContactBook_SelectionSurvivesUpdate(t *testing.T) {
	b := NewContactBook("Kitchen", "")
	b.SetCSV("A,B,C")
	require.NoError(t, b.Select("C"))

	b.SetCSV("C,D")
	assert.Equal(t, "C", b.Current())

	b.SetCSV("D,E")
	assert.Equal(t, "D", b.Current(), "falls back to the first entry")
}

func TestContactBook_NextPrevWrap(t *testing.T) {
	b := NewContactBook("Kitchen", "")
	b.SetCSV("A,B,C")

	assert.Equal(t, "B", b.Next())
	assert.Equal(t, "C", b.Next())
	assert.Equal(t, "A", b.Next())
	assert.Equal(t, "C", b.Prev())
}

func TestContactBook_SelectUnknown(t *testing.T) {
	b := NewContactBook("Kitchen", "")
	err := b.Select("Nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
