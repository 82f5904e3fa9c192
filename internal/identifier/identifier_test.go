package identifier

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProducesTwentySixCharTokens(t *testing.T) {
	id := New()
	assert.Len(t, id, 26)
	assert.True(t, Valid(id))
}

func TestNewTokensAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestTokensSortByCreationTime(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ids := []string{
		NewAt(base.Add(2 * time.Second)),
		NewAt(base),
		NewAt(base.Add(time.Second)),
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	assert.Equal(t, []string{ids[1], ids[2], ids[0]}, sorted)
}

func TestValidRejectsMalformed(t *testing.T) {
	assert.False(t, Valid("not-a-valid-id"))
	assert.False(t, Valid(""))
	assert.False(t, Valid("short"))
}

func TestAcceptGeneratesWhenEmpty(t *testing.T) {
	id, err := Accept("")
	require.NoError(t, err)
	assert.True(t, Valid(id))
}

func TestAcceptPassesThroughValid(t *testing.T) {
	id := New()

	accepted, err := Accept(id)
	require.NoError(t, err)
	assert.Equal(t, id, accepted)
}

func TestAcceptRejectsMalformed(t *testing.T) {
	_, err := Accept("definitely-not-a-ulid")
	require.ErrorIs(t, err, ErrMalformed)
}
