package profile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DedupesAndDerivesCustomTopics(t *testing.T) {
	p := New(" alice ", " hello ", []string{"Bitcoin", "bitcoin", " rust ", "", "yoga"}, true)

	assert.Equal(t, "alice", p.Username)
	assert.Equal(t, "hello", p.Description)
	assert.Equal(t, []string{"Bitcoin", "rust", "yoga"}, p.Topics)
	assert.Equal(t, []string{"rust"}, p.CustomTopics)
	assert.True(t, p.ExactMatchMode)
}

func TestClone_IsDeep(t *testing.T) {
	p := New("alice", "hi", []string{"art"}, false)
	c := p.Clone()
	c.Topics[0] = "changed"

	require.Equal(t, "art", p.Topics[0])
}

func TestWire(t *testing.T) {
	p := New("alice", "hi", []string{"art", "go"}, false)
	w := p.Wire()

	assert.Equal(t, "alice", w.Username)
	assert.Equal(t, "hi", w.Description)
	assert.Equal(t, []string{"art", "go"}, w.Topics)
}

func TestValidateUsername(t *testing.T) {
	valid := []string{"abc", "alice_01", strings.Repeat("a", 20)}
	for _, u := range valid {
		assert.NoError(t, ValidateUsername(u), u)
	}

	invalid := []string{"", "ab", strings.Repeat("a", 21), "bad name", "émile", "dash-ed"}
	for _, u := range invalid {
		assert.ErrorIs(t, ValidateUsername(u), ErrInvalidUsername, u)
	}
}

func TestValidateDescription(t *testing.T) {
	assert.NoError(t, ValidateDescription("I like trains"))
	assert.NoError(t, ValidateDescription(strings.Repeat("é", 100)))
	assert.ErrorIs(t, ValidateDescription("   "), ErrInvalidDescription)
	assert.ErrorIs(t, ValidateDescription(strings.Repeat("x", 101)), ErrInvalidDescription)
}

func TestValidate(t *testing.T) {
	require.NoError(t, New("alice", "hi", []string{"art"}, false).Validate())
	require.ErrorIs(t, New("alice", "hi", nil, false).Validate(), ErrNoTopics)
	require.ErrorIs(t, New("a", "hi", []string{"art"}, false).Validate(), ErrInvalidUsername)
	require.ErrorIs(t, New("alice", "", []string{"art"}, false).Validate(), ErrInvalidDescription)
}

func TestIsZero(t *testing.T) {
	assert.True(t, LocalProfile{}.IsZero())
	assert.False(t, New("alice", "", nil, false).IsZero())
}
