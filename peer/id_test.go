package peer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestID_ParseAndShort(t *testing.T) {
	id := NewID()
	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	assert.Equal(t, id.String()[:8], id.Short())
	assert.False(t, id.IsZero())

	_, err = ParseID("not-an-id")
	assert.Error(t, err)
}

func TestID_JSON(t *testing.T) {
	id, err := ParseID("00112233-4455-6677-8899-aabbccddeeff")
	require.NoError(t, err)
	d := Digest{1, 2, 3, 4, 5, 6, 7, 8}

	b, err := json.Marshal(struct {
		ID     ID
		Digest Digest
	}{id, d})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ID":"00112233-4455-6677-8899-aabbccddeeff","Digest":"0102030405060708"}`, string(b))
}

func TestDigestOf(t *testing.T) {
	a := DigestOf([]byte("key a"))
	assert.Equal(t, a, DigestOf([]byte("key a")))
	assert.NotEqual(t, a, DigestOf([]byte("key b")))
	assert.True(t, Digest{}.IsZero())
}
