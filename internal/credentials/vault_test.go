package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	v, err := NewVault("dev-secret")
	require.NoError(t, err)

	sealed, err := v.Seal([]byte(`{"token":"abc"}`))
	require.NoError(t, err)
	assert.NotContains(t, sealed, "abc")

	plain, err := v.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"token":"abc"}`, string(plain))
}

func TestSealUsesFreshNonce(t *testing.T) {
	v, _ := NewVault("dev-secret")
	a, _ := v.Seal([]byte("x"))
	b, _ := v.Seal([]byte("x"))
	assert.NotEqual(t, a, b)
}

func TestOpenWithWrongKey(t *testing.T) {
	v1, _ := NewVault("one")
	v2, _ := NewVault("two")
	sealed, err := v1.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = v2.Open(sealed)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = v1.Open("not base64!")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestOpenEmpty(t *testing.T) {
	v, _ := NewVault("k")
	plain, err := v.Open("")
	require.NoError(t, err)
	assert.Nil(t, plain)
}

func TestEmptyKeyRejected(t *testing.T) {
	if _, err := NewVault(""); err == nil {
		t.Fatalf("expected error for empty key")
	}
}
