package filedict

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetRemove(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = d.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, d.Put("fred", []byte("hi")))
	v, err := d.Get("fred")
	require.NoError(t, err)
	require.Equal(t, "hi", string(v))

	require.NoError(t, d.Put("fred", []byte("lo")))
	v, err = d.Get("fred")
	require.NoError(t, err)
	require.Equal(t, "lo", string(v))

	require.NoError(t, d.Remove("fred"))
	_, err = d.Get("fred")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, d.Remove("fred")) // idempotent
}

func TestKeysWithSlashes(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, d.Put("a/b@group", []byte("x")))
	require.NoError(t, d.Put("plain", []byte("y")))

	keys, err := d.Keys()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a/b@group", "plain"}, keys)

	v, err := d.Get("a/b@group")
	require.NoError(t, err)
	require.Equal(t, "x", string(v))
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, d.Put("k", []byte("v")))

	d2, err := Open(dir)
	require.NoError(t, err)
	v, err := d2.Get("k")
	require.NoError(t, err)
	require.Equal(t, "v", string(v))
}
