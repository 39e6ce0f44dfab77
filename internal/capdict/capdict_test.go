package capdict

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type widget struct {
	Name  string
	Count int
	save  SaveFunc
}

func (w *widget) ClassTag() string { return "Widget" }

func (w *widget) Fields() Fields {
	return Fields{"name": w.Name, "count": w.Count}
}

func widgetFactory(env any, key string, fields Fields, save SaveFunc) (any, error) {
	w := &widget{save: save}
	if v, ok := fields["name"].(string); ok {
		w.Name = v
	}
	if v, ok := fields["count"].(float64); ok {
		w.Count = int(v)
	}
	return w, nil
}

func TestCreateAndGet(t *testing.T) {
	cd, err := Open(t.TempDir(), nil, 8)
	require.NoError(t, err)
	cd.Register("Widget", widgetFactory)

	w := &widget{Name: "fred", Count: 3}
	require.NoError(t, cd.Create("fred", w))

	got, err := cd.Get("fred")
	require.NoError(t, err)
	require.Same(t, w, got.(*widget)) // warm cache returns the same instance
}

func TestRehydrateAfterCacheMiss(t *testing.T) {
	cd, err := Open(t.TempDir(), nil, 8)
	require.NoError(t, err)
	cd.Register("Widget", widgetFactory)

	w := &widget{Name: "barney", Count: 7}
	require.NoError(t, cd.Create("barney", w))

	// Force eviction by saving via the live object's own save callback.
	require.NoError(t, w.save(w.Fields()))

	got, err := cd.Get("barney")
	require.NoError(t, err)
	gw := got.(*widget)
	require.NotSame(t, w, gw)
	require.Equal(t, "barney", gw.Name)
	require.Equal(t, 7, gw.Count)
}

func TestMissingFactory(t *testing.T) {
	cd, err := Open(t.TempDir(), nil, 8)
	require.NoError(t, err)

	w := &widget{Name: "x"}
	require.NoError(t, cd.Create("x", w))
	cd.Remove("x") // simulate a stale cache by removing then re-adding raw
	require.NoError(t, cd.persist("x", w.ClassTag(), w.Fields()))

	_, err = cd.Get("x")
	require.Error(t, err)
}

func TestRemoveAndKeys(t *testing.T) {
	cd, err := Open(t.TempDir(), nil, 8)
	require.NoError(t, err)
	cd.Register("Widget", widgetFactory)

	require.NoError(t, cd.Create("a", &widget{Name: "a"}))
	require.NoError(t, cd.Create("b", &widget{Name: "b"}))

	keys, err := cd.Keys()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, keys)

	require.NoError(t, cd.Remove("a"))
	require.False(t, cd.Exists("a"))
	require.True(t, cd.Exists("b"))
}

func TestEnvThreadedToFactory(t *testing.T) {
	type env struct{ tag string }
	e := &env{tag: "test-env"}

	var seen any
	cd, err := Open(t.TempDir(), e, 8)
	require.NoError(t, err)
	cd.Register("Widget", func(env any, key string, fields Fields, save SaveFunc) (any, error) {
		seen = env
		return widgetFactory(env, key, fields, save)
	})

	require.NoError(t, cd.Create("k", &widget{Name: "k"}))
	require.NoError(t, cd.store.Remove("k")) // force through persist path again
	require.NoError(t, cd.persist("k", "Widget", Fields{"name": "k"}))
	_, err = cd.Get("k")
	require.NoError(t, err)
	require.Same(t, e, seen)
}
