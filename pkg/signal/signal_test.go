package signal

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func securitySignals() Value {
	return Map(map[string]Value{
		"persona":    Str("dev"),
		"risk_boost": Num(0.15),
		"keywords":   Strings([]string{"api", "token"}),
		"security": Map(map[string]Value{
			"decision":         Str("BLOCK"),
			"prompt_injection": Bool(true),
			"score":            Num(0.9),
		}),
	})
}

func TestGetDotPath(t *testing.T) {
	v := securitySignals()

	s, ok := v.Get("persona").AsStr()
	require.True(t, ok)
	assert.Equal(t, "dev", s)

	b, ok := v.Get("security.prompt_injection").AsBool()
	require.True(t, ok)
	assert.True(t, b)

	n, ok := v.Get("security.score").AsNum()
	require.True(t, ok)
	assert.Equal(t, 0.9, n)
}

func TestGetMissingPathYieldsNull(t *testing.T) {
	v := securitySignals()
	assert.True(t, v.Get("nope").IsNull())
	assert.True(t, v.Get("security.nope").IsNull())
	assert.True(t, v.Get("persona.deeper").IsNull(), "descending through a scalar is a miss")
	assert.True(t, v.Get("security.score.deeper").IsNull())
}

func TestEqualIsStructural(t *testing.T) {
	assert.True(t, Null().Equal(Null()))
	assert.True(t, Num(1).Equal(Num(1)))
	assert.False(t, Num(1).Equal(Str("1")))
	assert.True(t, Strings([]string{"a", "b"}).Equal(Strings([]string{"a", "b"})))
	assert.False(t, Strings([]string{"a", "b"}).Equal(Strings([]string{"b", "a"})))
	assert.True(t, securitySignals().Equal(securitySignals()))
}

func TestContains(t *testing.T) {
	assert.True(t, Strings([]string{"a", "b"}).Contains(Str("a")))
	assert.False(t, Strings([]string{"a", "b"}).Contains(Str("c")))
	assert.True(t, Str("hello world").Contains(Str("lo wo")))
	assert.False(t, Str("hello").Contains(Num(1)))
	assert.False(t, Num(5).Contains(Num(5)), "contains on a scalar is false")
	assert.False(t, Null().Contains(Str("x")))
}

func TestFromAnyRoundTrip(t *testing.T) {
	raw := map[string]any{
		"persona": "dev",
		"score":   0.9,
		"flags":   []any{true, false},
		"nested":  map[string]any{"k": nil},
	}
	v, err := FromAny(raw)
	require.NoError(t, err)

	assert.Equal(t, raw["persona"], v.Get("persona").ToAny())
	assert.Equal(t, raw["score"], v.Get("score").ToAny())
	assert.True(t, v.Get("nested.k").IsNull())

	_, err = FromAny(map[string]any{"bad": make(chan int)})
	require.Error(t, err)
}

func TestMarshalJSON(t *testing.T) {
	v := Map(map[string]Value{
		"ok":    Bool(true),
		"count": Num(2),
		"tags":  Strings([]string{"x"}),
		"none":  Null(),
	})
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true,"count":2,"tags":["x"],"none":null}`, string(raw))
}
