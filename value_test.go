package clevis

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseValueKeepsOrder(t *testing.T) {
	v, err := ParseValue([]byte(`{"z":1,"a":{"y":"x","b":[true,null,2.5]},"m":"s"}`))
	require.NoError(t, err)
	require.Equal(t, ObjectValue, v.Kind())
	require.Equal(t, []string{"z", "a", "m"}, v.Keys())
	require.Equal(t, `{"z":1,"a":{"y":"x","b":[true,null,2.5]},"m":"s"}`, v.Text())

	a, err := v.ObjectField("a")
	require.NoError(t, err)
	require.Equal(t, []string{"y", "b"}, a.Keys())

	items, err := a.ArrayField("b")
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, BoolValue, items[0].Kind())
	require.Equal(t, NullValue, items[1].Kind())
	require.Equal(t, NumberValue, items[2].Kind())
}

func TestValueAccessors(t *testing.T) {
	v, err := ParseValue([]byte(`{"s":"str","n":42,"f":1.5,"o":{},"a":[]}`))
	require.NoError(t, err)

	s, err := v.StringField("s")
	require.NoError(t, err)
	require.Equal(t, "str", s)

	n, err := v.IntField("n")
	require.NoError(t, err)
	require.Equal(t, int64(42), n)

	_, err = v.IntField("f")
	require.Error(t, err)

	_, err = v.StringField("n")
	require.EqualError(t, err, `field "n" is number, expected string`)

	_, err = v.ObjectField("missing")
	require.EqualError(t, err, `field "missing" is missing`)

	o, err := v.ObjectField("o")
	require.NoError(t, err)
	require.Equal(t, 0, o.Len())

	_, err = o.StringField("x")
	require.Error(t, err)

	items, err := v.ArrayField("a")
	require.NoError(t, err)
	require.Empty(t, items)

	str, _ := v.Field("s")
	_, err = str.StringField("x")
	require.EqualError(t, err, `cannot read field "x" of a non-object value`)
}

func TestParseValueErrors(t *testing.T) {
	inputs := []string{
		``,
		`{`,
		`{"a":}`,
		`{"a":1} {"b":2}`,
		`[1,2`,
		`nope`,
	}
	for _, in := range inputs {
		_, err := ParseValue([]byte(in))
		require.Error(t, err, "input %q", in)
	}
}

func TestValueBuild(t *testing.T) {
	v := NewObject().
		Set("url", NewString("http://tang.local/?a=1&b=<2>")).
		Set("t", NewInt(2)).
		Set("list", NewArray().Append(NewString("x")).Append(NewObject()))
	require.Equal(t, `{"url":"http://tang.local/?a=1&b=<2>","t":2,"list":["x",{}]}`, v.Text())

	// replacing a member keeps its position
	v.Set("url", NewString("quote\"d"))
	require.Equal(t, `{"url":"quote\"d","t":2,"list":["x",{}]}`, v.Text())

	data, err := v.MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, v.Text(), string(data))
}
