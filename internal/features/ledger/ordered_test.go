package ledger

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderedMap_RoundTripKeepsOrder(t *testing.T) {
	in := `{"9":1,"3":7,"5":2}`

	m := newOrderedMap[int64]()
	require.NoError(t, json.Unmarshal([]byte(in), m))
	assert.Equal(t, []string{"9", "3", "5"}, m.Keys())

	m.Set("1", 4)
	m.Set("3", 8)
	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, `{"9":1,"3":8,"5":2,"1":4}`, string(out))
}

func TestOrderedMap_Delete(t *testing.T) {
	m := newOrderedMap[string]()
	m.Set("a", "1")
	m.Set("b", "2")
	m.Set("c", "3")
	m.Delete("b")
	m.Delete("missing")

	assert.Equal(t, []string{"a", "c"}, m.Keys())
	_, ok := m.Get("b")
	assert.False(t, ok)
}

func TestOrderedMap_RejectsNonObject(t *testing.T) {
	m := newOrderedMap[int64]()
	m.Set("keep", 1)

	assert.Error(t, json.Unmarshal([]byte(`[1]`), m))
	assert.Error(t, json.Unmarshal([]byte(`{"a":"not a number"}`), m))

	// Неудачная загрузка не трогает текущее содержимое
	assert.Equal(t, []string{"keep"}, m.Keys())
}

func TestInviteDoc_RoundTrip(t *testing.T) {
	in := `{"200":2,"relationships":{"1":"200","2":"200","3":"100"},"100":1}`

	d := newInviteDoc()
	require.NoError(t, json.Unmarshal([]byte(in), d))
	assert.Equal(t, []string{"200", "100"}, d.counts.Keys())
	assert.Equal(t, []string{"1", "2", "3"}, d.relationships.Keys())

	out, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `{"200":2,"100":1,"relationships":{"1":"200","2":"200","3":"100"}}`, string(out))
}

func TestInviteDoc_EmptyMarshal(t *testing.T) {
	out, err := json.Marshal(newInviteDoc())
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(out))
}
