package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONDocScan(t *testing.T) {
	var doc JSONDoc
	require.NoError(t, doc.Scan([]byte(`{"site_id":"site-1"}`)))
	assert.JSONEq(t, `{"site_id":"site-1"}`, string(doc))

	require.NoError(t, doc.Scan(`{"batch_size":50}`))
	assert.JSONEq(t, `{"batch_size":50}`, string(doc))

	require.NoError(t, doc.Scan(nil))
	assert.Nil(t, doc)

	assert.Error(t, doc.Scan(42))
}

func TestJSONDocValue(t *testing.T) {
	v, err := JSONDoc(`{"a":1}`).Value()
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), v)

	v, err = JSONDoc(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestJSONDocMarshalsEmbedded(t *testing.T) {
	conn := Connection{Config: JSONDoc(`{"scope":{"recursive":true}}`)}
	data, err := json.Marshal(conn.Config)
	require.NoError(t, err)
	assert.JSONEq(t, `{"scope":{"recursive":true}}`, string(data))

	empty, err := json.Marshal(JSONDoc(nil))
	require.NoError(t, err)
	assert.Equal(t, "null", string(empty))
}

func TestStringSliceScan(t *testing.T) {
	var s StringSlice
	require.NoError(t, s.Scan([]byte(`["a@example.com","b@example.com"]`)))
	assert.Equal(t, StringSlice{"a@example.com", "b@example.com"}, s)

	require.NoError(t, s.Scan(nil))
	assert.Nil(t, s)

	assert.Error(t, s.Scan(42))
	assert.Error(t, s.Scan([]byte("not json")))
}

func TestStringSliceValue(t *testing.T) {
	v, err := StringSlice{"group-1"}.Value()
	require.NoError(t, err)
	assert.JSONEq(t, `["group-1"]`, string(v.([]byte)))

	v, err = StringSlice(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestTableNames(t *testing.T) {
	assert.Equal(t, "chunks", Chunk{}.TableName())
	assert.Equal(t, "connections", Connection{}.TableName())
}
