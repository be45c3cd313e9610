package rpc

import (
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_Text(t *testing.T) {
	mt, data, err := EncodeText(map[string]int{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)

	decoded, err := Decode(mt, data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(decoded))
}

func TestEncodeDecode_BinaryGzipRoundTrip(t *testing.T) {
	mt, data, err := EncodeBinary(map[string]string{"hello": "world"})
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)

	decoded, err := Decode(mt, data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"world"}`, string(decoded))
}

func TestDecode_BinaryGarbageErrors(t *testing.T) {
	_, err := Decode(websocket.BinaryMessage, []byte("not gzip"))
	assert.Error(t, err)
}
