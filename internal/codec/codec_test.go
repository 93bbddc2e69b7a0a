package codec

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HsiangNianian/AMonItor/transport/internal/protocol"
)

func TestRoundTrip(t *testing.T) {
	msgs := []*protocol.Message{
		{
			ID:      "c0ffee",
			Kind:    protocol.KindAct,
			Origin:  "client-1",
			Pattern: "math.add",
			Payload: json.RawMessage(`{"a":1,"b":2}`),
			Meta:    protocol.Meta{Timeout: 21667, TraceID: "trace-1", Sent: 1700000000000},
		},
		{
			ID:      "c0ffee",
			Kind:    protocol.KindRes,
			Payload: json.RawMessage(`{"result":3}`),
		},
		{
			ID:    "f00d",
			Kind:  protocol.KindRes,
			Error: &protocol.Error{Code: "no_handler", Message: "math.mul"},
		},
		{
			ID:   "n1",
			Kind: protocol.KindAct,
			Meta: protocol.Meta{NoReply: true},
		},
	}

	for _, msg := range msgs {
		data, err := Encode(msg)
		require.NoError(t, err)

		got, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, msg, got)
	}
}

func TestEncodeInvalidPayload(t *testing.T) {
	_, err := Encode(&protocol.Message{ID: "x", Kind: protocol.KindAct, Payload: json.RawMessage(`{not json`)})
	require.Error(t, err)

	var encErr *EncodeError
	require.True(t, errors.As(err, &encErr))
	assert.Equal(t, "x", encErr.ID)

	_, err = Encode(nil)
	require.True(t, errors.As(err, &encErr))
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"garbage":      "\x00\x01garbage",
		"empty":        "",
		"wrong shape":  `["id","kind"]`,
		"missing id":   `{"kind":"act"}`,
		"unknown kind": `{"id":"1","kind":"ping"}`,
		"missing kind": `{"id":"1"}`,
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			msg, err := Decode([]byte(input))
			assert.Nil(t, msg)

			var decErr *DecodeError
			require.True(t, errors.As(err, &decErr))
			assert.Equal(t, len(input), decErr.Size)
		})
	}

	_, err := Decode([]byte(`{"kind":"res"}`))
	assert.ErrorIs(t, err, ErrMissingID)
	_, err = Decode([]byte(`{"id":"1","kind":"nope"}`))
	assert.ErrorIs(t, err, ErrUnknownKind)
}
