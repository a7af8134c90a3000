// ABOUTME: Round-trip tests for the binary credential codec.
// ABOUTME: Byte-for-byte fidelity here is the most failure-prone area of credential persistence.

package authstate

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlob_RoundTripExact(t *testing.T) {
	cases := [][]byte{
		{},
		{0x00},
		{0xff, 0x00, 0xab, 0xcd},
		bytes.Repeat([]byte{0x5a}, 1024),
	}

	for _, raw := range cases {
		data, err := json.Marshal(Blob(raw))
		require.NoError(t, err)

		var back Blob
		require.NoError(t, json.Unmarshal(data, &back))
		assert.True(t, bytes.Equal(raw, back), "blob %x did not round-trip", raw)
	}
}

func TestBlob_AcceptsBareBase64String(t *testing.T) {
	var b Blob
	require.NoError(t, json.Unmarshal([]byte(`"AAEC"`), &b))
	assert.Equal(t, Blob{0x00, 0x01, 0x02}, b)
}

func TestCreds_RoundTripExact(t *testing.T) {
	creds := NewCreds()
	creds.Registered = true
	creds.DeviceID = "dev-1"

	data, err := json.Marshal(creds)
	require.NoError(t, err)

	var back Creds
	require.NoError(t, json.Unmarshal(data, &back))

	assert.Equal(t, creds.RegistrationID, back.RegistrationID)
	assert.True(t, bytes.Equal(creds.NoiseKey.Private, back.NoiseKey.Private))
	assert.True(t, bytes.Equal(creds.SignedPreKey.Signature, back.SignedPreKey.Signature))
	assert.Equal(t, creds.SignedPreKey.KeyID, back.SignedPreKey.KeyID)
	assert.Equal(t, creds.DeviceID, back.DeviceID)
	assert.True(t, back.Registered)
}

func TestNewCreds_Initialized(t *testing.T) {
	creds := NewCreds()
	assert.Len(t, []byte(creds.AdvSecretKey), 32)
	assert.Len(t, []byte(creds.NoiseKey.Public), 32)
	assert.NotZero(t, creds.RegistrationID)
	assert.False(t, creds.Registered)
}
