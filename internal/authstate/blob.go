// ABOUTME: Binary-safe JSON codec for credential material.
// ABOUTME: Blob round-trips byte-for-byte through the persisted JSON representation.

package authstate

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Blob is a byte slice that survives JSON persistence exactly. Engine-native
// key material is binary; encoding/json would otherwise flatten it into
// plain base64 strings indistinguishable from text fields, so Blob tags its
// representation.
type Blob []byte

type blobWire struct {
	Binary string `json:"$binary"`
}

// MarshalJSON encodes the blob as {"$binary": "<base64>"}.
func (b Blob) MarshalJSON() ([]byte, error) {
	return json.Marshal(blobWire{Binary: base64.StdEncoding.EncodeToString(b)})
}

// UnmarshalJSON decodes either the tagged form or a bare base64 string, so
// blobs written by older layouts still load.
func (b *Blob) UnmarshalJSON(data []byte) error {
	var wire blobWire
	if err := json.Unmarshal(data, &wire); err == nil && wire.Binary != "" {
		raw, err := base64.StdEncoding.DecodeString(wire.Binary)
		if err != nil {
			return fmt.Errorf("decoding blob: %w", err)
		}
		*b = raw
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("blob is neither tagged nor string form")
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("decoding blob string: %w", err)
	}
	*b = raw
	return nil
}

// KeyPair is an asymmetric key pair held as opaque bytes.
type KeyPair struct {
	Public  Blob `json:"public"`
	Private Blob `json:"private"`
}

// SignedKeyPair is a key pair with its signature and rotating id.
type SignedKeyPair struct {
	KeyPair
	KeyID     uint32 `json:"key_id"`
	Signature Blob   `json:"signature"`
}

// Creds is the small, whole-object credential record for one session. The
// gateway treats the contents as opaque; only the owning engine interprets
// them.
type Creds struct {
	NoiseKey                KeyPair       `json:"noise_key"`
	PairingEphemeralKey     KeyPair       `json:"pairing_ephemeral_key"`
	SignedIdentityKey       KeyPair       `json:"signed_identity_key"`
	SignedPreKey            SignedKeyPair `json:"signed_pre_key"`
	RegistrationID          uint32        `json:"registration_id"`
	AdvSecretKey            Blob          `json:"adv_secret_key"`
	NextPreKeyID            uint32        `json:"next_pre_key_id"`
	FirstUnuploadedPreKeyID uint32        `json:"first_unuploaded_pre_key_id"`
	AccountSyncCounter      int           `json:"account_sync_counter"`
	DeviceID                string        `json:"device_id,omitempty"`
	Registered              bool          `json:"registered"`
}

// NewCreds returns default-initialized credentials for a fresh pairing.
func NewCreds() *Creds {
	return &Creds{
		NoiseKey:            newKeyPair(),
		PairingEphemeralKey: newKeyPair(),
		SignedIdentityKey:   newKeyPair(),
		SignedPreKey: SignedKeyPair{
			KeyPair:   newKeyPair(),
			KeyID:     1,
			Signature: randomBytes(64),
		},
		RegistrationID:          randomUint32() & 0x3fff,
		AdvSecretKey:            randomBytes(32),
		NextPreKeyID:            1,
		FirstUnuploadedPreKeyID: 1,
	}
}

func newKeyPair() KeyPair {
	return KeyPair{Public: randomBytes(32), Private: randomBytes(32)}
}

func randomBytes(n int) Blob {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return buf
}

func randomUint32() uint32 {
	b := randomBytes(4)
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
