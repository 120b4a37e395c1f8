package cryptoutils

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ruteri/device-provisioning/interfaces"
)

func testKeys() SessionKeys {
	return DeriveSessionKeys([]byte("lan-key-from-device"), "devrandom", "phonerandom", 1700000000, 1700000005)
}

func TestDeriveSessionKeys(t *testing.T) {
	keys := testKeys()
	require.Len(t, keys.App.Sign, 32)
	require.Len(t, keys.App.Crypto, 32)
	require.Len(t, keys.App.IV, 16)
	require.NotEqual(t, keys.App.Sign, keys.Device.Sign)
	require.NotEqual(t, keys.App.Crypto, keys.App.Sign)

	// app seed: rnd1 rnd2 time1 time2 '0'
	seed := "devrandomphonerandom17000000001700000005"
	inner := hmacSHA256([]byte("lan-key-from-device"), []byte(seed+"0"))
	want := hmacSHA256([]byte("lan-key-from-device"), append(inner, []byte(seed+"0")...))
	require.Equal(t, want, keys.App.Sign)

	again := testKeys()
	require.Equal(t, keys, again)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	phone, err := NewEnvelope(testKeys(), RolePhone)
	require.NoError(t, err)
	device, err := NewEnvelope(testKeys(), RoleDevice)
	require.NoError(t, err)

	// several messages in each direction exercise the CBC chain
	for seq := 0; seq < 4; seq++ {
		msg, err := phone.Seal(seq, map[string]any{"cmds": []string{"status.json"}, "n": seq})
		require.NoError(t, err)

		raw, err := base64.StdEncoding.DecodeString(msg.Enc)
		require.NoError(t, err)
		require.Zero(t, len(raw)%16)

		gotSeq, data, err := device.Open(msg)
		require.NoError(t, err)
		require.Equal(t, seq, gotSeq)

		var payload struct {
			N int `json:"n"`
		}
		require.NoError(t, json.Unmarshal(data, &payload))
		require.Equal(t, seq, payload.N)

		reply, err := device.Seal(seq, map[string]string{"ok": "yes"})
		require.NoError(t, err)
		_, _, err = phone.Open(reply)
		require.NoError(t, err)
	}
}

func TestEnvelopeBlockAlignedPlaintext(t *testing.T) {
	phone, err := NewEnvelope(testKeys(), RolePhone)
	require.NoError(t, err)
	device, err := NewEnvelope(testKeys(), RoleDevice)
	require.NoError(t, err)

	// {"seq_no":1,"data":"abcdefghij"} is 32 bytes, so a full NUL block is appended
	msg, err := phone.Seal(1, "abcdefghij")
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(msg.Enc)
	require.NoError(t, err)
	require.Len(t, raw, 48)

	_, data, err := device.Open(msg)
	require.NoError(t, err)
	require.JSONEq(t, `"abcdefghij"`, string(data))
}

func TestEnvelopeRejectsTampering(t *testing.T) {
	phone, err := NewEnvelope(testKeys(), RolePhone)
	require.NoError(t, err)
	device, err := NewEnvelope(testKeys(), RoleDevice)
	require.NoError(t, err)

	msg, err := phone.Seal(1, "hello")
	require.NoError(t, err)
	msg.Sign = base64.StdEncoding.EncodeToString([]byte("forged"))

	_, _, err = device.Open(msg)
	require.ErrorIs(t, err, interfaces.ErrSecureBootstrap)

	_, _, err = device.Open(&SealedMessage{Enc: "short", Sign: ""})
	require.ErrorIs(t, err, interfaces.ErrSecureBootstrap)
}

func TestEnvelopeWrongRole(t *testing.T) {
	phone, err := NewEnvelope(testKeys(), RolePhone)
	require.NoError(t, err)
	other, err := NewEnvelope(testKeys(), RolePhone)
	require.NoError(t, err)

	msg, err := phone.Seal(1, "hello")
	require.NoError(t, err)
	_, _, err = other.Open(msg)
	require.ErrorIs(t, err, interfaces.ErrSecureBootstrap)
}
