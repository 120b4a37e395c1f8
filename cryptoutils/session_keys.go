package cryptoutils

import (
	"crypto/hmac"
	"crypto/sha256"
	"strconv"
)

// KeyTriple holds one direction's keys.
type KeyTriple struct {
	Sign   []byte
	Crypto []byte
	IV     []byte
}

// SessionKeys are derived once per secure session from the LAN key.
type SessionKeys struct {
	App    KeyTriple
	Device KeyTriple
}

// DeriveSessionKeys derives app (phone) and device keys. rnd1 and time1 come
// from the device, rnd2 and time2 from the phone.
func DeriveSessionKeys(lanKey []byte, rnd1, rnd2 string, time1, time2 int64) SessionKeys {
	t1 := strconv.FormatInt(time1, 10)
	t2 := strconv.FormatInt(time2, 10)

	app := rnd1 + rnd2 + t1 + t2
	dev := rnd2 + rnd1 + t2 + t1

	return SessionKeys{
		App:    deriveTriple(lanKey, app),
		Device: deriveTriple(lanKey, dev),
	}
}

func deriveTriple(lanKey []byte, seed string) KeyTriple {
	iv := deriveKey(lanKey, seed+"2")
	return KeyTriple{
		Sign:   deriveKey(lanKey, seed+"0"),
		Crypto: deriveKey(lanKey, seed+"1"),
		IV:     iv[:16],
	}
}

func deriveKey(secret []byte, seed string) []byte {
	inner := hmacSHA256(secret, []byte(seed))
	return hmacSHA256(secret, append(inner, seed...))
}

func hmacSHA256(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}

// Wipe zeroes the key bytes.
func (k *SessionKeys) Wipe() {
	for _, b := range [][]byte{k.App.Sign, k.App.Crypto, k.App.IV, k.Device.Sign, k.Device.Crypto, k.Device.IV} {
		clear(b)
	}
}
