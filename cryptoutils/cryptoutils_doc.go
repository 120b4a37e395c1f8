// Package cryptoutils provides the cryptography behind secure device setup.
//
// A secure session starts with the phone generating an RSA key pair
// (KeyMaterial) and handing the PKCS#1 public key to the device. The device
// answers with a random LAN key encrypted to that public key (RSA PKCS#1
// v1.5) together with its own random value and timestamp. Both sides then
// derive six session keys with DeriveSessionKeys:
//
//	key = HMAC-SHA256(lanKey, HMAC-SHA256(lanKey, t) || t)
//
// where t concatenates both randoms, both times and a single digit selecting
// the sign ('0'), crypto ('1') or IV ('2') key. The phone-side triple uses the
// phone's values first, the device-side triple uses the device's values first.
//
// # Envelope
//
// Once keyed, every message is wrapped by an Envelope:
//
//	{"enc": base64(AES-256-CBC(plaintext)), "sign": base64(HMAC-SHA256(signKey, plaintext))}
//
// The plaintext is a JSON object {"seq_no": N, "data": ...} padded with NUL
// bytes to a multiple of the block size, always with at least one NUL. The
// CBC chain continues across messages in each direction, so the two ends
// must open messages in the order they were sealed.
//
// Every failure in this package wraps interfaces.ErrSecureBootstrap.
package cryptoutils
