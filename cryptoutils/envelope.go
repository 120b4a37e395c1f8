package cryptoutils

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ruteri/device-provisioning/interfaces"
)

// Role selects which key triple an Envelope seals with.
type Role int

const (
	// RolePhone seals with the app keys and opens with the device keys.
	RolePhone Role = iota
	// RoleDevice seals with the device keys and opens with the app keys.
	RoleDevice
)

// SealedMessage is the wire form of an encrypted message.
type SealedMessage struct {
	Enc  string `json:"enc"`
	Sign string `json:"sign"`
}

type plainMessage struct {
	SeqNo int             `json:"seq_no"`
	Data  json.RawMessage `json:"data"`
}

// Envelope seals and opens messages for one side of a secure session.
// Each direction is serialized because the CBC chain carries over.
type Envelope struct {
	sealMu  sync.Mutex
	sealKey []byte
	enc     cipher.BlockMode

	openMu  sync.Mutex
	openKey []byte
	dec     cipher.BlockMode
}

func NewEnvelope(keys SessionKeys, role Role) (*Envelope, error) {
	out, in := keys.App, keys.Device
	if role == RoleDevice {
		out, in = keys.Device, keys.App
	}

	encBlock, err := aes.NewCipher(out.Crypto)
	if err != nil {
		return nil, fmt.Errorf("%w: creating cipher: %w", interfaces.ErrSecureBootstrap, err)
	}
	decBlock, err := aes.NewCipher(in.Crypto)
	if err != nil {
		return nil, fmt.Errorf("%w: creating cipher: %w", interfaces.ErrSecureBootstrap, err)
	}

	return &Envelope{
		sealKey: bytes.Clone(out.Sign),
		enc:     cipher.NewCBCEncrypter(encBlock, bytes.Clone(out.IV)),
		openKey: bytes.Clone(in.Sign),
		dec:     cipher.NewCBCDecrypter(decBlock, bytes.Clone(in.IV)),
	}, nil
}

// Seal wraps data, which must marshal to JSON, with sequence number seq.
func (e *Envelope) Seal(seq int, data any) (*SealedMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding payload: %w", interfaces.ErrSecureBootstrap, err)
	}
	plain, err := json.Marshal(plainMessage{SeqNo: seq, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding payload: %w", interfaces.ErrSecureBootstrap, err)
	}

	// at least one NUL terminator, padded to the block size
	padded := make([]byte, (len(plain)/aes.BlockSize+1)*aes.BlockSize)
	copy(padded, plain)

	e.sealMu.Lock()
	e.enc.CryptBlocks(padded, padded)
	e.sealMu.Unlock()

	return &SealedMessage{
		Enc:  base64.StdEncoding.EncodeToString(padded),
		Sign: base64.StdEncoding.EncodeToString(hmacSHA256(e.sealKey, plain)),
	}, nil
}

// Open decrypts and verifies a message sealed by the peer.
func (e *Envelope) Open(msg *SealedMessage) (int, json.RawMessage, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(msg.Enc)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: decoding enc: %w", interfaces.ErrSecureBootstrap, err)
	}
	sign, err := base64.StdEncoding.DecodeString(msg.Sign)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: decoding sign: %w", interfaces.ErrSecureBootstrap, err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return 0, nil, fmt.Errorf("%w: ciphertext length %d is not a multiple of the block size", interfaces.ErrSecureBootstrap, len(ciphertext))
	}

	e.openMu.Lock()
	e.dec.CryptBlocks(ciphertext, ciphertext)
	e.openMu.Unlock()

	plain := bytes.TrimRight(ciphertext, "\x00")
	if !hmac.Equal(sign, hmacSHA256(e.openKey, plain)) {
		return 0, nil, fmt.Errorf("%w: signature mismatch", interfaces.ErrSecureBootstrap)
	}

	var pm plainMessage
	if err := json.Unmarshal(plain, &pm); err != nil {
		return 0, nil, fmt.Errorf("%w: decoding payload: %w", interfaces.ErrSecureBootstrap, err)
	}
	return pm.SeqNo, pm.Data, nil
}

// Wipe drops the sign keys. The envelope is unusable afterwards.
func (e *Envelope) Wipe() {
	e.sealMu.Lock()
	clear(e.sealKey)
	e.sealMu.Unlock()
	e.openMu.Lock()
	clear(e.openKey)
	e.openMu.Unlock()
}
