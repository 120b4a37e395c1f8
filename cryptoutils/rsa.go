package cryptoutils

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"

	"github.com/ruteri/device-provisioning/interfaces"
	"github.com/ruteri/device-provisioning/operation"
)

const (
	DefaultKeyBits = 1024
	MinKeyBits     = 512
	PublicExponent = 65537
)

// KeyMaterial is the phone's RSA key pair for one secure session.
type KeyMaterial struct {
	mu   sync.RWMutex
	priv *rsa.PrivateKey
}

// GenerateKeyMaterial creates a fresh key pair. bits of 0 selects DefaultKeyBits.
func GenerateKeyMaterial(bits int) (*KeyMaterial, error) {
	if bits == 0 {
		bits = DefaultKeyBits
	}
	if bits < MinKeyBits || bits%8 != 0 {
		return nil, fmt.Errorf("%w: rsa key size %d (must be >= %d and a multiple of 8)", interfaces.ErrInvalidArgument, bits, MinKeyBits)
	}

	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("%w: generating rsa key: %w", interfaces.ErrSecureBootstrap, err)
	}
	if priv.E != PublicExponent {
		return nil, fmt.Errorf("%w: unexpected public exponent %d", interfaces.ErrSecureBootstrap, priv.E)
	}
	return &KeyMaterial{priv: priv}, nil
}

// GenerateKeyMaterialAsync generates the key pair off the caller's goroutine.
func GenerateKeyMaterialAsync(loop *operation.Loop, bits int) *operation.Op[*KeyMaterial] {
	return operation.Go(loop, func(ctx context.Context) (*KeyMaterial, error) {
		km, err := GenerateKeyMaterial(bits)
		if err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			km.Destroy()
			return nil, operation.ErrCanceled
		}
		return km, nil
	})
}

// NewKeyMaterial wraps an existing private key.
func NewKeyMaterial(priv *rsa.PrivateKey) *KeyMaterial {
	return &KeyMaterial{priv: priv}
}

func (k *KeyMaterial) key() (*rsa.PrivateKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.priv == nil {
		return nil, fmt.Errorf("%w: key material destroyed", interfaces.ErrSecureBootstrap)
	}
	return k.priv, nil
}

// Modulus returns a copy of the public modulus.
func (k *KeyMaterial) Modulus() *big.Int {
	priv, err := k.key()
	if err != nil {
		return nil
	}
	return new(big.Int).Set(priv.N)
}

func (k *KeyMaterial) Exponent() int {
	priv, err := k.key()
	if err != nil {
		return 0
	}
	return priv.E
}

func (k *KeyMaterial) Public() (*rsa.PublicKey, error) {
	priv, err := k.key()
	if err != nil {
		return nil, err
	}
	return &priv.PublicKey, nil
}

// PublicKeyPKCS1 returns the DER encoded PKCS#1 public key sent to devices.
func (k *KeyMaterial) PublicKeyPKCS1() ([]byte, error) {
	priv, err := k.key()
	if err != nil {
		return nil, err
	}
	return x509.MarshalPKCS1PublicKey(&priv.PublicKey), nil
}

func (k *KeyMaterial) PrivateKeyPKCS1() ([]byte, error) {
	priv, err := k.key()
	if err != nil {
		return nil, err
	}
	return x509.MarshalPKCS1PrivateKey(priv), nil
}

// PublicKeyPEM is used in logs and session reports.
func (k *KeyMaterial) PublicKeyPEM() ([]byte, error) {
	der, err := k.PublicKeyPKCS1()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: der}), nil
}

// Encrypt encrypts with the key pair's own public key.
func (k *KeyMaterial) Encrypt(plain []byte) ([]byte, error) {
	pub, err := k.Public()
	if err != nil {
		return nil, err
	}
	return EncryptPKCS1v15(pub, plain)
}

func (k *KeyMaterial) Decrypt(ciphertext []byte) ([]byte, error) {
	priv, err := k.key()
	if err != nil {
		return nil, err
	}
	plain, err := rsa.DecryptPKCS1v15(rand.Reader, priv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: rsa decrypt: %w", interfaces.ErrSecureBootstrap, err)
	}
	return plain, nil
}

// Destroy drops the private key. Later calls fail with ErrSecureBootstrap.
func (k *KeyMaterial) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.priv == nil {
		return
	}
	k.priv.D.SetInt64(0)
	for _, p := range k.priv.Primes {
		p.SetInt64(0)
	}
	k.priv = nil
}

// EncryptPKCS1v15 encrypts plain to pub. Devices use it to deliver the LAN key.
func EncryptPKCS1v15(pub *rsa.PublicKey, plain []byte) ([]byte, error) {
	out, err := rsa.EncryptPKCS1v15(rand.Reader, pub, plain)
	if err != nil {
		return nil, fmt.Errorf("%w: rsa encrypt: %w", interfaces.ErrSecureBootstrap, err)
	}
	return out, nil
}

// ParsePublicKeyPKCS1 parses a DER PKCS#1 public key.
func ParsePublicKeyPKCS1(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing public key: %w", interfaces.ErrSecureBootstrap, err)
	}
	return pub, nil
}
