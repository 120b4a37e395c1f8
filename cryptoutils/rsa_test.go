package cryptoutils

import (
	"context"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ruteri/device-provisioning/interfaces"
)

func TestKeyMaterialEncryptDecrypt(t *testing.T) {
	km, err := GenerateKeyMaterial(0)
	require.NoError(t, err)
	require.Equal(t, DefaultKeyBits, km.Modulus().BitLen())
	require.Equal(t, PublicExponent, km.Exponent())

	der, err := km.PublicKeyPKCS1()
	require.NoError(t, err)
	pub, err := ParsePublicKeyPKCS1(der)
	require.NoError(t, err)

	lanKey := []byte("0123456789abcdef0123456789abcdef")
	ciphertext, err := EncryptPKCS1v15(pub, lanKey)
	require.NoError(t, err)

	plain, err := km.Decrypt(ciphertext)
	require.NoError(t, err)
	require.Equal(t, lanKey, plain)

	privDER, err := km.PrivateKeyPKCS1()
	require.NoError(t, err)
	_, err = x509.ParsePKCS1PrivateKey(privDER)
	require.NoError(t, err)

	pemBytes, err := km.PublicKeyPEM()
	require.NoError(t, err)
	require.Contains(t, string(pemBytes), "RSA PUBLIC KEY")
}

func TestKeyMaterialDecryptGarbage(t *testing.T) {
	km, err := GenerateKeyMaterial(512)
	require.NoError(t, err)

	_, err = km.Decrypt([]byte("not a ciphertext"))
	require.ErrorIs(t, err, interfaces.ErrSecureBootstrap)
}

func TestKeyMaterialInvalidSize(t *testing.T) {
	_, err := GenerateKeyMaterial(256)
	require.ErrorIs(t, err, interfaces.ErrInvalidArgument)

	_, err = GenerateKeyMaterial(1023)
	require.ErrorIs(t, err, interfaces.ErrInvalidArgument)
}

func TestKeyMaterialDestroy(t *testing.T) {
	km, err := GenerateKeyMaterial(512)
	require.NoError(t, err)
	ciphertext, err := km.Encrypt([]byte("secret"))
	require.NoError(t, err)

	km.Destroy()
	km.Destroy()

	_, err = km.Decrypt(ciphertext)
	require.ErrorIs(t, err, interfaces.ErrSecureBootstrap)
	_, err = km.PublicKeyPKCS1()
	require.ErrorIs(t, err, interfaces.ErrSecureBootstrap)
	require.Nil(t, km.Modulus())
}

func TestGenerateKeyMaterialAsync(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	km, err := GenerateKeyMaterialAsync(nil, 512).Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, 512, km.Modulus().BitLen())
}
