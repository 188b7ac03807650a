package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/pkg/errors"
	"github.com/zenazn/pkcs7pad"
)

// AesCbc encrypts with a random IV per message. The IV is prepended to the
// ciphertext so the same plaintext never produces the same output twice.
type AesCbc struct {
	cipher cipher.Block
}

type AesCbcConfig struct {
	Key []byte
}

func NewAesCbc(cfg AesCbcConfig) (*AesCbc, error) {
	cipher, err := aes.NewCipher(cfg.Key)
	if err != nil {
		return nil, err
	}

	return &AesCbc{
		cipher: cipher,
	}, nil
}

func (c *AesCbc) Encrypt(payload []byte) ([]byte, error) {
	payload = pkcs7pad.Pad(payload, c.cipher.BlockSize())

	iv := make([]byte, c.cipher.BlockSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}

	encrypter := cipher.NewCBCEncrypter(c.cipher, iv)
	encrypted := make([]byte, len(payload))

	encrypter.CryptBlocks(encrypted, payload)

	return append(iv, encrypted...), nil
}

func (c *AesCbc) Decrypt(payload []byte) ([]byte, error) {
	blockSize := c.cipher.BlockSize()

	if len(payload) < blockSize || len(payload)%blockSize != 0 {
		return nil, errors.New("payload is not a whole number of blocks")
	}

	iv, payload := payload[:blockSize], payload[blockSize:]

	decrypter := cipher.NewCBCDecrypter(c.cipher, iv)
	decrypted := make([]byte, len(payload))

	decrypter.CryptBlocks(decrypted, payload)

	return pkcs7pad.Unpad(decrypted)
}
