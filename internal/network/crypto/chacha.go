package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"io"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
)

// XChaCha20Poly1305 为不依赖 AES 硬件指令的 AEAD 实现，nonce 为 24 字节随机数。
//
// 报文格式：nonce || ciphertext
type XChaCha20Poly1305 struct {
	aead cipher.AEAD
}

var _ Encryptor = (*XChaCha20Poly1305)(nil)

func NewXChaCha20Poly1305(key []byte) (*XChaCha20Poly1305, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: init xchacha20poly1305")
	}
	return &XChaCha20Poly1305{aead: aead}, nil
}

func (c *XChaCha20Poly1305) Encrypt(plaintext, aad []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	packet := make([]byte, nonceSize, nonceSize+len(plaintext)+chacha20poly1305.Overhead)
	if _, err := io.ReadFull(rand.Reader, packet); err != nil {
		return nil, err
	}
	return c.aead.Seal(packet, packet[:nonceSize], plaintext, aad), nil
}

func (c *XChaCha20Poly1305) Decrypt(packet, aad []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(packet) < nonceSize+chacha20poly1305.Overhead {
		return nil, ErrPacketTooShort
	}
	return c.aead.Open(nil, packet[:nonceSize], packet[nonceSize:], aad)
}

// New 按名称创建加密器。
//
// encKeyHex 与 macKeyHex 为十六进制编码的密钥：
//   - "aes-gcm-hmac"：encKey 32 字节，macKey 非空；
//   - "xchacha20poly1305"：encKey 32 字节，macKey 忽略；
//   - "" 或 "none"：返回 NopEncryptor。
func New(name, encKeyHex, macKeyHex string) (Encryptor, error) {
	if name == "" || name == "none" {
		return NopEncryptor{}, nil
	}
	encKey, err := hex.DecodeString(encKeyHex)
	if err != nil {
		return nil, merr.WrapErrParameterInvalidMsg("enc key is not hex: %s", err.Error())
	}
	switch name {
	case "aes-gcm-hmac":
		macKey, err := hex.DecodeString(macKeyHex)
		if err != nil {
			return nil, merr.WrapErrParameterInvalidMsg("mac key is not hex: %s", err.Error())
		}
		return NewAESGCMHMAC(encKey, macKey)
	case "xchacha20poly1305":
		return NewXChaCha20Poly1305(encKey)
	default:
		return nil, merr.WrapErrParameterInvalidMsg("unknown cipher %q", name)
	}
}
