package crypto

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
)

var (
	testEncKey = strings.Repeat("ab", 32)
	testMacKey = strings.Repeat("cd", 16)
)

func TestEncryptors(t *testing.T) {
	plaintext := []byte("hello bob")
	aad := []byte("op|seq|alice|bob")

	for _, name := range []string{"none", "aes-gcm-hmac", "xchacha20poly1305"} {
		t.Run(name, func(t *testing.T) {
			enc, err := New(name, testEncKey, testMacKey)
			require.NoError(t, err)

			packet, err := enc.Encrypt(plaintext, aad)
			require.NoError(t, err)

			plain, err := enc.Decrypt(packet, aad)
			require.NoError(t, err)
			assert.Equal(t, plaintext, plain)

			if name == "none" {
				return
			}
			_, err = enc.Decrypt(packet, []byte("op|seq|mallory|bob"))
			assert.Error(t, err)

			_, err = enc.Decrypt(packet[:4], aad)
			assert.ErrorIs(t, err, ErrPacketTooShort)
		})
	}
}

func TestAESGCMHMAC_InvalidMAC(t *testing.T) {
	encKey, _ := hex.DecodeString(testEncKey)
	c, err := NewAESGCMHMAC(encKey, []byte("mac"))
	require.NoError(t, err)

	packet, err := c.Encrypt([]byte("payload"), nil)
	require.NoError(t, err)
	packet[len(packet)-1] ^= 0xff

	_, err = c.Decrypt(packet, nil)
	assert.ErrorIs(t, err, ErrInvalidMAC)
}

func TestNewInvalid(t *testing.T) {
	_, err := New("aes-gcm-hmac", "zz", testMacKey)
	assert.ErrorIs(t, err, merr.ErrParameterInvalid)

	_, err = New("aes-gcm-hmac", "abcd", testMacKey)
	assert.Error(t, err)

	_, err = New("rot13", testEncKey, "")
	assert.ErrorIs(t, err, merr.ErrParameterInvalid)
}
