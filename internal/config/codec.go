package config

import (
	"github.com/lk2023060901/chatrelay-go/internal/network/codec"
	"github.com/lk2023060901/chatrelay-go/internal/network/compressor"
	"github.com/lk2023060901/chatrelay-go/internal/network/crypto"
	"github.com/lk2023060901/chatrelay-go/internal/network/framer"
	"github.com/lk2023060901/chatrelay-go/internal/network/serializer"
)

// NewCodec 按配置构造线路编解码器，客户端与服务端必须使用相同的配置。
func (c CodecConfig) NewCodec() (codec.Codec, error) {
	comp, err := compressor.New(c.Compressor)
	if err != nil {
		return nil, err
	}
	enc, err := crypto.New(c.Cipher, c.EncKey, c.MacKey)
	if err != nil {
		return nil, err
	}
	return codec.New(codec.Options{
		Framer:            framer.NewLengthPrefixedFramer(c.MaxFrameSize),
		Serializer:        serializer.JSONSerializer{},
		Compressor:        comp,
		Encryptor:         enc,
		EnableCompression: c.Compressor != "" && c.Compressor != "none",
		CompressMinSize:   c.CompressMinSize,
		EnableEncryption:  c.Cipher != "" && c.Cipher != "none",
	})
}
