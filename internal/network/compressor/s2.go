package compressor

import (
	"github.com/klauspost/compress/s2"

	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
)

// S2Compressor 使用 s2 块格式，压缩率低于 zstd，但 CPU 开销更小，适合短文本消息。
type S2Compressor struct{}

var _ Compressor = S2Compressor{}

func (S2Compressor) Compress(dst, src []byte) ([]byte, error) {
	return s2.Encode(dst[:cap(dst)], src), nil
}

func (S2Compressor) Decompress(dst, src []byte) ([]byte, error) {
	n, err := s2.DecodedLen(src)
	if err != nil {
		return nil, err
	}
	if n > maxDecodedSize {
		return nil, merr.WrapErrParameterTooLarge("s2 decoded size")
	}
	return s2.Decode(dst[:cap(dst)], src)
}

// New 按名称创建压缩器，name 为空或 "none" 时返回 NopCompressor。
func New(name string) (Compressor, error) {
	switch name {
	case "", "none":
		return NopCompressor{}, nil
	case "zstd":
		return NewZstdCompressor()
	case "s2":
		return S2Compressor{}, nil
	default:
		return nil, merr.WrapErrParameterInvalidMsg("unknown compressor %q", name)
	}
}
