package codec

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/valyala/bytebufferpool"

	"github.com/lk2023060901/chatrelay-go/internal/network/compressor"
	"github.com/lk2023060901/chatrelay-go/internal/network/crypto"
	"github.com/lk2023060901/chatrelay-go/internal/network/framer"
	"github.com/lk2023060901/chatrelay-go/internal/network/protocol"
	"github.com/lk2023060901/chatrelay-go/internal/network/serializer"
	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
)

// Codec 抽象了“从 Envelope 到网络帧，以及从网络帧回到 Envelope”的完整编解码流程。
//
// Pipeline（写出 Encode）：
//
//	Payload --> [compress?] --> [encrypt?] --> serializer(Envelope) --> framer.WriteFrame
//
// Pipeline（读入 Decode）：
//
//	framer.ReadFrame --> serializer(Envelope) --> [decrypt?] --> [decompress?] --> Payload
//
// 实现必须是并发安全的：同一个 Codec 由所有连接的读写协程共享。
type Codec interface {
	// Encode 将 env 编码为一帧写入 w。env 不会被修改。
	Encode(w io.Writer, env *protocol.Envelope) error

	// Decode 从 r 读取一帧并还原为 Envelope，返回的 Payload 为明文。
	// 对端在帧边界处关闭时返回 io.EOF。
	Decode(r io.Reader) (*protocol.Envelope, error)

	// Serializer 返回 payload 使用的序列化器。
	Serializer() serializer.Serializer
}

// Options 用于构造 Codec 的依赖注入参数。
type Options struct {
	Framer     framer.Framer
	Serializer serializer.Serializer
	Compressor compressor.Compressor // 允许为 nil（内部会用 NopCompressor）
	Encryptor  crypto.Encryptor      // 允许为 nil（内部会用 NopEncryptor）

	EnableCompression bool // 是否启用压缩（影响压缩行为与 Flags）
	CompressMinSize   int  // 小于该长度的 payload 不压缩
	EnableEncryption  bool // 是否启用加密（影响加密行为与 Flags）
}

type codec struct {
	framer     framer.Framer
	serializer serializer.Serializer
	compressor compressor.Compressor
	encryptor  crypto.Encryptor

	compress    bool
	compressMin int
	encrypt     bool
}

var _ Codec = (*codec)(nil)

const flagsMask = protocol.FlagCompressed | protocol.FlagEncrypted

// New 创建一个基于给定依赖的 Codec。
func New(opts Options) (Codec, error) {
	if opts.Framer == nil {
		return nil, merr.WrapErrParameterMissing("framer")
	}
	if opts.Serializer == nil {
		return nil, merr.WrapErrParameterMissing("serializer")
	}

	c := &codec{
		framer:      opts.Framer,
		serializer:  opts.Serializer,
		compress:    opts.EnableCompression,
		compressMin: opts.CompressMinSize,
		encrypt:     opts.EnableEncryption,
	}

	if opts.Compressor != nil {
		c.compressor = opts.Compressor
	} else {
		c.compressor = compressor.NopCompressor{}
	}
	if opts.Encryptor != nil {
		c.encryptor = opts.Encryptor
	} else {
		c.encryptor = crypto.NopEncryptor{}
	}

	return c, nil
}

// Default 返回不压缩、不加密的 JSON Codec。
func Default(maxFrameSize uint32) Codec {
	c, _ := New(Options{
		Framer:     framer.NewLengthPrefixedFramer(maxFrameSize),
		Serializer: serializer.JSONSerializer{},
	})
	return c
}

func (c *codec) Serializer() serializer.Serializer {
	return c.serializer
}

// Encode 实现 Codec.Encode。
func (c *codec) Encode(w io.Writer, env *protocol.Envelope) error {
	if w == nil {
		return merr.WrapErrParameterMissing("writer")
	}
	if env == nil {
		return merr.WrapErrParameterMissing("envelope")
	}

	// 广播时同一个 Envelope 会被多个写协程同时编码，这里只操作副本。
	out := *env
	out.Flags &^= flagsMask
	body := out.Payload

	// 第一步：可选压缩。
	if c.compress && len(body) > 0 && len(body) >= c.compressMin {
		compressed, err := c.compressor.Compress(nil, body)
		if err != nil {
			return merr.WrapErrIoEncode(err, "compress")
		}
		body = compressed
		out.Flags |= protocol.FlagCompressed
	}

	// 第二步：可选加密，flags 在计算 AAD 之前定稿。
	if c.encrypt && len(body) > 0 {
		out.Flags |= protocol.FlagEncrypted
		packet, err := c.encryptor.Encrypt(body, buildAAD(&out))
		if err != nil {
			return merr.WrapErrIoEncode(err, "encrypt")
		}
		body = packet
	}
	out.Payload = body

	// 第三步：Envelope 序列化并成帧。
	data, err := c.serializer.Marshal(&out)
	if err != nil {
		return merr.WrapErrIoEncode(err, "marshal envelope")
	}
	return c.framer.WriteFrame(w, data)
}

// Decode 实现 Codec.Decode。
func (c *codec) Decode(r io.Reader) (*protocol.Envelope, error) {
	if r == nil {
		return nil, merr.WrapErrParameterMissing("reader")
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	body, err := c.framer.ReadFrame(r, buf.B[:0])
	if err != nil {
		return nil, err
	}
	buf.B = body

	env := &protocol.Envelope{}
	if err := c.serializer.Unmarshal(body, env); err != nil {
		return nil, merr.WrapErrIoDecode(err, "unmarshal envelope")
	}

	data := env.Payload

	// 第一阶段：加密 -> 解密。
	if env.Flags&protocol.FlagEncrypted != 0 {
		if !c.encrypt {
			return nil, merr.WrapErrIoDecode(errors.New("encrypted payload but encryption disabled"))
		}
		if len(data) == 0 {
			return nil, merr.WrapErrIoDecode(errors.New("encrypted payload is empty"))
		}
		plain, err := c.encryptor.Decrypt(data, buildAAD(env))
		if err != nil {
			return nil, merr.WrapErrIoDecode(err, "decrypt")
		}
		data = plain
	}

	// 第二阶段：压缩 -> 解压。
	if env.Flags&protocol.FlagCompressed != 0 {
		if !c.compress {
			return nil, merr.WrapErrIoDecode(errors.New("compressed payload but compression disabled"))
		}
		if len(data) == 0 {
			return nil, merr.WrapErrIoDecode(errors.New("compressed payload is empty"))
		}
		plain, err := c.compressor.Decompress(nil, data)
		if err != nil {
			return nil, merr.WrapErrIoDecode(err, "decompress")
		}
		data = plain
	}

	env.Payload = data
	env.Flags &^= flagsMask
	return env, nil
}

// buildAAD 将 Envelope 中除 Payload 外与路由相关的字段编码为 AAD。
//
// 字段顺序：
//
//	op(uint32) | seq(uint64) | req_id(uint64) | flags(uint64) | ts(int64) |
//	len(sender)(uint16) | sender | len(recipient)(uint16) | recipient |
//	count(audience)(uint16) | { len(member)(uint16) | member }... | kind
func buildAAD(env *protocol.Envelope) []byte {
	size := 36 + 6 + len(env.Sender) + len(env.Recipient) + len(env.Kind)
	for _, member := range env.Audience {
		size += 2 + len(member)
	}
	aad := make([]byte, 0, size)

	aad = binary.BigEndian.AppendUint32(aad, uint32(env.Op))
	aad = binary.BigEndian.AppendUint64(aad, env.Seq)
	aad = binary.BigEndian.AppendUint64(aad, env.ReqID)
	aad = binary.BigEndian.AppendUint64(aad, env.Flags)
	aad = binary.BigEndian.AppendUint64(aad, uint64(env.Timestamp))
	aad = binary.BigEndian.AppendUint16(aad, uint16(len(env.Sender)))
	aad = append(aad, env.Sender...)
	aad = binary.BigEndian.AppendUint16(aad, uint16(len(env.Recipient)))
	aad = append(aad, env.Recipient...)
	aad = binary.BigEndian.AppendUint16(aad, uint16(len(env.Audience)))
	for _, member := range env.Audience {
		aad = binary.BigEndian.AppendUint16(aad, uint16(len(member)))
		aad = append(aad, member...)
	}
	aad = append(aad, env.Kind...)

	return aad
}
