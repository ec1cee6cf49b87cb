package framer

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/valyala/bytebufferpool"

	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
)

// Framer 抽象了基于长度前缀的打包/解包能力，只处理帧边界，不关心帧体内容。
//
// 约定：
//   - 一帧数据的格式为：4 字节大端无符号整型（帧体长度）+ 帧体；
//   - 帧头与帧体通过一次 Write 写出，保证消息型传输（WebSocket）一帧对应一条消息。
type Framer interface {
	// WriteFrame 将 body 打包为一帧并写入到 w 中。
	WriteFrame(w io.Writer, body []byte) error

	// ReadFrame 从 r 中读取一帧，帧体追加到 dst[:0] 后返回。
	ReadFrame(r io.Reader, dst []byte) ([]byte, error)

	// MaxFrameSize 返回允许的最大帧体长度。
	MaxFrameSize() uint32
}

// HeaderSize 为长度前缀的字节数。
const HeaderSize = 4

// DefaultMaxFrameSize 为未配置时的最大帧体长度。
const DefaultMaxFrameSize uint32 = 1 << 20 // 1MB

// LengthPrefixedFramer 使用长度前缀（4 字节大端）作为帧边界。
// 适用于基于流的连接（TCP），以及被适配为流的 WebSocket 连接。
type LengthPrefixedFramer struct {
	maxFrameSize uint32
}

var _ Framer = (*LengthPrefixedFramer)(nil)

// NewLengthPrefixedFramer 创建一个长度前缀帧编码器。
// maxFrameSize 为 0 时使用默认值。
func NewLengthPrefixedFramer(maxFrameSize uint32) *LengthPrefixedFramer {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &LengthPrefixedFramer{
		maxFrameSize: maxFrameSize,
	}
}

func (f *LengthPrefixedFramer) MaxFrameSize() uint32 {
	if f == nil || f.maxFrameSize == 0 {
		return DefaultMaxFrameSize
	}
	return f.maxFrameSize
}

// WriteFrame 将 body 编码为长度前缀帧并写入。
func (f *LengthPrefixedFramer) WriteFrame(w io.Writer, body []byte) error {
	length := uint32(len(body))
	if length > f.MaxFrameSize() {
		return merr.WrapErrConnFrameTooLarge(length, f.MaxFrameSize())
	}

	// 帧头与帧体合并后一次写出。
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], length)
	_, _ = buf.Write(header[:])
	_, _ = buf.Write(body)

	if _, err := w.Write(buf.B); err != nil {
		return errors.Wrap(err, "framer: write frame failed")
	}
	return nil
}

// ReadFrame 从流中读取一帧。
//
// 说明：
//   - 帧头读取前遇到 EOF 时原样返回 io.EOF，表示对端正常关闭；
//   - 帧头或帧体读到一半时返回 ErrIoUnexpectEOF；
//   - 长度超过上限时不读取帧体，直接返回 ErrConnFrameTooLarge，连接此后不可再用。
func (f *LengthPrefixedFramer) ReadFrame(r io.Reader, dst []byte) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, merr.WrapErrIoUnexpectEOF("frame header", err)
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > f.MaxFrameSize() {
		return nil, merr.WrapErrConnFrameTooLarge(length, f.MaxFrameSize())
	}

	n := int(length)
	if cap(dst) < n {
		dst = make([]byte, n)
	} else {
		dst = dst[:n]
	}
	if n == 0 {
		return dst, nil
	}

	if _, err := io.ReadFull(r, dst); err != nil {
		if errors.IsAny(err, io.EOF, io.ErrUnexpectedEOF) {
			return nil, merr.WrapErrIoUnexpectEOF("frame body", err)
		}
		return nil, err
	}
	return dst, nil
}
