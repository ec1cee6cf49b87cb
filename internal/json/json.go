// Package json 对 bytedance/sonic 做一层薄封装，统一项目内的 JSON 编解码入口。
//
// 使用 sonic.ConfigStd，保证与 encoding/json 行为一致（[]byte 按 base64 编码、map 键排序、转义 HTML）。
package json

import (
	"io"

	"github.com/bytedance/sonic"
)

var api = sonic.ConfigStd

// RawMessage 与 encoding/json.RawMessage 语义相同。
type RawMessage []byte

// MarshalJSON 返回原始字节。
func (m RawMessage) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	return m, nil
}

// UnmarshalJSON 保存一份数据拷贝。
func (m *RawMessage) UnmarshalJSON(data []byte) error {
	*m = append((*m)[0:0], data...)
	return nil
}

func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return api.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

func NewEncoder(w io.Writer) sonic.Encoder {
	return api.NewEncoder(w)
}

func NewDecoder(r io.Reader) sonic.Decoder {
	return api.NewDecoder(r)
}

func Valid(data []byte) bool {
	return api.Valid(data)
}
