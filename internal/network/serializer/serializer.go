package serializer

// Serializer 抽象了网络层“对象 <-> 字节流”的序列化能力。
//
// Envelope 及各 op 的 payload 均通过它编解码，目前只有 JSON 实现。
type Serializer interface {
	// Marshal 将任意对象编码为字节序列。
	Marshal(v any) ([]byte, error)

	// Unmarshal 将字节序列解码到目标对象。
	//
	// v 通常为指针类型，用于接收解码结果。
	Unmarshal(data []byte, v any) error
}
