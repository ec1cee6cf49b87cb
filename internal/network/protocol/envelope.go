// Package protocol 定义线路上的 Envelope、协议号以及各协议号对应的 payload 结构。
package protocol

import (
	"strconv"
	"time"
)

// Op 为协议号。
type Op uint32

const (
	OpLogin    Op = 1
	OpLoginAck Op = 2
	OpSend     Op = 3
	OpSendAck  Op = 4
	OpDeliver  Op = 5
	OpPresence Op = 6
	OpPing     Op = 7
	OpPong     Op = 8
	OpLogout   Op = 9
	OpWho      Op = 10
	OpWhoAck   Op = 11
	OpError    Op = 12
	OpKicked   Op = 13
)

var opNames = map[Op]string{
	OpLogin:    "login",
	OpLoginAck: "login_ack",
	OpSend:     "send",
	OpSendAck:  "send_ack",
	OpDeliver:  "deliver",
	OpPresence: "presence",
	OpPing:     "ping",
	OpPong:     "pong",
	OpLogout:   "logout",
	OpWho:      "who",
	OpWhoAck:   "who_ack",
	OpError:    "error",
	OpKicked:   "kicked",
}

func (op Op) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return "op(" + strconv.FormatUint(uint64(op), 10) + ")"
}

// Flag 为 Envelope.Flags 中的位标记，由 codec 维护。
type Flag = uint64

const (
	FlagCompressed Flag = 1 << 0
	FlagEncrypted  Flag = 1 << 1
)

// Kind 描述消息内容的类别，仅影响客户端展示，路由规则对所有 Kind 相同。
type Kind string

const (
	KindText        Kind = "text"
	KindFile        Kind = "file"
	KindImage       Kind = "image"
	KindTyping      Kind = "typing"
	KindReadReceipt Kind = "read_receipt"
	KindPresence    Kind = "presence"
)

// Valid 判断客户端是否可以发送该 Kind；presence 仅由服务器产生。
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindFile, KindImage, KindTyping, KindReadReceipt:
		return true
	default:
		return false
	}
}

// Broadcast 为广播收件人标记，永远不是合法的身份。
const Broadcast = "*"

// Envelope 为一帧的 JSON 报文体。
//
// 约定：
//   - Sender/Seq 由服务器在 send 时填写，客户端上行时填写的值会被覆盖；
//   - Recipient 为 Broadcast 时，Audience 为空表示所有在线身份（不含发送者），否则只投递给 Audience；
//   - Payload 在 JSON 中以 base64 出现；压缩与加密仅作用于 Payload，其余字段作为 AAD 受保护。
type Envelope struct {
	Op        Op       `json:"op"`
	Seq       uint64   `json:"seq,omitempty"`
	ReqID     uint64   `json:"req_id,omitempty"`
	Sender    string   `json:"sender,omitempty"`
	Recipient string   `json:"recipient,omitempty"`
	Audience  []string `json:"audience,omitempty"`
	Kind      Kind     `json:"kind,omitempty"`
	Flags     uint64   `json:"flags,omitempty"`
	Timestamp int64    `json:"ts,omitempty"`
	Payload   []byte   `json:"payload,omitempty"`
}

// IsBroadcast 判断收件人是否为广播标记。
func (e *Envelope) IsBroadcast() bool {
	return e.Recipient == Broadcast
}

// Time 返回 Timestamp 对应的时间（毫秒精度）。
func (e *Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Clone 返回浅拷贝，Payload 与 Audience 共享底层数组，调用方不得原地修改。
func (e *Envelope) Clone() *Envelope {
	out := *e
	return &out
}
