package chat

import (
	"time"

	"github.com/lk2023060901/chatrelay-go/internal/network/protocol"
	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
)

// Message 为路由的基本单位。
//
// Seq 由 Router.Publish 在入口处分配，同一发送者严格递增且无空洞；
// 服务器自身产生的消息（presence 等）不经过 Publish，Seq 为 0。
type Message struct {
	Sender    Identity
	Recipient Identity
	// Audience 仅在 Recipient 为广播标记时生效，为空表示所有在线身份。
	Audience  []Identity
	Kind      protocol.Kind
	Payload   []byte
	Seq       uint64
	Timestamp time.Time
}

// IsBroadcast 判断是否为广播消息。
func (m *Message) IsBroadcast() bool {
	return m.Recipient == protocol.Broadcast
}

// Validate 检查发送者提交的消息。
func (m *Message) Validate() error {
	if err := ValidateIdentity(m.Sender); err != nil {
		return err
	}
	if m.Recipient == "" {
		return merr.WrapErrParameterMissing("recipient")
	}
	if !m.IsBroadcast() {
		if err := ValidateIdentity(m.Recipient); err != nil {
			return err
		}
		if len(m.Audience) > 0 {
			return merr.WrapErrParameterInvalidMsg("audience is only allowed for broadcast")
		}
	}
	for _, id := range m.Audience {
		if err := ValidateIdentity(id); err != nil {
			return err
		}
	}
	if !m.Kind.Valid() {
		return merr.WrapErrParameterInvalidMsg("unsupported kind %q", m.Kind)
	}
	return nil
}

// Envelope 返回投递给收件人的 deliver 帧。
// 同一个 Envelope 会被所有收件人共享，调用方不得修改。
func (m *Message) Envelope() *protocol.Envelope {
	op := protocol.OpDeliver
	if m.Kind == protocol.KindPresence {
		op = protocol.OpPresence
	}
	return &protocol.Envelope{
		Op:        op,
		Seq:       m.Seq,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Audience:  m.Audience,
		Kind:      m.Kind,
		Timestamp: m.Timestamp.UnixMilli(),
		Payload:   m.Payload,
	}
}

// FromEnvelope 由客户端上行的 send 帧构造消息，Sender 取自连接身份。
func FromEnvelope(sender Identity, env *protocol.Envelope) *Message {
	kind := env.Kind
	if kind == "" {
		kind = protocol.KindText
	}
	return &Message{
		Sender:    sender,
		Recipient: env.Recipient,
		Audience:  env.Audience,
		Kind:      kind,
		Payload:   env.Payload,
	}
}
