package protocol

import (
	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
)

// LoginRequest 为 login 帧的 payload。
//
// Credential 为客户端计算的 hex(sha256(identity ":" password))；
// Token 为上一次 login_ack 下发的会话令牌，二者至少提供一个。
type LoginRequest struct {
	Identity   string `json:"identity" validate:"required,identity"`
	Credential string `json:"credential,omitempty" validate:"omitempty,len=64,hexadecimal"`
	Token      string `json:"token,omitempty" validate:"required_without=Credential"`
	Version    string `json:"version" validate:"required"`
}

type LoginResponse struct {
	Identity      string   `json:"identity"`
	Token         string   `json:"token"`
	ExpiresAt     int64    `json:"expires_at"`
	ServerVersion string   `json:"server_version"`
	Online        []string `json:"online,omitempty"`
}

// SendAck 为 send 帧的应答。
// RecipientOffline 等路由层错误通过 Status 返回，不会以 error 帧出现。
type SendAck struct {
	Seq       uint64       `json:"seq"`
	Delivered []string     `json:"delivered,omitempty"`
	Offline   []string     `json:"offline,omitempty"`
	Failed    []string     `json:"failed,omitempty"`
	Status    *merr.Status `json:"status,omitempty"`
}

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

type Presence struct {
	Identity string         `json:"identity"`
	Status   PresenceStatus `json:"status"`
}

type Ping struct {
	Nonce uint64 `json:"nonce,omitempty"`
}

type Pong struct {
	Nonce      uint64 `json:"nonce,omitempty"`
	ServerTime int64  `json:"server_time"`
}

type WhoRequest struct{}

type WhoResponse struct {
	Online []string `json:"online"`
}

type LogoutRequest struct{}

type Kicked struct {
	Reason string `json:"reason"`
}

// ErrorResponse 为 error 帧的 payload，ReqID 随 Envelope 返回。
type ErrorResponse struct {
	Op     Op           `json:"op"`
	Status *merr.Status `json:"status"`
}
