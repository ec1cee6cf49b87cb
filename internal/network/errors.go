package network

import "github.com/cockroachdb/errors"

// Stage 表示网络收发链路中的处理阶段。
//
// 主要用于在错误上标记发生的位置，作为监控标签。
type Stage string

const (
	StageUnknown  Stage = "unknown"
	StageUpgrade  Stage = "upgrade"  // WebSocket 升级
	StageRead     Stage = "read"     // 读取底层字节
	StageDecode   Stage = "decode"   // 字节 -> Envelope
	StageAuth     Stage = "auth"     // 凭据与版本校验
	StageRegister Stage = "register" // 加入在线表
	StageSend     Stage = "send"     // 写出帧
)

// StageError 为带阶段标记的错误。
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return string(e.Stage) + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// WithStage 为 err 标记阶段，err 为 nil 时返回 nil。
func WithStage(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf 返回 err 链上最近一次标记的阶段。
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return StageUnknown
}
