// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package merr

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/chatrelay-go/pkg/log"
)

// Status 是错误在线路上的表示形式，随 error 帧与各类 ack 一起下发给客户端。
type Status struct {
	Code      int32  `json:"code"`
	Msg       string `json:"msg,omitempty"`
	Retriable bool   `json:"retriable,omitempty"`
}

// Code 返回给定错误对应的错误码。
func Code(err error) int32 {
	if err == nil {
		return 0
	}

	cause := errors.Cause(err)
	switch specificErr := cause.(type) {
	case chatError:
		return specificErr.code()

	default:
		if errors.Is(specificErr, context.Canceled) {
			return CanceledCode
		} else if errors.Is(specificErr, context.DeadlineExceeded) {
			return TimeoutCode
		} else {
			return errUnexpected.code()
		}
	}
}

// IsCoded 判断 err 的根因是否为本包定义的错误。
func IsCoded(err error) bool {
	_, ok := errors.Cause(err).(chatError)
	return ok
}

func IsRetryableErr(err error) bool {
	if err, ok := errors.Cause(err).(chatError); ok {
		return err.retriable
	}

	return false
}

func IsCanceledOrTimeout(err error) bool {
	return errors.IsAny(err, context.Canceled, context.DeadlineExceeded)
}

// ToStatus 根据给定错误构造线路上的 Status。
// 当 err 为空时，返回一个表示成功的 Status。
func ToStatus(err error) *Status {
	if err == nil {
		return &Status{}
	}

	return &Status{
		Code:      Code(err),
		Msg:       previousLastError(err).Error(),
		Retriable: IsRetryableErr(err),
	}
}

func previousLastError(err error) error {
	lastErr := err
	for {
		nextErr := errors.Unwrap(err)
		if nextErr == nil {
			break
		}
		lastErr = err
		err = nextErr
	}
	return lastErr
}

func Success(reason ...string) *Status {
	status := ToStatus(nil)
	// NOLINT
	status.Msg = strings.Join(reason, " ")
	return status
}

func Ok(status *Status) bool {
	return status == nil || status.Code == 0
}

// Error returns a error according to the given status,
// returns nil if the status is a success status
func Error(status *Status) error {
	if Ok(status) {
		return nil
	}
	return newChatError(status.Msg, status.Code, status.Retriable)
}

func WrapErrAsInputError(err error) error {
	if merr, ok := err.(chatError); ok {
		WithErrorType(InputError)(&merr)
		return merr
	}
	return err
}

func WrapErrAsInputErrorWhen(err error, targets ...chatError) error {
	if merr, ok := err.(chatError); ok {
		for _, target := range targets {
			if target.errCode == merr.errCode {
				log.Info("mark error as input error", zap.Error(err))
				WithErrorType(InputError)(&merr)
				return merr
			}
		}
	}
	return err
}

func GetErrorType(err error) ErrorType {
	if merr, ok := err.(chatError); ok {
		return merr.errType
	}

	return SystemError
}

// Service related
func WrapErrServiceNotReady(role string, state string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrServiceNotReady,
		state,
		value("role", role),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrServiceUnavailable(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrServiceUnavailable, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrTooManyRequests(limit int32, msg ...string) error {
	err := wrapFields(ErrServiceTooManyRequests,
		value("limit", limit),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrServiceInternal(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrServiceInternal, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrServiceInternalErr(err error, msg ...string) error {
	if err == nil {
		return nil
	}
	return WrapErrServiceInternal(err.Error(), msg...)
}

// Connection related
func WrapErrConnWriteFailed(connID string, err error) error {
	desc := "<nil>"
	if err != nil {
		desc = err.Error()
	}
	return wrapFieldsWithDesc(ErrConnWriteFailed, desc, value("conn", connID))
}

func WrapErrConnQueueFull(connID string, capacity int, msg ...string) error {
	err := wrapFields(ErrConnQueueFull,
		value("conn", connID),
		value("capacity", capacity),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrConnClosed(connID string, msg ...string) error {
	err := wrapFields(ErrConnClosed, value("conn", connID))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrConnStateInvalid(connID string, expected, actual any) error {
	return wrapFields(ErrConnStateInvalid,
		value("conn", connID),
		value("expected", expected),
		value("actual", actual),
	)
}

func WrapErrConnFrameTooLarge(size, limit uint32) error {
	return wrapFields(ErrConnFrameTooLarge, bound("size", size, 0, limit))
}

// Session related
func WrapErrSessionNotFound(identity string, msg ...string) error {
	err := wrapFields(ErrSessionNotFound, value("identity", identity))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSessionEvicted(identity string, by string) error {
	return wrapFields(ErrSessionEvicted, value("identity", identity), value("by", by))
}

// Routing related
func WrapErrRouteRecipientOffline(recipient string, msg ...string) error {
	err := wrapFields(ErrRouteRecipientOffline, value("recipient", recipient))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrRouteUnknownOp(op any) error {
	return wrapFields(ErrRouteUnknownOp, value("op", op))
}

// IO related
func WrapErrIoFailed(key string, err error) error {
	if err == nil {
		return nil
	}
	return wrapFieldsWithDesc(ErrIoFailed, err.Error(), value("key", key))
}

func WrapErrIoFailedReason(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrIoFailed, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrIoUnexpectEOF(key string, err error) error {
	if err == nil {
		return nil
	}
	return wrapFieldsWithDesc(ErrIoUnexpectEOF, err.Error(), value("key", key))
}

func WrapErrIoDecode(err error, msg ...string) error {
	if err == nil {
		return nil
	}
	e := wrapFieldsWithDesc(ErrIoDecode, err.Error())
	if len(msg) > 0 {
		e = errors.Wrap(e, strings.Join(msg, "->"))
	}
	return e
}

func WrapErrIoEncode(err error, msg ...string) error {
	if err == nil {
		return nil
	}
	e := wrapFieldsWithDesc(ErrIoEncode, err.Error())
	if len(msg) > 0 {
		e = errors.Wrap(e, strings.Join(msg, "->"))
	}
	return e
}

// Parameter related
func WrapErrParameterInvalid[T any](expected, actual T, msg ...string) error {
	err := wrapFields(ErrParameterInvalid,
		value("expected", expected),
		value("actual", actual),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrParameterInvalidRange[T any](lower, upper, actual T, msg ...string) error {
	err := wrapFields(ErrParameterInvalid,
		bound("value", actual, lower, upper),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrParameterInvalidMsg(fmt string, args ...any) error {
	return errors.Wrapf(ErrParameterInvalid, fmt, args...)
}

func WrapErrParameterMissing[T any](param T, msg ...string) error {
	err := wrapFields(ErrParameterMissing,
		value("missing_param", param),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrParameterTooLarge(name string, msg ...string) error {
	err := wrapFields(ErrParameterTooLarge, value("message", name))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Privilege related
func WrapErrPrivilegeNotAuthenticated(fmt string, args ...any) error {
	return errors.Wrapf(ErrPrivilegeNotAuthenticated, fmt, args...)
}

func WrapErrAuthFailed(identity string, msg ...string) error {
	err := wrapFields(ErrAuthFailed, value("identity", identity))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrAuthTokenInvalid(err error) error {
	desc := "<nil>"
	if err != nil {
		desc = err.Error()
	}
	return wrapFieldsWithDesc(ErrAuthTokenInvalid, desc)
}

func WrapErrAuthVersionUnsupported(version string, want string) error {
	return wrapFields(ErrAuthVersionUnsupported, value("version", version), value("want", want))
}

func wrapFields(err chatError, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.detail = err.msg
	return err
}

func wrapFieldsWithDesc(err chatError, desc string, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.msg += ": " + desc
	err.detail = err.msg
	return err
}

type errorField interface {
	String() string
}

type valueField struct {
	name  string
	value any
}

func value(name string, value any) valueField {
	return valueField{
		name,
		value,
	}
}

func (f valueField) String() string {
	return fmt.Sprintf("%s=%v", f.name, f.value)
}

type boundField struct {
	name  string
	value any
	lower any
	upper any
}

func bound(name string, value, lower, upper any) boundField {
	return boundField{
		name,
		value,
		lower,
		upper,
	}
}

func (f boundField) String() string {
	return fmt.Sprintf("%v out of range %v <= %s <= %v", f.value, f.lower, f.name, f.upper)
}
