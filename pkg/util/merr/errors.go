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
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

type ErrorType int32

const (
	SystemError ErrorType = 0
	InputError  ErrorType = 1
)

var ErrorTypeName = map[ErrorType]string{
	SystemError: "system_error",
	InputError:  "input_error",
}

func (err ErrorType) String() string {
	return ErrorTypeName[err]
}

// Define leaf errors here,
// WARN: take care to add new error,
// check whether you can use the errors below before adding a new one.
// Name: Err + related prefix + error name
var (
	// Service related
	ErrServiceNotReady        = newChatError("service not ready", 1, true)
	ErrServiceUnavailable     = newChatError("service unavailable", 2, true)
	ErrServiceTooManyRequests = newChatError("too many concurrent requests, queue is full", 4, true)
	ErrServiceInternal        = newChatError("service internal error", 5, false)
	ErrServiceUnimplemented   = newChatError("service unimplemented", 10, false)

	// Connection related
	ErrConnWriteFailed   = newChatError("write failed", 100, false)
	ErrConnQueueFull     = newChatError("delivery queue full", 101, false)
	ErrConnClosed        = newChatError("connection closed", 102, false)
	ErrConnStateInvalid  = newChatError("connection state invalid", 103, false)
	ErrConnFrameTooLarge = newChatError("frame too large", 104, false)
	ErrConnIdleTimeout   = newChatError("connection idle timeout", 105, false)
	ErrConnDrainBusy     = newChatError("delivery queue already draining", 106, false)

	// Session related
	ErrSessionNotFound = newChatError("session not found", 200, false)
	ErrSessionEvicted  = newChatError("session evicted by a newer login", 201, false)
	ErrSessionLogout   = newChatError("session logged out", 202, false)

	// Routing related
	ErrRouteRecipientOffline = newChatError("recipient offline", 300, true)
	ErrRouteUnknownOp        = newChatError("unknown op", 301, false)
	ErrRouteEmptyAudience    = newChatError("no recipient to route to", 302, false)

	// IO related
	ErrIoFailed      = newChatError("IO failed", 1001, false)
	ErrIoUnexpectEOF = newChatError("unexpected EOF", 1002, true)
	ErrIoDecode      = newChatError("decode failed", 1003, false)
	ErrIoEncode      = newChatError("encode failed", 1004, false)

	// Parameter related
	ErrParameterInvalid  = newChatError("invalid parameter", 1100, false)
	ErrParameterMissing  = newChatError("missing parameter", 1101, false)
	ErrParameterTooLarge = newChatError("parameter too large", 1102, false)

	// Privilege related
	// the connection has not finished the login handshake yet
	ErrPrivilegeNotAuthenticated = newChatError("not authenticated", 1400, false)
	ErrAuthFailed                = newChatError("authentication failed", 1401, false)
	ErrAuthTokenInvalid          = newChatError("session token invalid", 1402, false)
	ErrAuthVersionUnsupported    = newChatError("client version unsupported", 1403, false)

	// General
	ErrOperationNotSupported = newChatError("unsupported operation", 3000, false)

	// Do NOT export this,
	// never allow programmer using this, keep only for converting unknown error to chatError
	errUnexpected = newChatError("unexpected error", (1<<16)-1, false)
)

type errorOption func(*chatError)

func WithDetail(detail string) errorOption {
	return func(err *chatError) {
		err.detail = detail
	}
}

func WithErrorType(etype ErrorType) errorOption {
	return func(err *chatError) {
		err.errType = etype
	}
}

type chatError struct {
	msg       string
	detail    string
	retriable bool
	errCode   int32
	errType   ErrorType
}

func newChatError(msg string, code int32, retriable bool, options ...errorOption) chatError {
	err := chatError{
		msg:       msg,
		detail:    msg,
		retriable: retriable,
		errCode:   code,
	}

	for _, option := range options {
		option(&err)
	}
	return err
}

func (e chatError) code() int32 {
	return e.errCode
}

func (e chatError) Error() string {
	return e.msg
}

func (e chatError) Detail() string {
	return e.detail
}

func (e chatError) Is(err error) bool {
	cause := errors.Cause(err)
	if cause, ok := cause.(chatError); ok {
		return e.errCode == cause.errCode
	}
	return false
}

type multiErrors struct {
	errs []error
}

func (e multiErrors) Unwrap() error {
	if len(e.errs) <= 1 {
		return nil
	}
	// the cause of multi errors is defined as the last error
	if len(e.errs) == 2 {
		return e.errs[1]
	}

	return multiErrors{
		errs: e.errs[1:],
	}
}

func (e multiErrors) Error() string {
	final := e.errs[0]
	for i := 1; i < len(e.errs); i++ {
		final = errors.Wrap(e.errs[i], final.Error())
	}
	return final.Error()
}

func (e multiErrors) Is(err error) bool {
	for _, item := range e.errs {
		if errors.Is(item, err) {
			return true
		}
	}
	return false
}

func Combine(errs ...error) error {
	errs = lo.Filter(errs, func(err error, _ int) bool { return err != nil })
	if len(errs) == 0 {
		return nil
	}
	return multiErrors{
		errs,
	}
}
