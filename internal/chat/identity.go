package chat

import (
	"unicode"
	"unicode/utf8"

	"github.com/lk2023060901/chatrelay-go/internal/network/protocol"
	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
)

// MaxIdentityLength 为身份的最大字符数。
const MaxIdentityLength = 64

// Identity 为用户在服务器上的唯一名字。
type Identity = string

// ValidateIdentity 校验身份：1~64 个字符，不含空白与控制字符，且不能是广播标记。
func ValidateIdentity(id string) error {
	n := utf8.RuneCountInString(id)
	if n == 0 {
		return merr.WrapErrParameterMissing("identity")
	}
	if n > MaxIdentityLength {
		return merr.WrapErrParameterInvalidRange(1, MaxIdentityLength, n, "identity length")
	}
	if id == protocol.Broadcast {
		return merr.WrapErrParameterInvalidMsg("identity %q is reserved", id)
	}
	if !utf8.ValidString(id) {
		return merr.WrapErrParameterInvalidMsg("identity is not valid utf-8")
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return merr.WrapErrParameterInvalidMsg("identity %q contains whitespace or control characters", id)
		}
	}
	return nil
}
