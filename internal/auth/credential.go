package auth

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
)

// ClientCredential 计算客户端在 login 中提交的凭据：hex(sha256(identity ":" password))。
// 明文密码不会离开客户端。
func ClientCredential(identity, password string) string {
	sum := sha256.Sum256([]byte(identity + ":" + password))
	return hex.EncodeToString(sum[:])
}

// HashCredential 生成服务端保存的 bcrypt 哈希，cost 为 0 时使用 bcrypt.DefaultCost。
func HashCredential(credential string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(credential), cost)
	if err != nil {
		return "", merr.WrapErrParameterInvalidMsg("hash credential: %s", err.Error())
	}
	return string(hash), nil
}

// CompareCredential 校验凭据与 bcrypt 哈希是否匹配。
func CompareCredential(identity, hash, credential string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(credential))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return merr.WrapErrAuthFailed(identity, "credential mismatch")
	default:
		return merr.WrapErrAuthFailed(identity, err.Error())
	}
}

// CredentialStore 提供身份到 bcrypt 哈希的查询。
type CredentialStore interface {
	Lookup(identity string) (hash string, ok bool)
}

// CostReporter 由能给出所存哈希 bcrypt cost 的 CredentialStore 实现。
type CostReporter interface {
	Cost() int
}

// StaticStore 为基于配置的只读 CredentialStore。
type StaticStore map[string]string

func (s StaticStore) Lookup(identity string) (string, bool) {
	hash, ok := s[identity]
	return hash, ok
}

// Cost 返回所存哈希中最大的 bcrypt cost，没有可解析的哈希时返回 0。
func (s StaticStore) Cost() int {
	var cost int
	for _, hash := range s {
		if c, err := bcrypt.Cost([]byte(hash)); err == nil {
			cost = max(cost, c)
		}
	}
	return cost
}
