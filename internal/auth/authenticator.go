package auth

import (
	"context"
	"time"

	"github.com/blang/semver/v4"
	"go.uber.org/zap"

	"github.com/lk2023060901/chatrelay-go/internal/network/protocol"
	"github.com/lk2023060901/chatrelay-go/pkg/log"
	"github.com/lk2023060901/chatrelay-go/pkg/util/conc"
	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
)

// DefaultWorkers 为 bcrypt 校验池的默认大小。
const DefaultWorkers = 8

// Config 为 Authenticator 的配置。
type Config struct {
	// Store 提供 identity -> bcrypt 哈希。
	Store CredentialStore
	// Tokens 为 nil 时不签发也不接受会话令牌。
	Tokens *TokenIssuer
	// ClientVersions 为可接受的客户端版本范围，例如 ">=1.0.0 <2.0.0"，为空时不限制。
	ClientVersions string
	// Workers 为 bcrypt 校验池大小，池满时登录返回 ErrTooManyRequests。
	Workers int
	// DummyCost 为未知身份比对所用哈希的 bcrypt cost。
	// 为 0 时取 Store 的 CostReporter 结果，仍为 0 则使用 bcrypt.DefaultCost。
	DummyCost int
}

// Identity 为通过认证的结果。
type Identity struct {
	Name      string
	Token     string
	ExpiresAt time.Time
}

// Authenticator 校验 login 请求。
type Authenticator struct {
	store    CredentialStore
	tokens   *TokenIssuer
	versions semver.Range
	rangeStr string
	pool     *conc.Pool[struct{}]
	// dummy 用于未知身份，cost 与 Store 中的哈希一致，使两者耗时相同。
	dummy string
}

func NewAuthenticator(cfg Config) (*Authenticator, error) {
	if cfg.Store == nil {
		return nil, merr.WrapErrParameterMissing("credential store")
	}
	a := &Authenticator{
		store:    cfg.Store,
		tokens:   cfg.Tokens,
		rangeStr: cfg.ClientVersions,
	}
	if cfg.ClientVersions != "" {
		r, err := semver.ParseRange(cfg.ClientVersions)
		if err != nil {
			return nil, merr.WrapErrParameterInvalidMsg("client version range %q: %s", cfg.ClientVersions, err.Error())
		}
		a.versions = r
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	a.pool = conc.NewPool[struct{}](workers,
		conc.WithName("auth"),
		conc.WithNonBlocking(true),
		conc.WithPreAlloc(false),
	)

	cost := cfg.DummyCost
	if cost == 0 {
		if cr, ok := cfg.Store.(CostReporter); ok {
			cost = cr.Cost()
		}
	}
	dummy, err := HashCredential(ClientCredential("", ""), cost)
	if err != nil {
		return nil, err
	}
	a.dummy = dummy
	return a, nil
}

// Close 释放校验池。
func (a *Authenticator) Close() {
	a.pool.Release()
}

// Authenticate 校验 login 请求并在配置了 Tokens 时签发新令牌。
func (a *Authenticator) Authenticate(ctx context.Context, req *protocol.LoginRequest) (*Identity, error) {
	if req == nil {
		return nil, merr.WrapErrParameterMissing("login request")
	}
	if err := ValidateStruct(req); err != nil {
		return nil, err
	}
	if err := a.checkVersion(req.Version); err != nil {
		return nil, err
	}

	if req.Token != "" {
		if err := a.verifyToken(req.Identity, req.Token); err != nil {
			return nil, err
		}
	} else if err := a.verifyCredential(ctx, req.Identity, req.Credential); err != nil {
		return nil, err
	}

	id := &Identity{Name: req.Identity}
	if a.tokens != nil {
		token, expiresAt, err := a.tokens.Issue(req.Identity)
		if err != nil {
			return nil, err
		}
		id.Token = token
		id.ExpiresAt = expiresAt
	}
	return id, nil
}

func (a *Authenticator) checkVersion(version string) error {
	if a.versions == nil {
		return nil
	}
	v, err := semver.ParseTolerant(version)
	if err != nil || !a.versions(v) {
		return merr.WrapErrAuthVersionUnsupported(version, a.rangeStr)
	}
	return nil
}

func (a *Authenticator) verifyToken(identity, token string) error {
	if a.tokens == nil {
		return merr.WrapErrAuthFailed(identity, "session tokens disabled")
	}
	claims, err := a.tokens.Parse(token)
	if err != nil {
		return err
	}
	if claims.Subject != identity {
		return merr.WrapErrAuthFailed(identity, "token issued for another identity")
	}
	return nil
}

func (a *Authenticator) verifyCredential(ctx context.Context, identity, credential string) error {
	hash, known := a.store.Lookup(identity)
	if !known {
		hash = a.dummy
	}

	future := a.pool.Submit(func() (struct{}, error) {
		return struct{}{}, CompareCredential(identity, hash, credential)
	})
	if _, err := future.AwaitContext(ctx); err != nil {
		if merr.IsCanceledOrTimeout(err) {
			log.Ctx(ctx).RatedWarn(5, "credential check aborted", zap.String("identity", identity), zap.Error(err))
			return merr.WrapErrServiceUnavailable("credential check aborted", err.Error())
		}
		log.Ctx(ctx).RatedInfo(5, "credential rejected", zap.String("identity", identity), zap.Error(err))
		return err
	}
	if !known {
		return merr.WrapErrAuthFailed(identity, "unknown identity")
	}
	return nil
}
