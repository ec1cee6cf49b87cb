package auth

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"

	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
)

const tokenIssuer = "chatrelay"

// Claims 为会话令牌携带的声明，Subject 即身份。
type Claims struct {
	jwt.RegisteredClaims
}

// TokenIssuer 签发与校验 HS256 会话令牌。
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) < 16 {
		return nil, merr.WrapErrParameterInvalidMsg("token secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		return nil, merr.WrapErrParameterInvalidMsg("token ttl must be positive")
	}
	return &TokenIssuer{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Issue 为 identity 签发令牌，返回令牌与过期时间。
func (t *TokenIssuer) Issue(identity string) (string, time.Time, error) {
	now := t.now()
	expiresAt := now.Add(t.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, merr.WrapErrServiceInternalErr(err, "sign token")
	}
	return token, expiresAt, nil
}

// Parse 校验令牌签名、签发者与有效期，返回声明。
func (t *TokenIssuer) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Newf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, merr.WrapErrAuthTokenInvalid(err)
	}
	if claims.Subject == "" {
		return nil, merr.WrapErrAuthTokenInvalid(errors.New("token has no subject"))
	}
	return claims, nil
}
