package config

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"

	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate 校验字段取值以及字段之间的约束。
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Namespace()+":"+fe.Tag())
			}
			return merr.WrapErrParameterInvalidMsg("invalid config [%s]", strings.Join(fields, ","))
		}
		return merr.WrapErrParameterInvalidMsg("invalid config: %s", err.Error())
	}

	if c.Codec.Cipher != "" && c.Codec.Cipher != "none" {
		if c.Codec.EncKey == "" {
			return merr.WrapErrParameterMissing("codec.enc_key", "cipher "+c.Codec.Cipher)
		}
		if c.Codec.Cipher == "aes-gcm-hmac" && c.Codec.MacKey == "" {
			return merr.WrapErrParameterMissing("codec.mac_key", "cipher "+c.Codec.Cipher)
		}
	}

	seen := make(map[string]struct{}, len(c.Auth.Users))
	for _, u := range c.Auth.Users {
		if _, dup := seen[u.Identity]; dup {
			return merr.WrapErrParameterInvalidMsg("duplicate user %q", u.Identity)
		}
		seen[u.Identity] = struct{}{}
	}
	return nil
}
