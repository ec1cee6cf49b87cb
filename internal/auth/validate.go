package auth

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"

	"github.com/lk2023060901/chatrelay-go/internal/chat"
	"github.com/lk2023060901/chatrelay-go/pkg/util/merr"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("identity", func(fl validator.FieldLevel) bool {
		return chat.ValidateIdentity(fl.Field().String()) == nil
	})
	return v
}

// ValidateStruct 按 validate 标签校验请求，失败时返回 ErrParameterInvalid。
func ValidateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field()+":"+fe.Tag())
		}
		return merr.WrapErrParameterInvalidMsg("invalid request fields [%s]", strings.Join(fields, ","))
	}
	return merr.WrapErrParameterInvalidMsg("%s", err.Error())
}
