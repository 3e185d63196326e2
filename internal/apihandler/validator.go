package apihandler

import (
	"github.com/go-playground/validator/v10"
	"github.com/hewenyu/service-mesh/pkg/model"
)

// CustomValidator 基于validator实现echo.Validator接口
type CustomValidator struct {
	validator *validator.Validate
}

// NewValidator 创建请求参数校验器
func NewValidator() *CustomValidator {
	return &CustomValidator{validator: validator.New(validator.WithRequiredStructEnabled())}
}

// Validate 实现echo.Validator接口
func (cv *CustomValidator) Validate(i any) error {
	return cv.validator.Struct(i)
}

// RegisterRequest 服务注册请求，状态字段不接受客户端指定
type RegisterRequest struct {
	ID           string   `json:"id" validate:"required"`
	Name         string   `json:"name"`
	BaseURL      string   `json:"base_url" validate:"required,url"`
	Capabilities []string `json:"capabilities" validate:"dive,required"`
	Dependencies []string `json:"dependencies" validate:"dive,required"`
}

// record 转换为服务记录
func (r RegisterRequest) record() model.ServiceRecord {
	return model.ServiceRecord{
		ID:           r.ID,
		Name:         r.Name,
		BaseURL:      r.BaseURL,
		Capabilities: r.Capabilities,
		Dependencies: r.Dependencies,
	}
}
