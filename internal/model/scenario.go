package model

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

const (
	MaxAddedScope     = 10000
	MaxTeamSizeChange = 10
)

var validate = validator.New()

// ScenarioAdjustment what-if 场景参数，只在系统边界校验一次
type ScenarioAdjustment struct {
	AddedScope     float64 `json:"added_scope" form:"added_scope" validate:"gte=0,lte=10000"`
	TeamSizeChange int     `json:"team_size_change" form:"team_size_change" validate:"gte=-10,lte=10"`
}

func (s *ScenarioAdjustment) IsZero() bool {
	return s == nil || (s.AddedScope == 0 && s.TeamSizeChange == 0)
}

// Validate 校验场景参数范围，越界时返回 *ValidationError
func (s *ScenarioAdjustment) Validate() error {
	if s == nil {
		return nil
	}
	return Validate(s)
}

// Validate 使用 struct tag 校验，把第一个字段错误转换为 *ValidationError
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		reason := fe.Tag()
		if fe.Param() != "" {
			reason = fmt.Sprintf("must satisfy %s=%s, got %v", fe.Tag(), fe.Param(), fe.Value())
		}
		return &ValidationError{Field: fe.Field(), Reason: reason}
	}
	return &ValidationError{Field: "request", Reason: err.Error()}
}
