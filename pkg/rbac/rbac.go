package rbac

import "strings"

// RoleHeader 网关鉴权后写入的角色头
const RoleHeader = "X-User-Role"

// 权限常量
const (
	PermissionReadForecast = "forecast:read"
	PermissionReadRisk     = "risk:read"

	// 会写库或发事件的操作
	PermissionDetectRisk   = "risk:detect"
	PermissionUpdateRisk   = "risk:update"
	PermissionReplayOutbox = "outbox:replay"
)

// 角色常量
const (
	RoleViewer  = "viewer"
	RoleManager = "manager"
	RoleAdmin   = "admin"
)

// 角色权限映射
var rolePermissions = map[string][]string{
	RoleViewer: {
		PermissionReadForecast,
		PermissionReadRisk,
	},
	RoleManager: {
		PermissionReadForecast,
		PermissionReadRisk,
		PermissionDetectRisk,
		PermissionUpdateRisk,
	},
	RoleAdmin: {
		PermissionReadForecast,
		PermissionReadRisk,
		PermissionDetectRisk,
		PermissionUpdateRisk,
		PermissionReplayOutbox,
	},
}

// NormalizeRole 角色名大小写不敏感
func NormalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

// HasPermission 检查角色是否有指定权限，未知角色没有任何权限
func HasPermission(role, permission string) bool {
	permissions, ok := rolePermissions[NormalizeRole(role)]
	if !ok {
		return false
	}

	for _, p := range permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// CheckPermission 同 HasPermission，返回错误便于 handler 处理
func CheckPermission(role, permission string) error {
	if !HasPermission(role, permission) {
		return &PermissionDeniedError{
			Role:       role,
			Permission: permission,
		}
	}
	return nil
}

// PermissionDeniedError 表示权限不足的错误
type PermissionDeniedError struct {
	Role       string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return "insufficient permissions: " + e.Permission
}
