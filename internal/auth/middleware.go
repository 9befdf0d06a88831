package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// 请求头
const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
	HeaderRoles    = "X-Roles"
)

const userContextKey = "auth_user"

// UserContext 已认证的调用方
type UserContext struct {
	UserID   string
	TenantID string
	Roles    []string
}

// HasRole 是否拥有任一角色
func (u *UserContext) HasRole(roles ...string) bool {
	for _, have := range u.Roles {
		for _, want := range roles {
			if strings.EqualFold(strings.TrimSpace(have), want) {
				return true
			}
		}
	}
	return false
}

// Middleware 解析调用方身份。
// tokens 为 nil 时不校验令牌，直接信任 X-Tenant-ID / X-User-ID / X-Roles 请求头（仅用于内网或开发环境）。
func Middleware(tokens *TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokens == nil {
			tenantID := strings.TrimSpace(c.GetHeader(HeaderTenantID))
			if tenantID == "" {
				abort(c, http.StatusUnauthorized, "缺少租户信息")
				return
			}
			c.Set(userContextKey, &UserContext{
				UserID:   strings.TrimSpace(c.GetHeader(HeaderUserID)),
				TenantID: tenantID,
				Roles:    splitRoles(c.GetHeader(HeaderRoles)),
			})
			c.Next()
			return
		}

		token := ExtractTokenFromBearer(c.GetHeader("Authorization"))
		if token == "" {
			abort(c, http.StatusUnauthorized, "缺少认证令牌")
			return
		}
		claims, err := tokens.Validate(token)
		if err != nil {
			abort(c, http.StatusUnauthorized, "令牌验证失败")
			return
		}

		c.Set(userContextKey, &UserContext{
			UserID:   claims.UserID,
			TenantID: claims.TenantID,
			Roles:    claims.Roles,
		})
		c.Next()
	}
}

// RequireRole 要求调用方拥有任一角色
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := GetUserContext(c)
		if !ok {
			abort(c, http.StatusUnauthorized, "未认证")
			return
		}
		if !user.HasRole(roles...) {
			abort(c, http.StatusForbidden, "权限不足")
			return
		}
		c.Next()
	}
}

// GetUserContext 从 Gin 上下文获取调用方
func GetUserContext(c *gin.Context) (*UserContext, bool) {
	v, ok := c.Get(userContextKey)
	if !ok {
		return nil, false
	}
	u, ok := v.(*UserContext)
	return u, ok
}

func splitRoles(header string) []string {
	var roles []string
	for _, r := range strings.Split(header, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

func abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "message": message})
}
