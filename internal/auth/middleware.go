package auth

import (
	"errors"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// MiddlewareConfig maps HTTP methods to the permissions a caller needs.
type MiddlewareConfig struct {
	// RequiredPermissions 按 HTTP 方法列出所需权限，"*" 为兜底。
	RequiredPermissions map[string][]string
	// AuditEvent 为写请求审计记录的事件名，默认使用请求路径。
	AuditEvent string
}

func (c MiddlewareConfig) permissionsFor(method string) []string {
	if perms, ok := c.RequiredPermissions[method]; ok && len(perms) > 0 {
		return perms
	}
	return c.RequiredPermissions["*"]
}

func (c MiddlewareConfig) eventFor(r *http.Request) string {
	if c.AuditEvent != "" {
		return c.AuditEvent
	}
	return r.URL.Path
}

// Middleware authenticates the bearer token, checks the method's permissions
// and audit-logs every successful write. It is a pass-through when the
// service runs in disabled mode.
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.Mode() == ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}

			subject, authErr := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if authErr != nil {
				s.deny(w, r, http.StatusUnauthorized, "access_denied", authErr, "")
				return
			}
			if permErr := subject.Authorize(cfg.permissionsFor(r.Method)...); permErr != nil {
				code := http.StatusUnauthorized
				if errors.Is(permErr, ErrPermissionDenied) {
					code = http.StatusForbidden
				}
				s.deny(w, r, code, "permission_denied", permErr, subject.Name)
				return
			}

			began := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(WithSubject(r.Context(), subject)))
			if isReadOnly(r.Method) {
				return
			}
			s.audit.Info("api_request",
				"event", cfg.eventFor(r),
				"user", subject.Name,
				"method", r.Method,
				"path", r.URL.Path,
				"status", statusOf(ww),
				"elapsed", time.Since(began),
			)
		})
	}
}

func isReadOnly(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

// deny 返回错误状态码并记录一条审计告警。
func (s *Service) deny(w http.ResponseWriter, r *http.Request, code int, event string, cause error, user string) {
	http.Error(w, http.StatusText(code), code)
	s.audit.Warn(event,
		"user", user,
		"method", r.Method,
		"path", r.URL.Path,
		"status", code,
		"reason", cause.Error(),
	)
}

func statusOf(ww chimw.WrapResponseWriter) int {
	if status := ww.Status(); status != 0 {
		return status
	}
	return http.StatusOK
}
