// Package auth guards the operator API with static bearer tokens.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"PairAgent-Chain/pkg/logger"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
)

const (
	PermissionRead  = "read"
	PermissionWrite = "write"
)

// Mode 表示认证模式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeToken    Mode = "token"
)

// Token 是一个静态 API 令牌及其权限。
type Token struct {
	Name        string   `json:"name"`
	Secret      string   `json:"token"`
	Permissions []string `json:"permissions"`
}

// Subject 是通过认证的调用方。
type Subject struct {
	Name        string
	Permissions []string
}

// HasPermission reports whether the subject holds permission (case-insensitive).
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	permission = strings.TrimSpace(permission)
	return slices.ContainsFunc(s.Permissions, func(p string) bool {
		return strings.EqualFold(strings.TrimSpace(p), permission)
	})
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm != "" && !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Service 校验请求携带的令牌。
type Service struct {
	mode   Mode
	tokens []Token
	audit  *slog.Logger
}

// NewService 构造认证服务；没有配置任何令牌时认证关闭。
func NewService(tokens []Token) (*Service, error) {
	s := &Service{mode: ModeDisabled, audit: logger.Audit()}
	for _, t := range tokens {
		if strings.TrimSpace(t.Secret) == "" {
			return nil, fmt.Errorf("令牌 %q 为空", t.Name)
		}
		if t.Name == "" {
			t.Name = "anonymous"
		}
		s.tokens = append(s.tokens, t)
	}
	if len(s.tokens) > 0 {
		s.mode = ModeToken
	}
	return s, nil
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 解析 Authorization 头并返回对应的主体。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	token = strings.TrimSpace(token)
	for _, t := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(t.Secret), []byte(token)) == 1 {
			return &Subject{Name: t.Name, Permissions: slices.Clone(t.Permissions)}, nil
		}
	}
	return nil, ErrInvalidToken
}
