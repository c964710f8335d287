package services

import (
	"context"

	"github.com/Gopher0727/ChatHub/internal/repositories"
	"github.com/Gopher0727/ChatHub/middleware/jwt"
	"github.com/Gopher0727/ChatHub/pkg/errs"
)

// UserIdentity 认证后的用户身份
type UserIdentity struct {
	ID          uint   `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Active      bool   `json:"active"`
	IsAdmin     bool   `json:"is_admin"`
}

// AuthVerifier 把客户端凭证解析为用户身份
// 凭证无效返回 ErrUnauthenticated，停用的用户返回 Active 为 false 的身份，由调用方决定是否拒绝
type AuthVerifier interface {
	Verify(ctx context.Context, credential string) (*UserIdentity, error)
}

// AuthService 基于 JWT 的 AuthVerifier，令牌签发由外部账号系统负责
type AuthService struct {
	tokens *jwt.TokenManager
	users  *repositories.UserRepository
}

// NewAuthService 创建认证服务实例
func NewAuthService(tokens *jwt.TokenManager, users *repositories.UserRepository) *AuthService {
	return &AuthService{tokens: tokens, users: users}
}

// Verify 校验令牌并加载用户
func (s *AuthService) Verify(ctx context.Context, credential string) (*UserIdentity, error) {
	if credential == "" {
		return nil, errs.ErrUnauthenticated
	}
	claims, err := s.tokens.ParseToken(credential)
	if err != nil {
		e := *errs.ErrUnauthenticated
		e.Cause = err
		return nil, &e
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return nil, errs.ErrUnauthenticated
		}
		return nil, errs.Internal("failed to load user", err)
	}
	return &UserIdentity{
		ID:          user.ID,
		Username:    user.UserName,
		DisplayName: user.DisplayName(),
		Active:      user.IsActive,
		IsAdmin:     user.IsAdmin,
	}, nil
}

// IssueToken 为已存在的用户签发令牌，供开发环境与测试使用
func (s *AuthService) IssueToken(ctx context.Context, userID uint) (string, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return "", notFound(err, errs.ErrUserNotFound, "failed to load user")
	}
	return s.tokens.GenerateToken(user.ID, user.UserName)
}

// Refresh 在刷新窗口内换发新令牌
func (s *AuthService) Refresh(token string) (string, error) {
	fresh, err := s.tokens.RefreshToken(token)
	if err != nil {
		e := *errs.ErrUnauthenticated
		e.Cause = err
		return "", &e
	}
	return fresh, nil
}
