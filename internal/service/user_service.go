package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"ghost-im/internal/model"
	"ghost-im/internal/repository"
	"ghost-im/internal/visibility"
	"ghost-im/pkg/apperror"
	"ghost-im/pkg/jwt"
	"ghost-im/pkg/password"
	"ghost-im/pkg/redis"

	"gorm.io/gorm"
)

var errInvalidCredentials = apperror.New(apperror.KindPermissionViolation, "用户名或密码错误")

type UserService struct {
	repo       *repository.UserRepository
	jwtService *jwt.JWTService
}

func NewUserService(repo *repository.UserRepository, jwtService *jwt.JWTService) *UserService {
	return &UserService{repo: repo, jwtService: jwtService}
}

// Register 注册
func (s *UserService) Register(username, email, plainPassword string) (*model.User, string, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" || plainPassword == "" {
		return nil, "", apperror.New(apperror.KindInvalidInput, "用户名和密码不能为空")
	}
	hash, err := password.Hash(plainPassword)
	switch {
	case errors.Is(err, password.ErrTooShort):
		return nil, "", apperror.New(apperror.KindInvalidInput, "密码长度不能少于6位")
	case errors.Is(err, password.ErrTooLong):
		return nil, "", apperror.New(apperror.KindInvalidInput, "密码过长")
	case err != nil:
		return nil, "", err
	}
	user := &model.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Status:       model.StatusOffline,
		LastSeen:     time.Now(),
	}
	if err := s.repo.Create(user); err != nil {
		return nil, "", err
	}
	token, err := s.issue(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Login 登录
func (s *UserService) Login(identifier, plainPassword string) (*model.User, string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || plainPassword == "" {
		return nil, "", apperror.New(apperror.KindInvalidInput, "账号和密码不能为空")
	}
	u, err := s.repo.GetByUsernameOrEmail(identifier)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", errInvalidCredentials
		}
		return nil, "", err
	}
	if !password.Verify(plainPassword, u.PasswordHash) {
		return nil, "", errInvalidCredentials
	}
	token, err := s.issue(u)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

// issue 签发 token，is_admin 仅用于客户端展示，权限以数据库为准
func (s *UserService) issue(u *model.User) (string, error) {
	return s.jwtService.GenerateToken(u.ID, u.Username, u.IsAdmin)
}

// Profile 获取用户资料
func (s *UserService) Profile(id uint) (*model.User, error) {
	return s.repo.GetByID(id)
}

// Authorize 解析请求的视角：as 为空或等于自己时是本人，否则要求管理员身份并代管 as
func (s *UserService) Authorize(ctx context.Context, userID, as uint) (visibility.Viewer, error) {
	if as == 0 || as == userID {
		return visibility.Owner(userID), nil
	}
	isAdmin, err := s.repo.IsAdmin(ctx, userID)
	if err != nil {
		return visibility.Viewer{}, err
	}
	if !isAdmin {
		return visibility.Viewer{}, apperror.New(apperror.KindPermissionViolation, "只有管理员可以代管其他用户")
	}
	if _, err := s.repo.GetByID(as); err != nil {
		return visibility.Viewer{}, err
	}
	return visibility.Operator(userID, as), nil
}

// Connect 本人建立连接：数据库状态置为在线并写入 Redis 在线记录
func (s *UserService) Connect(ctx context.Context, id uint, username string) error {
	if err := s.repo.UpdateStatus(ctx, id, model.StatusOnline); err != nil {
		return apperror.Wrap(apperror.KindTransientStore, "更新在线状态失败", err)
	}
	if err := redis.SetUserPresence(id, username, redis.StatusOnline); err != nil {
		return apperror.Wrap(apperror.KindTransientStore, "写入在线状态失败", err)
	}
	return nil
}

// Disconnect 本人最后一个连接断开或登出
func (s *UserService) Disconnect(ctx context.Context, id uint) error {
	if err := s.repo.UpdateStatus(ctx, id, model.StatusOffline); err != nil {
		return apperror.Wrap(apperror.KindTransientStore, "更新在线状态失败", err)
	}
	if err := redis.RemoveUserPresence(id); err != nil {
		return apperror.Wrap(apperror.KindTransientStore, "清除在线状态失败", err)
	}
	return nil
}

// Presence 查询在线记录，不在线时返回 nil
func (s *UserService) Presence(id uint) (*redis.PresenceData, error) {
	p, err := redis.GetUserPresence(id)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindTransientStore, "检查用户在线状态失败", err)
	}
	return p, nil
}

// OnlineUsers 当前在线的用户（只统计本人连接）
func (s *UserService) OnlineUsers() ([]redis.PresenceData, error) {
	list, err := redis.GetOnlineUsersWithDetails()
	if err != nil {
		return nil, apperror.Wrap(apperror.KindTransientStore, "获取在线用户失败", err)
	}
	return list, nil
}
