package repository

import (
	"context"
	"errors"

	"ghost-im/internal/model"
	"ghost-im/internal/session"
	"ghost-im/pkg/apperror"

	"gorm.io/gorm"
)

// ErrUserNotFound 用户不存在
var ErrUserNotFound = apperror.New(apperror.KindNotFound, "用户不存在")

type UserRepository struct {
	orm *gorm.DB
}

func NewUserRepository(orm *gorm.DB) *UserRepository {
	return &UserRepository{orm: orm}
}

func (r *UserRepository) Create(user *model.User) error {
	return r.orm.Create(user).Error
}

func (r *UserRepository) GetByID(id uint) (*model.User, error) {
	var u model.User
	if err := r.orm.First(&u, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (r *UserRepository) GetByUsernameOrEmail(identifier string) (*model.User, error) {
	var u model.User
	if err := r.orm.Where("username = ? OR email = ?", identifier, identifier).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// IsAdmin 用户是否为管理员
func (r *UserRepository) IsAdmin(ctx context.Context, id uint) (bool, error) {
	var u model.User
	err := r.orm.WithContext(ctx).Select("id", "is_admin").First(&u, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, ErrUserNotFound
	}
	return u.IsAdmin, err
}

// SetAdmin 设置管理员标记
func (r *UserRepository) SetAdmin(ctx context.Context, id uint, isAdmin bool) error {
	if _, err := r.IsAdmin(ctx, id); err != nil {
		return err
	}
	return r.orm.WithContext(ctx).Model(&model.User{}).Where("id = ?", id).Update("is_admin", isAdmin).Error
}

// UpdateStatus 更新在线状态与最近在线时间
func (r *UserRepository) UpdateStatus(ctx context.Context, id uint, status string) error {
	return r.orm.WithContext(ctx).Model(&model.User{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "last_seen": gorm.Expr("CURRENT_TIMESTAMP")}).Error
}

// GetSessionState 读取代管会话状态
func (r *UserRepository) GetSessionState(ctx context.Context, id uint) (session.State, error) {
	var u model.User
	err := r.orm.WithContext(ctx).Select("id", "admin_session").First(&u, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrUserNotFound
		}
		return "", err
	}
	return session.ParseState(string(u.AdminSession))
}

// SetSessionState 写入代管会话状态
func (r *UserRepository) SetSessionState(ctx context.Context, id uint, state session.State) error {
	return r.orm.WithContext(ctx).Model(&model.User{}).Where("id = ?", id).Update("admin_session", state).Error
}
