package jwt

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"ghost-im/config"

	jwtv5 "github.com/golang-jwt/jwt/v5"
)

// JWTService 签发与校验 HS256 访问令牌
type JWTService struct {
	secretKey   []byte
	issuer      string
	expireAfter time.Duration
}

// CustomClaims 令牌载荷，Subject 为用户ID
// IsAdmin 只用于客户端展示，代管权限以数据库中的标记为准
type CustomClaims struct {
	Username string `json:"username,omitempty"`
	IsAdmin  bool   `json:"is_admin,omitempty"`
	jwtv5.RegisteredClaims
}

var (
	errMissingUser = errors.New("user id is required")
	errEmptyToken  = errors.New("token is empty")
)

// NewJWTService 创建 JWT 服务
func NewJWTService(cfg config.JWTConfig) *JWTService {
	return &JWTService{
		secretKey:   []byte(cfg.Secret),
		issuer:      cfg.Issuer,
		expireAfter: cfg.ExpireTime,
	}
}

// GenerateToken 生成访问令牌
func (s *JWTService) GenerateToken(userID uint, username string, isAdmin bool) (string, error) {
	if userID == 0 {
		return "", errMissingUser
	}

	now := time.Now()
	claims := &CustomClaims{
		Username: username,
		IsAdmin:  isAdmin,
		RegisteredClaims: jwtv5.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   strconv.FormatUint(uint64(userID), 10),
			IssuedAt:  jwtv5.NewNumericDate(now),
			NotBefore: jwtv5.NewNumericDate(now),
			ExpiresAt: jwtv5.NewNumericDate(now.Add(s.expireAfter)),
		},
	}

	signed, err := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, claims).SignedString(s.secretKey)
	if err != nil {
		return "", fmt.Errorf("sign token failed: %w", err)
	}
	return signed, nil
}

// ValidateToken 校验签名、签发者与有效期，并要求 Subject 是合法的用户ID
func (s *JWTService) ValidateToken(tokenString string) (*CustomClaims, error) {
	if tokenString == "" {
		return nil, errEmptyToken
	}
	claims := &CustomClaims{}
	parsed, err := jwtv5.ParseWithClaims(tokenString, claims,
		func(token *jwtv5.Token) (interface{}, error) {
			if token.Method != jwtv5.SigningMethodHS256 {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.secretKey, nil
		},
		jwtv5.WithIssuer(s.issuer),
		jwtv5.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("parse token failed: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.UserID() == 0 {
		return nil, errMissingUser
	}
	return claims, nil
}

// UserID 解析 Subject 中的用户ID，非法时返回 0
func (c *CustomClaims) UserID() uint {
	id, err := strconv.ParseUint(c.Subject, 10, 32)
	if err != nil {
		return 0
	}
	return uint(id)
}
