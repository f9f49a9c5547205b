package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoCredential 当前没有可用的 bearer 凭证
var ErrNoCredential = errors.New("no credential")

// Source 凭证提供方；没有凭证时返回 ErrNoCredential
type Source interface {
	Token(ctx context.Context) (string, error)
}

// SourceFunc 函数适配器
type SourceFunc func(ctx context.Context) (string, error)

func (f SourceFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Static 固定凭证
func Static(token string) Source {
	token = strings.TrimSpace(token)
	return SourceFunc(func(context.Context) (string, error) {
		if token == "" {
			return "", ErrNoCredential
		}
		return token, nil
	})
}

// File 每次连接都重新读取文件，便于外部轮换短期凭证
func File(path string) Source {
	return SourceFunc(func(context.Context) (string, error) {
		b, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoCredential
		}
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		token := strings.TrimSpace(string(b))
		if token == "" {
			return "", ErrNoCredential
		}
		return token, nil
	})
}

// Claims 从凭证中读出的展示信息（不校验签名，校验由服务端负责）
type Claims struct {
	Subject   string
	Email     string
	Name      string
	ExpiresAt time.Time
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Email        string         `json:"email"`
	Name         string         `json:"name"`
	UserMetadata map[string]any `json:"user_metadata"`
}

// Inspect 解析 JWT 载荷；不是 JWT 时返回 ok=false
func Inspect(token string) (Claims, bool) {
	var parsed tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &parsed); err != nil {
		return Claims{}, false
	}
	c := Claims{Subject: parsed.Subject, Email: parsed.Email, Name: parsed.Name}
	if c.Name == "" {
		if n, ok := parsed.UserMetadata["name"].(string); ok {
			c.Name = n
		}
	}
	if parsed.ExpiresAt != nil {
		c.ExpiresAt = parsed.ExpiresAt.Time
	}
	return c, true
}

// DisplayName 优先 name，其次 email
func (c Claims) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Email
}

// Fresh 过滤已过期的 JWT：过期视为没有凭证，下次触发时再取。非 JWT 凭证原样放行。
func Fresh(src Source, now func() time.Time) Source {
	if now == nil {
		now = time.Now
	}
	return SourceFunc(func(ctx context.Context) (string, error) {
		token, err := src.Token(ctx)
		if err != nil {
			return "", err
		}
		c, ok := Inspect(token)
		if ok && !c.ExpiresAt.IsZero() && !c.ExpiresAt.After(now()) {
			return "", fmt.Errorf("%w: token expired at %s", ErrNoCredential, c.ExpiresAt.UTC().Format(time.RFC3339))
		}
		return token, nil
	})
}

// Verifier 服务端凭证校验（HS256）
type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string, now func() time.Time) *Verifier {
	if now == nil {
		now = time.Now
	}
	return &Verifier{secret: []byte(secret), now: now}
}

// Verify 校验签名和有效期，返回声明
func (v *Verifier) Verify(token string) (Claims, error) {
	if len(v.secret) == 0 {
		return Claims{}, errors.New("verifier is not configured")
	}
	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("verify token: %w", err)
	}
	if strings.TrimSpace(parsed.Subject) == "" {
		return Claims{}, errors.New("verify token: sub is required")
	}
	c := Claims{Subject: parsed.Subject, Email: parsed.Email, Name: parsed.Name, ExpiresAt: parsed.ExpiresAt.Time}
	if c.Name == "" {
		if n, ok := parsed.UserMetadata["name"].(string); ok {
			c.Name = n
		}
	}
	return c, nil
}

// Issue 签发 HS256 凭证（开发与测试用）
func Issue(secret string, c Claims, now time.Time) (string, error) {
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(c.ExpiresAt),
		},
		Email: c.Email,
		Name:  c.Name,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
