package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/contextkey"
	"codejudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	ModeJWT      = "jwt"
	ModeDisabled = "disabled"

	// UserIDHeader identifies the caller when auth is disabled.
	UserIDHeader = "X-User-Id"

	userIDKey = "user_id"
)

// Config selects how callers are identified.
type Config struct {
	Mode   string `yaml:"mode"`
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// Authenticator validates HS256 bearer tokens. The token subject is the user id.
type Authenticator struct {
	mode   string
	secret []byte
	issuer string
}

func NewAuthenticator(cfg Config) (*Authenticator, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = ModeJWT
	}
	switch mode {
	case ModeJWT:
		if cfg.Secret == "" {
			return nil, fmt.Errorf("jwt secret is required")
		}
	case ModeDisabled:
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
	return &Authenticator{mode: mode, secret: []byte(cfg.Secret), issuer: cfg.Issuer}, nil
}

type tokenClaims struct {
	TokenType string `json:"typ,omitempty"`
	jwt.RegisteredClaims
}

// Authenticate returns the user id carried by raw.
func (a *Authenticator) Authenticate(raw string) (string, error) {
	if raw == "" {
		return "", appErr.New(appErr.Unauthorized).WithMessage("missing bearer token")
	}
	parsed, err := jwt.ParseWithClaims(raw, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", appErr.New(appErr.TokenExpired)
		}
		return "", appErr.New(appErr.TokenInvalid)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return "", appErr.New(appErr.TokenInvalid)
	}
	if a.issuer != "" && claims.Issuer != a.issuer {
		return "", appErr.New(appErr.TokenInvalid)
	}
	if claims.TokenType != "" && claims.TokenType != "access" {
		return "", appErr.New(appErr.TokenInvalid)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", appErr.New(appErr.TokenInvalid)
	}
	return claims.Subject, nil
}

// Middleware identifies the caller and stores the user id on the gin and request contexts.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			userID string
			err    error
		)
		if a.mode == ModeDisabled {
			userID = strings.TrimSpace(c.GetHeader(UserIDHeader))
			if userID == "" {
				err = appErr.New(appErr.Unauthorized).WithMessage("missing " + UserIDHeader + " header")
			}
		} else {
			userID, err = a.Authenticate(extractBearerToken(c.GetHeader("Authorization")))
		}
		if err != nil {
			response.AbortWithError(c, err)
			return
		}
		c.Set(userIDKey, userID)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), contextkey.UserID, userID))
		c.Next()
	}
}

// UserID returns the caller set by Middleware.
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

func extractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
