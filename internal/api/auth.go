package api

import (
	"strings"

	"lostfound-board/backend/pkg/config"
	apperrors "lostfound-board/backend/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// userIDKey is the gin context key the auth middleware stores the caller
// under. Session issuance is owned by the accounts service; this
// subsystem only verifies the cookie it set.
const userIDKey = "userId"

// RequireAuth verifies the session JWT from the lf_token cookie (or an
// Authorization bearer header) and stores the subject user id in the
// request context. Requests without a valid token get a 401 envelope.
func RequireAuth(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		if cookie, err := c.Cookie(cfg.JWT.CookieName); err == nil {
			token = cookie
		}
		if token == "" {
			if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
				token = strings.TrimPrefix(h, "Bearer ")
			}
		}
		if token == "" {
			abortWith(c, apperrors.ErrUnauthorized())
			return
		}

		userID, err := verifyToken(token, cfg.JWT.Secret)
		if err != nil || userID == "" {
			abortWith(c, apperrors.ErrUnauthorized())
			return
		}

		c.Set(userIDKey, userID)
		c.Next()
	}
}

func verifyToken(tokenString, secret string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", jwt.ErrTokenInvalidClaims
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", err
	}
	return sub, nil
}

// CurrentUserID returns the authenticated user id set by RequireAuth.
func CurrentUserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

func abortWith(c *gin.Context, err *apperrors.AppError) {
	c.AbortWithStatusJSON(err.StatusCode, gin.H{
		"success": false,
		"error": gin.H{
			"code":    err.Code,
			"message": err.Message,
		},
	})
}
