package http

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"audioqueue/internal/config"
	"audioqueue/internal/domain"
	"audioqueue/internal/service"
)

const (
	sessionCookie = "audioqueue_session"
	userKey       = "user"

	headerUsername = "X-authentik-username"
	headerUID      = "X-authentik-uid"
	headerRole     = "X-authentik-role"
)

var errInvalidToken = errors.New("invalid session token")

// AuthConfig selects how requests are authenticated.
type AuthConfig struct {
	// Mode is config.AuthLocal (login + signed session token) or
	// config.AuthHeader (identity headers set by a trusted proxy).
	Mode     string
	Secret   []byte
	TokenTTL time.Duration
	Now      func() time.Time
}

type sessionClaims struct {
	jwt.RegisteredClaims
	Username string      `json:"username"`
	Role     domain.Role `json:"role"`
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) issueToken(user domain.User) (string, error) {
	now := h.auth.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(h.auth.TokenTTL)),
		},
		Username: user.Username,
		Role:     user.Role,
	})
	return token.SignedString(h.auth.Secret)
}

func (h *Handler) parseToken(raw string) (*sessionClaims, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return h.auth.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(h.auth.Now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, errInvalidToken
	}
	return claims, nil
}

func bearerToken(c *gin.Context) string {
	if cookie, err := c.Cookie(sessionCookie); err == nil && cookie != "" {
		return cookie
	}
	header := c.GetHeader("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// headerUser reads the identity a trusted reverse proxy put on the request.
func headerUser(c *gin.Context) (domain.User, bool) {
	username := strings.TrimSpace(c.GetHeader(headerUsername))
	if username == "" {
		return domain.User{}, false
	}
	id := strings.TrimSpace(c.GetHeader(headerUID))
	if id == "" {
		id = username
	}
	role := domain.RoleUser
	if c.GetHeader(headerRole) == string(domain.RoleAdmin) {
		role = domain.RoleAdmin
	}
	return domain.User{ID: id, Username: username, Role: role}, true
}

func (h *Handler) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.auth.Mode == config.AuthHeader {
			user, ok := headerUser(c)
			if !ok {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing username header"})
				return
			}
			c.Set(userKey, user)
			c.Next()
			return
		}

		raw := bearerToken(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not logged in"})
			return
		}
		claims, err := h.parseToken(raw)
		if err != nil {
			h.log.Debugf("reject session: %v", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidToken.Error()})
			return
		}

		// Deleted users lose access even with an unexpired token.
		user, err := h.users.GetByID(c.Request.Context(), claims.Subject)
		if err != nil {
			if errors.Is(err, service.ErrUserNotFound) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown user"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Set(userKey, *user)
		c.Next()
	}
}

func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !currentUser(c).IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access forbidden: admins only"})
			return
		}
		c.Next()
	}
}

func currentUser(c *gin.Context) domain.User {
	if v, ok := c.Get(userKey); ok {
		if user, ok := v.(domain.User); ok {
			return user
		}
	}
	return domain.User{}
}

func (h *Handler) login(c *gin.Context) {
	if h.auth.Mode == config.AuthHeader {
		user, ok := headerUser(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing username header"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"username": user.Username, "role": user.Role})
		return
	}

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.users.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			h.log.WithField("username", req.Username).Warn("failed login")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "incorrect username or password"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	token, err := h.issueToken(*user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, token, int(h.auth.TokenTTL.Seconds()), "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"token": token, "username": user.Username, "role": user.Role})
}

func (h *Handler) logout(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, "", -1, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) role(c *gin.Context) {
	user := currentUser(c)
	c.JSON(http.StatusOK, gin.H{"role": user.Role, "username": user.Username})
}

type createUserRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type changePasswordRequest struct {
	ID       string `json:"id" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// UserResponse is the public view of an account.
type UserResponse struct {
	ID       string      `json:"id"`
	Username string      `json:"username"`
	Role     domain.Role `json:"role"`
}

func (h *Handler) listUsers(c *gin.Context) {
	users, err := h.users.ListUsers(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	resp := make([]UserResponse, len(users))
	for i, u := range users {
		resp[i] = UserResponse{ID: u.ID, Username: u.Username, Role: u.Role}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) createUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := h.users.Create(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.log.WithFields(logrus.Fields{"user_id": user.ID, "by": currentUser(c).Username}).Info("user created")
	c.JSON(http.StatusCreated, UserResponse{ID: user.ID, Username: user.Username, Role: user.Role})
}

func (h *Handler) deleteUser(c *gin.Context) {
	id := c.Param("id")
	if id == currentUser(c).ID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot delete the current user"})
		return
	}
	if err := h.users.Delete(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	h.log.WithField("user_id", id).Info("user deleted")
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) changePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.users.ChangePassword(c.Request.Context(), req.ID, req.Password); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
