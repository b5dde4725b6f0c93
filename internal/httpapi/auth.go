package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarkoPoloResearchLab/scanledger/internal/credits"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
)

const (
	claimsContextKey = sessionvalidator.DefaultContextKey
	bearerPrefix     = "bearer "
)

var errMissingExpiry = errors.New("session token has no expiry")

// sessionAuthenticator accepts a session token from the Authorization header
// and falls back to the session cookie.
type sessionAuthenticator struct {
	validator *sessionvalidator.Validator
}

func newSessionAuthenticator(cfg Config) (*sessionAuthenticator, error) {
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	return &sessionAuthenticator{validator: validator}, nil
}

func (authenticator *sessionAuthenticator) middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims, err := authenticator.authenticate(ctx.Request)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("not_authenticated", err.Error()))
			return
		}
		ctx.Set(claimsContextKey, claims)
		ctx.Next()
	}
}

func (authenticator *sessionAuthenticator) authenticate(request *http.Request) (*sessionvalidator.Claims, error) {
	var (
		claims *sessionvalidator.Claims
		err    error
	)
	if raw := bearerToken(request); raw != "" {
		claims, err = authenticator.validator.ValidateToken(raw)
	} else {
		claims, err = authenticator.validator.ValidateRequest(request)
	}
	if err != nil {
		return nil, err
	}
	if claims.GetExpiresAt().IsZero() {
		return nil, errMissingExpiry
	}
	return claims, nil
}

func bearerToken(request *http.Request) string {
	header := strings.TrimSpace(request.Header.Get("Authorization"))
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(header[len(bearerPrefix):])
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

// identityFromContext turns the validated claims into a caller identity.
func identityFromContext(ctx *gin.Context) (credits.Identity, error) {
	claims := getClaims(ctx)
	if claims == nil {
		return credits.Identity{}, credits.ErrNotAuthenticated
	}
	return credits.NewIdentity(claims.GetUserID(), claims.GetUserEmail(), claims.GetUserDisplayName())
}
