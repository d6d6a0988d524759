package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/Robertgreenwood27/messagingapp/internal/models"
	"github.com/Robertgreenwood27/messagingapp/internal/supabase"
)

var errInvalidToken = errors.New("invalid token")

// ProfileLookup reads profiles with the service key.
type ProfileLookup interface {
	SelectOne(ctx context.Context, q supabase.Query, dest any) (bool, error)
}

// Claims are the fields of a Supabase access token the server reads.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type principalKey struct{}

// PrincipalFromContext returns the admin authenticated by RequireAdmin.
func PrincipalFromContext(ctx context.Context) (*models.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*models.Principal)
	return p, ok
}

// RequireAdmin accepts requests carrying a valid Supabase access token whose
// user has is_admin set on their profile. Missing or invalid tokens get 401,
// authenticated non-admins get 403.
func RequireAdmin(jwtSecret string, profiles ProfileLookup, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := parseToken(jwtSecret, bearerToken(r))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			var profile models.Profile
			found, err := profiles.SelectOne(r.Context(), supabase.From("profiles").
				Select("id,is_admin").
				Where(supabase.Eq("id", claims.Subject)), &profile)
			if err != nil {
				log.Error().Err(err).Str("user_id", claims.Subject).Msg("failed to load profile")
				writeError(w, http.StatusInternalServerError, "Failed to verify admin")
				return
			}
			if !found || !profile.IsAdmin {
				writeError(w, http.StatusForbidden, "Forbidden")
				return
			}

			p := &models.Principal{ID: claims.Subject, Email: claims.Email, Role: claims.Role}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
		})
	}
}

func parseToken(secret, tokenString string) (*Claims, error) {
	if secret == "" || tokenString == "" {
		return nil, errInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, errInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, errInvalidToken
	}
	return claims, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}
