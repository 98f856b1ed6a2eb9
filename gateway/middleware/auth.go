package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"d2dtreasury/crypto"
)

// CallerHeader carries the caller identity when authentication is disabled.
const CallerHeader = "X-D2D-Caller"

type AuthConfig struct {
	Enabled       bool
	HMACSecret    string
	Issuer        string
	Audience      string
	ScopeClaim    string
	OptionalPaths []string
	ClockSkew     time.Duration
}

type contextKey string

const (
	contextKeyCaller contextKey = "treasury.caller"
	contextKeyScopes contextKey = "treasury.scopes"
)

// WithCaller attaches a caller identity to ctx.
func WithCaller(ctx context.Context, id crypto.Identity) context.Context {
	return context.WithValue(ctx, contextKeyCaller, id)
}

// CallerFromContext returns the authenticated caller, if any.
func CallerFromContext(ctx context.Context) (crypto.Identity, bool) {
	id, ok := ctx.Value(contextKeyCaller).(crypto.Identity)
	if !ok || id.IsZero() {
		return crypto.Identity{}, false
	}
	return id, true
}

// ScopesFromContext returns the token scopes granted to the caller.
func ScopesFromContext(ctx context.Context) []string {
	scopes, _ := ctx.Value(contextKeyScopes).([]string)
	return scopes
}

// Authenticator validates HMAC-signed bearer tokens and resolves their subject
// into the caller identity every treasury operation is authorised against.
type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
	secret []byte
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{
		cfg:    cfg,
		logger: logger,
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
	}
}

func (a *Authenticator) Middleware(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.cfg.Enabled {
				next.ServeHTTP(w, r.WithContext(a.headerCaller(r)))
				return
			}
			tokenString := extractBearer(r.Header.Get("Authorization"))
			if tokenString == "" {
				if a.isOptional(r.URL.Path) {
					next.ServeHTTP(w, r)
					return
				}
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := a.parseToken(tokenString)
			if err != nil {
				a.logger.Warn("auth: token validation failed", "error", err, "path", r.URL.Path)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if err := validateClaims(claims, a.cfg.Issuer, a.cfg.Audience); err != nil {
				a.logger.Warn("auth: claim validation failed", "error", err, "path", r.URL.Path)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			subject, _ := claims["sub"].(string)
			caller, err := crypto.ParseIdentity(subject)
			if err != nil || caller.IsZero() {
				a.logger.Warn("auth: subject is not an identity", "subject", subject)
				http.Error(w, "invalid subject", http.StatusUnauthorized)
				return
			}
			scopes := extractScopes(claims, a.cfg.ScopeClaim)
			if len(requiredScopes) > 0 && !hasScopes(scopes, requiredScopes) {
				http.Error(w, "insufficient scope", http.StatusForbidden)
				return
			}
			ctx := WithCaller(r.Context(), caller)
			ctx = context.WithValue(ctx, contextKeyScopes, scopes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Authenticator) headerCaller(r *http.Request) context.Context {
	raw := strings.TrimSpace(r.Header.Get(CallerHeader))
	if raw == "" {
		return r.Context()
	}
	id, err := crypto.ParseIdentity(raw)
	if err != nil {
		return r.Context()
	}
	return WithCaller(r.Context(), id)
}

func (a *Authenticator) isOptional(path string) bool {
	for _, prefix := range a.cfg.OptionalPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

// TokenRequest describes a caller token minted by IssueToken.
type TokenRequest struct {
	Subject  crypto.Identity
	Issuer   string
	Audience string
	Scopes   []string
	TTL      time.Duration
	Now      time.Time
}

// IssueToken signs an HS256 token whose subject is the bech32 identity of
// req.Subject.
func IssueToken(secret string, req TokenRequest) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("auth secret required")
	}
	if req.Subject.IsZero() {
		return "", errors.New("token subject required")
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	claims := jwt.MapClaims{
		"sub": req.Subject.String(),
		"iat": now.Unix(),
	}
	if req.TTL > 0 {
		claims["exp"] = now.Add(req.TTL).Unix()
	}
	if req.Issuer != "" {
		claims["iss"] = req.Issuer
	}
	if req.Audience != "" {
		claims["aud"] = req.Audience
	}
	if len(req.Scopes) > 0 {
		claims["scope"] = strings.Join(req.Scopes, " ")
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func validateClaims(claims jwt.MapClaims, issuer, audience string) error {
	if issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != issuer {
			return errors.New("issuer mismatch")
		}
	}
	if audience != "" {
		switch val := claims["aud"].(type) {
		case string:
			if val != audience {
				return errors.New("audience mismatch")
			}
		case []interface{}:
			matched := false
			for _, entry := range val {
				if s, ok := entry.(string); ok && s == audience {
					matched = true
					break
				}
			}
			if !matched {
				return errors.New("audience mismatch")
			}
		default:
			return errors.New("audience missing")
		}
	}
	return nil
}

func extractScopes(claims jwt.MapClaims, scopeClaim string) []string {
	raw, ok := claims[scopeClaim]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func hasScopes(scopes []string, required []string) bool {
	set := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}
	for _, req := range required {
		if _, ok := set[req]; !ok {
			return false
		}
	}
	return true
}

func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
