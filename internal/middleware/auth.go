package middleware

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
)

// TokenValidator validates a bearer token and returns the principal it
// authenticates.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// AuthOption configures optional auth middleware parameters.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure func()
	limiter   *FailureLimiter
	methods   []string
}

// WithOnAuthFailure registers a callback invoked on every authentication
// failure (e.g. to increment a Prometheus counter).
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithFailureLimiter throttles clients, keyed by IP, that repeatedly fail
// authentication. Throttled clients are refused without validating their token.
func WithFailureLimiter(l *FailureLimiter) AuthOption {
	return func(c *authConfig) { c.limiter = l }
}

// WithProtectedMethods limits gRPC interception to the given full method
// names. Other methods pass through unauthenticated. It has no effect on the
// HTTP middleware, which is mounted per route.
func WithProtectedMethods(fullMethods ...string) AuthOption {
	return func(c *authConfig) { c.methods = append(c.methods, fullMethods...) }
}

func newAuthConfig(opts []AuthOption) authConfig {
	cfg := authConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

func (c authConfig) protects(fullMethod string) bool {
	return len(c.methods) == 0 || slices.Contains(c.methods, fullMethod)
}

// throttled reports whether ip has spent its failure budget. It counts as a
// failed attempt.
func (c authConfig) throttled(ip string) bool {
	if c.limiter == nil || ip == "" || !c.limiter.Blocked(ip) {
		return false
	}
	if c.onFailure != nil {
		c.onFailure()
	}
	return true
}

// recordFailure reports whether ip is still within its failure budget.
func (c authConfig) recordFailure(ip string) bool {
	if c.onFailure != nil {
		c.onFailure()
	}
	if c.limiter == nil || ip == "" {
		return true
	}
	return c.limiter.RecordFailure(ip)
}

// HTTPBearerAuthMiddleware enforces bearer-token auth for HTTP handlers.
func HTTPBearerAuthMiddleware(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := newAuthConfig(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ExtractIP(r.RemoteAddr)
			if cfg.throttled(ip) {
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			principal, err := authorizeHTTP(r.Context(), r.Header.Get("Authorization"), validator)
			if err != nil {
				if !cfg.recordFailure(ip) {
					http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
					return
				}
				LoggerFromContext(r.Context()).WarnContext(r.Context(), "authentication failed", "error", err)
				writeHTTPUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(NewContextWithPrincipal(r.Context(), principal)))
		})
	}
}

// UnaryBearerAuthInterceptor enforces bearer-token auth for unary gRPC requests.
func UnaryBearerAuthInterceptor(validator TokenValidator, opts ...AuthOption) grpc.UnaryServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !cfg.protects(info.FullMethod) {
			return handler(ctx, req)
		}
		ip := extractGRPCPeerIP(ctx)
		if cfg.throttled(ip) {
			return nil, status.Error(codes.ResourceExhausted, "too many failed auth attempts")
		}
		principal, err := authorizeGRPC(ctx, validator)
		if err != nil {
			if !cfg.recordFailure(ip) {
				return nil, status.Error(codes.ResourceExhausted, "too many failed auth attempts")
			}
			LoggerFromContext(ctx).WarnContext(ctx, "authentication failed", "error", err)
			return nil, status.Error(codes.Unauthenticated, "unauthorized")
		}
		return handler(NewContextWithPrincipal(ctx, principal), req)
	}
}

type contextKey string

const principalKey contextKey = "principal"

// PrincipalFromContext retrieves the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(principalKey).(string)
	return p, ok
}

// NewContextWithPrincipal returns a new context carrying principal.
func NewContextWithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

func authorizeHTTP(ctx context.Context, authorizationHeader string, validator TokenValidator) (string, error) {
	if validator == nil {
		return "", errors.New("token validator is nil")
	}
	if strings.TrimSpace(authorizationHeader) == "" {
		return "", errMissingAuthorizationHeader
	}

	token, err := parseBearerToken(authorizationHeader)
	if err != nil {
		return "", err
	}
	return validate(ctx, validator, token)
}

func authorizeGRPC(ctx context.Context, validator TokenValidator) (string, error) {
	if validator == nil {
		return "", errors.New("token validator is nil")
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errMissingAuthorizationHeader
	}

	authorizationHeaders := md.Get("authorization")
	if len(authorizationHeaders) == 0 {
		return "", errMissingAuthorizationHeader
	}

	for _, authorizationHeader := range authorizationHeaders {
		token, err := parseBearerToken(authorizationHeader)
		if err != nil {
			continue
		}
		if principal, err := validate(ctx, validator, token); err == nil {
			return principal, nil
		}
	}

	return "", errInvalidAuthorizationHeader
}

func validate(ctx context.Context, validator TokenValidator, token string) (string, error) {
	principal, err := validator.ValidateToken(ctx, token)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(principal) == "" {
		return "", errInvalidAuthorizationHeader
	}
	return principal, nil
}

func parseBearerToken(authorizationHeader string) (string, error) {
	parts := strings.Fields(authorizationHeader)
	if len(parts) != 2 {
		return "", errInvalidAuthorizationHeader
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", errInvalidAuthorizationHeader
	}
	if parts[1] == "" {
		return "", errInvalidAuthorizationHeader
	}

	return parts[1], nil
}

func writeHTTPUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}

func extractGRPCPeerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return ExtractIP(p.Addr.String())
}
