package middleware

import (
	"context"
	"net/http"
	"strconv"

	"github.com/platinummonkey/procurement/pkg/contextkeys"
	"github.com/platinummonkey/procurement/pkg/httputil"
)

// Headers populated by the authentication gateway in front of the engine
const (
	UserIDHeader         = "X-User-ID"
	OrganizationIDHeader = "X-Organization-ID"
)

// Identity is the authenticated caller of a request
type Identity struct {
	UserID         int64
	OrganizationID int64
}

// WithIdentity adds identity to the context
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextkeys.IdentityKey, id)
}

// IdentityFromContext returns the caller identity, if any
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextkeys.IdentityKey).(Identity)
	return id, ok
}

// GetIdentity returns the identity of the request
func GetIdentity(r *http.Request) (Identity, bool) {
	return IdentityFromContext(r.Context())
}

// IdentityMiddleware reads the caller identity set by the gateway
type IdentityMiddleware struct {
	optional bool // If true, allow requests without identity
}

// NewIdentityMiddleware creates a new identity middleware
func NewIdentityMiddleware(optional bool) *IdentityMiddleware {
	return &IdentityMiddleware{optional: optional}
}

// Handler wraps an HTTP handler with identity extraction
func (m *IdentityMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userHeader := r.Header.Get(UserIDHeader)
		orgHeader := r.Header.Get(OrganizationIDHeader)
		if userHeader == "" && orgHeader == "" && m.optional {
			next.ServeHTTP(w, r)
			return
		}

		userID, err := parsePositive(userHeader)
		if err != nil {
			httputil.WriteUnauthorized(w, "missing or invalid "+UserIDHeader+" header")
			return
		}
		orgID, err := parsePositive(orgHeader)
		if err != nil {
			httputil.WriteUnauthorized(w, "missing or invalid "+OrganizationIDHeader+" header")
			return
		}

		ctx := WithIdentity(r.Context(), Identity{UserID: userID, OrganizationID: orgID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func parsePositive(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, strconv.ErrRange
	}
	return v, nil
}
