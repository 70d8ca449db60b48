package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/logoslabs/logos-gateway/internal/domain"
	"github.com/logoslabs/logos-gateway/internal/gateway"
)

type tenantContextKey struct{}
type tenantKeyContextKey struct{}

// AuthMiddleware resolves the bearer tenant key and injects the tenant into
// the request context. The raw key rides along for the routing layer, which
// owns per-request authentication.
func AuthMiddleware(gw *gateway.Gateway) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

			tenant, err := gw.Authenticate(r.Context(), key)
			if err != nil {
				AddError(r.Context(), err)
				writeError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), tenantContextKey{}, tenant)
			ctx = context.WithValue(ctx, tenantKeyContextKey{}, key)
			AddLogField(r.Context(), "tenant", tenant.Name)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetTenant retrieves the authenticated tenant from context.
// Returns nil if no tenant is set.
func GetTenant(ctx context.Context) *domain.Tenant {
	if t, ok := ctx.Value(tenantContextKey{}).(*domain.Tenant); ok {
		return t
	}
	return nil
}

// tenantKeyFromContext returns the raw tenant key the request presented.
func tenantKeyFromContext(ctx context.Context) string {
	if k, ok := ctx.Value(tenantKeyContextKey{}).(string); ok {
		return k
	}
	return ""
}
