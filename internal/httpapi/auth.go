package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/markl-a/GarageSwarm-sub000/internal/registry"
)

type contextKey string

const (
	contextKeyPrincipal contextKey = "principal"
	contextKeyWorkerID  contextKey = "worker_id"
)

// BearerAuth is the thin verification layer satisfying the external "an
// auth module exposing authenticate(credential) -> principal" contract
// this spec assumes rather than implements in full: human callers present
// a signed JWT, workers present the opaque prefix.secret credential the
// registry issued them.
type BearerAuth struct {
	signingKey []byte
	registry   *registry.Registry
}

// NewBearerAuth builds a BearerAuth.
func NewBearerAuth(signingKey string, reg *registry.Registry) *BearerAuth {
	return &BearerAuth{signingKey: []byte(signingKey), registry: reg}
}

// RequireUser verifies a human caller's JWT bearer token.
func (a *BearerAuth) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			return a.signingKey, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		sub, _ := token.Claims.GetSubject()
		ctx := context.WithValue(r.Context(), contextKeyPrincipal, sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireWorker verifies a worker's prefix.secret API key credential.
func (a *BearerAuth) RequireWorker(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			http.Error(w, "missing bearer credential", http.StatusUnauthorized)
			return
		}
		prefix, secret, ok := splitCredential(raw)
		if !ok {
			http.Error(w, "malformed bearer credential", http.StatusUnauthorized)
			return
		}
		worker, err := a.registry.AuthenticateWorker(prefix, secret)
		if err != nil {
			http.Error(w, "authentication failed", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyWorkerID, worker.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WorkerIDFromContext reads the authenticated worker id stamped by
// RequireWorker, or uuid.Nil if absent.
func WorkerIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(contextKeyWorkerID).(uuid.UUID)
	return id
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const schema = "Bearer "
	if !strings.HasPrefix(auth, schema) {
		return "", false
	}
	return strings.TrimPrefix(auth, schema), true
}

func splitCredential(cred string) (prefix, secret string, ok bool) {
	i := strings.IndexByte(cred, '.')
	if i < 0 {
		return "", "", false
	}
	return cred[:i], cred[i+1:], true
}
