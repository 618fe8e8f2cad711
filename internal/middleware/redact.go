package middleware

import (
	"net/http"

	"github.com/ashureev/deploychat/internal/identity"
	"github.com/ashureev/deploychat/internal/protocol"
)

// RedactAPIKey masks the api_key query parameter in r.RequestURI, which is
// what request loggers print. r.URL keeps the real value so APIKey can still
// check it. Mount it before the request logger.
func RedactAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		key := q.Get(protocol.APIKeyParam)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		q.Set(protocol.APIKeyParam, identity.MaskSecret(key))
		masked := r.WithContext(r.Context())
		masked.RequestURI = r.URL.EscapedPath() + "?" + q.Encode()
		next.ServeHTTP(w, masked)
	})
}
