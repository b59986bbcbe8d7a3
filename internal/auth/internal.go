package auth

import "net/http"

// InternalAuthHeader carries the shared secret on service-to-service
// calls between room actors and the presence aggregator.
const InternalAuthHeader = "X-Internal-Auth"

// CheckInternalAuth reports whether the request carries the configured
// internal token. A mismatch is answered with Not Found by the caller
// so the endpoint stays indistinguishable from a missing route.
func CheckInternalAuth(r *http.Request, token string) bool {
	requestToken := r.Header.Get(InternalAuthHeader)
	return requestToken != "" && requestToken == token
}
