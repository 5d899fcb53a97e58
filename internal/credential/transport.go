package credential

import "net/http"

// Transport is an http.RoundTripper that injects a freshly valid bearer
// token on every outbound request. Token access funnels through the pool,
// which refreshes expired tokens before handing one out; the transport
// never caches a token across requests.
type Transport struct {
	Pool         *Pool
	CredentialID string
	Base         http.RoundTripper
}

// RoundTrip fetches a valid token from the pool and sets the Authorization
// header on a clone of the request.
func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	token, err := t.Pool.FreshToken(r.Context(), t.CredentialID)
	if err != nil {
		return nil, err
	}
	r2 := r.Clone(r.Context())
	r2.Header.Set("Authorization", "Bearer "+token)
	return t.base().RoundTrip(r2)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}
