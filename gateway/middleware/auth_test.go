package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testCaller = [20]byte{0x11, 0x22, 0x33}

func newTestAuthenticator() *Authenticator {
	return NewAuthenticator(AuthConfig{HMACSecret: "secret", Issuer: "escrowd", Audience: "api"}, nil)
}

func callerEcho(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFrom(r.Context())
		require.True(t, ok)
		require.Equal(t, testCaller, caller)
		w.WriteHeader(http.StatusNoContent)
	})
}

func serve(handler http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/escrows", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func TestAuthenticatorResolvesCaller(t *testing.T) {
	auth := newTestAuthenticator()
	token, err := auth.IssueToken(testCaller, time.Minute, "escrow:write")
	require.NoError(t, err)

	res := serve(auth.Middleware("escrow:write")(callerEcho(t)), token)
	require.Equal(t, http.StatusNoContent, res.Code)
}

func TestAuthenticatorRejects(t *testing.T) {
	auth := newTestAuthenticator()
	handler := auth.Middleware()(okHandler())

	require.Equal(t, http.StatusUnauthorized, serve(handler, "").Code)
	require.Equal(t, http.StatusUnauthorized, serve(handler, "garbage").Code)

	other := NewAuthenticator(AuthConfig{HMACSecret: "other", Issuer: "escrowd", Audience: "api"}, nil)
	forged, err := other.IssueToken(testCaller, time.Minute)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, serve(handler, forged).Code)

	expired, err := auth.IssueToken(testCaller, -time.Hour)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, serve(handler, expired).Code)

	wrongIssuer := NewAuthenticator(AuthConfig{HMACSecret: "secret", Issuer: "someone", Audience: "api"}, nil)
	token, err := wrongIssuer.IssueToken(testCaller, time.Minute)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, serve(handler, token).Code)

	badSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "not-an-address",
		"iss": "escrowd",
		"aud": "api",
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, serve(handler, badSub).Code)

	scoped, err := auth.IssueToken(testCaller, time.Minute, "escrow:read")
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, serve(auth.Middleware("escrow:write")(okHandler()), scoped).Code)
}

func TestRequestIDAndCORS(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{"https://app.example"}})(RequestID(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NotEmpty(t, RequestIDFrom(r.Context()))
			w.WriteHeader(http.StatusOK)
		})))

	req := httptest.NewRequest(http.MethodGet, "/v1/escrows/1", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set(RequestIDHeader, "not-a-uuid")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "https://app.example", res.Header().Get("Access-Control-Allow-Origin"))
	require.NotEqual(t, "not-a-uuid", res.Header().Get(RequestIDHeader))

	preflight := httptest.NewRequest(http.MethodOptions, "/v1/escrows", nil)
	preflight.Header.Set("Origin", "https://evil.example")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, preflight)
	require.Equal(t, http.StatusNoContent, res.Code)
	require.Empty(t, res.Header().Get("Access-Control-Allow-Origin"))
}
