package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
)

type contextKey string

const contextKeyCaller contextKey = "vault.caller"

// Authenticator validates HS256 bearer tokens. The subject claim is the caller address.
type Authenticator struct {
	secret    []byte
	clockSkew time.Duration
}

func NewAuthenticator(secret string, clockSkew time.Duration) *Authenticator {
	if clockSkew <= 0 {
		clockSkew = 2 * time.Minute
	}
	return &Authenticator{secret: []byte(strings.TrimSpace(secret)), clockSkew: clockSkew}
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing bearer token"})
			return
		}
		caller, err := a.parseCaller(tokenString)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid token", Detail: err.Error()})
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyCaller, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) parseCaller(tokenString string) (common.Address, error) {
	if len(a.secret) == 0 {
		return common.Address{}, errors.New("auth secret not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.clockSkew))
	if err != nil {
		return common.Address{}, err
	}
	if !token.Valid {
		return common.Address{}, errors.New("token invalid")
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(sub) {
		return common.Address{}, errors.New("subject is not an address")
	}
	return common.HexToAddress(sub), nil
}

// IssueToken signs a bearer token for caller. Used by operators and tests.
func IssueToken(secret string, caller common.Address, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   caller.Hex(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(secret)))
}

func extractBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func callerFrom(ctx context.Context) common.Address {
	caller, _ := ctx.Value(contextKeyCaller).(common.Address)
	return caller
}
