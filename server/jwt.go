package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/driftsync/driftsync"
	"github.com/golang-jwt/jwt/v5"
)

// MintClientToken signs a session token for `clientId`. `expire` <= 0
// means no expiry.
func MintClientToken(secret string, clientId driftsync.Id, expire time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"client_id": clientId.String(),
	}
	if 0 < expire {
		claims["exp"] = time.Now().Add(expire).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// VerifyClientToken checks the signature and expiry and returns the
// client id claim.
func VerifyClientToken(secret string, byJwt string) (driftsync.Id, error) {
	token, err := jwt.Parse(byJwt, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("Unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return driftsync.Id{}, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return driftsync.Id{}, fmt.Errorf("Invalid token.")
	}
	clientIdStr, ok := claims["client_id"].(string)
	if !ok {
		return driftsync.Id{}, fmt.Errorf("Token missing client_id claim.")
	}
	return driftsync.ParseId(clientIdStr)
}

// bearerToken pulls the token from the authorization header, or from the
// `auth` query parameter for clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return auth[len("Bearer "):]
	}
	return r.URL.Query().Get("auth")
}
