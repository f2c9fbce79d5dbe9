package driftsync

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ClientAuth authenticates one client session to the sync service. The
// service is the verifier. The client only reads its own identity out of
// the token claims.
type ClientAuth struct {
	ByJwt      string
	AppVersion string
}

func (self *ClientAuth) ClientId() (Id, error) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(self.ByJwt, jwt.MapClaims{})
	if err != nil {
		return Id{}, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Id{}, fmt.Errorf("Jwt has no claims.")
	}
	clientIdStr, ok := claims["client_id"].(string)
	if !ok {
		return Id{}, fmt.Errorf("Jwt missing client_id claim.")
	}
	return ParseId(clientIdStr)
}

func (self *ClientAuth) RequireClientId() Id {
	clientId, err := self.ClientId()
	if err != nil {
		panic(err)
	}
	return clientId
}
