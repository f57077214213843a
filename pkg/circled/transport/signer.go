package transport

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidInstanceToken = errors.New("invalid instance token")

// tokenDuration bounds how long a signed inter-instance request stays
// valid.
const tokenDuration = 2 * time.Minute

// InstanceClaims are the JWT claims carried on inter-instance requests.
// Issuer is the sending instance.
type InstanceClaims struct {
	jwt.RegisteredClaims
}

// Signer signs outgoing inter-instance requests with the shared federation
// secret (HS256). The receiving instance verifies the token before handing
// the event to its pipeline.
type Signer struct {
	instance string
	secret   []byte
}

// NewSigner creates a signer for the local instance.
func NewSigner(instance, secret string) *Signer {
	return &Signer{instance: instance, secret: []byte(secret)}
}

// Token creates a short-lived token addressed to the target instance.
func (s *Signer) Token(audience string) (string, error) {
	claims := &InstanceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.instance,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// VerifyInstanceToken validates a signed inter-instance token and returns
// its claims. The issuer identifies the sending instance.
func VerifyInstanceToken(tokenString, secret string) (*InstanceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &InstanceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidInstanceToken
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, ErrInvalidInstanceToken
	}
	claims, ok := token.Claims.(*InstanceClaims)
	if !ok || !token.Valid || claims.Issuer == "" {
		return nil, ErrInvalidInstanceToken
	}
	return claims, nil
}
