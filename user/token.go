package user

import (
	"fmt"
	"time"

	"github.com/dgrijalva/jwt-go"
)

var jwtSigningMethod = jwt.SigningMethodHS256

// RegisterClaims is the jwt payload of a registration token
type RegisterClaims struct {
	jwt.StandardClaims
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// TokenIssuer mints registration tokens handed to the funnel after a
// successful first charge, so the new subscriber can finish registration.
type TokenIssuer struct {
	key []byte
}

func NewTokenIssuer(signingKey string) (*TokenIssuer, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("empty signingKey is invalid")
	}
	return &TokenIssuer{key: []byte(signingKey)}, nil
}

// RegisterToken creates a signed token valid for 72 hours
func (t *TokenIssuer) RegisterToken(u *User) (string, error) {
	claims := RegisterClaims{
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(72 * time.Hour).Unix(),
		},
		UserID: u.ID,
		Email:  u.Email,
	}
	token := jwt.NewWithClaims(jwtSigningMethod, claims)
	return token.SignedString(t.key)
}

// VerifyRegisterToken parses and validates a registration token. Invalid
// or expired tokens return nil claims without an error.
func (t *TokenIssuer) VerifyRegisterToken(token string) (*RegisterClaims, error) {
	claims := &RegisterClaims{}
	jwtToken, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		return t.key, nil
	})
	if err != nil {
		if err == jwt.ErrSignatureInvalid {
			return nil, nil
		}
		if _, ok := err.(*jwt.ValidationError); ok {
			return nil, nil
		}
		return nil, err
	}
	if jwtToken.Method != jwtSigningMethod {
		return nil, nil
	}
	if !jwtToken.Valid {
		return nil, nil
	}
	return claims, nil
}
