package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/handbuilt/gabridge/errors"
)

// assertionLifetime is how long a signed assertion is valid for.
const assertionLifetime = time.Hour

// SignAssertion builds an RS256 JWT for the service account, suitable for the
// jwt-bearer grant.
func SignAssertion(sa *ServiceAccount, now time.Time) (string, error) {
	if sa == nil || sa.ClientEmail == "" || sa.PrivateKey == "" {
		return "", failure(ErrTokenRefreshFailed, errors.New("service account is missing client_email or private_key"))
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey))
	if err != nil {
		return "", failure(ErrTokenRefreshFailed, err)
	}

	claims := jwt.MapClaims{
		"iss":   sa.ClientEmail,
		"aud":   sa.tokenURI(),
		"scope": Scope,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionLifetime).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", failure(ErrTokenRefreshFailed, err)
	}
	return signed, nil
}
