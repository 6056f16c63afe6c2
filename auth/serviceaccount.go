package auth

import (
	"os"

	"github.com/handbuilt/gabridge/errors"
	"golang.org/x/oauth2/google"
)

// LoadServiceAccount reads a Google service account JSON key file.
func LoadServiceAccount(path string) (*ServiceAccount, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, failure(ErrTokenRefreshFailed, err)
	}
	return ParseServiceAccount(data)
}

// ParseServiceAccount parses a Google service account JSON key. The token URI
// defaults to Google's token endpoint.
func ParseServiceAccount(data []byte) (*ServiceAccount, error) {
	cfg, err := google.JWTConfigFromJSON(data, Scope)
	if err != nil {
		return nil, failure(ErrTokenRefreshFailed, err)
	}
	sa := &ServiceAccount{
		ClientEmail: cfg.Email,
		PrivateKey:  string(cfg.PrivateKey),
		TokenURI:    cfg.TokenURL,
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return nil, failure(ErrTokenRefreshFailed, errors.New("service account key is missing client_email or private_key"))
	}
	return sa, nil
}

func (sa *ServiceAccount) tokenURI() string {
	if sa.TokenURI == "" {
		return google.JWTTokenURL
	}
	return sa.TokenURI
}
