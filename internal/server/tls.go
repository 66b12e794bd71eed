package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrMissingCredentials is returned when the certificate or key file is absent or unreadable.
	ErrMissingCredentials = errors.New("missing TLS credentials")
	// ErrInvalidCredentials is returned when the certificate and key do not form a valid pair.
	ErrInvalidCredentials = errors.New("invalid TLS credentials")
)

// LoadTLSConfig reads the server certificate and key.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("%w: certificate and key paths are required", ErrMissingCredentials)
	}
	for _, f := range []string{certFile, keyFile} {
		fh, err := os.Open(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMissingCredentials, err)
		}
		fh.Close()
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
