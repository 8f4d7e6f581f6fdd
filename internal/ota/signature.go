package ota

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jedisct1/go-minisign"
)

// ErrBadSignature is returned when an archive does not match its signature.
var ErrBadSignature = errors.New("invalid signature")

// ParsePublicKey parses a base64 minisign public key, with or without the
// "untrusted comment" line.
func ParsePublicKey(key string) (minisign.PublicKey, error) {
	if key == "" {
		return minisign.PublicKey{}, errors.New("no public key configured")
	}
	key = strings.TrimSpace(key)
	if strings.Contains(key, "\n") {
		return minisign.DecodePublicKey(key)
	}
	return minisign.NewPublicKey(key)
}

// VerifySignature checks archivePath against the minisign signature at sigPath.
func VerifySignature(archivePath, sigPath string, pubKey minisign.PublicKey) error {
	sig, err := minisign.NewSignatureFromFile(sigPath)
	if err != nil {
		return fmt.Errorf("read signature file: %w", err)
	}

	valid, err := pubKey.VerifyFromFile(archivePath, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !valid {
		return ErrBadSignature
	}
	return nil
}
