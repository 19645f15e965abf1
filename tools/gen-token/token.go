package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
)

type tokenOptions struct {
	Secret   []byte
	Audience string
	Issuer   string
	TTL      time.Duration
}

// signToken returns an HS256 token accepted by the service in hs256 auth
// mode.
func signToken(userID string, opts tokenOptions, now time.Time) (string, error) {
	if len(opts.Secret) == 0 {
		return "", errors.New("AUTH_HS256_SECRET must be set")
	}
	if userID == "" {
		return "", errors.New("user ID is empty")
	}
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(opts.TTL).Unix(),
	}
	if opts.Audience != "" {
		claims["aud"] = opts.Audience
	}
	if opts.Issuer != "" {
		claims["iss"] = opts.Issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(opts.Secret)
}

func userIDs(count int, prefix string, start int, explicit []string) ([]string, error) {
	if count < 1 {
		return nil, errors.New("count must be at least 1")
	}
	if start < 1 {
		return nil, errors.New("start index must be at least 1")
	}
	if len(explicit) > 0 {
		if count > 1 {
			return nil, errors.New("explicit user ID cannot be provided when generating multiple tokens")
		}
		return explicit[:1], nil
	}
	if count == 1 {
		return []string{prefix}, nil
	}
	ids := make([]string, count)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%d", prefix, start+i)
	}
	return ids, nil
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := sonic.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
