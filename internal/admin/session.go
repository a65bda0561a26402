package admin

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims is the payload of an agent session token. The gateway
// accepts these in place of raw key credentials for reconnects.
type SessionClaims struct {
	ChannelID string `json:"chan"`
	KeyID     string `json:"kid"`
	jwt.RegisteredClaims
}

// Authenticate verifies a channel key and mints a session token.
// Revoked keys, unknown key IDs, wrong channels, and wrong secrets all
// fail identically.
func (s *Service) Authenticate(ctx context.Context, channelID, keyID, secretKey string) (string, error) {
	key, err := s.records.GetKey(ctx, keyID)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	if key.Revoked || key.ChannelID != channelID {
		return "", ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(hashSecret(secretKey)), []byte(key.SecretHash)) != 1 {
		return "", ErrInvalidCredentials
	}

	now := time.Now()
	claims := SessionClaims{
		ChannelID: channelID,
		KeyID:     keyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "mxf",
			Subject:   keyID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.SessionTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.cfg.SessionSecret)
	if err != nil {
		return "", err
	}
	s.logger.Info("session token issued", "channel_id", channelID, "key_id", keyID)
	return signed, nil
}

// VerifySession validates a session token and returns its claims. The
// backing key must still exist and not be revoked; revocation cuts off
// token-based reconnects.
func (s *Service) VerifySession(ctx context.Context, tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return s.cfg.SessionSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	key, err := s.records.GetKey(ctx, claims.KeyID)
	if err != nil || key.Revoked || key.ChannelID != claims.ChannelID {
		return nil, ErrInvalidCredentials
	}
	return claims, nil
}
