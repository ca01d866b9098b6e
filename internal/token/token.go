// Package token issues and verifies the partner-scoped tokens that
// authenticate device sync calls. A token binds a partner and device pair
// with an HMAC signature; the payload travels base64url-encoded alongside
// the signature.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalid = errors.New("invalid token")
	ErrExpired = errors.New("token expired")
)

// payload structure for encoding/decoding
type payload struct {
	PartnerID string `json:"p"`
	DeviceID  string `json:"d,omitempty"`
	TS        int64  `json:"t"`
}

// Generate creates a signed token for the partner, optionally bound to one
// device. The partner secret is mixed with the service secret so revoking a
// partner's API token invalidates every outstanding device token.
func Generate(partnerID, deviceID string, partnerSecret, serviceSecret []byte) (string, error) {
	pl := payload{
		PartnerID: partnerID,
		DeviceID:  deviceID,
		TS:        time.Now().Unix(),
	}
	data, err := json.Marshal(pl)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, append(append([]byte{}, serviceSecret...), partnerSecret...))
	mac.Write(data)
	sig := mac.Sum(nil)

	enc := base64.RawURLEncoding
	return enc.EncodeToString(data) + "." + enc.EncodeToString(sig), nil
}

// Claims are the verified token contents.
type Claims struct {
	PartnerID string
	DeviceID  string
	IssuedAt  time.Time
}

// Verify checks integrity and expiry and returns the claims.
func Verify(tok string, partnerSecret, serviceSecret []byte, ttl time.Duration) (Claims, error) {
	var out Claims
	parts := strings.Split(tok, ".")
	if len(parts) != 2 {
		return out, ErrInvalid
	}
	enc := base64.RawURLEncoding
	data, err := enc.DecodeString(parts[0])
	if err != nil {
		return out, ErrInvalid
	}
	sig, err := enc.DecodeString(parts[1])
	if err != nil {
		return out, ErrInvalid
	}

	mac := hmac.New(sha256.New, append(append([]byte{}, serviceSecret...), partnerSecret...))
	mac.Write(data)
	if !hmac.Equal(mac.Sum(nil), sig) {
		return out, ErrInvalid
	}

	var pl payload
	if err := json.Unmarshal(data, &pl); err != nil {
		return out, ErrInvalid
	}
	issued := time.Unix(pl.TS, 0)
	if ttl > 0 && time.Since(issued) > ttl {
		return out, ErrExpired
	}
	out.PartnerID = pl.PartnerID
	out.DeviceID = pl.DeviceID
	out.IssuedAt = issued
	return out, nil
}
