// Package qrtoken encodes and decodes the opaque per-container scan token.
// A token binds (container id, shipment id, ordinal) together with an HMAC
// integrity check so that a scanned code cannot be forged or transplanted
// onto another container.
package qrtoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	version = "cq1"
	macLen  = 12 // truncated HMAC-SHA256 bytes
)

// Claims are the identity fields embedded in a token. They are opaque to
// callers; only the codec reads them back.
type Claims struct {
	ContainerID string `json:"c"`
	ShipmentID  string `json:"s"`
	Ordinal     int    `json:"o"`
}

// Decode failure modes. Both map to the invalid-token rejection upstream.
var (
	ErrMalformed = errors.New("qrtoken: malformed token")
	ErrIntegrity = errors.New("qrtoken: integrity check failed")
)

// Codec signs and verifies container scan tokens with a shared secret.
type Codec struct {
	secret []byte
}

// New constructs a codec. The secret must be non-empty; tokens minted with
// one secret never verify under another.
func New(secret []byte) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("qrtoken: secret required")
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Codec{secret: key}, nil
}

// Encode mints the token for the given claims.
func (c *Codec) Encode(claims Claims) (string, error) {
	if claims.ContainerID == "" || claims.ShipmentID == "" || claims.Ordinal < 1 {
		return "", fmt.Errorf("qrtoken: incomplete claims %+v", claims)
	}
	body, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(body)
	return version + "." + encoded + "." + c.sign(encoded), nil
}

// Decode verifies the token's structure and integrity check and returns the
// embedded claims. Callers still have to match the claims against the stored
// container identity.
func (c *Codec) Decode(token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] != version {
		return Claims{}, ErrMalformed
	}
	if !hmac.Equal([]byte(c.sign(parts[1])), []byte(parts[2])) {
		return Claims{}, ErrIntegrity
	}
	body, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, ErrMalformed
	}
	var claims Claims
	if err := json.Unmarshal(body, &claims); err != nil {
		return Claims{}, ErrMalformed
	}
	if claims.ContainerID == "" || claims.ShipmentID == "" || claims.Ordinal < 1 {
		return Claims{}, ErrMalformed
	}
	return claims, nil
}

func (c *Codec) sign(encodedBody string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(version + "." + encodedBody))
	return hex.EncodeToString(mac.Sum(nil)[:macLen])
}
