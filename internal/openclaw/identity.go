// ABOUTME: Per-connection Ed25519 device identity: key generation, the v2
// ABOUTME: signed payload, and device-token expiry checks.

package openclaw

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Fixed client identifiers matching the gateway schema.
const (
	clientID   = "cli"
	clientMode = "cli"
	clientRole = "operator"
)

// operatorScopes are requested on every connect.
var operatorScopes = []string{
	"operator.admin",
	"operator.approvals",
	"operator.pairing",
	"operator.read",
	"operator.write",
}

// DeviceIdentity is one connection's keypair and pairing state.
type DeviceIdentity struct {
	DeviceID    string
	PrivateKey  ed25519.PrivateKey
	PublicKey   ed25519.PublicKey
	DeviceToken string
	DeviceName  string
}

// NewDeviceIdentity generates a fresh Ed25519 identity. The device id is
// the SHA-256 hex of the raw public key, per the gateway convention.
func NewDeviceIdentity(deviceName string) (*DeviceIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating device key: %w", err)
	}
	sum := sha256.Sum256(pub)
	id := &DeviceIdentity{
		DeviceID:   hex.EncodeToString(sum[:]),
		PrivateKey: priv,
		PublicKey:  pub,
		DeviceName: deviceName,
	}
	if id.DeviceName == "" {
		id.DeviceName = "connect-" + id.DeviceID[:16]
	}
	return id, nil
}

func b64url(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// PublicKeyB64URL returns the raw public key as unpadded base64url.
func (d *DeviceIdentity) PublicKeyB64URL() string {
	return b64url(d.PublicKey)
}

// signedPayload builds the v2 payload string the gateway verifies:
// "v2|<deviceId>|<clientId>|<clientMode>|<role>|<scopes CSV>|<signedAtMs>|<token>|<nonce>".
func (d *DeviceIdentity) signedPayload(nonce, authToken string, signedAtMs int64) string {
	parts := []string{
		"v2",
		d.DeviceID,
		clientID,
		clientMode,
		clientRole,
		strings.Join(operatorScopes, ","),
		strconv.FormatInt(signedAtMs, 10),
		authToken,
		nonce,
	}
	return strings.Join(parts, "|")
}

// DeviceBlock builds the device proof for a connect request.
func (d *DeviceIdentity) DeviceBlock(nonce, authToken string, signedAt time.Time) map[string]any {
	signedAtMs := signedAt.UnixMilli()
	payload := d.signedPayload(nonce, authToken, signedAtMs)
	sig := ed25519.Sign(d.PrivateKey, []byte(payload))
	return map[string]any{
		"id":        d.DeviceID,
		"publicKey": d.PublicKeyB64URL(),
		"signature": b64url(sig),
		"signedAt":  signedAtMs,
		"nonce":     nonce,
	}
}

// TokenExpired reports whether the stored device token is a JWT whose
// expiry has passed. Tokens that are not JWTs or carry no expiry claim are
// treated as live; the gateway remains the authority either way.
func (d *DeviceIdentity) TokenExpired(now time.Time) bool {
	if d.DeviceToken == "" {
		return false
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(d.DeviceToken, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(now)
}

// IdentityStore persists device identities across restarts.
type IdentityStore interface {
	// LoadIdentity returns the stored identity for a connection, or nil
	// when none exists.
	LoadIdentity(ctx context.Context, connectionID string) (*DeviceIdentity, error)
	SaveIdentity(ctx context.Context, connectionID string, identity *DeviceIdentity) error
	UpdateDeviceToken(ctx context.Context, deviceID, token string) error
	ClearDeviceToken(ctx context.Context, deviceID string) error
}
