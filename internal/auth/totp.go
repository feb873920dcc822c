package auth

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"
	"net/url"
	"regexp"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// 20 random bytes = 160 bits of entropy, RFC 4226 recommended minimum
	totpSecretSize = 20
	totpPeriod     = 30
	// accept the previous and the next time step too, to absorb
	// client/server clock drift (90s total acceptance window)
	totpSkew = 1
)

// codes are exactly 6 ASCII digits, anything else is rejected before
// any HMAC work is done
var totpCodeRegex = regexp.MustCompile(`^[0-9]{6}$`)

// TOTPEngine generates enrollment secrets and verifies RFC 6238 codes.
type TOTPEngine struct {
	issuer      string
	accountName string
	// injectable for deterministic verification tests
	NowFunc func() time.Time
}

func NewTOTPEngine(issuer, accountName string) *TOTPEngine {
	return &TOTPEngine{
		issuer:      issuer,
		accountName: accountName,
		NowFunc:     time.Now,
	}
}

// GenerateKey produces a new random base32 secret wrapped in an otpauth key.
func (e *TOTPEngine) GenerateKey() (*otp.Key, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: e.accountName,
		SecretSize:  totpSecretSize,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp key: %w", err)
	}
	return key, nil
}

// ProvisioningURI rebuilds the otpauth:// URI for an already known secret,
// e.g. when the enrollment QR page is reloaded mid-flow.
func (e *TOTPEngine) ProvisioningURI(secret string) string {
	v := url.Values{}
	v.Set("secret", secret)
	v.Set("issuer", e.issuer)
	v.Set("algorithm", otp.AlgorithmSHA1.String())
	v.Set("digits", otp.DigitsSix.String())
	v.Set("period", fmt.Sprintf("%d", totpPeriod))

	u := url.URL{
		Scheme:   "otpauth",
		Host:     "totp",
		Path:     "/" + e.issuer + ":" + e.accountName,
		RawQuery: v.Encode(),
	}
	return u.String()
}

// KeyFromSecret wraps an already known secret back into an otpauth key.
func (e *TOTPEngine) KeyFromSecret(secret string) (*otp.Key, error) {
	key, err := otp.NewKeyFromURL(e.ProvisioningURI(secret))
	if err != nil {
		return nil, fmt.Errorf("rebuild totp key: %w", err)
	}
	return key, nil
}

// QRCodeDataURI renders the key as a PNG QR code packed into a data URI,
// ready for an <img> src attribute.
func (e *TOTPEngine) QRCodeDataURI(key *otp.Key) (string, error) {
	img, err := key.Image(256, 256)
	if err != nil {
		return "", fmt.Errorf("render totp qr image: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode totp qr png: %w", err)
	}

	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Verify checks a 6-digit code against the secret for the current time
// step and its immediate neighbors.
func (e *TOTPEngine) Verify(code, secret string) bool {
	if !totpCodeRegex.MatchString(code) {
		return false
	}

	valid, err := totp.ValidateCustom(code, secret, e.NowFunc().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false
	}
	return valid
}
