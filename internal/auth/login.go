package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anavolk/anavolkcom/pkg"

	"github.com/go-redis/redis/v8"
	"github.com/pquerna/otp"
	log "github.com/sirupsen/logrus"
)

// LoginState tracks where a single login attempt currently stands.
// AwaitingPassword is implicit: no challenge record exists yet.
// Authenticated and Rejected are terminal, the challenge record is gone
// and either a session was issued or the client has to start over.
type LoginState string

const (
	StateAwaitingEnrollmentAck LoginState = "awaiting-enrollment-ack"
	StateAwaitingTotp          LoginState = "awaiting-totp"
)

const (
	challengeKeyPrefix = "anavolk-login-challenge||"
	// an unfinished login attempt dies after this long
	challengeTTL = 10 * time.Minute
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNoChallenge        = errors.New("no active login challenge")
	ErrWrongFlowState     = errors.New("login challenge in unexpected state")
)

// challenge is the transient, server-side record of one login attempt.
// PendingSecret holds a freshly generated TOTP secret that is committed to
// the credential store only after the first valid code proves the
// authenticator app actually has it. An interrupted enrollment therefore
// cannot lock the administrator out.
type challenge struct {
	State         LoginState `json:"state"`
	PendingSecret string     `json:"pendingSecret,omitempty"`
	CreatedAt     int64      `json:"createdAt"`
}

type credentialStore interface {
	VerifyPassword(ctx context.Context, candidate string) (bool, error)
	HasTOTPSecret(ctx context.Context) (bool, error)
	TOTPSecret(ctx context.Context) (string, error)
	SetTOTPSecret(ctx context.Context, secret string) error
}

type sessionCreator interface {
	Create(ctx context.Context, createdAt time.Time) (string, error)
}

// LoginService drives the multi-step admin login sequence:
// password check, optional TOTP enrollment, code verification,
// session issuance.
type LoginService struct {
	creds       credentialStore
	totp        *TOTPEngine
	sessions    sessionCreator
	redisClient *redis.Client
	// injectable for unit and dev testing
	RandStringFunc func(s int) (string, error)
}

func NewLoginService(
	creds credentialStore,
	totpEngine *TOTPEngine,
	sessions sessionCreator,
	redisClient *redis.Client,
) *LoginService {
	return &LoginService{
		creds:          creds,
		totp:           totpEngine,
		sessions:       sessions,
		redisClient:    redisClient,
		RandStringFunc: pkg.GenerateRandomString,
	}
}

// SubmitPassword checks the password and, on success, opens a login
// challenge. firstLogin reports whether TOTP enrollment is still needed.
// A wrong password surfaces as ErrInvalidCredentials with no further detail.
func (ls *LoginService) SubmitPassword(ctx context.Context, password string) (challengeToken string, firstLogin bool, err error) {
	ok, err := ls.creds.VerifyPassword(ctx, password)
	if err != nil {
		return "", false, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return "", false, ErrInvalidCredentials
	}

	hasSecret, err := ls.creds.HasTOTPSecret(ctx)
	if err != nil {
		return "", false, fmt.Errorf("check totp enrollment: %w", err)
	}

	ch := challenge{
		State:     StateAwaitingTotp,
		CreatedAt: time.Now().Unix(),
	}
	if !hasSecret {
		ch.State = StateAwaitingEnrollmentAck
	}

	challengeToken, err = ls.RandStringFunc(35)
	if err != nil {
		return "", false, err
	}
	if err := ls.saveChallenge(ctx, challengeToken, ch); err != nil {
		return "", false, err
	}

	return challengeToken, !hasSecret, nil
}

// EnrollmentKey generates a fresh TOTP secret for the challenge and returns
// the provisioning URI plus a QR code data URI to render to the admin. The
// secret stays pending inside the challenge until the first valid code.
// Reloading the enrollment page hands back the same pending secret, so the
// already scanned QR code stays valid.
func (ls *LoginService) EnrollmentKey(ctx context.Context, challengeToken string) (provisioningURI, qrDataURI string, err error) {
	ch, err := ls.loadChallenge(ctx, challengeToken)
	if err != nil {
		return "", "", err
	}
	if ch.State != StateAwaitingEnrollmentAck && ch.PendingSecret == "" {
		return "", "", ErrWrongFlowState
	}

	var key *otp.Key
	if ch.PendingSecret != "" {
		key, err = ls.totp.KeyFromSecret(ch.PendingSecret)
	} else {
		key, err = ls.totp.GenerateKey()
	}
	if err != nil {
		return "", "", err
	}

	qrDataURI, err = ls.totp.QRCodeDataURI(key)
	if err != nil {
		return "", "", err
	}

	// the client scanned (or will scan) the QR code, next input is a code
	ch.State = StateAwaitingTotp
	ch.PendingSecret = key.Secret()
	if err := ls.saveChallenge(ctx, challengeToken, *ch); err != nil {
		return "", "", err
	}

	return key.URL(), qrDataURI, nil
}

// SubmitCode verifies the 6-digit code and closes the challenge: a valid
// code yields a session token (committing a pending enrollment secret
// first), an invalid one rejects the whole attempt and the client has to
// start over from the password step.
func (ls *LoginService) SubmitCode(ctx context.Context, challengeToken, code string) (sessionToken string, err error) {
	ch, err := ls.loadChallenge(ctx, challengeToken)
	if err != nil {
		return "", err
	}
	if ch.State != StateAwaitingTotp {
		return "", ErrWrongFlowState
	}

	secret := ch.PendingSecret
	enrolling := secret != ""
	if !enrolling {
		if secret, err = ls.creds.TOTPSecret(ctx); err != nil {
			return "", fmt.Errorf("get totp secret: %w", err)
		}
		if secret == "" {
			return "", ErrWrongFlowState
		}
	}

	if !ls.totp.Verify(code, secret) {
		// terminal rejection, the challenge is burned
		ls.deleteChallenge(ctx, challengeToken)
		return "", ErrInvalidCredentials
	}

	if enrolling {
		if err := ls.creds.SetTOTPSecret(ctx, secret); err != nil {
			return "", err
		}
	}

	ls.deleteChallenge(ctx, challengeToken)

	sessionToken, err = ls.sessions.Create(ctx, time.Now())
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return sessionToken, nil
}

func (ls *LoginService) saveChallenge(ctx context.Context, token string, ch challenge) error {
	chBytes, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("marshal login challenge: %w", err)
	}
	if err := ls.redisClient.Set(ctx, challengeKeyPrefix+token, string(chBytes), challengeTTL).Err(); err != nil {
		return fmt.Errorf("save login challenge: %w", err)
	}
	return nil
}

func (ls *LoginService) loadChallenge(ctx context.Context, token string) (*challenge, error) {
	if token == "" {
		return nil, ErrNoChallenge
	}

	cmd := ls.redisClient.Get(ctx, challengeKeyPrefix+token)
	if err := cmd.Err(); err != nil {
		if err == redis.Nil {
			return nil, ErrNoChallenge
		}
		return nil, fmt.Errorf("load login challenge: %w", err)
	}

	var ch challenge
	if err := json.Unmarshal([]byte(cmd.Val()), &ch); err != nil {
		return nil, fmt.Errorf("unmarshal login challenge: %w", err)
	}
	return &ch, nil
}

func (ls *LoginService) deleteChallenge(ctx context.Context, token string) {
	if err := ls.redisClient.Del(ctx, challengeKeyPrefix+token).Err(); err != nil {
		// the challenge will die through its TTL anyway
		log.Errorf("delete login challenge: %s", err)
	}
}
