package auth

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/pquerna/otp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// INFO: https://github.com/go-redis/redis/issues/1029
		goleak.IgnoreTopFunction(
			"github.com/go-redis/redis/v8/internal/pool.(*ConnPool).reaper",
		),
	)
}

type credStoreStub struct {
	password     string
	totpSecret   string
	getErr       error
	committedSec string
}

func (cs *credStoreStub) VerifyPassword(_ context.Context, candidate string) (bool, error) {
	if cs.getErr != nil {
		return false, cs.getErr
	}
	return candidate == cs.password, nil
}

func (cs *credStoreStub) HasTOTPSecret(_ context.Context) (bool, error) {
	if cs.getErr != nil {
		return false, cs.getErr
	}
	return cs.totpSecret != "", nil
}

func (cs *credStoreStub) TOTPSecret(_ context.Context) (string, error) {
	if cs.getErr != nil {
		return "", cs.getErr
	}
	return cs.totpSecret, nil
}

func (cs *credStoreStub) SetTOTPSecret(_ context.Context, secret string) error {
	cs.committedSec = secret
	cs.totpSecret = secret
	return nil
}

type sessionCreatorStub struct {
	token   string
	created int
}

func (sc *sessionCreatorStub) Create(_ context.Context, _ time.Time) (string, error) {
	sc.created++
	return sc.token, nil
}

func newTestLoginService(
	creds credentialStore,
	sessions sessionCreator,
) (*LoginService, redismock.ClientMock) {
	rdb, mock := redismock.NewClientMock()
	ls := NewLoginService(creds, newTestTOTPEngine(), sessions, rdb)
	ls.RandStringFunc = func(s int) (string, error) {
		return "test-challenge-token", nil
	}
	return ls, mock
}

func challengeJSON(t *testing.T, ch challenge) string {
	t.Helper()
	chBytes, err := json.Marshal(ch)
	require.NoError(t, err)
	return string(chBytes)
}

func TestLoginService_SubmitPassword_WrongPassword(t *testing.T) {
	creds := &credStoreStub{password: "right"}
	ls, _ := newTestLoginService(creds, &sessionCreatorStub{})

	_, _, err := ls.SubmitPassword(context.Background(), "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = ls.SubmitPassword(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginService_SubmitPassword_AdminNotProvisioned(t *testing.T) {
	creds := &credStoreStub{getErr: ErrAdminNotFound}
	ls, _ := newTestLoginService(creds, &sessionCreatorStub{})

	_, _, err := ls.SubmitPassword(context.Background(), "whatever")
	assert.ErrorIs(t, err, ErrAdminNotFound)
}

func TestLoginService_SubmitPassword_FirstLogin(t *testing.T) {
	creds := &credStoreStub{password: "right"}
	ls, mock := newTestLoginService(creds, &sessionCreatorStub{})

	// no TOTP secret enrolled yet -> enrollment challenge
	mock.Regexp().ExpectSet(
		challengeKeyPrefix+"test-challenge-token",
		`.*awaiting-enrollment-ack.*`,
		challengeTTL,
	).SetVal("OK")

	token, firstLogin, err := ls.SubmitPassword(context.Background(), "right")
	require.NoError(t, err)
	assert.Equal(t, "test-challenge-token", token)
	assert.True(t, firstLogin)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoginService_SubmitPassword_AlreadyEnrolled(t *testing.T) {
	creds := &credStoreStub{password: "right", totpSecret: testTotpSecret}
	ls, mock := newTestLoginService(creds, &sessionCreatorStub{})

	mock.Regexp().ExpectSet(
		challengeKeyPrefix+"test-challenge-token",
		`.*awaiting-totp.*`,
		challengeTTL,
	).SetVal("OK")

	token, firstLogin, err := ls.SubmitPassword(context.Background(), "right")
	require.NoError(t, err)
	assert.Equal(t, "test-challenge-token", token)
	assert.False(t, firstLogin)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoginService_EnrollmentKey(t *testing.T) {
	creds := &credStoreStub{password: "right"}
	ls, mock := newTestLoginService(creds, &sessionCreatorStub{})

	challengeKey := challengeKeyPrefix + "test-challenge-token"
	mock.ExpectGet(challengeKey).SetVal(challengeJSON(t, challenge{
		State:     StateAwaitingEnrollmentAck,
		CreatedAt: time.Now().Unix(),
	}))
	// pending secret saved into the challenge, not the credential store
	mock.Regexp().ExpectSet(challengeKey, `.*pendingSecret.*`, challengeTTL).SetVal("OK")

	uri, qr, err := ls.EnrollmentKey(context.Background(), "test-challenge-token")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "otpauth://totp/"))
	assert.True(t, strings.HasPrefix(qr, "data:image/png;base64,"))
	assert.Empty(t, creds.committedSec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoginService_EnrollmentKey_ReloadKeepsSecret(t *testing.T) {
	ls, mock := newTestLoginService(&credStoreStub{}, &sessionCreatorStub{})

	challengeKey := challengeKeyPrefix + "test-challenge-token"
	mock.ExpectGet(challengeKey).SetVal(challengeJSON(t, challenge{
		State:         StateAwaitingTotp,
		PendingSecret: testTotpSecret,
		CreatedAt:     time.Now().Unix(),
	}))
	mock.Regexp().ExpectSet(challengeKey, `.*`+testTotpSecret+`.*`, challengeTTL).SetVal("OK")

	uri, _, err := ls.EnrollmentKey(context.Background(), "test-challenge-token")
	require.NoError(t, err)

	// the reloaded QR encodes the same pending secret
	key, err := otp.NewKeyFromURL(uri)
	require.NoError(t, err)
	assert.Equal(t, testTotpSecret, key.Secret())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoginService_EnrollmentKey_NoChallenge(t *testing.T) {
	ls, mock := newTestLoginService(&credStoreStub{}, &sessionCreatorStub{})

	mock.ExpectGet(challengeKeyPrefix + "test-challenge-token").RedisNil()
	_, _, err := ls.EnrollmentKey(context.Background(), "test-challenge-token")
	assert.ErrorIs(t, err, ErrNoChallenge)

	_, _, err = ls.EnrollmentKey(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoChallenge)
}

func TestLoginService_EnrollmentKey_WrongState(t *testing.T) {
	ls, mock := newTestLoginService(&credStoreStub{}, &sessionCreatorStub{})

	// already past enrollment, no pending secret -> nothing to hand out
	mock.ExpectGet(challengeKeyPrefix + "test-challenge-token").SetVal(challengeJSON(t, challenge{
		State:     StateAwaitingTotp,
		CreatedAt: time.Now().Unix(),
	}))

	_, _, err := ls.EnrollmentKey(context.Background(), "test-challenge-token")
	assert.ErrorIs(t, err, ErrWrongFlowState)
}

func TestLoginService_SubmitCode_ExistingSecret(t *testing.T) {
	creds := &credStoreStub{password: "right", totpSecret: testTotpSecret}
	sessions := &sessionCreatorStub{token: "session-token-1"}
	ls, mock := newTestLoginService(creds, sessions)

	challengeKey := challengeKeyPrefix + "test-challenge-token"
	mock.ExpectGet(challengeKey).SetVal(challengeJSON(t, challenge{
		State:     StateAwaitingTotp,
		CreatedAt: time.Now().Unix(),
	}))
	mock.ExpectDel(challengeKey).SetVal(1)

	code := codeAt(t, testTotpSecret, testTotpTime)
	sessionToken, err := ls.SubmitCode(context.Background(), "test-challenge-token", code)
	require.NoError(t, err)
	assert.Equal(t, "session-token-1", sessionToken)
	assert.Equal(t, 1, sessions.created)
	// no re-enrollment happened
	assert.Empty(t, creds.committedSec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoginService_SubmitCode_CommitsPendingSecretOnEnrollment(t *testing.T) {
	creds := &credStoreStub{password: "right"}
	sessions := &sessionCreatorStub{token: "session-token-1"}
	ls, mock := newTestLoginService(creds, sessions)

	challengeKey := challengeKeyPrefix + "test-challenge-token"
	mock.ExpectGet(challengeKey).SetVal(challengeJSON(t, challenge{
		State:         StateAwaitingTotp,
		PendingSecret: testTotpSecret,
		CreatedAt:     time.Now().Unix(),
	}))
	mock.ExpectDel(challengeKey).SetVal(1)

	code := codeAt(t, testTotpSecret, testTotpTime)
	sessionToken, err := ls.SubmitCode(context.Background(), "test-challenge-token", code)
	require.NoError(t, err)
	assert.Equal(t, "session-token-1", sessionToken)

	// proven possession -> the pending secret is now the committed one
	assert.Equal(t, testTotpSecret, creds.committedSec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoginService_SubmitCode_WrongCode(t *testing.T) {
	creds := &credStoreStub{password: "right", totpSecret: testTotpSecret}
	ls, mock := newTestLoginService(creds, &sessionCreatorStub{})

	challengeKey := challengeKeyPrefix + "test-challenge-token"
	mock.ExpectGet(challengeKey).SetVal(challengeJSON(t, challenge{
		State:     StateAwaitingTotp,
		CreatedAt: time.Now().Unix(),
	}))
	// rejection burns the challenge, the client starts over
	mock.ExpectDel(challengeKey).SetVal(1)

	wrongCode := codeAt(t, testTotpSecret, testTotpTime.Add(-5*time.Minute))
	_, err := ls.SubmitCode(context.Background(), "test-challenge-token", wrongCode)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoginService_SubmitCode_NoChallenge(t *testing.T) {
	ls, mock := newTestLoginService(&credStoreStub{}, &sessionCreatorStub{})

	mock.ExpectGet(challengeKeyPrefix + "test-challenge-token").RedisNil()
	_, err := ls.SubmitCode(context.Background(), "test-challenge-token", "123456")
	assert.ErrorIs(t, err, ErrNoChallenge)
}

func TestLoginService_SubmitCode_EnrollmentNotAcked(t *testing.T) {
	ls, mock := newTestLoginService(&credStoreStub{}, &sessionCreatorStub{})

	// code submitted before the enrollment QR was even fetched
	mock.ExpectGet(challengeKeyPrefix + "test-challenge-token").SetVal(challengeJSON(t, challenge{
		State:     StateAwaitingEnrollmentAck,
		CreatedAt: time.Now().Unix(),
	}))

	_, err := ls.SubmitCode(context.Background(), "test-challenge-token", "123456")
	assert.ErrorIs(t, err, ErrWrongFlowState)
}
