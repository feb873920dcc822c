package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/anavolk/anavolkcom/internal/middleware"
	"github.com/anavolk/anavolkcom/internal/telemetry/metrics"
	"github.com/anavolk/anavolkcom/internal/telemetry/tracing"
	"github.com/anavolk/anavolkcom/pkg"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/codes"
)

const (
	SessionCookieName   = "anavolk_session"
	ChallengeCookieName = "anavolk_login_challenge"

	// non-standard header used by non-browser admin clients
	SessionTokenHeader   = "X-ANAVOLK-TOKEN"
	ChallengeTokenHeader = "X-ANAVOLK-CHALLENGE"
)

type PasswordRequest struct {
	Password string `json:"password"`
}

type PasswordResponse struct {
	IsFirstLogin   bool   `json:"isFirstLogin"`
	ChallengeToken string `json:"challengeToken"`
}

type Setup2FAResponse struct {
	QRCode          string `json:"qrCode"`
	ProvisioningURI string `json:"provisioningUri"`
}

type VerifyTotpRequest struct {
	Code string `json:"code"`
}

type VerifyTotpResponse struct {
	Token string `json:"token"`
}

type CheckResponse struct {
	Authenticated bool `json:"authenticated"`
}

type Handler struct {
	loginService   *LoginService
	sessions       *SessionStore
	loginChecker   Checker
	metricsManager *metrics.Manager
	cookieSecure   bool
	sessionTTL     time.Duration
}

func NewHandler(
	loginService *LoginService,
	sessions *SessionStore,
	loginChecker Checker,
	metricsManager *metrics.Manager,
	cookieSecure bool,
	sessionTTL time.Duration,
) *Handler {
	return &Handler{
		loginService:   loginService,
		sessions:       sessions,
		loginChecker:   loginChecker,
		metricsManager: metricsManager,
		cookieSecure:   cookieSecure,
		sessionTTL:     sessionTTL,
	}
}

func (handler *Handler) SetupRoutes(
	mainRouter *mux.Router,
	rateLimiter middleware.RequestRateLimiter,
	allowedPerMin int,
) {
	authSubrouter := mainRouter.PathPrefix("/a/auth").Subrouter()
	authSubrouter.
		HandleFunc("/password", handler.handlePassword).
		Methods("POST", "OPTIONS").Name("auth-password")
	authSubrouter.
		HandleFunc("/setup-2fa", handler.handleSetup2FA).
		Methods("GET", "OPTIONS").Name("auth-setup-2fa")
	authSubrouter.
		HandleFunc("/verify-totp", handler.handleVerifyTotp).
		Methods("POST", "OPTIONS").Name("auth-verify-totp")
	authSubrouter.
		HandleFunc("/logout", handler.handleLogout).
		Methods("POST", "OPTIONS").Name("auth-logout")
	authSubrouter.
		HandleFunc("/check", handler.handleCheck).
		Methods("GET", "OPTIONS").Name("auth-check")

	// throttle credential guessing, both factors
	authSubrouter.Use(middleware.RateLimit(rateLimiter, "auth", allowedPerMin, handler.metricsManager))
	authSubrouter.Use(middleware.Cors())
}

func (handler *Handler) handlePassword(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "authHandler.password")
	defer span.End()

	if r.Method == http.MethodOptions {
		w.Header().Add("Allow", "POST, OPTIONS")
		w.WriteHeader(http.StatusOK)
		return
	}

	handler.metricsManager.CounterLoginAttempts.Inc()

	var passwordReq PasswordRequest
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&passwordReq); err != nil {
			log.Errorf("login, unmarshal json params: %s", err)
			http.Error(w, "login failed", http.StatusBadRequest)
			span.SetStatus(codes.Error, "bad-request")
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			log.Errorf("login failed, parse form error: %s", err)
			http.Error(w, "parse form error", http.StatusInternalServerError)
			span.SetStatus(codes.Error, "parse-form")
			return
		}
		passwordReq.Password = r.Form.Get("password")
	}

	if passwordReq.Password == "" {
		http.Error(w, "error, password empty", http.StatusBadRequest)
		span.SetStatus(codes.Error, "empty-password")
		return
	}

	challengeToken, firstLogin, err := handler.loginService.SubmitPassword(ctx, passwordReq.Password)
	if err != nil {
		handler.metricsManager.CounterLoginFailures.Inc()
		if errors.Is(err, ErrInvalidCredentials) {
			if reqIp, ipErr := pkg.ReadUserIP(r); ipErr == nil {
				log.Tracef("failed admin login attempt from: %s", reqIp)
			}
			http.Error(w, "error, wrong credentials", http.StatusUnauthorized)
			span.SetStatus(codes.Error, "wrong-credentials")
			return
		}
		log.Errorf("login failed, submit password: %s", err)
		http.Error(w, "login failed", http.StatusInternalServerError)
		span.SetStatus(codes.Error, "submit-password")
		return
	}

	http.SetCookie(w, handler.challengeCookie(challengeToken, int(challengeTTL.Seconds())))

	resp, err := json.Marshal(PasswordResponse{
		IsFirstLogin:   firstLogin,
		ChallengeToken: challengeToken,
	})
	if err != nil {
		http.Error(w, "login failed", http.StatusInternalServerError)
		span.SetStatus(codes.Error, "marshal-response")
		return
	}

	span.SetStatus(codes.Ok, "ok")
	pkg.WriteResponseBytesOK(w, pkg.ContentType.JSON, resp)
}

func (handler *Handler) handleSetup2FA(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "authHandler.setup2fa")
	defer span.End()

	if r.Method == http.MethodOptions {
		w.Header().Add("Allow", "GET, OPTIONS")
		w.WriteHeader(http.StatusOK)
		return
	}

	challengeToken := readToken(r, ChallengeCookieName, ChallengeTokenHeader)
	provisioningURI, qrDataURI, err := handler.loginService.EnrollmentKey(ctx, challengeToken)
	if err != nil {
		if errors.Is(err, ErrNoChallenge) || errors.Is(err, ErrWrongFlowState) {
			http.Error(w, "no can do", http.StatusUnauthorized)
			span.SetStatus(codes.Error, "no-challenge")
			return
		}
		log.Errorf("2fa setup failed: %s", err)
		http.Error(w, "2fa setup failed", http.StatusInternalServerError)
		span.SetStatus(codes.Error, "enrollment-key")
		return
	}

	handler.metricsManager.CounterTotpEnrollments.Inc()

	resp, err := json.Marshal(Setup2FAResponse{
		QRCode:          qrDataURI,
		ProvisioningURI: provisioningURI,
	})
	if err != nil {
		http.Error(w, "2fa setup failed", http.StatusInternalServerError)
		span.SetStatus(codes.Error, "marshal-response")
		return
	}

	span.SetStatus(codes.Ok, "ok")
	pkg.WriteResponseBytesOK(w, pkg.ContentType.JSON, resp)
}

func (handler *Handler) handleVerifyTotp(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "authHandler.verifyTotp")
	defer span.End()

	if r.Method == http.MethodOptions {
		w.Header().Add("Allow", "POST, OPTIONS")
		w.WriteHeader(http.StatusOK)
		return
	}

	var verifyReq VerifyTotpRequest
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&verifyReq); err != nil {
			log.Errorf("verify totp, unmarshal json params: %s", err)
			http.Error(w, "verification failed", http.StatusBadRequest)
			span.SetStatus(codes.Error, "bad-request")
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			log.Errorf("verify totp, parse form error: %s", err)
			http.Error(w, "parse form error", http.StatusInternalServerError)
			span.SetStatus(codes.Error, "parse-form")
			return
		}
		verifyReq.Code = r.Form.Get("code")
	}

	challengeToken := readToken(r, ChallengeCookieName, ChallengeTokenHeader)
	sessionToken, err := handler.loginService.SubmitCode(ctx, challengeToken, verifyReq.Code)
	if err != nil {
		handler.metricsManager.CounterLoginFailures.Inc()
		if errors.Is(err, ErrInvalidCredentials) ||
			errors.Is(err, ErrNoChallenge) ||
			errors.Is(err, ErrWrongFlowState) {
			if reqIp, ipErr := pkg.ReadUserIP(r); ipErr == nil {
				log.Tracef("failed admin totp verification from: %s", reqIp)
			}
			http.Error(w, "error, wrong credentials", http.StatusUnauthorized)
			span.SetStatus(codes.Error, "wrong-credentials")
			return
		}
		log.Errorf("verify totp failed: %s", err)
		http.Error(w, "verification failed", http.StatusInternalServerError)
		span.SetStatus(codes.Error, "submit-code")
		return
	}

	// challenge done, promote to a real session cookie
	http.SetCookie(w, handler.challengeCookie("", -1))
	http.SetCookie(w, handler.sessionCookie(sessionToken, int(handler.sessionTTL.Seconds())))

	resp, err := json.Marshal(VerifyTotpResponse{Token: sessionToken})
	if err != nil {
		http.Error(w, "verification failed", http.StatusInternalServerError)
		span.SetStatus(codes.Error, "marshal-response")
		return
	}

	log.Trace("new admin login success")
	span.SetStatus(codes.Ok, "ok")
	pkg.WriteResponseBytesOK(w, pkg.ContentType.JSON, resp)
}

func (handler *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "authHandler.logout")
	defer span.End()

	if r.Method == http.MethodOptions {
		w.Header().Add("Allow", "POST, OPTIONS")
		w.WriteHeader(http.StatusOK)
		return
	}

	if token := readToken(r, SessionCookieName, SessionTokenHeader); token != "" {
		if _, err := handler.sessions.Revoke(ctx, token); err != nil {
			log.Errorf("logout, revoke session: %s", err)
		}
	}

	// clear the cookie regardless, logout must not fail
	http.SetCookie(w, handler.sessionCookie("", -1))
	span.SetStatus(codes.Ok, "ok")
	pkg.WriteTextResponseOK(w, "logged-out")
}

func (handler *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "authHandler.check")
	defer span.End()

	if r.Method == http.MethodOptions {
		w.Header().Add("Allow", "GET, OPTIONS")
		w.WriteHeader(http.StatusOK)
		return
	}

	authenticated := false
	if token := readToken(r, SessionCookieName, SessionTokenHeader); token != "" {
		isLogged, err := handler.loginChecker.IsLogged(ctx, token)
		if err != nil {
			log.Errorf("auth check, login check: %s", err)
		}
		authenticated = err == nil && isLogged
	}

	resp, err := json.Marshal(CheckResponse{Authenticated: authenticated})
	if err != nil {
		// never errors towards the client
		resp = []byte(`{"authenticated": false}`)
	}

	span.SetStatus(codes.Ok, "ok")
	pkg.WriteResponseBytesOK(w, pkg.ContentType.JSON, resp)
}

func (handler *Handler) sessionCookie(token string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   handler.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	}
}

func (handler *Handler) challengeCookie(token string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     ChallengeCookieName,
		Value:    token,
		Path:     "/a/auth",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   handler.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	}
}

// readToken pulls a token from the cookie or, for non-browser clients,
// from the request header. Token values never get logged.
func readToken(r *http.Request, cookieName, headerName string) string {
	if cookie, err := r.Cookie(cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.Header.Get(headerName)
}
