package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/anavolk/anavolkcom/internal/telemetry/tracing"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/codes"
)

type contextKey string

// subjectContextKey carries the authenticated admin id through the
// request context once the guard lets a request pass.
const subjectContextKey contextKey = "auth-subject"

//go:generate mockgen -source=auth.go -destination=auth_mocks_test.go -package=middleware_test

type loginChecker interface {
	IsLogged(ctx context.Context, token string) (bool, error)
}

// AuthMiddlewareHandler is the route guard: every request to a path that
// is not allow-listed must carry a valid admin session token, in the
// session cookie or in the token header.
type AuthMiddlewareHandler struct {
	loginChecker         loginChecker
	subjectID            string
	sessionCookieName    string
	sessionTokenHeader   string
	loginPagePath        string
	allowedPaths         map[string]bool
	allowedPathsPrefixes []string
}

type NewAuthMiddlewareParams struct {
	LoginChecker       loginChecker
	SubjectID          string
	SessionCookieName  string
	SessionTokenHeader string
	LoginPagePath      string
}

func NewAuthMiddlewareHandler(params NewAuthMiddlewareParams) *AuthMiddlewareHandler {
	return &AuthMiddlewareHandler{
		loginChecker:       params.LoginChecker,
		subjectID:          params.SubjectID,
		sessionCookieName:  params.SessionCookieName,
		sessionTokenHeader: params.SessionTokenHeader,
		loginPagePath:      params.LoginPagePath,
		allowedPaths: map[string]bool{
			"/":        true,
			"/version": true,
		},
		allowedPathsPrefixes: []string{
			// the login flow itself must stay reachable
			"/a/auth/",
		},
	}
}

func (h *AuthMiddlewareHandler) pathIsAlwaysAllowed(path string) bool {
	if h.allowedPaths[path] {
		return true
	}
	for _, prefix := range h.allowedPathsPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (h *AuthMiddlewareHandler) AuthCheck() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracing.GlobalTracer.Start(r.Context(), "middleware.auth")
			defer span.End()

			if r.Method == http.MethodOptions {
				w.Header().Add("Allow", "GET, POST, OPTIONS")
				w.WriteHeader(http.StatusOK)
				span.SetStatus(codes.Ok, "options-ok")
				return
			}

			if h.pathIsAlwaysAllowed(r.URL.Path) {
				span.SetStatus(codes.Ok, "ok")
				next.ServeHTTP(w, r)
				return
			}

			authToken := h.readToken(r)
			if authToken == "" {
				log.Tracef("[missing token] [auth middleware] unauthorized => %s", r.URL.Path)
				span.SetStatus(codes.Error, "missing-auth-token")
				h.reject(w, r)
				return
			}

			isLogged, err := h.loginChecker.IsLogged(ctx, authToken)
			if err != nil {
				log.Errorf("[failed login check] => %s: %s", r.URL.Path, err)
				span.SetStatus(codes.Error, "check-logged-err")
				span.RecordError(err)
				h.reject(w, r)
				return
			}
			if !isLogged {
				log.Tracef("[invalid token] [auth middleware] unauthorized => %s", r.URL.Path)
				span.SetStatus(codes.Error, "not-logged")
				h.reject(w, r)
				return
			}

			span.SetStatus(codes.Ok, "ok")
			next.ServeHTTP(w, r.WithContext(
				context.WithValue(ctx, subjectContextKey, h.subjectID),
			))
		})
	}
}

// reject redirects browser navigations to the login page and returns a
// plain 401 to programmatic clients.
func (h *AuthMiddlewareHandler) reject(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		http.Redirect(w, r, h.loginPagePath, http.StatusFound)
		return
	}
	http.Error(w, "no can do", http.StatusUnauthorized)
}

func (h *AuthMiddlewareHandler) readToken(r *http.Request) string {
	if cookie, err := r.Cookie(h.sessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.Header.Get(h.sessionTokenHeader)
}

// SubjectFromContext returns the authenticated admin id attached by the
// guard, or false when the request never went through it.
func SubjectFromContext(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(subjectContextKey).(string)
	return subject, ok
}
