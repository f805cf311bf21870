package api

import (
	"log/slog"
	"net/http"

	customMiddleware "github.com/arcforge/authcore/internal/api/middleware"
	"github.com/arcforge/authcore/internal/authz"
	"github.com/arcforge/authcore/internal/credstore"
	"github.com/arcforge/authcore/internal/ephemeral"
	"github.com/arcforge/authcore/internal/loginfsm"
	"github.com/arcforge/authcore/internal/oauth"
	"github.com/arcforge/authcore/internal/registration"
	"github.com/arcforge/authcore/internal/resetflow"
	"github.com/arcforge/authcore/internal/store"
	"github.com/arcforge/authcore/internal/tokenmint"
	"github.com/arcforge/authcore/internal/twofactor"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Server bundles every component the HTTP layer dispatches into.
type Server struct {
	Router *chi.Mux
	Pool   *pgxpool.Pool
	Logger *slog.Logger

	Registration *registration.Flow
	ResetFlow    *resetflow.Flow
	Login        *loginfsm.FSM
	TwoFactor    *twofactor.Engine
	Authz        *authz.Engine
	OAuth        *oauth.Server
	Clients      *oauth.ClientRegistry
	Tokens       *tokenmint.Provider
	Hasher       *credstore.Hasher

	Users  store.Users
	Orgs   store.Orgs
	Groups store.Groups

	// Pending holds not-yet-activated 2FA setups between /2fa/setup and
	// /2fa/verify, keyed by user ID. Separate from twofactor.Engine's own
	// cache usage since an activated secret belongs in the user record,
	// not the ephemeral store.
	Pending ephemeral.Store
}

// RateLimiter is the subset of ratelimiter.Limiter/ratelimiter.InProcess
// the router needs per endpoint.
type RateLimiter = customMiddleware.Limiter

// NewServer builds the route tree. allowedOrigins is the static CORS
// allowlist; limiters maps endpoint name to the limiter guarding it, so
// the replica-consistent and in-process limiters can be mixed per
// deployment without touching handler code.
func NewServer(pool *pgxpool.Pool, logger *slog.Logger, allowedOrigins []string, limiters map[string]RateLimiter,
	reg *registration.Flow, reset *resetflow.Flow, login *loginfsm.FSM, twoFactor *twofactor.Engine,
	authzEngine *authz.Engine, oauthSrv *oauth.Server, clients *oauth.ClientRegistry, tokens *tokenmint.Provider,
	hasher *credstore.Hasher, users store.Users, orgs store.Orgs, groups store.Groups, pending ephemeral.Store) *Server {

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})
	r.Use(sentryHandler.Handle)

	r.Use(customMiddleware.RequestLogger)
	r.Use(customMiddleware.PanicRecovery)
	r.Use(customMiddleware.Cors(allowedOrigins))

	s := &Server{
		Router: r, Pool: pool, Logger: logger,
		Registration: reg, ResetFlow: reset, Login: login, TwoFactor: twoFactor,
		Authz: authzEngine, OAuth: oauthSrv, Clients: clients, Tokens: tokens, Hasher: hasher,
		Users: users, Orgs: orgs, Groups: groups, Pending: pending,
	}

	rateLimited := func(endpoint string, h http.HandlerFunc) http.Handler {
		if l, ok := limiters[endpoint]; ok {
			return customMiddleware.RateLimit(l, endpoint)(h)
		}
		return h
	}

	r.Get("/health", s.HealthHandler())
	r.Get("/metrics", s.MetricsHandler())

	r.Get("/.well-known/oauth-authorization-server", s.OAuthDiscovery)

	r.Route("/v1", func(r chi.Router) {
		r.Method(http.MethodPost, "/register", rateLimited("register", s.Register))
		r.Post("/verify-code", s.VerifyCode)
		r.Method(http.MethodPost, "/resend-verification", rateLimited("resend_verification", s.ResendVerification))

		r.Method(http.MethodPost, "/login", rateLimited("login", s.Login_))
		r.Post("/refresh", s.Refresh)
		r.Post("/logout", s.Logout)

		r.Method(http.MethodPost, "/request-password-reset", rateLimited("request_password_reset", s.RequestPasswordReset))
		r.Post("/reset-password", s.ResetPassword)

		r.Post("/oauth/token", s.OAuthToken)
		r.Post("/oauth/revoke", s.OAuthRevoke)

		r.Group(func(r chi.Router) {
			r.Use(customMiddleware.AuthMiddleware(tokens))

			r.Get("/oauth/authorize", s.OAuthAuthorize)
			r.Post("/oauth/authorize", s.OAuthAuthorize)

			r.Post("/2fa/setup", s.TwoFactorSetup)
			r.Post("/2fa/verify", s.TwoFactorVerify)
			r.Post("/2fa/disable", s.TwoFactorDisable)

			r.Post("/authorization/check", s.AuthorizationCheck)
			r.Get("/permissions", s.ListPermissions)

			r.Route("/organizations/{orgID}/groups", func(r chi.Router) {
				r.Use(customMiddleware.RequirePermission(authzEngine, "groups:read"))
				r.Get("/", s.ListGroups)
				r.With(customMiddleware.RequirePermission(authzEngine, "groups:write")).Post("/", s.CreateGroup)
			})

			r.Route("/groups/{groupID}", func(r chi.Router) {
				r.Use(customMiddleware.RequirePermission(authzEngine, "groups:write"))
				r.Delete("/", s.DeleteGroup)
				r.Post("/members/{userID}", s.AddGroupMember)
				r.Delete("/members/{userID}", s.RemoveGroupMember)
				r.Post("/permissions/{permissionID}", s.GrantGroupPermission)
				r.Delete("/permissions/{permissionID}", s.RevokeGroupPermission)
			})

			r.Route("/oauth/clients", func(r chi.Router) {
				r.Use(customMiddleware.RequirePermission(authzEngine, "oauth_clients:write"))
				r.Get("/", s.ListOAuthClients)
				r.Post("/", s.CreateOAuthClient)
				r.Post("/{clientID}/rotate-secret", s.RotateOAuthClientSecret)
				r.Delete("/{clientID}", s.DeleteOAuthClient)
			})
		})
	})

	return s
}
