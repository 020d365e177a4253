// Package api implements the REST service for accounts, posts and likes.
// Every successful write is handed to a realtime.Notifier after it has
// committed; notification failures never change the HTTP response.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/chirp/sns/internal/auth"
	"github.com/chirp/sns/internal/metrics"
	"github.com/chirp/sns/internal/ratelimit"
	"github.com/chirp/sns/internal/realtime"
	"github.com/chirp/sns/internal/store"
)

// Users is the account storage the handlers need. *store.UserStore
// implements it.
type Users interface {
	auth.UserResolver
	Create(ctx context.Context, nu store.NewUser) (*store.User, error)
	FindActiveByIdentifier(ctx context.Context, identifier string) (*store.User, error)
}

// Posts is the post storage the handlers need. *store.PostStore implements it.
type Posts interface {
	Create(ctx context.Context, authorID int64, content string) (*store.Post, error)
	Get(ctx context.Context, id, viewerID int64) (*store.Post, error)
	List(ctx context.Context, q store.PostQuery, viewerID int64) (*store.PostPage, error)
	CountByAuthor(ctx context.Context, authorID int64) (int, error)
	Delete(ctx context.Context, id, userID int64) (int64, error)
}

// Likes is the like storage the handlers need. *store.LikeStore implements it.
type Likes interface {
	Like(ctx context.Context, postID, userID int64) (*store.LikeResult, error)
	Unlike(ctx context.Context, postID, userID int64) (*store.LikeResult, error)
	Status(ctx context.Context, postID, userID int64) (*store.LikeResult, error)
	List(ctx context.Context, postID int64, page, pageSize int) (*store.LikePage, error)
	CountByUser(ctx context.Context, userID int64) (int, error)
}

// Limiter throttles post creation. *ratelimit.Limiter implements it.
type Limiter interface {
	AllowUser(ctx context.Context, userID int64, rule ratelimit.Rule) (bool, error)
}

var (
	_ Users   = (*store.UserStore)(nil)
	_ Posts   = (*store.PostStore)(nil)
	_ Likes   = (*store.LikeStore)(nil)
	_ Limiter = (*ratelimit.Limiter)(nil)
)

// Config holds the collaborators of a Server. Limiter and Notifier are
// optional.
type Config struct {
	Users        Users
	Posts        Posts
	Likes        Likes
	Tokens       *auth.TokenManager
	Limiter      Limiter
	Notifier     realtime.Notifier
	CookieSecure bool
}

// Server serves the REST API.
type Server struct {
	users    Users
	posts    Posts
	likes    Likes
	tokens   *auth.TokenManager
	authn    *auth.Authenticator
	limiter  Limiter
	notifier realtime.Notifier
	validate *validator.Validate
	secure   bool
}

// NewServer creates a Server from cfg.
func NewServer(cfg Config) *Server {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = realtime.NopNotifier{}
	}
	return &Server{
		users:    cfg.Users,
		posts:    cfg.Posts,
		likes:    cfg.Likes,
		tokens:   cfg.Tokens,
		authn:    auth.NewAuthenticator(cfg.Tokens, cfg.Users),
		limiter:  cfg.Limiter,
		notifier: notifier,
		validate: validator.New(),
		secure:   cfg.CookieSecure,
	}
}

// Handler returns the routed and instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.route(mux, "POST /api/auth/register", s.handleRegister)
	s.route(mux, "POST /api/auth/login", s.handleLogin)
	s.route(mux, "POST /api/auth/logout", s.handleLogout)
	s.route(mux, "GET /api/auth/me", s.requireUser(s.handleMe))
	s.route(mux, "GET /api/auth/check", s.optionalUser(s.handleCheck))

	s.route(mux, "GET /api/posts", s.optionalUser(s.handleListPosts))
	s.route(mux, "POST /api/posts", s.requireUser(s.handleCreatePost))
	s.route(mux, "GET /api/posts/{id}", s.optionalUser(s.handleGetPost))
	s.route(mux, "DELETE /api/posts/{id}", s.requireUser(s.handleDeletePost))
	s.route(mux, "GET /api/posts/{id}/likes", s.handleListLikes)
	s.route(mux, "POST /api/posts/{id}/likes", s.requireUser(s.handleLike))
	s.route(mux, "DELETE /api/posts/{id}/likes", s.requireUser(s.handleUnlike))
	s.route(mux, "GET /api/posts/{id}/likes/status", s.requireUser(s.handleLikeStatus))

	// Per-user reads live under /api/users: "GET /api/posts/user/{userId}"
	// would overlap "GET /api/posts/{id}/likes" and ServeMux rejects that.
	s.route(mux, "GET /api/users/{userId}/posts", s.optionalUser(s.handleUserPosts))
	s.route(mux, "GET /api/users/{userId}/posts/count", s.handleUserPostCount)
	s.route(mux, "GET /api/users/{userId}/likes/count", s.handleUserLikeCount)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// route registers h under pattern and records its latency.
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, instrument(pattern, h))
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		metrics.HTTPRequestDuration.
			WithLabelValues(route, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}
