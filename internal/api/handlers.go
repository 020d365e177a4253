package api

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/chirp/sns/internal/auth"
	"github.com/chirp/sns/internal/post"
	"github.com/chirp/sns/internal/ratelimit"
	"github.com/chirp/sns/internal/store"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeStoreError(w, "register", err)
		return
	}
	u, err := s.users.Create(r.Context(), store.NewUser{
		Username:     req.Username,
		DisplayName:  strings.TrimSpace(req.DisplayName),
		Email:        strings.ToLower(req.Email),
		PasswordHash: hash,
	})
	if err != nil {
		writeStoreError(w, "register", err)
		return
	}
	if !s.setSession(w, u) {
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{User: toUserResponse(u), Message: "Registered"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decode(w, r, &req) {
		return
	}

	u, err := s.users.FindActiveByIdentifier(r.Context(), req.Identifier)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if err != nil {
		writeStoreError(w, "login", err)
		return
	}
	ok, err := auth.ComparePassword(req.Password, u.PasswordHash)
	if err != nil {
		log.Printf("[api] login user=%d: %v", u.ID, err)
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if !s.setSession(w, u) {
		return
	}
	writeJSON(w, http.StatusOK, authResponse{User: toUserResponse(u), Message: "Logged in"})
}

// setSession issues a token for u and sets it as the access_token cookie.
func (s *Server) setSession(w http.ResponseWriter, u *store.User) bool {
	token, expiresAt, err := s.tokens.Issue(u.Identity())
	if err != nil {
		writeStoreError(w, "issue token", err)
		return false
	}
	http.SetCookie(w, auth.NewSessionCookie(token, expiresAt, s.secure))
	return true
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, auth.ClearSessionCookie(s.secure))
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id := userFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user": userResponse{
			ID:          id.ID,
			Username:    id.Username,
			DisplayName: id.DisplayName,
			Email:       id.Email,
		},
	})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	id := userFrom(r.Context())
	var user *userResponse
	if id != nil {
		user = &userResponse{ID: id.ID, Username: id.Username, DisplayName: id.DisplayName, Email: id.Email}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"isAuthenticated": id != nil,
		"user":            user,
	})
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	s.servePostList(w, r, 0)
}

func (s *Server) handleUserPosts(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathInt64(r, "userId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user id")
		return
	}
	s.servePostList(w, r, userID)
}

// servePostList answers a post listing. A non-zero authorID overrides the
// userId query parameter.
func (s *Server) servePostList(w http.ResponseWriter, r *http.Request, authorID int64) {
	page, err1 := queryInt(r, "page", 1)
	size, err2 := queryInt(r, "pageSize", store.DefaultPageSize)
	author, err3 := queryInt(r, "userId", 0)
	if err := errors.Join(err1, err2, err3); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query parameters")
		return
	}
	q := listPostsQuery{
		Page:     page,
		PageSize: size,
		UserID:   int64(author),
		Search:   strings.TrimSpace(r.URL.Query().Get("search")),
	}
	if authorID != 0 {
		q.UserID = authorID
	}
	if err := s.validate.Struct(q); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query parameters", validationDetails(err)...)
		return
	}

	result, err := s.posts.List(r.Context(), store.PostQuery{
		Page:     q.Page,
		PageSize: q.PageSize,
		Search:   q.Search,
		AuthorID: q.UserID,
	}, viewerID(r.Context()))
	if err != nil {
		writeStoreError(w, "list posts", err)
		return
	}
	writeJSON(w, http.StatusOK, toPostList(result))
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid post id")
		return
	}
	p, err := s.posts.Get(r.Context(), id, viewerID(r.Context()))
	if err != nil {
		writeStoreError(w, "get post", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"post": toPostResponse(*p)})
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var req createPostRequest
	if !s.decode(w, r, &req) {
		return
	}
	content, err := post.NormalizeContent(req.Content)
	if err != nil {
		writeStoreError(w, "create post", err)
		return
	}

	user := userFrom(r.Context())
	if s.limiter != nil {
		allowed, _ := s.limiter.AllowUser(r.Context(), user.ID, ratelimit.RulePost)
		if !allowed {
			writeError(w, http.StatusTooManyRequests, "Too many posts, slow down")
			return
		}
	}

	p, err := s.posts.Create(r.Context(), user.ID, content)
	if err != nil {
		writeStoreError(w, "create post", err)
		return
	}
	s.notifier.NotifyPostCreated(post.CreatedEvent(p))
	writeJSON(w, http.StatusCreated, map[string]interface{}{"post": toPostResponse(*p)})
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid post id")
		return
	}
	authorID, err := s.posts.Delete(r.Context(), id, userFrom(r.Context()).ID)
	if err != nil {
		writeStoreError(w, "delete post", err)
		return
	}
	s.notifier.NotifyPostDeleted(post.DeletedEvent(id, authorID))
	writeJSON(w, http.StatusOK, map[string]string{"message": "Deleted"})
}

func (s *Server) handleLike(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid post id")
		return
	}
	res, err := s.likes.Like(r.Context(), id, userFrom(r.Context()).ID)
	if err != nil {
		writeStoreError(w, "like", err)
		return
	}
	s.notifier.NotifyPostLiked(post.LikeEvent(res))
	writeJSON(w, http.StatusCreated, likeResponse{ID: id, IsLiked: true, LikeCount: res.LikeCount, Message: "Liked"})
}

func (s *Server) handleUnlike(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid post id")
		return
	}
	res, err := s.likes.Unlike(r.Context(), id, userFrom(r.Context()).ID)
	if err != nil {
		writeStoreError(w, "unlike", err)
		return
	}
	s.notifier.NotifyPostUnliked(post.LikeEvent(res))
	writeJSON(w, http.StatusOK, likeResponse{ID: id, IsLiked: false, LikeCount: res.LikeCount, Message: "Unliked"})
}

func (s *Server) handleLikeStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid post id")
		return
	}
	res, err := s.likes.Status(r.Context(), id, userFrom(r.Context()).ID)
	if err != nil {
		writeStoreError(w, "like status", err)
		return
	}
	writeJSON(w, http.StatusOK, likeStatusResponse{PostID: id, IsLiked: res.IsLiked, LikeCount: res.LikeCount})
}

func (s *Server) handleListLikes(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid post id")
		return
	}
	page, err1 := queryInt(r, "page", 1)
	size, err2 := queryInt(r, "pageSize", store.DefaultPageSize)
	q := pageQuery{Page: page, PageSize: size}
	if err := errors.Join(err1, err2); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query parameters")
		return
	}
	if err := s.validate.Struct(q); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query parameters", validationDetails(err)...)
		return
	}

	res, err := s.likes.List(r.Context(), id, q.Page, q.PageSize)
	if err != nil {
		writeStoreError(w, "list likes", err)
		return
	}
	writeJSON(w, http.StatusOK, toLikeList(res))
}

func (s *Server) handleUserPostCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathInt64(r, "userId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user id")
		return
	}
	n, err := s.posts.CountByAuthor(r.Context(), userID)
	if err != nil {
		writeStoreError(w, "count posts", err)
		return
	}
	writeJSON(w, http.StatusOK, userPostCountResponse{UserID: userID, PostCount: n})
}

func (s *Server) handleUserLikeCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathInt64(r, "userId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user id")
		return
	}
	n, err := s.likes.CountByUser(r.Context(), userID)
	if err != nil {
		writeStoreError(w, "count likes", err)
		return
	}
	writeJSON(w, http.StatusOK, userLikeCountResponse{UserID: userID, LikeCount: n})
}
