package api

import (
	"time"

	"github.com/samber/lo"

	"github.com/chirp/sns/internal/protocol"
	"github.com/chirp/sns/internal/store"
)

type registerRequest struct {
	Username    string `json:"username" validate:"required,min=3,max=20"`
	DisplayName string `json:"displayName" validate:"required,min=1,max=50"`
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=6,max=100"`
}

type loginRequest struct {
	Identifier string `json:"identifier" validate:"required"`
	Password   string `json:"password" validate:"required"`
}

type listPostsQuery struct {
	Page     int   `validate:"min=1"`
	PageSize int   `validate:"min=1,max=50"`
	UserID   int64 `validate:"min=0"`
	Search   string
}

type pageQuery struct {
	Page     int `validate:"min=1"`
	PageSize int `validate:"min=1,max=50"`
}

type createPostRequest struct {
	Content string `json:"content" validate:"required"`
}

type userResponse struct {
	ID          int64      `json:"id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"displayName"`
	Email       string     `json:"email"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
}

type authResponse struct {
	User    userResponse `json:"user"`
	Message string       `json:"message"`
}

type postResponse struct {
	ID                   int64           `json:"id"`
	Content              string          `json:"content"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
	Author               protocol.Author `json:"author"`
	LikeCount            int             `json:"likeCount"`
	IsLikedByCurrentUser *bool           `json:"isLikedByCurrentUser,omitempty"`
}

type pagination struct {
	Total    int  `json:"total"`
	Page     int  `json:"page"`
	PageSize int  `json:"pageSize"`
	HasNext  bool `json:"hasNext"`
	HasPrev  bool `json:"hasPrev"`
}

type postListResponse struct {
	Posts      []postResponse `json:"posts"`
	Pagination pagination     `json:"pagination"`
}

type likeEntryResponse struct {
	ID        int64           `json:"id"`
	User      protocol.Author `json:"user"`
	CreatedAt time.Time       `json:"createdAt"`
}

type likeListResponse struct {
	Likes      []likeEntryResponse `json:"likes"`
	Pagination pagination          `json:"pagination"`
}

type userPostCountResponse struct {
	UserID    int64 `json:"userId"`
	PostCount int   `json:"postCount"`
}

type userLikeCountResponse struct {
	UserID    int64 `json:"userId"`
	LikeCount int   `json:"likeCount"`
}

type likeStatusResponse struct {
	PostID    int64 `json:"postId"`
	IsLiked   bool  `json:"isLiked"`
	LikeCount int   `json:"likeCount"`
}

type likeResponse struct {
	ID        int64  `json:"id"`
	IsLiked   bool   `json:"isLiked"`
	LikeCount int    `json:"likeCount"`
	Message   string `json:"message,omitempty"`
}

func toUserResponse(u *store.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		CreatedAt:   &u.CreatedAt,
	}
}

func toPostResponse(p store.Post) postResponse {
	return postResponse{
		ID:        p.ID,
		Content:   p.Content,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
		Author: protocol.Author{
			ID:          p.AuthorID,
			Username:    p.AuthorName,
			DisplayName: p.AuthorDisplay,
		},
		LikeCount:            p.LikeCount,
		IsLikedByCurrentUser: p.LikedByViewer,
	}
}

func toPagination(p store.Paging) pagination {
	return pagination{
		Total:    p.Total,
		Page:     p.Page,
		PageSize: p.PageSize,
		HasNext:  p.HasNext(),
		HasPrev:  p.HasPrev(),
	}
}

func toPostList(page *store.PostPage) postListResponse {
	return postListResponse{
		Posts: lo.Map(page.Posts, func(p store.Post, _ int) postResponse {
			return toPostResponse(p)
		}),
		Pagination: toPagination(page.Paging),
	}
}

func toLikeList(page *store.LikePage) likeListResponse {
	return likeListResponse{
		Likes: lo.Map(page.Likes, func(l store.Like, _ int) likeEntryResponse {
			return likeEntryResponse{
				ID:        l.ID,
				User:      protocol.Author{ID: l.UserID, Username: l.Username, DisplayName: l.DisplayName},
				CreatedAt: l.CreatedAt,
			}
		}),
		Pagination: toPagination(page.Paging),
	}
}
