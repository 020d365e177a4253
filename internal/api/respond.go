package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/chirp/sns/internal/post"
	"github.com/chirp/sns/internal/store"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, details ...string) {
	writeJSON(w, status, errorBody{Error: msg, Details: details})
}

// writeStoreError maps storage and validation errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, store.ErrForbidden):
		writeError(w, http.StatusForbidden, "Forbidden")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "Conflict")
	case errors.Is(err, post.ErrInvalidContent):
		writeError(w, http.StatusBadRequest, "Validation failed", err.Error())
	default:
		log.Printf("[api] %s: %v", op, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// decode reads a JSON body into dst and runs struct validation. It writes
// the 400 response itself and returns false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", validationDetails(err)...)
		return false
	}
	return true
}

func validationDetails(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field()[:1]) + fe.Field()[1:]
		if fe.Param() != "" {
			out = append(out, field+": "+fe.Tag()+"="+fe.Param())
		} else {
			out = append(out, field+": "+fe.Tag())
		}
	}
	return out
}

// pathID parses the {id} path value.
func pathID(r *http.Request) (int64, bool) {
	return pathInt64(r, "id")
}

// pathInt64 parses the positive integer path wildcard name.
func pathInt64(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	return id, err == nil && id > 0
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
