package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jdiitm/logconsole/internal/domain"
	"github.com/jdiitm/logconsole/internal/session"
)

const (
	defaultRecordLimit = 100
	maxRecordLimit     = 1000
)

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.fail(w, r, fmt.Errorf("%w: %v", domain.ErrValidation, err))
		return
	}
	s, err := h.sessions.Create(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		list []domain.Session
		err  error
	)
	switch {
	case q.Get("connectionId") != "":
		list, err = h.sessions.ListByConnection(r.Context(), q.Get("connectionId"))
	case q.Get("active") == "true":
		list, err = h.sessions.ListActive(r.Context())
	default:
		list, err = h.sessions.List(r.Context())
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []domain.Session{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session.Result{Success: true, Message: "session deleted"})
}

type lifecycleFunc func(Sessions, context.Context, string) (session.Result, error)

func (h *Handler) lifecycle(op lifecycleFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := op(h.sessions, r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type recordsPage struct {
	Records []domain.CapturedRecord `json:"records"`
	Next    *domain.Cursor          `json:"next,omitempty"`
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	after, limit, err := parsePage(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	recs, err := h.sessions.Records(r.Context(), chi.URLParam(r, "id"), after, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	page := recordsPage{Records: recs}
	if page.Records == nil {
		page.Records = []domain.CapturedRecord{}
	}
	if len(recs) == limit {
		last := recs[len(recs)-1]
		page.Next = &domain.Cursor{Topic: last.Topic, Partition: last.Partition, Offset: last.Offset}
	}
	writeJSON(w, http.StatusOK, page)
}

// parsePage reads the optional (topic, partition, offset) cursor and limit.
// A cursor needs all three parts.
func parsePage(r *http.Request) (*domain.Cursor, int, error) {
	q := r.URL.Query()
	limit := defaultRecordLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, 0, fmt.Errorf("%w: limit must be a positive integer", domain.ErrValidation)
		}
		limit = min(n, maxRecordLimit)
	}

	topic, partition, offset := q.Get("topic"), q.Get("partition"), q.Get("offset")
	if topic == "" && partition == "" && offset == "" {
		return nil, limit, nil
	}
	if topic == "" || partition == "" || offset == "" {
		return nil, 0, fmt.Errorf("%w: cursor needs topic, partition and offset", domain.ErrValidation)
	}
	p, err := strconv.ParseInt(partition, 10, 32)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: partition %q", domain.ErrValidation, partition)
	}
	o, err := strconv.ParseInt(offset, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: offset %q", domain.ErrValidation, offset)
	}
	return &domain.Cursor{Topic: topic, Partition: int32(p), Offset: o}, limit, nil
}
