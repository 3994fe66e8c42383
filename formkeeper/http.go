package formkeeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/formsafe/kit"
	"github.com/hazyhaar/formsafe/shield"
)

// Routes returns the HTTP messaging API:
//
//	POST /api/v1/pages/{page_id}/message   {"type":"PING"|"RESTORE"|"CLEAR"|"STATUS"}
//	GET  /api/v1/pages
//	GET  /api/v1/pages/{page_id}/history?limit=N
//	GET  /healthz
func (s *Service) Routes() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.APIStack(s.logger) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		kit.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1/pages", func(r chi.Router) {
		r.Get("/", kit.HTTPHandler(s.logged("pages", s.listEndpoint), noRequest))
		r.Post("/{page_id}/message", kit.HTTPHandler(s.logged("message", s.messageEndpoint), decodeHTTPMessage))
		r.Get("/{page_id}/history", kit.HTTPHandler(s.logged("history", s.historyEndpoint), decodeHTTPHistory))
	})
	return r
}

type httpMessage struct {
	PageID string
	Msg    Message
}

func noRequest(*http.Request) (any, error) { return nil, nil }

func decodeHTTPMessage(r *http.Request) (any, error) {
	var raw struct {
		Type string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	typ, err := ParseMessageType(raw.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", err, raw.Type)
	}
	return &httpMessage{PageID: chi.URLParam(r, "page_id"), Msg: Message{Type: typ}}, nil
}

func decodeHTTPHistory(r *http.Request) (any, error) {
	req := &historyRequest{PageID: chi.URLParam(r, "page_id")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid limit %q", v)
		}
		req.Limit = n
	}
	return req, nil
}

func (s *Service) messageEndpoint(ctx context.Context, req any) (any, error) {
	m := req.(*httpMessage)
	resp, err := s.Handle(ctx, m.PageID, m.Msg)
	if errors.Is(err, ErrUnknownPage) {
		return nil, &kit.StatusError{Code: http.StatusNotFound, Err: err}
	}
	return resp, err
}

func (s *Service) listEndpoint(ctx context.Context, _ any) (any, error) {
	saved, err := s.Saved(ctx)
	if err != nil {
		return nil, err
	}
	return pagesResponse{Kept: s.Pages(), Saved: saved}, nil
}
