package kit

import (
	"encoding/json"
	"errors"
	"net/http"
)

// StatusError carries the HTTP status an endpoint error should map to.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string { return e.Err.Error() }
func (e *StatusError) Unwrap() error { return e.Err }

// HTTPHandler serves endpoint as JSON. decode builds the request from the
// HTTP request; a decode error is a 400, a StatusError uses its code and any
// other error is a 500.
func HTTPHandler(endpoint Endpoint, decode func(*http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decode(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := endpoint(WithTransport(r.Context(), "http"), req)
		if err != nil {
			code := http.StatusInternalServerError
			var se *StatusError
			if errors.As(err, &se) {
				code = se.Code
			}
			WriteError(w, code, err)
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, code int, err error) {
	WriteJSON(w, code, map[string]string{"error": err.Error()})
}
