package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/cadelake/outpost/errs"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Remediation string `json:"remediation,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("encode json response")
	}
}

// writeError maps an error to its HTTP status and a stable JSON body. The
// envelope message is caller-safe; internal detail stays in the logs.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	body := errorBody{Code: string(errs.CodeOf(err)), Message: "internal error"}
	var e *errs.E
	if errors.As(err, &e) {
		if e.Message != "" {
			body.Message = e.Message
		}
		body.Remediation = e.Remediation
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	s.writeJSON(w, status, errorResponse{Error: body})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, errs.New("api.decode", errs.CodeInvalid,
			errs.WithMessage("invalid JSON body"), errs.WithCause(err)))
		return false
	}
	return true
}

// parseLimit parses a limit query param; zero lets the store default apply.
func parseLimit(q string, max int) int {
	if q == "" {
		return 0
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return 0
	}
	if n > max {
		return max
	}
	return n
}
