package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haulkind/dispatch-engine/internal/apperr"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindBadRequest:
		return http.StatusBadRequest
	case apperr.KindInvalidState, apperr.KindInvalidTransition, apperr.KindTerminalState, apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindOfferUnavailable:
		return http.StatusGone
	case apperr.KindNoCoverage:
		return http.StatusUnprocessableEntity
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindPaymentRejected:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	msg := apperr.MessageOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "err", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]any{"error": map[string]string{"code": string(kind), "message": msg}})
}

type schema struct {
	name string
	s    *jsonschema.Schema
}

func mustSchema(name, doc string) schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(doc)); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", name, err))
	}
	return schema{name: name, s: c.MustCompile(name)}
}

// decode validates the body against sc and unmarshals it into dst.
// An empty body is treated as {}.
func decode(r *http.Request, sc schema, dst any) error {
	const op = "http.decode"
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return apperr.Wrap(apperr.KindBadRequest, op, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return apperr.New(apperr.KindBadRequest, op, "malformed json: %v", err)
	}
	if err := sc.s.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return apperr.New(apperr.KindBadRequest, op, "%s", describe(ve))
		}
		return apperr.Wrap(apperr.KindBadRequest, op, err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apperr.New(apperr.KindBadRequest, op, "invalid %s: %v", sc.name, err)
	}
	return nil
}

// describe flattens the innermost causes of a validation failure into one line.
func describe(ve *jsonschema.ValidationError) string {
	var parts []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			parts = append(parts, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(parts, "; ")
}
