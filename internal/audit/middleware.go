package audit

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"calibra.org/internal/auth"
)

// Descriptor declares how a route's mutations are recorded. Each audited
// route carries its own descriptor, so the entry's entity type and action are
// decided at registration time instead of guessed from the payload.
type Descriptor struct {
	// EntityType names the resource the route mutates, e.g. "equipment".
	EntityType string
	// Category groups entries for filtering, e.g. "equipment" or "auth".
	Category string
	// Action overrides the method-derived action when set. Used by routes
	// like refresh and logout whose semantics a verb alone cannot express.
	Action string
	// IDField names the response JSON field holding the entity id.
	IDField string
	// IdentifierField names the response JSON field holding a human-readable
	// entity label, e.g. "serial_number" or "email".
	IdentifierField string
	// PathID takes the entity id from the request path. Used by routes whose
	// response carries no body, e.g. DELETE.
	PathID bool
	// IDSegment selects which path segment (1-based) holds the entity id.
	// Zero means the last segment. Nested routes like
	// /v1/users/{id}/roles/{roleID} set it so the entry names the owning
	// resource, not the trailing literal.
	IDSegment int
	// IdentifierSegment lifts the entity identifier from the given path
	// segment (1-based) when present, e.g. the role id on assignment routes.
	IdentifierSegment int
}

const maxCapturedBody = 64 << 10

// captureWriter records the status code and a bounded copy of the response
// body so the recorder can lift entity fields from it.
type captureWriter struct {
	http.ResponseWriter
	status  int
	written bool
	body    bytes.Buffer
}

func (w *captureWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *captureWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	if w.body.Len() < maxCapturedBody {
		room := maxCapturedBody - w.body.Len()
		if room > len(b) {
			room = len(b)
		}
		w.body.Write(b[:room])
	}
	return w.ResponseWriter.Write(b)
}

// Middleware wraps a route so every mutation produces exactly one audit
// entry, failed ones included. Reads (GET, HEAD, OPTIONS) pass through
// untouched. Success is inferred from the response status; rejected requests
// carry the handler's error message so the trail shows attempts, not just
// outcomes.
func Middleware(rec *Recorder, desc Descriptor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(cw, r)

			rec.Record(entryFor(r, desc, cw))
		})
	}
}

func entryFor(r *http.Request, desc Descriptor, cw *captureWriter) *auth.AuditEntry {
	success := cw.status >= 200 && cw.status < 400
	entry := &auth.AuditEntry{
		Action:     desc.Action,
		Category:   desc.Category,
		EntityType: desc.EntityType,
		Success:    success,
		StatusCode: cw.status,
		RequestID:  RequestIDFromContext(r.Context()),
		IP:         clientIP(r),
		UserAgent:  r.UserAgent(),
	}
	if entry.Action == "" {
		entry.Action = actionFor(r.Method)
	}
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
		entry.ActorID = principal.ID
		entry.ActorEmail = principal.Email
	}
	if desc.PathID {
		entry.EntityID = pathSegment(r.URL.Path, desc.IDSegment)
	}
	if desc.IdentifierSegment > 0 {
		entry.EntityIdentifier = pathSegment(r.URL.Path, desc.IdentifierSegment)
	}
	var payload map[string]any
	if err := json.Unmarshal(cw.body.Bytes(), &payload); err == nil {
		if success {
			if entry.EntityID == "" && desc.IDField != "" {
				if v, ok := payload[desc.IDField].(string); ok {
					entry.EntityID = v
				}
			}
			if entry.EntityIdentifier == "" && desc.IdentifierField != "" {
				if v, ok := payload[desc.IdentifierField].(string); ok {
					entry.EntityIdentifier = v
				}
			}
		} else {
			entry.ErrorMessage = errorMessage(payload)
		}
	}
	return entry
}

// errorMessage pulls the handler's error out of a failed response body,
// covering both the single-message and the validation-list shapes.
func errorMessage(payload map[string]any) string {
	if v, ok := payload["error"].(string); ok {
		return v
	}
	if list, ok := payload["errors"].([]any); ok {
		parts := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	}
	return ""
}

func actionFor(method string) string {
	switch method {
	case http.MethodPost:
		return auth.ActionCreate
	case http.MethodPut, http.MethodPatch:
		return auth.ActionUpdate
	case http.MethodDelete:
		return auth.ActionDelete
	default:
		return strings.ToLower(method)
	}
}

// pathSegment returns the idx-th (1-based) segment of the path, or the last
// segment when idx is zero. Out-of-range indexes yield "".
func pathSegment(path string, idx int) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 {
		return ""
	}
	if idx == 0 {
		return segments[len(segments)-1]
	}
	if idx > len(segments) {
		return ""
	}
	return segments[idx-1]
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
