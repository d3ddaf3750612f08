// Package ingress implements ingress admission: a
// thin authenticated HTTP surface that stores a submitted vCon into V and
// enqueues its UUID, rolling back the store on enqueue failure.
package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/oriys/conserver/internal/auth"
	"github.com/oriys/conserver/internal/dlqmgr"
	"github.com/oriys/conserver/internal/logging"
	"github.com/oriys/conserver/internal/metrics"
	"github.com/oriys/conserver/internal/observability"
	"github.com/oriys/conserver/internal/vcon"
)

// Server is the ingress admission HTTP surface: POST /vcon and
// POST /vcon/external-ingress both admit a document; GET /dlq and
// POST /dlq/reprocess expose the operator-facing DLQ contract over HTTP.
type Server struct {
	vcons      *vcon.Store
	push       func(ctx context.Context, list, value string) error
	dlq        *dlqmgr.Manager
	policy     *auth.Policy
	keyStore   *auth.Store // optional dynamic key lookups; nil disables
	headerName string
	log        *logging.Logger
}

// Pusher is the minimal queue capability ingress needs: push a UUID to
// the tail of a named list. Satisfied by queue.Substrate.PushRight.
type Pusher interface {
	PushRight(ctx context.Context, list, value string) error
}

// New creates an admission server. policy holds statically configured
// keys; keyStore (optional) backs dynamically issued keys. headerName
// defaults to auth.DefaultHeaderName when empty.
func New(vcons *vcon.Store, pusher Pusher, dlq *dlqmgr.Manager, policy *auth.Policy, keyStore *auth.Store, headerName string) *Server {
	if headerName == "" {
		headerName = auth.DefaultHeaderName
	}
	return &Server{
		vcons:      vcons,
		push:       pusher.PushRight,
		dlq:        dlq,
		policy:     policy,
		keyStore:   keyStore,
		headerName: headerName,
		log:        logging.Default(),
	}
}

// Handler returns the admission HTTP surface, wrapped in OpenTelemetry HTTP
// tracing (spec's ambient observability stack, §6). The daemon's /healthz
// and /metrics handlers are not wrapped.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/vcon", func(w http.ResponseWriter, r *http.Request) { s.admit(w, r, true) })
	mux.HandleFunc("/vcon/external-ingress", func(w http.ResponseWriter, r *http.Request) { s.admit(w, r, false) })
	mux.HandleFunc("/dlq", s.listDLQ)
	mux.HandleFunc("/dlq/reprocess", s.reprocessDLQ)
	return observability.HTTPMiddleware(mux)
}

type admitRequest struct {
	Ingress string          `json:"ingress_list"`
	Vcon    json.RawMessage `json:"vcon"`
}

type admitResponse struct {
	UUID string `json:"uuid"`
}

// admit drives the admission state machine:
// RECEIVED --auth_ok--> AUTHENTICATED --put_ok--> STORED --push_ok--> ENQUEUED
//
// requireGlobal is true for POST /vcon, which only a global key may call;
// POST /vcon/external-ingress passes false, accepting either a global key
// or one scoped to the submitted ingress list.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, requireGlobal bool) {
	start := time.Now()
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, span := observability.StartSpan(r.Context(), "ingress.admit")
	defer span.End()
	r = r.WithContext(ctx)

	var req admitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		observability.SetSpanError(span, err)
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Ingress == "" || len(req.Vcon) == 0 {
		s.writeError(w, http.StatusBadRequest, "ingress_list and vcon are required")
		return
	}
	span.SetAttributes(observability.AttrIngressList.String(req.Ingress))

	key := auth.KeyFromRequest(r, s.headerName)
	identity, ok := s.authenticate(r.Context(), req.Ingress, key)
	if !ok || (requireGlobal && !identity.Global) {
		s.recordAdmission(req.Ingress, "", "", "forbidden", start, nil)
		observability.SetSpanError(span, errForbidden)
		s.writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	span.SetAttributes(observability.AttrKeyName.String(identity.KeyName))
	r = r.WithContext(auth.WithIdentity(r.Context(), identity))

	var doc vcon.Document
	if err := json.Unmarshal(req.Vcon, &doc); err != nil {
		s.writeError(w, http.StatusBadRequest, "vcon is not a valid document")
		return
	}
	if doc.UUID == "" {
		doc.UUID = vcon.NewUUID()
	}
	span.SetAttributes(observability.AttrUUID.String(doc.UUID))

	if exists, err := s.vcons.Exists(r.Context(), doc.UUID); err != nil {
		s.recordAdmission(req.Ingress, doc.UUID, identity.KeyName, "error", start, err)
		observability.SetSpanError(span, err)
		s.writeError(w, http.StatusInternalServerError, "store check failed")
		return
	} else if exists {
		observability.SetSpanError(span, errUUIDConflict)
		s.writeError(w, http.StatusConflict, "uuid already present")
		return
	}

	// STORED: put before push, so a worker never observes vcon_not_found.
	if err := s.vcons.Put(r.Context(), &doc); err != nil {
		s.recordAdmission(req.Ingress, doc.UUID, identity.KeyName, "error", start, err)
		observability.SetSpanError(span, err)
		s.writeError(w, http.StatusInternalServerError, "store failed")
		return
	}

	// ENQUEUED, with rollback-on-push-failure.
	if err := s.push(r.Context(), req.Ingress, doc.UUID); err != nil {
		if delErr := s.vcons.Delete(r.Context(), doc.UUID); delErr != nil {
			logging.Op().Error("ingress rollback failed, orphan vcon in V", "uuid", doc.UUID, "error", delErr)
		}
		s.recordAdmission(req.Ingress, doc.UUID, identity.KeyName, "error", start, err)
		observability.SetSpanError(span, err)
		s.writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	s.recordAdmission(req.Ingress, doc.UUID, identity.KeyName, "enqueued", start, nil)
	observability.SetSpanOK(span)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(admitResponse{UUID: doc.UUID})
}

var (
	errForbidden    = admissionError("ingress: forbidden")
	errUUIDConflict = admissionError("ingress: uuid already present")
)

type admissionError string

func (e admissionError) Error() string { return string(e) }

func (s *Server) authenticate(ctx context.Context, ingress, key string) (*auth.Identity, bool) {
	if s.policy != nil {
		if id, ok := s.policy.Authenticate(ingress, key); ok {
			return id, true
		}
	}
	if s.keyStore != nil {
		if id, ok := s.keyStore.Authenticate(ctx, ingress, key); ok {
			return id, true
		}
	}
	return nil, false
}

func (s *Server) recordAdmission(ingress, uuid, keyName, outcome string, start time.Time, err error) {
	entry := &logging.AdmissionLog{
		IngressList: ingress,
		UUID:        uuid,
		KeyName:     keyName,
		Outcome:     outcome,
		DurationMs:  time.Since(start).Milliseconds(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	s.log.Log(entry)
	if m := metrics.Global(); m != nil {
		m.RecordIngressAdmission(ingress, outcome)
	}
}

// listDLQ serves GET /dlq?ingress_list=<name>. Like reprocessDLQ, it is an
// operator-facing endpoint and requires a global key; a key scoped to the
// ingress list is not enough to list its own dead letters.
func (s *Server) listDLQ(w http.ResponseWriter, r *http.Request) {
	ingress := r.URL.Query().Get("ingress_list")
	if ingress == "" {
		s.writeError(w, http.StatusBadRequest, "ingress_list is required")
		return
	}
	identity, ok := s.authenticate(r.Context(), ingress, auth.KeyFromRequest(r, s.headerName))
	if !ok || !identity.Global {
		s.writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	uuids, meta, err := s.dlq.List(r.Context(), ingress)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "dlq list failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"uuids": uuids, "entries": meta})
}

// reprocessDLQ serves POST /dlq/reprocess?ingress_list=<name>&max=<n>,
// moving up to max entries back to the head of their ingress list.
func (s *Server) reprocessDLQ(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ingress := r.URL.Query().Get("ingress_list")
	if ingress == "" {
		s.writeError(w, http.StatusBadRequest, "ingress_list is required")
		return
	}
	identity, ok := s.authenticate(r.Context(), ingress, auth.KeyFromRequest(r, s.headerName))
	if !ok || !identity.Global {
		s.writeError(w, http.StatusForbidden, "reprocess requires a global key")
		return
	}

	maxItems := 0
	if v := r.URL.Query().Get("max"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			maxItems = n
		}
	}

	moved, err := s.dlq.Reprocess(r.Context(), ingress, maxItems)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "reprocess failed")
		return
	}
	if m := metrics.Global(); m != nil {
		m.RecordDLQReprocess(ingress, len(moved))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"moved": moved})
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
