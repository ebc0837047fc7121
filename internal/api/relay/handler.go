package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/roach88/mlscore/internal/api"
	"github.com/roach88/mlscore/internal/commitlog"
)

// Handler serves a Transport over the relay protocol.
type Handler struct {
	transport api.Transport
	logger    *slog.Logger
	mux       *http.ServeMux
}

// NewHandler creates a handler for transport.
func NewHandler(transport api.Transport, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{transport: transport, logger: logger, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /v1/identity/{inbox}", h.handleIdentity)
	h.mux.HandleFunc("GET /v1/commit-log/{group}", h.handleFetchCommitLog)
	h.mux.HandleFunc("POST /v1/commit-log", h.handlePublishCommitLog)
	h.mux.HandleFunc("POST /v1/readd-requests", h.handleReaddRequest)
	h.mux.HandleFunc("POST /v1/groups/{group}/readd", h.handleReadd)
	h.mux.HandleFunc("POST /v1/subscribe", h.handleSubscribe)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func afterParam(r *http.Request) (uint64, bool) {
	v := r.URL.Query().Get("after")
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseUint(v, 10, 64)
	return n, err == nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Error("relay call failed", "op", op, "error", err)
	http.Error(w, err.Error(), http.StatusBadGateway)
}

func (h *Handler) handleIdentity(w http.ResponseWriter, r *http.Request) {
	after, ok := afterParam(r)
	if !ok {
		http.Error(w, "invalid after", http.StatusBadRequest)
		return
	}
	updates, err := h.transport.GetIdentityUpdates(r.Context(), r.PathValue("inbox"), after)
	if err != nil {
		h.fail(w, "get identity updates", err)
		return
	}
	writeJSON(w, updates)
}

func (h *Handler) handleFetchCommitLog(w http.ResponseWriter, r *http.Request) {
	after, ok := afterParam(r)
	if !ok {
		http.Error(w, "invalid after", http.StatusBadRequest)
		return
	}
	entries, err := h.transport.FetchRemoteCommitLog(r.Context(), r.PathValue("group"), after)
	if err != nil {
		h.fail(w, "fetch remote commit log", err)
		return
	}
	writeJSON(w, entries)
}

func (h *Handler) handlePublishCommitLog(w http.ResponseWriter, r *http.Request) {
	var entries []commitlog.Entry
	if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
		http.Error(w, "invalid commit log entries", http.StatusBadRequest)
		return
	}
	if err := h.transport.PublishCommitLog(r.Context(), entries); err != nil {
		h.fail(w, "publish commit log", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReaddRequest(w http.ResponseWriter, r *http.Request) {
	var req wireReaddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid readd request", http.StatusBadRequest)
		return
	}
	if err := h.transport.SendReaddRequest(r.Context(), req.Request, req.Recipients); err != nil {
		h.fail(w, "send readd request", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReadd(w http.ResponseWriter, r *http.Request) {
	var req wireReadd
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid readd", http.StatusBadRequest)
		return
	}
	seq, err := h.transport.ReaddInstallations(r.Context(), r.PathValue("group"), req.Installations)
	if err != nil {
		h.fail(w, "readd installations", err)
		return
	}
	writeJSON(w, wireReaddResult{SequenceID: seq})
}

// handleSubscribe streams envelopes until the client goes away or the
// transport closes the subscription.
func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var wire []wireFilter
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		http.Error(w, "invalid filters", http.StatusBadRequest)
		return
	}
	filters := make([]api.TopicFilter, len(wire))
	for i, f := range wire {
		topic, err := api.ParseTopic(f.Topic)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filters[i] = api.TopicFilter{Topic: topic, LastSeen: f.LastSeen}
	}
	stream, err := h.transport.Subscribe(r.Context(), filters)
	if err != nil {
		h.fail(w, "subscribe", err)
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}
	for e := range stream {
		data, err := api.MarshalEnvelope(e)
		if err != nil {
			h.logger.Warn("envelope not streamed", "topic", e.Topic.String(), "error", err)
			continue
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
