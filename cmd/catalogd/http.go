package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"catalogd/internal/apperrors"
	"catalogd/internal/ingestion"
	"catalogd/internal/queue"
	"catalogd/internal/scheduler"
	"catalogd/internal/search/streaming"
	syncfabric "catalogd/internal/sync"
)

// server is the thin HTTP adapter the core consumes: sync state/events,
// the skeleton delta protocol, the download manager admin endpoints, and
// a streaming search endpoint. It does not parse a request body into
// catalog writes anywhere; every handler either reads from the core's
// in-memory collaborators or forwards to a core package method.
type server struct {
	transport     *syncfabric.Transport
	eventLog      *syncfabric.EventLog
	catalogEvents *syncfabric.CatalogEventLog
	skeleton      *syncfabric.Skeleton
	engine        *queue.Engine
	scheduler     *scheduler.Scheduler
	catalog       *manifestCatalog
	ingestion     *ingestion.Store
	lifecycle     *ingestion.Lifecycle
	searchCfg     streaming.TargetConfig
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/sync/ws", s.handleSyncWS)
	mux.HandleFunc("/v1/sync/events", s.handleSyncEvents)
	mux.HandleFunc("/v1/sync/skeleton/version", s.handleSkeletonVersion)
	mux.HandleFunc("/v1/sync/skeleton", s.handleSkeletonSnapshot)
	mux.HandleFunc("/v1/sync/skeleton/delta", s.handleSkeletonDelta)

	mux.HandleFunc("/v1/queue/enqueue", s.handleQueueEnqueue)
	mux.HandleFunc("/v1/queue/retry", s.handleQueueRetry)
	mux.HandleFunc("/v1/queue/cancel", s.handleQueueCancel)
	mux.HandleFunc("/v1/queue/progress", s.handleQueueProgress)

	mux.HandleFunc("/v1/catalog/events/emit", s.handleCatalogEventEmit)

	mux.HandleFunc("/v1/ingestion/jobs/get", s.handleIngestionJobGet)
	mux.HandleFunc("/v1/ingestion/jobs/resolve-review", s.handleIngestionResolveReview)

	mux.HandleFunc("/v1/scheduler/trigger", s.handleSchedulerTrigger)
	mux.HandleFunc("/v1/scheduler/history", s.handleSchedulerHistory)

	mux.HandleFunc("/v1/search", s.handleSearch)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// authContext extracts the caller's user id from the X-User-Id header. A
// full deployment sits this adapter behind an authenticating proxy; the
// core itself has no notion of sessions or credentials.
func authContext(r *http.Request) (userID string, ok bool) {
	userID = r.Header.Get("X-User-Id")
	return userID, userID != ""
}

func (s *server) handleSyncWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := authContext(r)
	if !ok {
		http.Error(w, "missing X-User-Id", http.StatusUnauthorized)
		return
	}
	deviceID := r.URL.Query().Get("deviceId")
	deviceType := syncfabric.DeviceType(r.URL.Query().Get("deviceType"))
	if err := s.transport.Serve(w, r, userID, deviceID, deviceType); err != nil {
		writeError(w, http.StatusBadRequest, err)
	}
}

func (s *server) handleSyncEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := authContext(r)
	if !ok {
		http.Error(w, "missing X-User-Id", http.StatusUnauthorized)
		return
	}
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	events, err := s.eventLog.EventsSince(userID, since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *server) handleSkeletonVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.skeleton.Version()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *server) handleSkeletonSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.skeleton.Snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *server) handleSkeletonDelta(w http.ResponseWriter, r *http.Request) {
	from, err := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	changes, err := s.skeleton.Delta(from)
	if err != nil {
		if tooOld, ok := err.(*syncfabric.VersionTooOld); ok {
			writeJSON(w, http.StatusGone, tooOld)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

type enqueueRequest struct {
	ContentKind   queue.ContentKind   `json:"contentKind"`
	ContentID     string              `json:"contentId"`
	DisplayName   string              `json:"displayName"`
	Priority      queue.Priority      `json:"priority"`
	RequestSource queue.RequestSource `json:"requestSource"`
	RequestedBy   *string             `json:"requestedBy,omitempty"`
}

func (s *server) handleQueueEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	item := &queue.QueueItem{
		ContentKind:   req.ContentKind,
		ContentID:     req.ContentID,
		DisplayName:   req.DisplayName,
		Priority:      req.Priority,
		RequestSource: req.RequestSource,
		RequestedBy:   req.RequestedBy,
		Status:        queue.StatusPending,
	}
	position, err := s.engine.Enqueue(item)
	if err != nil {
		if apperrors.Is(err, apperrors.KindInvalidMessage) || apperrors.Is(err, apperrors.KindNotFound) || apperrors.Is(err, apperrors.KindAlreadyQueued) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": item.ID, "queuePosition": position})
}

func (s *server) handleQueueRetry(w http.ResponseWriter, r *http.Request) {
	itemID := r.URL.Query().Get("itemId")
	adminID := r.URL.Query().Get("adminId")
	if err := s.engine.AdminRetry(itemID, adminID); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleQueueCancel(w http.ResponseWriter, r *http.Request) {
	itemID := r.URL.Query().Get("itemId")
	if err := s.engine.Cancel(itemID); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleQueueProgress(w http.ResponseWriter, r *http.Request) {
	parentID := r.URL.Query().Get("parentId")
	progress, err := s.engine.GetProgress(parentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// handleCatalogEventEmit lets whatever process owns the catalog database
// tell every connected device to invalidate its cache of one entity. The
// core never decides when content changed; it only fans the notice out.
func (s *server) handleCatalogEventEmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		EventType   syncfabric.CatalogEventKind `json:"eventType"`
		ContentType string                      `json:"contentType"`
		ContentID   string                      `json:"contentId"`
		TriggeredBy *string                     `json:"triggeredBy,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	event, err := s.catalogEvents.Emit(req.EventType, req.ContentType, req.ContentID, req.TriggeredBy)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// handleIngestionJobGet returns one ingestion job's current state; the
// ingestion admin UI is out of scope here, this is the minimal surface
// a real one would be built against.
func (s *server) handleIngestionJobGet(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	job, err := s.ingestion.GetJob(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleIngestionResolveReview lets a human reviewer confirm which album a
// stuck ingestion job actually belongs to, resuming the workflow.
func (s *server) handleIngestionResolveReview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		JobID   string `json:"jobId"`
		AlbumID string `json:"albumId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	job, err := s.ingestion.GetJob(req.JobID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err := s.lifecycle.ResolveReview(job, req.AlbumID); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSchedulerTrigger(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	triggeredBy := r.URL.Query().Get("triggeredBy")
	if err := s.scheduler.Trigger(jobID, triggeredBy); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) handleSchedulerHistory(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 20
	}
	runs, err := s.scheduler.History(jobID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleSearch runs the streaming pipeline to completion and returns the
// accumulated sections as one JSON array. The sync transport carries no
// search traffic, so this is the only search surface and it does not
// deliver sections progressively.
func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		http.Error(w, "missing q", http.StatusBadRequest)
		return
	}

	results, err := parseRankedResults(r.URL.Query().Get("candidates"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	enricher := streamingEnricher{m: s.catalog}
	ch := streaming.Stream(r.Context(), query, results, s.searchCfg, enricher)

	var sections []streaming.Section
	for sec := range ch {
		sections = append(sections, sec)
	}
	writeJSON(w, http.StatusOK, sections)
}

func parseRankedResults(raw string) ([]streaming.RankedResult, error) {
	if raw == "" {
		return nil, nil
	}
	var results []streaming.RankedResult
	if err := json.Unmarshal([]byte(raw), &results); err != nil {
		return nil, err
	}
	return results, nil
}
