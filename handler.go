package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bookbridge/bookbridge/internal"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// handler is our HTTP handler. It defers all domain work to the Service
// and handles muxing, the response envelope, and header conventions.
type handler struct {
	svc             *internal.Service
	unifiedEnvelope bool
	upgrader        websocket.Upgrader
}

func newHandler(svc *internal.Service, unifiedEnvelope bool) *handler {
	return &handler{
		svc:             svc,
		unifiedEnvelope: unifiedEnvelope,
		upgrader:        websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
}

// newMux registers every route of spec.md §6 on a chi.Router, wrapping
// every response in CORS headers and a request ID.
func newMux(h *handler) http.Handler {
	r := chi.NewRouter()
	r.Use(corsHeaders)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := middleware.GetReqID(r.Context()); id != "" {
				w.Header().Set("X-Request-ID", id)
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/v1/search/isbn", h.searchISBN)
	r.Get("/v1/search/title", h.searchTitle)
	r.Get("/v1/search/author", h.searchAuthor)

	r.Post("/v1/batch-enrichment", h.batchLaunch)
	r.Get("/v1/batch-enrichment/{jobId}", h.batchStatus)
	r.Post("/v1/batch-enrichment/{jobId}/cancel", h.batchCancel)
	r.Post("/api/token/refresh", h.tokenRefresh)
	r.Get("/ws/progress", h.wsProgress)

	r.Post("/v1/books/import/csv", h.importCSV)
	r.Post("/v1/bookshelf/scan", h.bookshelfScan)

	r.Get("/metrics", h.metrics)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, r, internal.NewError(internal.KindNotFound, "no such route"))
	})

	return r
}

// corsHeaders is a permissive CORS policy: every response carries the
// headers spec.md §6 requires.
func corsHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// envelope is the canonical response shape of spec.md §6.
type envelope struct {
	Success  bool           `json:"success"`
	Data     any            `json:"data,omitempty"`
	Metadata envelopeMeta   `json:"metadata"`
	Error    *envelopeError `json:"error,omitempty"`
}

type envelopeMeta struct {
	Source      string  `json:"source,omitempty"`
	Timestamp   string  `json:"timestamp"`
	Cached      bool    `json:"cached"`
	CacheSource string  `json:"cacheSource,omitempty"`
	TTL         float64 `json:"ttl,omitempty"`
	RequestID   string  `json:"requestId"`
}

type envelopeError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// principal derives the rate-limiter/job-owner identity: authenticated
// identity (bearer token) first, else source address, per the rate
// limiter design.
func principal(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if tok, ok := strings.CutPrefix(auth, "Bearer "); ok && tok != "" {
			return "bearer:" + tok
		}
	}
	return "addr:" + r.RemoteAddr
}

func (h *handler) allow(w http.ResponseWriter, r *http.Request, class internal.EndpointClass) bool {
	if err := h.svc.Allow(r.Context(), principal(r), class); err != nil {
		h.writeError(w, r, err)
		return false
	}
	return true
}

func (h *handler) writeEnvelope(w http.ResponseWriter, r *http.Request, data any, cr internal.CacheResult, source string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache-Status", string(cr.Status))
	if cr.Tier != "" {
		w.Header().Set("X-Cache-Tier", string(cr.Tier))
	}
	if cr.TTL > 0 {
		w.Header().Set("X-Cache-TTL", strconv.Itoa(int(cr.TTL.Seconds())))
	}

	reqID := middleware.GetReqID(r.Context())

	if !h.unifiedEnvelope {
		// Legacy shape: bare data, no metadata wrapper.
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(data)
		return
	}

	env := envelope{
		Success: true,
		Data:    data,
		Metadata: envelopeMeta{
			Source:    source,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Cached:    cr.Status == internal.StatusHit,
			RequestID: reqID,
		},
	}
	if cr.Status == internal.StatusHit {
		env.Metadata.CacheSource = string(cr.Tier)
	}
	if cr.TTL > 0 {
		env.Metadata.TTL = cr.TTL.Seconds()
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(env)
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var se *internal.StatusErr
	status := http.StatusInternalServerError
	kind := internal.KindUnknown
	if errors.As(err, &se) {
		status = se.Status()
		kind = se.Kind
		if se.Kind == internal.KindRateLimited && se.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(se.RetryAfter)))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Success: false,
		Metadata: envelopeMeta{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			RequestID: middleware.GetReqID(r.Context()),
		},
		Error: &envelopeError{Kind: kind.String(), Message: err.Error()},
	})
}

// searchISBN handles GET /v1/search/isbn?isbn=…
func (h *handler) searchISBN(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, internal.ClassRead) {
		return
	}
	isbn := r.URL.Query().Get("isbn")
	if isbn == "" {
		h.writeError(w, r, internal.NewError(internal.KindValidation, "isbn is required"))
		return
	}

	ctx, cancel := internal.WithTimeout(r.Context(), internal.DefaultOrchestrationBudget)
	defer cancel()

	work, cr, err := h.svc.SearchISBN(ctx, isbn)
	if err != nil {
		if internal.IsNotFound(err) {
			h.writeEnvelope(w, r, []internal.Work{}, cr, "")
			return
		}
		h.writeError(w, r, err)
		return
	}
	h.writeEnvelope(w, r, work, cr, work.PrimaryProvider)
}

// searchTitle handles GET /v1/search/title?q=…&maxResults=…
func (h *handler) searchTitle(w http.ResponseWriter, r *http.Request) {
	h.searchText(w, r, h.svc.SearchTitle)
}

// searchAuthor handles GET /v1/search/author?q=…
func (h *handler) searchAuthor(w http.ResponseWriter, r *http.Request) {
	h.searchText(w, r, h.svc.SearchAuthor)
}

// searchText is shared by the title and author routes: both parse the
// same q/maxResults query params and return the same envelope shape.
func (h *handler) searchText(w http.ResponseWriter, r *http.Request, search func(ctx context.Context, q string, maxResults int) ([]internal.Work, internal.CacheResult, error)) {
	if !h.allow(w, r, internal.ClassRead) {
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		h.writeError(w, r, internal.NewError(internal.KindValidation, "q is required"))
		return
	}
	maxResults := 20
	if raw := r.URL.Query().Get("maxResults"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, r, internal.NewError(internal.KindValidation, "maxResults must be a positive integer"))
			return
		}
		maxResults = n
	}

	ctx, cancel := internal.WithTimeout(r.Context(), internal.DefaultOrchestrationBudget)
	defer cancel()

	works, cr, err := search(ctx, q, maxResults)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	source := ""
	if len(works) > 0 {
		source = works[0].PrimaryProvider
	}
	h.writeEnvelope(w, r, works, cr, source)
}

func (h *handler) metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(h.svc.Registry(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// batchLaunch handles POST /v1/batch-enrichment.
func (h *handler) batchLaunch(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, internal.ClassBatch) {
		return
	}

	var body struct {
		Items []string `json:"items"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
		h.writeError(w, r, internal.NewError(internal.KindValidation, "malformed request body"))
		return
	}

	result, err := h.svc.LaunchBatch(r.Context(), principal(r), body.Items)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jobId":              result.JobID,
		"streamURL":          result.StreamURL,
		"authToken":          result.Token,
		"authTokenExpiresAt": result.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// batchStatus handles GET /v1/batch-enrichment/{jobId}, a plain
// non-streaming read of job progress for callers that don't want a
// websocket — a pure getSnapshot() per spec.md §4.9.
func (h *handler) batchStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	state, err := h.svc.Snapshot(r.Context(), jobID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(state)
}

// batchCancel handles POST /v1/batch-enrichment/{jobId}/cancel.
func (h *handler) batchCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	token := bearerToken(r)
	if token == "" {
		h.writeError(w, r, internal.NewError(internal.KindUnauthenticated, "missing bearer token"))
		return
	}
	if err := h.svc.CancelBatch(r.Context(), jobID, token); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// tokenRefresh handles POST /api/token/refresh.
func (h *handler) tokenRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		JobID string `json:"jobId"`
		Token string `json:"token"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil {
		h.writeError(w, r, internal.NewError(internal.KindValidation, "malformed request body"))
		return
	}

	newToken, err := h.svc.RefreshToken(r.Context(), body.JobID, body.Token)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token":     newToken.Token,
		"expiresAt": newToken.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func bearerToken(r *http.Request) string {
	if tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return tok
	}
	return ""
}

// wsProgress handles the duplex upgrade for /ws/progress?jobId=….
func (h *handler) wsProgress(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	token := bearerToken(r)
	if jobID == "" || token == "" {
		h.writeError(w, r, internal.NewError(internal.KindUnauthenticated, "jobId and bearer token are required"))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		internal.Log(r.Context()).Warn("websocket upgrade failed", "err", err)
		return
	}

	backlog := h.svc.JobBacklog(jobID)
	if backlog == nil {
		_ = conn.Close()
		return
	}

	stream := internal.NewProgressStream(jobID, conn, backlog, h.svc.StreamMetrics())
	if err := h.svc.AttachStream(jobID, token, stream); err != nil {
		stream.Close()
		return
	}
}

// importCSV handles POST /v1/books/import/csv, capped at 10 MiB.
func (h *handler) importCSV(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, internal.ClassBatch) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	reader := csv.NewReader(r.Body)
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		if isMaxBytesErr(err) {
			h.writeError(w, r, internal.NewError(internal.KindPayloadTooLarge, "csv exceeds 10MiB limit"))
			return
		}
		h.writeError(w, r, internal.NewError(internal.KindValidation, "malformed csv"))
		return
	}
	if len(rows) > 1 {
		rows = rows[1:] // drop header row
	}

	result, err := h.svc.ImportCSV(r.Context(), principal(r), rows)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jobId":              result.JobID,
		"streamURL":          result.StreamURL,
		"authToken":          result.Token,
		"authTokenExpiresAt": result.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func isMaxBytesErr(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

// bookshelfScan handles POST /v1/bookshelf/scan, a multipart upload of one
// or more photos.
func (h *handler) bookshelfScan(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, internal.ClassBatch) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		if isMaxBytesErr(err) {
			h.writeError(w, r, internal.NewError(internal.KindPayloadTooLarge, "upload exceeds 10MiB limit"))
			return
		}
		h.writeError(w, r, internal.NewError(internal.KindUnsupportedMediaType, "expected multipart/form-data"))
		return
	}

	files := r.MultipartForm.File["images"]
	if len(files) == 0 {
		h.writeError(w, r, internal.NewError(internal.KindValidation, "no images supplied"))
		return
	}

	images := make([][]byte, 0, len(files))
	for _, fh := range files {
		data, err := readMultipartFile(fh)
		if err != nil {
			h.writeError(w, r, internal.NewError(internal.KindValidation, "unreadable image upload"))
			return
		}
		images = append(images, data)
	}

	result, err := h.svc.ScanBookshelf(r.Context(), principal(r), images)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jobId":              result.JobID,
		"streamURL":          result.StreamURL,
		"authToken":          result.Token,
		"authTokenExpiresAt": result.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func readMultipartFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}
