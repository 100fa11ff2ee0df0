// Package api serves an atom store over HTTP/JSON: the store operations,
// pattern queries with offset paging, and cursor traversal. pkg/remote is
// the matching client.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i5heu/atomspace/pkg/atomdb"
	"github.com/i5heu/atomspace/pkg/hasher"
	"github.com/i5heu/atomspace/pkg/iterator"
	"github.com/i5heu/atomspace/pkg/query"
	"github.com/i5heu/atomspace/pkg/traverse"
)

const (
	defaultPageLimit = 100
	maxBodyBytes     = 10 << 20

	headerRequestID = "X-Request-Id"
)

// Searcher resolves node names by substring.
type Searcher interface {
	GetMatchedNodeName(ctx context.Context, nodeType, substring string) ([]hasher.Handle, error)
}

type Server struct {
	mux      *http.ServeMux
	db       atomdb.AtomDB
	matcher  *query.Matcher
	searcher Searcher
	log      *slog.Logger
	auth     AuthFunc

	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.log = logger
		}
	}
}

type AuthFunc func(*http.Request) error

func WithAuth(auth AuthFunc) Option {
	return func(s *Server) {
		if auth != nil {
			s.auth = auth
		}
	}
}

// WithSearcher enables GET /search.
func WithSearcher(searcher Searcher) Option {
	return func(s *Server) {
		s.searcher = searcher
	}
}

func defaultAuth(*http.Request) error {
	return nil
}

func New(db atomdb.AtomDB, opts ...Option) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		db:       db,
		log:      slog.Default(),
		auth:     defaultAuth,
		registry: prometheus.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.matcher = query.NewMatcher(db, query.WithLogger(s.log))
	factory := promauto.With(s.registry)
	s.requests = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "atomspace_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	s.duration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atomspace_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	s.routes()
	return s
}

func (s *Server) routes() {
	s.handle("GET /atoms/{handle}", s.handleGetAtom)
	s.handle("GET /atoms/{handle}/incoming", s.handleIncoming)
	s.handle("GET /nodes/{type}/{name}", s.handleGetNode)
	s.handle("GET /nodes", s.handleListNodes)
	s.handle("POST /nodes", s.handleAddNode)
	s.handle("GET /links/{type}", s.handleGetLink)
	s.handle("GET /links", s.handleListLinks)
	s.handle("POST /links", s.handleAddLink)
	s.handle("GET /count", s.handleCount)
	s.handle("POST /query", s.handleQuery)
	s.handle("GET /search", s.handleSearch)
	s.handle("GET /traverse/{handle}/links", s.handleTraverseLinks)
	s.handle("GET /traverse/{handle}/neighbors", s.handleTraverseNeighbors)
	s.handle("POST /traverse/{handle}/follow", s.handleFollow)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

// handle registers h and records its metrics under pattern.
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.requests.WithLabelValues(pattern, strconv.Itoa(rec.status)).Inc()
		s.duration.WithLabelValues(pattern).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	} else {
		w.Header().Set("Vary", "Origin")
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)

	allowedHeaders := r.Header.Get("Access-Control-Request-Headers")
	if allowedHeaders == "" {
		allowedHeaders = "Content-Type, Accept"
	}
	w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	requestID := r.Header.Get(headerRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(headerRequestID, requestID)

	if err := s.auth(r); err != nil {
		s.log.Warn("authentication failed", "error", err, "request_id", requestID)
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "request_id", requestID)
	s.mux.ServeHTTP(w, r)
}

// Handler returns s as an http.Handler, for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s
}

func (s *Server) handleGetAtom(w http.ResponseWriter, r *http.Request) {
	h, ok := s.pathHandle(w, r)
	if !ok {
		return
	}
	doc, err := s.db.GetAtom(r.Context(), h)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleIncoming(w http.ResponseWriter, r *http.Request) {
	h, ok := s.pathHandle(w, r)
	if !ok {
		return
	}
	var opts atomdb.IncomingOptions
	var err error
	if opts.HandlesOnly, err = boolParam(r, "handles_only"); err != nil {
		s.badRequest(w, err)
		return
	}
	if opts.TargetsDocument, err = boolParam(r, "targets_document"); err != nil {
		s.badRequest(w, err)
		return
	}

	links, err := s.db.GetIncomingLinks(r.Context(), h, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if links == nil {
		links = []atomdb.IncomingLink{}
	}
	writeJSON(w, http.StatusOK, links)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	doc, err := s.db.GetNode(r.Context(), r.PathValue("type"), r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleGetLink(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("targets")
	if raw == "" {
		s.badRequest(w, errors.New("targets is required"))
		return
	}
	var targets []hasher.Handle
	for _, part := range strings.Split(raw, ",") {
		h, err := hasher.ParseHandle(part)
		if err != nil {
			s.badRequest(w, fmt.Errorf("invalid target: %w", err))
			return
		}
		targets = append(targets, h)
	}

	doc, err := s.db.GetLink(r.Context(), r.PathValue("type"), targets)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	req, err := pageParams(r)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	page, err := s.db.GetAllNodes(r.Context(), r.URL.Query().Get("type"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNilPage(page))
}

func (s *Server) handleListLinks(w http.ResponseWriter, r *http.Request) {
	linkType := r.URL.Query().Get("type")
	if linkType == "" {
		s.badRequest(w, errors.New("type is required"))
		return
	}
	req, err := pageParams(r)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	page, err := s.db.GetLinksByType(r.Context(), linkType, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNilPage(page))
}

func nonNilPage(p atomdb.Page) atomdb.Page {
	if p.Atoms == nil {
		p.Atoms = []atomdb.AtomDocument{}
	}
	return p
}

func (s *Server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	s.handleAdd(w, r, s.db.AddNode)
}

func (s *Server) handleAddLink(w http.ResponseWriter, r *http.Request) {
	s.handleAdd(w, r, s.db.AddLink)
}

func (s *Server) handleAdd(
	w http.ResponseWriter,
	r *http.Request,
	add func(context.Context, atomdb.AtomInput) (hasher.Handle, error),
) {
	var in atomdb.AtomInput
	if err := decodeBody(r, &in); err != nil {
		s.badRequest(w, err)
		return
	}
	h, err := add(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, HandleResponse{Handle: h.String()})
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	counts, err := s.db.CountAtoms(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// handleQuery evaluates the expression in the body and returns the answers
// in [offset, offset+limit). Every page re-runs the match; pages are
// consistent as long as the store does not grow in between.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) { // A
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.badRequest(w, fmt.Errorf("failed to read body: %w", err))
		return
	}
	expr, err := query.UnmarshalExpression(body)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	format := query.FormatHandle
	if f := r.URL.Query().Get("format"); f != "" {
		if format, err = query.ParseOutputFormat(f); err != nil {
			s.badRequest(w, err)
			return
		}
	}
	req, err := pageParams(r)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	limit := req.Limit
	if limit == 0 {
		limit = defaultPageLimit
	}

	bindings, err := s.matcher.Match(r.Context(), expr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	answers := query.Format(r.Context(), s.db, bindings, format)

	page := QueryPage{Answers: []query.Answer{}, Next: req.Offset}
	for i := 0; ; i++ {
		if !answers.Next() {
			page.Done = true
			break
		}
		if i < req.Offset {
			continue
		}
		if len(page.Answers) == limit {
			break
		}
		page.Answers = append(page.Answers, answers.Value())
		page.Next++
	}
	if err := answers.Err(); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.searcher == nil {
		http.Error(w, "search index disabled", http.StatusNotImplemented)
		return
	}
	q := r.URL.Query()
	handles, err := s.searcher.GetMatchedNodeName(r.Context(), q.Get("type"), q.Get("q"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := SearchResponse{Handles: make([]string, len(handles))}
	for i, h := range handles {
		resp.Handles[i] = h.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTraverseLinks(w http.ResponseWriter, r *http.Request) {
	h, ok := s.pathHandle(w, r)
	if !ok {
		return
	}
	filter, err := filterParams(r)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	if filter.TargetsOnly, err = boolParam(r, "targets_only"); err != nil {
		s.badRequest(w, err)
		return
	}

	var links *iterator.TraverseLinksIterator
	if filter.HandlesOnly {
		var cursor *traverse.Cursor[hasher.Handle]
		if cursor, err = traverse.NewHandleCursor(r.Context(), s.db, h, traverse.WithLogger(s.log)); err == nil {
			links, err = cursor.GetLinks(r.Context(), filter)
		}
	} else {
		var cursor *traverse.Cursor[atomdb.AtomDocument]
		if cursor, err = traverse.NewDocumentCursor(r.Context(), s.db, h, traverse.WithLogger(s.log)); err == nil {
			links, err = cursor.GetLinks(r.Context(), filter)
		}
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	answers, err := iterator.Collect[iterator.LinkAnswer](links)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if answers == nil {
		answers = []iterator.LinkAnswer{}
	}
	writeJSON(w, http.StatusOK, answers)
}

func (s *Server) handleTraverseNeighbors(w http.ResponseWriter, r *http.Request) {
	h, ok := s.pathHandle(w, r)
	if !ok {
		return
	}
	filter, err := filterParams(r)
	if err != nil {
		s.badRequest(w, err)
		return
	}

	cursor, err := traverse.NewDocumentCursor(r.Context(), s.db, h, traverse.WithLogger(s.log))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	neighbors, err := cursor.GetNeighbors(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	docs, err := iterator.Collect(neighbors)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if filter.HandlesOnly {
		handles := make([]string, len(docs))
		for i, d := range docs {
			handles[i] = d.Handle.String()
		}
		writeJSON(w, http.StatusOK, handles)
		return
	}
	if docs == nil {
		docs = []atomdb.AtomDocument{}
	}
	writeJSON(w, http.StatusOK, docs)
}

// handleFollow takes one random-walk step from the path handle.
func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request) {
	h, ok := s.pathHandle(w, r)
	if !ok {
		return
	}
	var req FollowRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}

	cursor, err := traverse.NewHandleCursor(r.Context(), s.db, h, traverse.WithLogger(s.log))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	moved, err := cursor.FollowLink(r.Context(), traverse.FollowOptions{
		LinkType:   req.LinkType,
		TargetType: req.TargetType,
		UniquePath: req.UniquePath,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FollowResponse{Handle: cursor.Current().String(), Moved: moved})
}

func (s *Server) pathHandle(w http.ResponseWriter, r *http.Request) (hasher.Handle, bool) {
	h, err := hasher.ParseHandle(r.PathValue("handle"))
	if err != nil {
		s.badRequest(w, fmt.Errorf("invalid handle: %w", err))
		return hasher.Handle{}, false
	}
	return h, true
}

func boolParam(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", name, err)
	}
	return b, nil
}

func intParam(r *http.Request, name string) (int, bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false, fmt.Errorf("invalid %s: %q", name, v)
	}
	return n, true, nil
}

func pageParams(r *http.Request) (atomdb.PageRequest, error) {
	offset, _, err := intParam(r, "offset")
	if err != nil {
		return atomdb.PageRequest{}, err
	}
	limit, _, err := intParam(r, "limit")
	if err != nil {
		return atomdb.PageRequest{}, err
	}
	return atomdb.PageRequest{Offset: offset, Limit: limit}, nil
}

func filterParams(r *http.Request) (iterator.LinkFilter, error) {
	q := r.URL.Query()
	filter := iterator.LinkFilter{
		LinkType:   q.Get("link_type"),
		TargetType: q.Get("target_type"),
	}
	pos, ok, err := intParam(r, "cursor_position")
	if err != nil {
		return iterator.LinkFilter{}, err
	}
	if ok {
		filter.CursorPosition = iterator.Position(pos)
	}
	if filter.HandlesOnly, err = boolParam(r, "handles_only"); err != nil {
		return iterator.LinkFilter{}, err
	}
	return filter, nil
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
}

// writeError reports err with the status and error kind a client maps back
// onto the store's sentinel errors.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) { // A
	resp := ErrorResponse{Error: err.Error(), ErrorKind: atomdb.ErrorKind(err)}
	status := http.StatusInternalServerError

	var paths *traverse.MultiplePathsError
	switch {
	case errors.As(err, &paths):
		status = http.StatusConflict
		resp.ErrorKind = KindMultiplePaths
		resp.Count = paths.Count
	case errors.Is(err, query.ErrInvalidExpression):
		status = http.StatusBadRequest
	case errors.Is(err, atomdb.ErrClosed):
		status = http.StatusServiceUnavailable
		resp.ErrorKind = atomdb.KindStoreUnavailable
	default:
		switch resp.ErrorKind {
		case atomdb.KindAtomDoesNotExist, atomdb.KindNodeDoesNotExist, atomdb.KindLinkDoesNotExist:
			status = http.StatusNotFound
		case atomdb.KindAddNode, atomdb.KindAddLink:
			status = http.StatusBadRequest
		case atomdb.KindAddressing:
			status = http.StatusConflict
		case atomdb.KindStoreUnavailable:
			status = http.StatusServiceUnavailable
		}
	}

	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "error", err, "path", r.URL.Path,
			"request_id", w.Header().Get(headerRequestID))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("failed to encode response", "error", err)
	}
}
