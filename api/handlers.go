package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"mime"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/poiesic/alexandria/core"
	"github.com/poiesic/alexandria/search"
	"github.com/poiesic/alexandria/tracker"
)

const (
	defaultListLimit = 50
	defaultHits      = 10
	maxHits          = 100
)

var errBadRequest = errors.New("bad request")

type documentPayload struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	// Base64 marks Content as base64-encoded binary.
	Base64 bool `json:"base64,omitempty"`
}

type submitPayload struct {
	Priority  string            `json:"priority,omitempty"`
	Documents []documentPayload `json:"documents"`
}

type submitResponse struct {
	BatchID   string   `json:"batch_id"`
	Documents int      `json:"documents"`
	Errors    []string `json:"errors,omitempty"`
}

type batchResponse struct {
	Batch     core.BatchRecord         `json:"batch"`
	Documents []tracker.DocumentStatus `json:"documents"`
}

type listResponse struct {
	Batches []core.BatchRecord `json:"batches"`
}

type searchResponse struct {
	Query   string          `json:"query"`
	Results []search.Result `json:"results"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	defer r.Body.Close()

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var (
		docs     []*core.Document
		priority = r.URL.Query().Get("priority")
		err      error
	)
	switch mediaType {
	case "multipart/form-data":
		docs, err = s.readMultipart(r)
	case "application/json", "":
		var p submitPayload
		p, err = readJSON(r.Body)
		if p.Priority != "" {
			priority = p.Priority
		}
		if err == nil {
			docs, err = p.documents()
		}
	default:
		err = fmt.Errorf("%w: unsupported content type %q", errBadRequest, mediaType)
	}
	if err != nil {
		httpError(w, err)
		return
	}

	var opts []tracker.SubmitOption
	if priority != "" {
		p, err := core.ParsePriority(priority)
		if err != nil {
			httpError(w, err)
			return
		}
		opts = append(opts, tracker.WithPriority(p))
	}

	batchID, err := s.ingester.Ingest(r.Context(), docs, opts...)
	if batchID == "" {
		httpError(w, err)
		return
	}
	resp := submitResponse{BatchID: batchID, Documents: len(docs)}
	if err != nil {
		// The batch exists; the failures are attributed to its documents.
		resp.Errors = strings.Split(err.Error(), "\n")
	}
	s.logger.Info("batch submitted", "batch", batchID, "documents", len(docs))
	writeJSON(w, http.StatusAccepted, resp)
}

func readJSON(body io.Reader) (submitPayload, error) {
	var p submitPayload
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return p, err
		}
		return p, fmt.Errorf("%w: invalid json payload: %w", errBadRequest, err)
	}
	return p, nil
}

func (p submitPayload) documents() ([]*core.Document, error) {
	docs := make([]*core.Document, 0, len(p.Documents))
	for i, d := range p.Documents {
		if d.Name == "" {
			return nil, fmt.Errorf("%w: document %d has no name", errBadRequest, i)
		}
		content := []byte(d.Content)
		if d.Base64 {
			decoded, err := base64.StdEncoding.DecodeString(d.Content)
			if err != nil {
				return nil, fmt.Errorf("%w: document %q: %w", errBadRequest, d.Name, err)
			}
			content = decoded
		}
		docs = append(docs, core.NewDocument(d.Name, content))
	}
	return docs, nil
}

// readMultipart turns every file part into a document, in field order.
func (s *Server) readMultipart(r *http.Request) ([]*core.Document, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", errBadRequest, err)
	}
	defer r.MultipartForm.RemoveAll()

	var docs []*core.Document
	for _, field := range slices.Sorted(maps.Keys(r.MultipartForm.File)) {
		for _, fh := range r.MultipartForm.File[field] {
			f, err := fh.Open()
			if err != nil {
				return nil, fmt.Errorf("opening %s: %w", fh.Filename, err)
			}
			content, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", fh.Filename, err)
			}
			docs = append(docs, core.NewDocument(fh.Filename, content))
		}
	}
	return docs, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("active") == "true" {
		writeJSON(w, http.StatusOK, listResponse{Batches: nonNil(s.batches.Active())})
		return
	}
	limit, err := intParam(q.Get("limit"), defaultListLimit)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Batches: nonNil(s.batches.List(limit))})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.batches.Status(id)
	if err != nil {
		httpError(w, err)
		return
	}
	docs, err := s.batches.Documents(id)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{Batch: rec, Documents: docs})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.batches.Cancel(r.Context(), id); err != nil {
		httpError(w, err)
		return
	}
	rec, err := s.batches.Status(id)
	if err != nil {
		httpError(w, err)
		return
	}
	s.logger.Info("batch cancelled", "batch", id)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.batches.Stats())
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	k, err := intParam(q.Get("k"), defaultHits)
	if err != nil {
		httpError(w, err)
		return
	}
	results, err := s.searcher.Search(r.Context(), query, min(k, maxHits))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{Query: query, Results: nonNil(results)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.health.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %q is not a positive integer", errBadRequest, raw)
	}
	return n, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
