// Command npcmemoryd serves the memory service over HTTP/JSON, one
// resource per character, plus an /admin surface for maintenance.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Protocol-Lattice/npc-memory/memory/config"
	"github.com/Protocol-Lattice/npc-memory/memory/coordinator"
	"github.com/Protocol-Lattice/npc-memory/memory/embed"
)

func main() {
	opts := config.Defaults()
	fs := flag.NewFlagSet("npcmemoryd", flag.ExitOnError)
	config.RegisterFlags(fs, &opts)
	addr := fs.String("addr", ":8080", "listen address")
	fs.Parse(os.Args[1:])

	logger := log.New(os.Stderr, "npcmemoryd: ", log.LstdFlags)

	life := config.NewLifecycle(opts)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := life.Start(ctx); err != nil {
		logger.Fatalf("startup failed: %v", err)
	}

	srv := &server{coord: life.Coordinator, logger: logger}
	mux := http.NewServeMux()
	srv.register(mux)

	httpServer := &http.Server{Addr: *addr, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Printf("shutting down")
		shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
		if err := life.Shutdown(shutdownCtx); err != nil {
			logger.Printf("shutdown: %v", err)
		}
	}()

	logger.Printf("listening on %s", *addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("serve: %v", err)
	}
}

type server struct {
	coord  *coordinator.Coordinator
	logger *log.Logger
}

func (s *server) register(mux *http.ServeMux) {
	mux.HandleFunc("/memory/", s.handleMemory)
	mux.HandleFunc("/admin/characters", s.handleListCharacters)
	mux.HandleFunc("/admin/export/", s.handleExport)
	mux.HandleFunc("/admin/char/", s.handleAdminChar)
	mux.HandleFunc("/admin/memory/", s.handleAdminMemory)
	mux.HandleFunc("/admin/import", s.handleImport)
	mux.HandleFunc("/admin/health", s.handleHealth)
}

// handleMemory dispatches POST/GET/DELETE on /memory/{char} and the
// /memory/{char}/search, /memory/{char}/context sub-resources.
func (s *server) handleMemory(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/memory/")
	parts := strings.SplitN(path, "/", 2)
	character := parts[0]
	if character == "" {
		writeError(w, http.StatusNotFound, errNotFoundLiteral)
		return
	}
	sub := ""
	if len(parts) > 1 {
		sub = parts[1]
	}

	switch {
	case sub == "" && r.Method == http.MethodPost:
		s.handleAdd(w, r, character)
	case sub == "" && r.Method == http.MethodGet:
		s.handleGetRecent(w, r, character)
	case sub == "" && r.Method == http.MethodDelete:
		s.handleClear(w, r, character)
	case sub == "search" && r.Method == http.MethodGet:
		s.handleSearch(w, r, character)
	case sub == "context" && r.Method == http.MethodGet:
		s.handleContext(w, r, character)
	default:
		writeError(w, http.StatusNotFound, errNotFoundLiteral)
	}
}

const errNotFoundLiteral = "not found"

type addRequest struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (s *server) handleAdd(w http.ResponseWriter, r *http.Request, character string) {
	var req addRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.coord.Add(r.Context(), character, req.Content, req.Metadata)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":                   result.ID,
		"stored_in":            result.StoredIn,
		"evicted_to_buffer":    result.EvictedToBuffer,
		"buffer_auto_embedded": result.BufferAutoEmbedded,
	})
}

func (s *server) handleGetRecent(w http.ResponseWriter, r *http.Request, character string) {
	entries := s.coord.GetRecent(character)
	writeJSON(w, http.StatusOK, map[string]any{"memories": entries, "count": len(entries)})
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request, character string) {
	query := r.URL.Query().Get("query")
	k := parseK(r)
	results, err := s.coord.Search(r.Context(), character, query, k)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "count": len(results)})
}

func (s *server) handleContext(w http.ResponseWriter, r *http.Request, character string) {
	query := r.URL.Query().Get("query")
	k := parseK(r)
	ctxResult, err := s.coord.GetContext(r.Context(), character, query, k)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"recent":   ctxResult.Recent,
		"relevant": ctxResult.Relevant,
		"counts":   map[string]int{"recent": len(ctxResult.Recent), "relevant": len(ctxResult.Relevant)},
	})
}

func (s *server) handleClear(w http.ResponseWriter, r *http.Request, character string) {
	result, err := s.coord.Clear(r.Context(), character)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"recent_deleted":   result.RecentDeleted,
		"buffer_deleted":   result.BufferDeleted,
		"longterm_deleted": result.LongtermDeleted,
	})
}

func (s *server) handleListCharacters(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.coord.ListCharacters(r.Context())
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *server) handleExport(w http.ResponseWriter, r *http.Request) {
	character := strings.TrimPrefix(r.URL.Path, "/admin/export/")
	if character == "" {
		writeError(w, http.StatusNotFound, errNotFoundLiteral)
		return
	}
	bundle, err := s.coord.Export(r.Context(), character)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

// handleAdminChar dispatches /admin/char/{c}/embed-now and the
// paginated /admin/char/{c}/memories listing.
func (s *server) handleAdminChar(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/admin/char/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, errNotFoundLiteral)
		return
	}
	character, sub := parts[0], parts[1]
	switch {
	case sub == "embed-now" && r.Method == http.MethodPost:
		s.handleEmbedNow(w, r, character)
	case sub == "memories" && r.Method == http.MethodGet:
		s.handleAdminMemories(w, r, character)
	default:
		writeError(w, http.StatusNotFound, errNotFoundLiteral)
	}
}

func (s *server) handleEmbedNow(w http.ResponseWriter, r *http.Request, character string) {
	count, err := s.coord.ForceEmbed(r.Context(), character)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"embedded_count": count})
}

// handleAdminMemories serves newest-first pagination over a character's
// full bundle (every tier), capped at limit<=100.
func (s *server) handleAdminMemories(w http.ResponseWriter, r *http.Request, character string) {
	page, limit := parsePagination(r)
	bundle, err := s.coord.Export(r.Context(), character)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	sort.SliceStable(bundle, func(i, j int) bool {
		return bundle[i].Entry.Timestamp.After(bundle[j].Entry.Timestamp)
	})
	start := (page - 1) * limit
	if start < 0 {
		start = 0
	}
	if start > len(bundle) {
		start = len(bundle)
	}
	end := start + limit
	if end > len(bundle) {
		end = len(bundle)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"memories": bundle[start:end],
		"page":     page,
		"limit":    limit,
		"total":    len(bundle),
	})
}

func parsePagination(r *http.Request) (page, limit int) {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		page = 1
	}
	limit, err = strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return page, limit
}

// handleAdminMemory dispatches PUT/DELETE /admin/memory/{c}/{id}.
func (s *server) handleAdminMemory(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/admin/memory/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		writeError(w, http.StatusNotFound, errNotFoundLiteral)
		return
	}
	character, id := parts[0], parts[1]
	switch r.Method {
	case http.MethodPut:
		var req addRequest
		if !decodeBody(w, r, &req) {
			return
		}
		location, err := s.coord.Update(r.Context(), character, id, req.Content, req.Metadata)
		if err != nil {
			s.writeCoordinatorError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"updated_in": location})
	case http.MethodDelete:
		location, err := s.coord.Delete(r.Context(), character, id)
		if err != nil {
			s.writeCoordinatorError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted_from": location})
	default:
		writeError(w, http.StatusNotFound, errNotFoundLiteral)
	}
}

type importRequestItem struct {
	Character string         `json:"char"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

type importRequest struct {
	Memories []importRequestItem `json:"memories"`
}

// handleImport runs POST /admin/import; partial failures return a
// per-item error list with 207 instead of aborting the whole batch.
func (s *server) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, errNotFoundLiteral)
		return
	}
	var req importRequest
	if !decodeBody(w, r, &req) {
		return
	}
	requests := make([]coordinator.ImportRequest, len(req.Memories))
	for i, m := range req.Memories {
		ir := coordinator.ImportRequest{Character: m.Character, Content: m.Content, Metadata: m.Metadata}
		if m.Timestamp != "" {
			if ts, err := time.Parse(time.RFC3339Nano, m.Timestamp); err == nil {
				ir.Timestamp = ts
			}
		}
		requests[i] = ir
	}
	imported, failed := s.coord.Import(r.Context(), requests)
	status := http.StatusOK
	if len(failed) > 0 && imported > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, map[string]any{"imported": imported, "failed": failed})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"embedding": s.coord.EmbeddingStatus().String(),
	})
}

func (s *server) writeCoordinatorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrEmptyContent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, coordinator.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, embed.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeBody reads a JSON request body into dst, distinguishing a
// schema/type mismatch (422) from a body that isn't JSON at all (400).
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			writeError(w, http.StatusUnprocessableEntity, "validation failure: "+err.Error())
		} else {
			writeError(w, http.StatusBadRequest, "malformed request body")
		}
		return false
	}
	return true
}

func parseK(r *http.Request) int {
	k, err := strconv.Atoi(r.URL.Query().Get("k"))
	if err != nil {
		return 0
	}
	return k
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
