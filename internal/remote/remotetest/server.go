// Package remotetest provides an in-memory task server speaking the same REST
// API as the real one, with switches for simulating outages.
package remotetest

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/taskcache/internal/remote"
	"github.com/steveyegge/taskcache/internal/schema"
)

type cachedResponse struct {
	status int
	body   []byte
}

// Server is a fake task server. The zero value is not usable; call NewServer.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	nextID   int64
	now      func() time.Time
	tasks    map[int64]*schema.Task
	labels   map[int64]*schema.Label
	projects map[int64]*schema.Project

	// Token, when set, is required as a bearer token.
	Token string

	offline    bool
	failStatus int
	failCount  int
	failMatch  string
	delay      time.Duration

	idempotent map[string]cachedResponse
	calls      []string
}

// NewServer starts a server. It is closed automatically by Close.
func NewServer() *Server {
	s := &Server{
		nextID:     100,
		now:        func() time.Time { return time.Now().UTC().Truncate(time.Second) },
		tasks:      make(map[int64]*schema.Task),
		labels:     make(map[int64]*schema.Label),
		projects:   make(map[int64]*schema.Project),
		idempotent: make(map[string]cachedResponse),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+remote.APIPrefix+"/health", s.handleHealth)
	mux.HandleFunc("POST "+remote.APIPrefix+"/tasks", s.handleCreateTask)
	mux.HandleFunc("PUT "+remote.APIPrefix+"/tasks/{id}", s.handleUpdateTask)
	mux.HandleFunc("DELETE "+remote.APIPrefix+"/tasks/{id}", s.handleDeleteTask)
	mux.HandleFunc("GET "+remote.APIPrefix+"/tasks", s.handleListTasks)
	mux.HandleFunc("PUT "+remote.APIPrefix+"/tasks/{id}/labels/{label}", s.handleAddLabel)
	mux.HandleFunc("DELETE "+remote.APIPrefix+"/tasks/{id}/labels/{label}", s.handleRemoveLabel)
	mux.HandleFunc("POST "+remote.APIPrefix+"/labels", s.handleCreateLabel)
	mux.HandleFunc("PUT "+remote.APIPrefix+"/labels/{id}", s.handleUpdateLabel)
	mux.HandleFunc("DELETE "+remote.APIPrefix+"/labels/{id}", s.handleDeleteLabel)
	mux.HandleFunc("GET "+remote.APIPrefix+"/labels", s.handleListLabels)
	mux.HandleFunc("GET "+remote.APIPrefix+"/projects", s.handleListProjects)

	s.Server = httptest.NewServer(s.middleware(mux))
	return s
}

// Client returns a remote client for this server whose transport fails with
// "connection refused" while the server is offline.
func (s *Server) Client(timeout time.Duration) *remote.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	dial := transport.DialContext
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if s.Offline() {
			return nil, &net.OpError{Op: "dial", Net: network, Err: syscall.ECONNREFUSED}
		}
		return dial(ctx, network, addr)
	}
	// Fresh connections per request so SetOffline takes effect immediately.
	transport.DisableKeepAlives = true

	c, err := remote.NewClient(remote.Config{
		BaseURL:    s.URL,
		Token:      s.Token,
		Timeout:    timeout,
		HTTPClient: &http.Client{Transport: transport},
	})
	if err != nil {
		panic(err)
	}
	return c
}

// SetOffline makes every request (health included) fail to connect.
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// Offline reports the simulated connectivity state.
func (s *Server) Offline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offline
}

// FailNext makes the next count requests whose "METHOD path" starts with
// match (empty = any non-health request) answer with status.
func (s *Server) FailNext(status, count int, match string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus = status
	s.failCount = count
	s.failMatch = match
}

// SetDelay delays every response, to exercise client timeouts.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Calls returns "METHOD path" for every request that reached a handler.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// CountCalls counts recorded calls starting with prefix.
func (s *Server) CountCalls(prefix string) int {
	n := 0
	for _, c := range s.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// PutTask seeds or replaces a task.
func (s *Server) PutTask(t *schema.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := t.Clone()
	c.SetDefaults(s.now())
	c.SyncState = ""
	s.tasks[c.ID] = c
	if c.ID >= s.nextID {
		s.nextID = c.ID + 1
	}
}

// PutLabel seeds or replaces a label.
func (s *Server) PutLabel(l *schema.Label) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *l
	c.SetDefaults(s.now())
	c.SyncState = ""
	s.labels[c.ID] = &c
	if c.ID >= s.nextID {
		s.nextID = c.ID + 1
	}
}

// PutProject seeds or replaces a project.
func (s *Server) PutProject(p *schema.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *p
	s.projects[c.ID] = &c
}

// Task returns a copy of a stored task, or nil.
func (s *Server) Task(id int64) *schema.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id].Clone()
}

// Tasks returns copies of all stored tasks ordered by id.
func (s *Server) Tasks() []*schema.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*schema.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Labels returns copies of all stored labels ordered by id.
func (s *Server) Labels() []*schema.Label {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*schema.Label, 0, len(s.labels))
	for _, l := range s.labels {
		c := *l
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// middleware applies auth, failure injection, call recording and
// idempotent replay of mutating requests.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := r.Method + " " + strings.TrimPrefix(r.URL.Path, remote.APIPrefix)

		s.mu.Lock()
		delay := s.delay
		isHealth := strings.HasSuffix(r.URL.Path, "/health")
		inject := 0
		if !isHealth && s.failCount > 0 && strings.HasPrefix(call, s.failMatch) {
			s.failCount--
			inject = s.failStatus
		}
		if !isHealth {
			s.calls = append(s.calls, call)
		}
		s.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}

		if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if inject != 0 {
			writeError(w, inject, "injected failure")
			return
		}

		key := r.Header.Get(remote.IdempotencyHeader)
		if key == "" || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}

		s.mu.Lock()
		cached, ok := s.idempotent[key]
		s.mu.Unlock()
		if ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(cached.status)
			_, _ = w.Write(cached.body)
			return
		}

		rec := httptest.NewRecorder()
		next.ServeHTTP(rec, r)
		if rec.Code < 300 {
			s.mu.Lock()
			s.idempotent[key] = cachedResponse{status: rec.Code, body: rec.Body.Bytes()}
			s.mu.Unlock()
		}
		for k, v := range rec.Header() {
			w.Header()[k] = v
		}
		w.WriteHeader(rec.Code)
		_, _ = w.Write(rec.Body.Bytes())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var in schema.Task
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := in.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	t := in.Clone()
	t.ID = s.nextID
	s.nextID++
	t.CreatedAt = now
	t.UpdatedAt = now
	// Labels are only attached through the association endpoints.
	t.Labels = []*schema.Label{}
	t.Attachments = nil
	s.tasks[t.ID] = t

	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var in schema.Task
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := in.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.tasks[id]
	if !exists {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	t := in.Clone()
	t.ID = id
	t.CreatedAt = cur.CreatedAt
	t.UpdatedAt = s.now()
	t.Labels = cur.Labels
	t.Attachments = cur.Attachments
	if t.Done && t.DoneAt == nil {
		ts := t.UpdatedAt
		t.DoneAt = &ts
	}
	if !t.Done {
		t.DoneAt = nil
	}
	s.tasks[id] = t

	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[id]; !exists {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	delete(s.tasks, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddLabel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	labelID, ok := pathID(w, r, "label")
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[id]
	if !exists {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	l, exists := s.labels[labelID]
	if !exists {
		writeError(w, http.StatusNotFound, "label not found")
		return
	}
	if t.HasLabel(labelID) {
		writeError(w, http.StatusConflict, "label already attached")
		return
	}
	c := *l
	t.Labels = append(t.Labels, &c)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveLabel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	labelID, ok := pathID(w, r, "label")
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[id]
	if !exists || !t.HasLabel(labelID) {
		writeError(w, http.StatusNotFound, "association not found")
		return
	}
	kept := t.Labels[:0]
	for _, l := range t.Labels {
		if l.ID != labelID {
			kept = append(kept, l)
		}
	}
	t.Labels = kept
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	page, perPage := pageParams(r)
	onlyOpen := r.URL.Query().Get("done") == "false"

	s.mu.Lock()
	all := make([]*schema.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if onlyOpen && t.Done {
			continue
		}
		all = append(all, t.Clone())
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	writeJSON(w, http.StatusOK, paginate(all, page, perPage))
}

func (s *Server) handleCreateLabel(w http.ResponseWriter, r *http.Request) {
	var in schema.Label
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := in.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	l := in
	l.ID = s.nextID
	s.nextID++
	l.CreatedAt = now
	l.UpdatedAt = now
	s.labels[l.ID] = &l
	writeJSON(w, http.StatusCreated, &l)
}

func (s *Server) handleUpdateLabel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var in schema.Label
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := in.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.labels[id]
	if !exists {
		writeError(w, http.StatusNotFound, "label not found")
		return
	}
	l := in
	l.ID = id
	l.CreatedAt = cur.CreatedAt
	l.UpdatedAt = s.now()
	s.labels[id] = &l
	writeJSON(w, http.StatusOK, &l)
}

func (s *Server) handleDeleteLabel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.labels[id]; !exists {
		writeError(w, http.StatusNotFound, "label not found")
		return
	}
	delete(s.labels, id)
	for _, t := range s.tasks {
		kept := t.Labels[:0]
		for _, l := range t.Labels {
			if l.ID != id {
				kept = append(kept, l)
			}
		}
		t.Labels = kept
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListLabels(w http.ResponseWriter, r *http.Request) {
	page, perPage := pageParams(r)
	writeJSON(w, http.StatusOK, paginate(s.Labels(), page, perPage))
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	page, perPage := pageParams(r)
	onlyActive := r.URL.Query().Get("archived") == "false"

	s.mu.Lock()
	all := make([]*schema.Project, 0, len(s.projects))
	for _, p := range s.projects {
		if onlyActive && p.Archived {
			continue
		}
		c := *p
		all = append(all, &c)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	writeJSON(w, http.StatusOK, paginate(all, page, perPage))
}

func paginate[T any](all []T, page, perPage int) []T {
	start := (page - 1) * perPage
	if start >= len(all) {
		return []T{}
	}
	end := start + perPage
	if end > len(all) {
		end = len(all)
	}
	return all[start:end]
}

func pageParams(r *http.Request) (int, int) {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		page = 1
	}
	perPage, err := strconv.Atoi(r.URL.Query().Get("per_page"))
	if err != nil || perPage < 1 {
		perPage = 50
	}
	return page, perPage
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", name))
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"message":    msg,
		"request_id": uuid.NewString(),
	})
}
