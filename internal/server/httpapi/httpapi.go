// Package httpapi is the control plane's HTTP surface: the daemon protocol
// endpoints, the operator workload API, and queue administration.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"

	"github.com/armadahost/armada/internal/api"
	"github.com/armadahost/armada/internal/server/events"
	"github.com/armadahost/armada/internal/server/jobs"
	"github.com/armadahost/armada/internal/server/nodes"
	"github.com/armadahost/armada/internal/server/plans"
	"github.com/armadahost/armada/internal/server/scheduler"
	"github.com/armadahost/armada/internal/server/store"
)

// Principal identifies the caller of an operator endpoint for job actor
// attribution. Authentication itself lives outside this system; the token
// authenticator exists so a deployment works standalone.
type Principal interface {
	Authenticate(r *http.Request) (actor string, err error)
}

// TokenPrincipal admits requests bearing the configured token.
type TokenPrincipal struct {
	Token string
}

func (p *TokenPrincipal) Authenticate(r *http.Request) (string, error) {
	if p.Token == "" || r.Header.Get("Authorization") == "Bearer "+p.Token {
		actor := r.Header.Get("X-Armada-Actor")
		if actor == "" {
			actor = "operator"
		}
		return actor, nil
	}
	return "", errors.New("invalid token")
}

// Server holds the API's collaborators.
type Server struct {
	db        *gorm.DB
	nodes     *nodes.Service
	scheduler *scheduler.Scheduler
	queue     *jobs.Queue
	plans     plans.Resolver
	bus       *events.Bus
	principal Principal
}

func NewServer(db *gorm.DB, nodeSvc *nodes.Service, sched *scheduler.Scheduler, queue *jobs.Queue, resolver plans.Resolver, bus *events.Bus, principal Principal) *Server {
	return &Server{
		db:        db,
		nodes:     nodeSvc,
		scheduler: sched,
		queue:     queue,
		plans:     resolver,
		bus:       bus,
		principal: principal,
	}
}

// Router builds the chi mux.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// daemon protocol: authenticated by secret/join-code/signature, not by
	// the operator principal
	r.Route("/nodes/agent", func(r chi.Router) {
		r.Post("/register", s.agentRegister)
		r.Post("/poll", s.agentPoll)
		r.Post("/heartbeat", s.agentHeartbeat)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requirePrincipal)

		r.Get("/nodes", s.listNodes)
		r.Post("/nodes/{id}/approve", s.approveNode)
		r.Delete("/nodes/{id}", s.deleteNode)
		r.Post("/nodes/join-codes", s.mintJoinCode)
		r.Get("/nodes/join-codes", s.listJoinCodes)

		r.Post("/workloads", s.createWorkload)
		r.Get("/workloads", s.listWorkloads)
		r.Get("/workloads/{id}", s.getWorkload)
		r.Post("/workloads/{id}/start", s.workloadAction(jobs.QueueStart))
		r.Post("/workloads/{id}/stop", s.workloadAction(jobs.QueueStop))
		r.Post("/workloads/{id}/restart", s.workloadAction(jobs.QueueRestart))
		r.Delete("/workloads/{id}", s.workloadAction(jobs.QueueDelete))

		r.Get("/admin/queues", s.listQueues)
		r.Get("/admin/queues/{queue}/jobs", s.listJobs)
		r.Post("/admin/queues/{queue}/pause", s.pauseQueue)
		r.Post("/admin/queues/{queue}/resume", s.resumeQueue)
		r.Post("/admin/jobs/{id}/retry", s.retryJob)
		r.Delete("/admin/jobs/{id}", s.removeJob)
		r.Get("/admin/events/stream", s.streamEvents)
	})

	return r
}

type principalKey struct{}

func (s *Server) requirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := s.principal.Authenticate(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, &api.Error{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, withActor(r, actor))
	})
}

func withActor(r *http.Request, actor string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), principalKey{}, actor))
}

func actorFrom(r *http.Request) string {
	if actor, ok := r.Context().Value(principalKey{}).(string); ok {
		return actor
	}
	return "operator"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(v)
}

func uintParam(r *http.Request, name string) (uint, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseUint(raw, 10, 64)
	return uint(id), err
}

// --- daemon protocol ---

func (s *Server) agentRegister(w http.ResponseWriter, r *http.Request) {
	req := &api.RegisterRequest{}
	if err := decode(r, req); err != nil {
		writeJSON(w, http.StatusBadRequest, &api.Error{Error: err.Error()})
		return
	}
	resp, err := s.nodes.Register(req, r.Header.Get("X-Armada-Secret"), r.Header.Get("X-Armada-Join-Code"))
	if err != nil {
		s.writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) agentPoll(w http.ResponseWriter, r *http.Request) {
	req := &api.SignedRequest{}
	if err := decode(r, req); err != nil {
		writeJSON(w, http.StatusBadRequest, &api.Error{Error: err.Error()})
		return
	}
	resp, err := s.nodes.Poll(req)
	if err != nil {
		s.writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) agentHeartbeat(w http.ResponseWriter, r *http.Request) {
	req := &api.SignedRequest{}
	if err := decode(r, req); err != nil {
		writeJSON(w, http.StatusBadRequest, &api.Error{Error: err.Error()})
		return
	}
	resp, err := s.nodes.Heartbeat(req)
	if err != nil {
		s.writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeNodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, nodes.ErrAuthentication) {
		writeJSON(w, http.StatusUnauthorized, &api.Error{Error: "authentication failed"})
		return
	}
	log.Printf("node protocol error: %s", err)
	writeJSON(w, http.StatusInternalServerError, &api.Error{Error: "internal error"})
}

// --- operator: nodes ---

type nodeView struct {
	ID         uint      `json:"id"`
	Name       string    `json:"name"`
	Location   string    `json:"location"`
	URL        string    `json:"url"`
	Approved   bool      `json:"approved"`
	Status     string    `json:"status"`
	CPUCores   int64     `json:"cpu_cores"`
	MemoryMB   int64     `json:"memory_mb"`
	DiskMB     int64     `json:"disk_mb"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	list, err := s.nodes.List()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, &api.Error{Error: err.Error()})
		return
	}
	out := make([]nodeView, 0, len(list))
	for _, n := range list {
		out = append(out, nodeView{
			ID: n.ID, Name: n.Name, Location: n.Location, URL: n.URL,
			Approved: n.Approved, Status: n.Status,
			CPUCores: n.CPUCores, MemoryMB: n.MemoryMB, DiskMB: n.DiskMB,
			LastSeenAt: n.LastSeenAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) approveNode(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &api.Error{Error: "invalid node id"})
		return
	}
	if err := s.nodes.Approve(id); err != nil {
		if errors.Is(err, nodes.ErrNoCSR) || errors.Is(err, gorm.ErrRecordNotFound) {
			writeJSON(w, http.StatusConflict, &api.Error{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, &api.Error{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) deleteNode(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &api.Error{Error: "invalid node id"})
		return
	}
	if err := s.nodes.Delete(id); err != nil {
		if errors.Is(err, nodes.ErrHasWorkloads) {
			writeJSON(w, http.StatusConflict, &api.Error{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, &api.Error{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
}

type joinCodeRequest struct {
	TTLMinutes int `json:"ttl_minutes"`
}

type joinCodeView struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
}

func (s *Server) mintJoinCode(w http.ResponseWriter, r *http.Request) {
	req := &joinCodeRequest{}
	decode(r, req) // empty body means defaults
	ttl := time.Duration(req.TTLMinutes) * time.Minute
	if ttl == 0 {
		ttl = time.Hour
	}
	code, err := s.nodes.MintJoinCode(ttl)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, &api.Error{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, &joinCodeView{Code: code.Code, ExpiresAt: code.ExpiresAt})
}

func (s *Server) listJoinCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := s.nodes.ListJoinCodes()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, &api.Error{Error: err.Error()})
		return
	}
	out := make([]joinCodeView, 0, len(codes))
	for _, c := range codes {
		out = append(out, joinCodeView{Code: c.Code, ExpiresAt: c.ExpiresAt, Used: c.Used})
	}
	writeJSON(w, http.StatusOK, out)
}

// --- operator: workloads ---

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}$`)

type createWorkloadRequest struct {
	UserID   string `json:"user_id"`
	PlanID   string `json:"plan_id"`
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`

	// creation-time overrides
	Image      string   `json:"image,omitempty"`
	Command    []string `json:"command,omitempty"`
	Env        []string `json:"env,omitempty"`
	PortCount  int      `json:"port_count,omitempty"`
	Protocol   string   `json:"protocol,omitempty"`
	Contiguous bool     `json:"contiguous,omitempty"`
}

type workloadView struct {
	ID            uint   `json:"id"`
	UserID        string `json:"user_id"`
	PlanID        string `json:"plan_id"`
	Name          string `json:"name"`
	NodeID        *uint  `json:"node_id,omitempty"`
	DesiredStatus string `json:"desired_status"`
	Ports         []int  `json:"ports,omitempty"`
}

// createWorkload validates, schedules, records, and enqueues provisioning.
// Failures here are synchronous by design: the caller gets a clear reason
// (bad name, no such plan, insufficient capacity) instead of a failed job.
func (s *Server) createWorkload(w http.ResponseWriter, r *http.Request) {
	req := &createWorkloadRequest{}
	if err := decode(r, req); err != nil {
		writeJSON(w, http.StatusBadRequest, &api.Error{Error: err.Error()})
		return
	}
	if !nameRe.MatchString(req.Name) {
		writeJSON(w, http.StatusBadRequest, &api.Error{Error: "invalid workload name"})
		return
	}

	plan, err := s.plans.Resolve(req.PlanID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &api.Error{Error: err.Error()})
		return
	}

	nodeID, err := s.scheduler.Place(scheduler.Demand{
		CPUUnits: plan.CPUUnits,
		MemoryMB: plan.MemoryMB,
		DiskMB:   plan.DiskMB,
		Location: req.Location,
	})
	if err != nil {
		if errors.Is(err, scheduler.ErrInsufficientCapacity) {
			writeJSON(w, http.StatusConflict, &api.Error{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, &api.Error{Error: err.Error()})
		return
	}

	wl := &store.Workload{
		UserID:        req.UserID,
		PlanID:        plan.ID,
		NodeID:        &nodeID,
		Name:          req.Name,
		DesiredStatus: store.WorkloadStopped, // provisioning settles the real value
		CPUUnits:      plan.CPUUnits,
		MemoryMB:      plan.MemoryMB,
		DiskMB:        plan.DiskMB,
		ImageFamily:   plan.ImageFamily,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(wl).Error; err != nil {
			return err
		}
		if override := buildOverride(req, wl.ID); override != nil {
			return tx.Create(override).Error
		}
		return nil
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, &api.Error{Error: err.Error()})
		return
	}

	actor := actorFrom(r)
	if _, err := s.queue.Enqueue(jobs.QueueProvision, wl.ID, &nodeID, actor, nil); err != nil {
		writeJSON(w, http.StatusInternalServerError, &api.Error{Error: err.Error()})
		return
	}
	s.bus.Publish(events.SubjectAudit, &events.AuditEvent{
		Actor: actor, Action: "create", WorkloadID: wl.ID, Timestamp: time.Now(),
	})
	writeJSON(w, http.StatusAccepted, s.view(wl))
}

func buildOverride(req *createWorkloadRequest, workloadID uint) *store.WorkloadOverride {
	if req.Image == "" && len(req.Command) == 0 && len(req.Env) == 0 && req.PortCount == 0 {
		return nil
	}
	override := &store.WorkloadOverride{
		WorkloadID: workloadID,
		Image:      req.Image,
		PortCount:  req.PortCount,
		Protocol:   req.Protocol,
		Contiguous: req.Contiguous,
	}
	if len(req.Command) > 0 {
		raw, _ := json.Marshal(req.Command)
		override.Command = string(raw)
	}
	if len(req.Env) > 0 {
		raw, _ := json.Marshal(req.Env)
		override.Env = string(raw)
	}
	return override
}

func (s *Server) view(wl *store.Workload) *workloadView {
	out := &workloadView{
		ID: wl.ID, UserID: wl.UserID, PlanID: wl.PlanID, Name: wl.Name,
		NodeID: wl.NodeID, DesiredStatus: wl.DesiredStatus,
	}
	var allocs []store.PortAllocation
	if s.db.Where("workload_id = ?", wl.ID).Find(&allocs).Error == nil {
		for _, a := range allocs {
			out.Ports = append(out.Ports, a.Port)
		}
	}
	return out
}

func (s *Server) listWorkloads(w http.ResponseWriter, r *http.Request) {
	tx := s.db.Order("id")
	if user := r.URL.Query().Get("user_id"); user != "" {
		tx = tx.Where("user_id = ?", user)
	}
	var list []store.Workload
	if err := tx.Find(&list).Error; err != nil {
		writeJSON(w, http.StatusInternalServerError, &api.Error{Error: err.Error()})
		return
	}
	out := make([]*workloadView, 0, len(list))
	for i := range list {
		out = append(out, s.view(&list[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getWorkload(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &api.Error{Error: "invalid workload id"})
		return
	}
	wl := &store.Workload{}
	if err := s.db.First(wl, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeJSON(w, http.StatusNotFound, &api.Error{Error: "no such workload"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, &api.Error{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.view(wl))
}

// workloadAction enqueues a lifecycle job. The effect is asynchronous: the
// caller polls workload status rather than blocking on completion.
func (s *Server) workloadAction(queue string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uintParam(r, "id")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, &api.Error{Error: "invalid workload id"})
			return
		}
		wl := &store.Workload{}
		if err := s.db.First(wl, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				writeJSON(w, http.StatusNotFound, &api.Error{Error: "no such workload"})
				return
			}
			writeJSON(w, http.StatusInternalServerError, &api.Error{Error: err.Error()})
			return
		}
		if wl.DesiredStatus == store.WorkloadSuspended && queue != jobs.QueueDelete {
			writeJSON(w, http.StatusConflict, &api.Error{Error: "workload is suspended"})
			return
		}
		actor := actorFrom(r)
		if _, err := s.queue.Enqueue(queue, wl.ID, wl.NodeID, actor, nil); err != nil {
			writeJSON(w, http.StatusInternalServerError, &api.Error{Error: err.Error()})
			return
		}
		s.bus.Publish(events.SubjectAudit, &events.AuditEvent{
			Actor: actor, Action: queue, WorkloadID: wl.ID, Timestamp: time.Now(),
		})
		w.WriteHeader(http.StatusAccepted)
	}
}

// --- admin: queues ---

type queueView struct {
	Queue     string `json:"queue"`
	Queued    int64  `json:"queued"`
	Failed    int64  `json:"failed"`
	Completed int64  `json:"completed"`
	FailedAll int64  `json:"failed_total"`
	Paused    bool   `json:"paused"`
}

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	out := make([]queueView, 0, len(jobs.AllQueues))
	for _, queue := range jobs.AllQueues {
		var queued, failed int64
		s.db.Model(&store.Job{}).Where("queue = ? AND status = ?", queue, store.JobQueued).Count(&queued)
		s.db.Model(&store.Job{}).Where("queue = ? AND status = ?", queue, store.JobFailed).Count(&failed)
		completed, failedTotal := s.queue.Counters().Snapshot(queue)
		out = append(out, queueView{
			Queue: queue, Queued: queued, Failed: failed,
			Completed: completed, FailedAll: failedTotal,
			Paused: s.queue.IsPaused(queue),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.queue.List(chi.URLParam(r, "queue"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, &api.Error{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) pauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Pause(chi.URLParam(r, "queue")); err != nil {
		writeJSON(w, http.StatusBadRequest, &api.Error{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) resumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Resume(chi.URLParam(r, "queue")); err != nil {
		writeJSON(w, http.StatusBadRequest, &api.Error{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &api.Error{Error: "invalid job id"})
		return
	}
	if err := s.queue.Retry(id); err != nil {
		writeJSON(w, http.StatusInternalServerError, &api.Error{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) removeJob(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &api.Error{Error: "invalid job id"})
		return
	}
	if err := s.queue.Remove(id); err != nil {
		writeJSON(w, http.StatusInternalServerError, &api.Error{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
}

// streamEvents drains the bus to the client as newline-delimited JSON until
// the connection closes.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, &api.Error{Error: "streaming unsupported"})
		return
	}

	ch := make(chan []byte, 64)
	sub, err := s.bus.Subscribe(events.SubjectAll, func(subject string, payload []byte) {
		raw, _ := json.Marshal(map[string]json.RawMessage{
			"subject": json.RawMessage(strconv.Quote(subject)),
			"event":   json.RawMessage(payload),
		})
		select {
		case ch <- raw:
		default: // slow client, drop
		}
	})
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, &api.Error{Error: err.Error()})
		return
	}
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case raw := <-ch:
			w.Write(raw)
			w.Write([]byte("\n"))
			flusher.Flush()
		}
	}
}
