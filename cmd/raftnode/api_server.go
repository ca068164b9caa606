package main

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	jsonvalidator "github.com/galdor/go-json-validator"
	"github.com/galdor/go-raftgroup/pkg/raft"
	"github.com/galdor/go-raftgroup/pkg/tasks"
	"github.com/galdor/go-service/pkg/shttp"
)

const commitTimeout = 5 * time.Second

type APIServer struct {
	Service *Service
}

type AddMemberRequest struct {
	Id   raft.NodeId   `json:"id"`
	Host string        `json:"host"`
	Port int           `json:"port"`
	Role raft.NodeRole `json:"role,omitempty"`
}

type ScheduleTaskRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Milliseconds
	Delay int `json:"delay,omitempty"`
}

type ScheduleTaskResponse struct {
	Id string `json:"id"`
}

func (r *AddMemberRequest) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckStringNotEmpty("id", string(r.Id))
	v.CheckStringNotEmpty("host", r.Host)
	v.Check("port", r.Port > 0 && r.Port < 65536, "invalid_value",
		"invalid port %d", r.Port)
}

func (r *ScheduleTaskRequest) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckStringNotEmpty("type", r.Type)
	v.Check("delay", r.Delay >= 0, "invalid_value", "invalid delay %d",
		r.Delay)
}

func NewAPIServer(s *Service) (*APIServer, error) {
	api := APIServer{
		Service: s,
	}

	return &api, nil
}

func (api *APIServer) Init() error {
	api.initRoutes()
	return nil
}

func (api *APIServer) initRoutes() {
	api.Route("/groups", "GET", api.hGroupsGET)
	api.Route("/groups/:group", "GET", api.hGroupGET)
	api.Route("/groups/:group/events", "GET", api.hGroupEventsGET)
	api.Route("/groups/:group/events", "POST", api.hGroupEventsPOST)
	api.Route("/groups/:group/members", "POST", api.hGroupMembersPOST)
	api.Route("/groups/:group/members/:node", "DELETE",
		api.hGroupMemberDELETE)
	api.Route("/groups/:group/election", "POST", api.hGroupElectionPOST)
	api.Route("/groups/:group/tasks", "POST", api.hGroupTasksPOST)
}

func (api *APIServer) Route(pathPattern, method string, routeFunc shttp.RouteFunc) {
	s := api.Service.Service.HTTPServer("api")
	s.Route(pathPattern, method, routeFunc)
}

func (api *APIServer) group(h *shttp.Handler) *Group {
	id := h.PathVariable("group")

	group, found := api.Service.Group(id)
	if !found {
		h.ReplyError(404, "unknown_group", "unknown group %q", id)
		return nil
	}

	return group
}

func (api *APIServer) hGroupsGET(h *shttp.Handler) {
	statuses := []raft.NodeStatus{}

	for _, group := range api.Service.SortedGroups() {
		statuses = append(statuses, group.Node.Status())
	}

	h.ReplyJSON(200, statuses)
}

func (api *APIServer) hGroupGET(h *shttp.Handler) {
	group := api.group(h)
	if group == nil {
		return
	}

	h.ReplyJSON(200, group.Node.Status())
}

func (api *APIServer) hGroupEventsGET(h *shttp.Handler) {
	group := api.group(h)
	if group == nil {
		return
	}

	var after raft.LogIndex
	if s := h.QueryParameter("after"); s != "" {
		i, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			h.ReplyError(400, "invalid_query_parameter",
				"invalid after parameter: %v", err)
			return
		}

		after = raft.LogIndex(i)
	}

	max := 100
	if s := h.QueryParameter("max"); s != "" {
		i, err := strconv.Atoi(s)
		if err != nil || i < 1 {
			h.ReplyError(400, "invalid_query_parameter",
				"invalid max parameter %q", s)
			return
		}

		max = i
	}

	h.ReplyJSON(200, group.Events.Events(after, max))
}

func (api *APIServer) hGroupEventsPOST(h *shttp.Handler) {
	group := api.group(h)
	if group == nil {
		return
	}

	var data json.RawMessage
	if err := h.JSONRequestData(&data); err != nil {
		return
	}

	future := group.Node.AppendEntry(EntryTypeEvent, data)
	if err := api.waitCommit(future); err != nil {
		api.replyWriteError(h, err)
		return
	}

	h.ReplyEmpty(204)
}

func (api *APIServer) hGroupMembersPOST(h *shttp.Handler) {
	group := api.group(h)
	if group == nil {
		return
	}

	var req AddMemberRequest
	if err := h.JSONRequestData(&req); err != nil {
		return
	}

	node := raft.Node{
		Id:   req.Id,
		Host: req.Host,
		Port: req.Port,
		Role: req.Role,
	}

	if err := api.waitCommit(group.Node.AddNode(node)); err != nil {
		api.replyWriteError(h, err)
		return
	}

	h.ReplyEmpty(204)
}

func (api *APIServer) hGroupMemberDELETE(h *shttp.Handler) {
	group := api.group(h)
	if group == nil {
		return
	}

	id := raft.NodeId(h.PathVariable("node"))

	if err := api.waitCommit(group.Node.RemoveNode(id)); err != nil {
		api.replyWriteError(h, err)
		return
	}

	h.ReplyEmpty(204)
}

func (api *APIServer) hGroupElectionPOST(h *shttp.Handler) {
	group := api.group(h)
	if group == nil {
		return
	}

	if err := group.Node.StartElection(true); err != nil {
		api.replyWriteError(h, err)
		return
	}

	h.ReplyEmpty(204)
}

func (api *APIServer) hGroupTasksPOST(h *shttp.Handler) {
	group := api.group(h)
	if group == nil {
		return
	}

	var req ScheduleTaskRequest
	if err := h.JSONRequestData(&req); err != nil {
		return
	}

	if err := api.Service.taskRegistry.Check(req.Type); err != nil {
		h.ReplyError(400, "unknown_task_type", "%v", err)
		return
	}

	dueAt := time.Now().Add(time.Duration(req.Delay) * time.Millisecond)
	task := tasks.NewTask(req.Type, req.Payload, dueAt)

	data, err := EncodeTaskEntry(task)
	if err != nil {
		h.ReplyError(500, "internal_error", "%v", err)
		return
	}

	future := group.Node.AppendEntry(EntryTypeTask, data)
	if err := api.waitCommit(future); err != nil {
		api.replyWriteError(h, err)
		return
	}

	h.ReplyJSON(200, ScheduleTaskResponse{Id: task.Id})
}

func (api *APIServer) waitCommit(future *raft.Future) error {
	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()

	return future.Wait(ctx)
}

func (api *APIServer) replyWriteError(h *shttp.Handler, err error) {
	var notLeaderErr *raft.NotLeaderError

	switch {
	case errors.As(err, &notLeaderErr):
		h.ReplyError(409, "not_leader", "%v", err)
	case errors.Is(err, raft.ErrNotAvailable):
		h.ReplyError(503, "node_not_available", "%v", err)
	case errors.Is(err, raft.ErrLeadershipLost):
		h.ReplyError(503, "leadership_lost", "%v", err)
	case errors.Is(err, raft.ErrMembershipChangeInProgress):
		h.ReplyError(409, "membership_change_in_progress", "%v", err)
	case errors.Is(err, context.DeadlineExceeded):
		h.ReplyError(504, "commit_timeout", "entry not committed in %v",
			commitTimeout)
	default:
		h.ReplyError(400, "invalid_request", "%v", err)
	}
}
