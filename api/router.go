// Package api exposes the manager's control handlers as a JSON REST
// surface. The router is thin: decode, dispatch, encode the error
// code. Authentication and TLS termination are outside the gateway.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"gridlink/errcode"
	"gridlink/manager"
	"gridlink/metrics"
	"gridlink/msg"
	"gridlink/plugin"
	"gridlink/tag"
)

// handlers holds the API handler functions.
type handlers struct {
	m *manager.Manager
}

// NewRouter creates the REST API router over a manager.
func NewRouter(m *manager.Manager) chi.Router {
	r := chi.NewRouter()
	h := &handlers{m: m}

	r.Route("/api/v2", func(r chi.Router) {
		r.Get("/plugin", h.handleListPlugins)

		r.Post("/node", h.handleAddNode)
		r.Delete("/node", h.handleDelNode)
		r.Put("/node", h.handleRenameNode)
		r.Get("/node", h.handleListNodes)
		r.Post("/node/ctl", h.handleNodeCtl)
		r.Post("/node/setting", h.handleSetNodeSetting)
		r.Get("/node/setting", h.handleGetNodeSetting)

		r.Post("/group", h.handleAddGroup)
		r.Delete("/group", h.handleDelGroup)
		r.Put("/group", h.handleUpdateGroup)
		r.Get("/group", h.handleListGroups)

		r.Post("/tags", h.handleAddTags)
		r.Put("/tags", h.handleUpdateTags)
		r.Delete("/tags", h.handleDelTags)
		r.Get("/tags", h.handleListTags)

		r.Post("/gtags", h.handleAddDrivers)

		r.Post("/subscribe", h.handleSubscribe)
		r.Put("/subscribe", h.handleUpdateSubscribe)
		r.Delete("/subscribe", h.handleUnsubscribe)
		r.Get("/subscribes", h.handleListSubscribes)

		r.Post("/read", h.handleReadGroup)
		r.Post("/write", h.handleWriteTag)
		r.Post("/write/tags", h.handleWriteTags)

		r.Get("/metrics", h.handleMetrics)
	})

	return r
}

type errorResponse struct {
	Error   errcode.Code `json:"error"`
	Message string       `json:"message,omitempty"`
}

func (h *handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeResult maps a handler error onto the wire: every response
// carries the numeric code, HTTP status reflects the class.
func (h *handlers) writeResult(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: errcode.CodeOf(err)}
	if err != nil {
		resp.Message = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusOf(err))
	json.NewEncoder(w).Encode(resp)
}

func statusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch {
	case errors.Is(err, errcode.ErrNodeNotExist),
		errors.Is(err, errcode.ErrGroupNotExist),
		errors.Is(err, errcode.ErrTagNotExist),
		errors.Is(err, errcode.ErrLibraryNotFound):
		return http.StatusNotFound
	case errors.Is(err, errcode.ErrNodeExist),
		errors.Is(err, errcode.ErrTagNameConflict):
		return http.StatusConflict
	case errors.Is(err, errcode.ErrInternal):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeResult(w, errcode.Newf(errcode.GroupParameterInvalid, "bad request body: %v", err))
		return false
	}
	return true
}

// --- plugins ---

type pluginInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Kind        string `json:"kind"`
	Single      bool   `json:"single,omitempty"`
}

func (h *handlers) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	descs := h.m.Plugins().List()
	out := make([]pluginInfo, 0, len(descs))
	for _, d := range descs {
		out = append(out, pluginInfo{
			Name:        d.Name,
			Version:     d.Version,
			Description: d.Description,
			Kind:        d.Kind.String(),
			Single:      d.Single,
		})
	}
	h.writeJSON(w, out)
}

// --- nodes ---

type addNodeRequest struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"` // "driver" or "app"
	Plugin  string `json:"plugin"`
	Setting string `json:"setting,omitempty"`
}

func (h *handlers) handleAddNode(w http.ResponseWriter, r *http.Request) {
	var req addNodeRequest
	if !h.decode(w, r, &req) {
		return
	}
	kind := plugin.KindDriver
	if req.Kind == "app" {
		kind = plugin.KindApp
	}
	h.writeResult(w, h.m.AddNode(req.Name, kind, req.Plugin, req.Setting))
}

func (h *handlers) handleDelNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	h.writeResult(w, h.m.DelNode(req.Name))
}

func (h *handlers) handleRenameNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		NewName string `json:"new_name"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	h.writeResult(w, h.m.RenameNode(req.Name, req.NewName))
}

type nodeInfo struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Plugin string `json:"plugin"`
	State  string `json:"state"`
	Link   string `json:"link"`
}

func (h *handlers) handleListNodes(w http.ResponseWriter, r *http.Request) {
	var kind plugin.Kind
	switch r.URL.Query().Get("kind") {
	case "driver":
		kind = plugin.KindDriver
	case "app":
		kind = plugin.KindApp
	}
	nodes := h.m.GetNodes(kind)
	out := make([]nodeInfo, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeInfo{
			Name:   n.Name,
			Kind:   n.Kind.String(),
			Plugin: n.Plugin,
			State:  n.State.String(),
			Link:   n.Link.String(),
		})
	}
	h.writeJSON(w, out)
}

func (h *handlers) handleNodeCtl(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Node string `json:"node"`
		Cmd  int    `json:"cmd"` // 0 start, 1 stop
	}
	if !h.decode(w, r, &req) {
		return
	}
	h.writeResult(w, h.m.NodeCtl(req.Node, msg.CtlCmd(req.Cmd)))
}

func (h *handlers) handleSetNodeSetting(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Node    string `json:"node"`
		Setting string `json:"setting"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	h.writeResult(w, h.m.SetNodeSetting(req.Node, req.Setting))
}

func (h *handlers) handleGetNodeSetting(w http.ResponseWriter, r *http.Request) {
	node := r.URL.Query().Get("node")
	setting, err := h.m.GetNodeSetting(node)
	if err != nil {
		h.writeResult(w, err)
		return
	}
	h.writeJSON(w, map[string]string{"node": node, "setting": setting})
}

// --- groups ---

type groupRequest struct {
	Driver     string `json:"driver"`
	Group      string `json:"group"`
	NewName    string `json:"new_name,omitempty"`
	IntervalMS int64  `json:"interval,omitempty"`
}

func (h *handlers) handleAddGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.writeResult(w, h.m.AddGroup(req.Driver, req.Group,
		time.Duration(req.IntervalMS)*time.Millisecond))
}

func (h *handlers) handleDelGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.writeResult(w, h.m.DelGroup(req.Driver, req.Group))
}

func (h *handlers) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.writeResult(w, h.m.UpdateGroup(req.Driver, req.Group, req.NewName,
		time.Duration(req.IntervalMS)*time.Millisecond))
}

type groupInfo struct {
	Name       string `json:"name"`
	IntervalMS int64  `json:"interval"`
	TagCount   int    `json:"tag_count"`
}

func (h *handlers) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.m.GetGroups(r.URL.Query().Get("driver"))
	if err != nil {
		h.writeResult(w, err)
		return
	}
	out := make([]groupInfo, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupInfo{
			Name:       g.Name,
			IntervalMS: g.Interval.Milliseconds(),
			TagCount:   g.TagCount,
		})
	}
	h.writeJSON(w, out)
}

// --- tags ---

type tagsRequest struct {
	Driver string     `json:"driver"`
	Group  string     `json:"group"`
	Tags   []*tag.Tag `json:"tags"`
	Names  []string   `json:"names,omitempty"`
}

func (h *handlers) handleAddTags(w http.ResponseWriter, r *http.Request) {
	var req tagsRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.writeResult(w, h.m.AddTags(req.Driver, req.Group, req.Tags))
}

func (h *handlers) handleUpdateTags(w http.ResponseWriter, r *http.Request) {
	var req tagsRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.writeResult(w, h.m.UpdateTags(req.Driver, req.Group, req.Tags))
}

func (h *handlers) handleDelTags(w http.ResponseWriter, r *http.Request) {
	var req tagsRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.writeResult(w, h.m.DelTags(req.Driver, req.Group, req.Names))
}

func (h *handlers) handleListTags(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tags, err := h.m.GetTags(q.Get("driver"), q.Get("group"), q.Get("name"), q.Get("desc"))
	if err != nil {
		h.writeResult(w, err)
		return
	}
	h.writeJSON(w, tags)
}

func (h *handlers) handleAddDrivers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Drivers []manager.DriverRequest `json:"drivers"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	h.writeResult(w, h.m.AddDrivers(req.Drivers))
}

// --- subscriptions ---

type subscribeRequest struct {
	App    string `json:"app"`
	Driver string `json:"driver"`
	Group  string `json:"group"`
	Params string `json:"params,omitempty"`
}

func (h *handlers) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.writeResult(w, h.m.Subscribe(req.App, req.Driver, req.Group, req.Params))
}

func (h *handlers) handleUpdateSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.writeResult(w, h.m.UpdateSubscribe(req.App, req.Driver, req.Group, req.Params))
}

func (h *handlers) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.writeResult(w, h.m.Unsubscribe(req.App, req.Driver, req.Group))
}

func (h *handlers) handleListSubscribes(w http.ResponseWriter, r *http.Request) {
	list, err := h.m.ListSubGroups(r.URL.Query().Get("app"))
	if err != nil {
		h.writeResult(w, err)
		return
	}
	h.writeJSON(w, list)
}

// --- data plane ---

func (h *handlers) handleReadGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Driver string `json:"driver"`
		Group  string `json:"group"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	body, err := h.m.ReadGroupSync(req.Driver, req.Group)
	if err != nil {
		h.writeResult(w, err)
		return
	}
	h.writeJSON(w, body)
}

func (h *handlers) handleWriteTag(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Driver string          `json:"driver"`
		Group  string          `json:"group"`
		Tag    string          `json:"tag"`
		Value  json.RawMessage `json:"value"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	body, err := h.m.WriteTagSync(req.Driver, req.Group, req.Tag, req.Value)
	if err != nil {
		h.writeResult(w, err)
		return
	}
	h.writeJSON(w, body)
}

func (h *handlers) handleWriteTags(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Driver string         `json:"driver"`
		Group  string         `json:"group"`
		Tags   []msg.TagWrite `json:"tags"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	body, err := h.m.WriteTagsSync(req.Driver, req.Group, req.Tags)
	if err != nil {
		h.writeResult(w, err)
		return
	}
	h.writeJSON(w, body)
}

func (h *handlers) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	metrics.Get().Visit(func(s *metrics.Snapshot) {
		metrics.Render(w, s)
	})
}
