// Package diagnostics implements the read-only HTTP diagnostics surface
// (spec §6): per-datastream pause/assignment state and per-partition
// position, grounded on cmd/tempo/app/app.go's statusHandler/
// buildinfoHandler pattern of walking live in-memory state and encoding
// it as JSON.
package diagnostics

import (
	"encoding/json"
	"net/http"
	"os"
	"sort"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"

	"github.com/flowbridge/flowbridge/pkg/connect/task"
)

// TaskLookup resolves a running task by the datastream name it was
// assigned (spec §6: "keyed by datastream name"). *supervisor.Supervisor
// satisfies this structurally.
type TaskLookup interface {
	TaskByName(name string) (*task.Task, bool)
}

// Handler serves the datastreamState and position endpoints.
type Handler struct {
	lookup   TaskLookup
	logger   log.Logger
	hostname string
}

func NewHandler(lookup TaskLookup, logger log.Logger) *Handler {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Handler{lookup: lookup, logger: logger, hostname: hostname}
}

// RegisterRoutes wires GET /datastream/{name}/state and
// GET /datastream/{name}/position onto router.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.Path("/datastream/{name}/state").Methods("GET").HandlerFunc(h.stateHandler)
	router.Path("/datastream/{name}/position").Methods("GET").HandlerFunc(h.positionHandler)
}

type datastreamStateResponse struct {
	Name                   string              `json:"name"`
	AutoPausedPartitions   map[string]string   `json:"autoPausedPartitions"`
	ManualPausedPartitions map[string][]string `json:"manualPausedPartitions"`
	Assignment             []string            `json:"assignment"`
	InFlightCounts         map[string]int      `json:"inFlightCounts"`
}

func (h *Handler) stateHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	t, ok := h.lookup.TaskByName(name)
	if !ok {
		http.NotFound(w, r)
		return
	}

	snap := t.PauseSnapshot()
	autoPaused := make(map[string]string, len(snap.AutoPaused))
	for tp, reason := range snap.AutoPaused {
		autoPaused[tp.String()] = reason.String()
	}

	assignment := t.Assignment()
	assignedStrs := make([]string, 0, len(assignment))
	for _, tp := range assignment {
		assignedStrs = append(assignedStrs, tp.String())
	}
	sort.Strings(assignedStrs)

	inFlight := make(map[string]int)
	for tp, n := range t.InFlightCounts() {
		inFlight[tp.String()] = n
	}

	resp := datastreamStateResponse{
		Name:                   t.Name(),
		AutoPausedPartitions:   autoPaused,
		ManualPausedPartitions: snap.ManualPaused,
		Assignment:             assignedStrs,
		InFlightCounts:         inFlight,
	}

	h.writeJSON(w, resp)
}

type positionEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// positionHandler reports, per assigned partition, the resume offset and
// the offset that is safe to commit (spec §6, invariant 8). Keys are
// prefixed with the host's name so that position lists from multiple
// hosts can be merged without collision (spec §6: "aggregation across
// hosts is by host-name keying").
func (h *Handler) positionHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	t, ok := h.lookup.TaskByName(name)
	if !ok {
		http.NotFound(w, r)
		return
	}

	positions := t.Positions()
	safe := t.SafeOffsets()

	entries := make([]positionEntry, 0, 2*len(positions))
	for tp, offset := range positions {
		entries = append(entries, positionEntry{
			Key:   h.hostname + "/" + tp.String() + "/offset",
			Value: strconv.FormatInt(offset, 10),
		})
		if safeOffset, ok := safe[tp]; ok {
			entries = append(entries, positionEntry{
				Key:   h.hostname + "/" + tp.String() + "/safeOffset",
				Value: strconv.FormatInt(safeOffset, 10),
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	h.writeJSON(w, entries)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Error(h.logger).Log("msg", "failed to encode diagnostics response", "err", err)
	}
}
