// Package httpapi serves a read-only introspection API over the running
// FPR devices: network state, peer tables, counters, and learned routes.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"

	"github.com/gorilla/mux"

	"github.com/repvi/fpr/internal/fpr"
)

// Server exposes one or more devices over HTTP. All endpoints are
// read-only snapshots; nothing here can mutate protocol state.
type Server struct {
	devices map[string]*fpr.Device
	logger  *slog.Logger
}

// NewServer creates an introspection server over the given devices,
// keyed by device name.
func NewServer(devices []*fpr.Device, logger *slog.Logger) *Server {
	m := make(map[string]*fpr.Device, len(devices))
	for _, d := range devices {
		m[d.Name()] = d
	}
	return &Server{
		devices: m,
		logger:  logger.With(slog.String("component", "httpapi")),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/devices", s.handleListDevices).Methods(http.MethodGet)
	r.HandleFunc("/v1/devices/{name}", s.handleDevice).Methods(http.MethodGet)
	r.HandleFunc("/v1/devices/{name}/peers", s.handlePeers).Methods(http.MethodGet)
	r.HandleFunc("/v1/devices/{name}/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/v1/devices/{name}/routes", s.handleRoutes).Methods(http.MethodGet)
	return r
}

// -------------------------------------------------------------------------
// Response Types
// -------------------------------------------------------------------------

// deviceSummary is the JSON shape of one device.
type deviceSummary struct {
	Name       string `json:"name"`
	MAC        string `json:"mac"`
	Mode       string `json:"mode"`
	State      string `json:"state"`
	Visibility string `json:"visibility"`
	Version    string `json:"protocol_version"`
	PeerCount  int    `json:"peer_count"`
}

// peerSummary is the JSON shape of one peer record snapshot.
type peerSummary struct {
	Name            string `json:"name"`
	MAC             string `json:"mac"`
	State           string `json:"state"`
	SecurityState   string `json:"security_state"`
	Connected       bool   `json:"connected"`
	RSSI            int8   `json:"rssi"`
	LastSeenMS      int64  `json:"last_seen_ms"`
	HopCount        uint8  `json:"hop_count"`
	NextHop         string `json:"next_hop,omitempty"`
	PacketsReceived uint32 `json:"packets_received"`
	Queued          int    `json:"queued"`
}

// routeSummary is the JSON shape of one learned route.
type routeSummary struct {
	Dest     string `json:"dest"`
	NextHop  string `json:"next_hop"`
	HopCount uint8  `json:"hop_count"`
	AgeMS    int64  `json:"age_ms"`
}

// -------------------------------------------------------------------------
// Handlers
// -------------------------------------------------------------------------

// handleListDevices returns all devices.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	out := make([]deviceSummary, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, summarize(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	s.writeJSON(w, out)
}

// handleDevice returns one device summary.
func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, summarize(d))
}

// handlePeers returns the device's peer table.
func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	peers := d.Peers()
	out := make([]peerSummary, 0, len(peers))
	for _, p := range peers {
		ps := peerSummary{
			Name:            p.Name,
			MAC:             p.Addr.String(),
			State:           p.State.String(),
			SecurityState:   p.SecState.String(),
			Connected:       p.Connected,
			RSSI:            p.RSSI,
			LastSeenMS:      p.LastSeen.Milliseconds(),
			HopCount:        p.HopCount,
			PacketsReceived: p.PacketsReceived,
			Queued:          p.Queued,
		}
		if !p.NextHop.IsZero() {
			ps.NextHop = p.NextHop.String()
		}
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	s.writeJSON(w, out)
}

// handleStats returns the device's counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, d.Stats())
}

// handleRoutes returns the device's learned routes.
func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	routes := d.RouteTable()
	out := make([]routeSummary, 0, len(routes))
	for _, rt := range routes {
		out = append(out, routeSummary{
			Dest:     rt.Dest.String(),
			NextHop:  rt.NextHop.String(),
			HopCount: rt.HopCount,
			AgeMS:    rt.Age.Milliseconds(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dest < out[j].Dest })
	s.writeJSON(w, out)
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// lookup resolves the {name} path variable to a device, writing a 404
// when it does not exist.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*fpr.Device, bool) {
	name := mux.Vars(r)["name"]
	d, ok := s.devices[name]
	if !ok {
		http.Error(w, "device not found", http.StatusNotFound)
		return nil, false
	}
	return d, true
}

// summarize builds the JSON summary of one device.
func summarize(d *fpr.Device) deviceSummary {
	return deviceSummary{
		Name:       d.Name(),
		MAC:        d.MAC().String(),
		Mode:       d.Mode().String(),
		State:      d.State().String(),
		Visibility: d.Visibility().String(),
		Version:    d.ProtocolVersion().String(),
		PeerCount:  d.Stats().PeerCount,
	}
}

// writeJSON encodes v with an application/json content type.
func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", slog.String("error", err.Error()))
	}
}
