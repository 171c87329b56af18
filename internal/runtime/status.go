package runtime

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/ruleflow/internal/runtime/delivery"
	"github.com/drblury/ruleflow/internal/runtime/dispatch"
	"github.com/drblury/ruleflow/internal/runtime/jsoncodec"
)

// StatusPath serves the status snapshot.
const StatusPath = "/api/status"

// RuleStatus describes one registered rule.
type RuleStatus struct {
	Key    string            `json:"key"`
	Target string            `json:"target"`
	Topics []string          `json:"topics"`
	Steps  []string          `json:"steps"`
	Config map[string]string `json:"config"`
}

// Status is the payload of GET /api/status.
type Status struct {
	State      string              `json:"state"`
	RuleSets   map[string][]string `json:"rule_sets"`
	Rules      []RuleStatus        `json:"rules"`
	Subscribed []string            `json:"subscribed"`
	Wanted     []string            `json:"wanted"`
	Workers    int                 `json:"workers"`
	Backlog    int                 `json:"backlog"`
	Dispatch   dispatch.Snapshot   `json:"dispatch"`
	Queues     map[string]int      `json:"queues,omitempty"`
	Resources  ResourceUsage       `json:"resources"`
	At         time.Time           `json:"at"`
}

// Status collects the current state of the service.
func (s *Service) Status() Status {
	st := Status{
		State:      s.State().String(),
		RuleSets:   make(map[string][]string),
		Subscribed: s.manager.Topics(),
		Wanted:     s.manager.Wanted().Sorted(),
		Workers:    s.engine.Workers(),
		Backlog:    s.engine.Backlog(),
		Dispatch:   s.metrics.GetSnapshot(),
		Resources:  s.resourceTracker.Snapshot(),
		At:         time.Now().UTC(),
	}
	for name, set := range s.manager.Active() {
		keys := make([]string, 0, len(set))
		for _, r := range set {
			keys = append(keys, r.Key())
		}
		sort.Strings(keys)
		st.RuleSets[name] = keys
	}
	for _, entry := range s.registry.Snapshot() {
		st.Rules = append(st.Rules, RuleStatus{
			Key:    entry.Rule.Key(),
			Target: entry.Rule.Target(),
			Topics: entry.Rule.Topics(),
			Steps:  entry.Chain.StepNames(),
			Config: entry.Rule.Map(),
		})
	}
	if q, ok := s.queue.(*delivery.ChannelQueue); ok {
		st.Queues = q.Depths()
	}
	return st
}

func (s *Service) startStatusServer() {
	if !s.Conf.StatusEnabled {
		return
	}
	s.RegisterHTTPHandler(s.Conf.StatusPort, StatusPath, http.HandlerFunc(s.handleGetStatus))
}

func (s *Service) startMetricsServer() {
	if !s.Conf.MetricsEnabled || s.Conf.MetricsPort == 0 {
		return
	}
	s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

func (s *Service) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.Conf != nil && len(s.Conf.StatusCORSAllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if allowed := s.getAllowedCORSOrigin(origin); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet:
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := jsoncodec.Encode(w, s.Status()); err != nil {
		s.Logger.Error("Failed to encode status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when it is not allowed.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.StatusCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
