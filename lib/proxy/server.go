/*
Copyright 2023 PatSnap, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package proxy implements the HTTP surface of the PIAM S3 proxy: the
// policy decision pipeline, the request transform and the upstream
// forwarder.
package proxy

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/patsnapops/piam-sub000/lib/awssig"
	"github.com/patsnapops/piam-sub000/lib/defaults"
	"github.com/patsnapops/piam-sub000/lib/piam"
	"github.com/patsnapops/piam-sub000/lib/s3policy"
	"github.com/patsnapops/piam-sub000/lib/state"
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "piam",
	Name:      "requests_total",
	Help:      "Proxied requests by outcome.",
}, []string{"outcome"})

// ManageAPIPath toggles runtime knobs; currently only log verbosity.
const ManageAPIPath = "/_piam_manage_api"

// ServerConfig configures the proxy HTTP surface.
type ServerConfig struct {
	// ProxyType is reported in the x-patsnap-proxy-type header.
	ProxyType string
	// ClusterEnv is reported in the x-patsnap-proxy-cluster-env header.
	ClusterEnv string
	// ProxyRegion/ProxyEnv locate this instance for condition policies.
	ProxyRegion string
	ProxyEnv    string
	// State supplies the snapshot each request evaluates against.
	State *state.Manager
	// LogLevel is the leveler the debug toggle flips.
	LogLevel *slog.LevelVar
	Clock    clockwork.Clock
	Log      *slog.Logger
	// exit overrides process termination in tests.
	exit func(int)
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.State == nil {
		return trace.BadParameter("missing state manager")
	}
	if c.ProxyType == "" {
		c.ProxyType = defaults.ProxyType
	}
	if c.ClusterEnv == "" {
		c.ClusterEnv = defaults.ClusterEnvUnset
	}
	if c.LogLevel == nil {
		c.LogLevel = &slog.LevelVar{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.exit == nil {
		c.exit = os.Exit
	}
	return nil
}

// Server is the proxy HTTP handler.
type Server struct {
	cfg    ServerConfig
	router *httprouter.Router
}

// NewServer builds the handler with its routes.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Server{cfg: cfg}
	router := httprouter.New()
	router.GET("/health", s.handleHealth)
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	router.PUT(ManageAPIPath, s.handleManageAPI)
	// Everything else is a proxied object-storage request, including "/".
	router.NotFound = http.HandlerFunc(s.handleProxy)
	s.router = router
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.cfg.State.Load() == nil {
		http.Error(w, "no state snapshot yet", http.StatusServiceUnavailable)
		return
	}
	health := s.cfg.State.Health()
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK last_successful_update=%v failure_count=%v",
		health.LastSuccessfulUpdate.Format("2006-01-02T15:04:05Z07:00"), health.FailureCount)
}

func (s *Server) handleManageAPI(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	switch r.URL.Query().Get("debug") {
	case "on":
		s.cfg.LogLevel.Set(slog.LevelDebug)
	case "off":
		s.cfg.LogLevel.Set(slog.LevelInfo)
	default:
		http.Error(w, "debug must be on or off", http.StatusBadRequest)
		return
	}
	fmt.Fprintf(w, "debug=%v", r.URL.Query().Get("debug"))
}

// handleProxy runs the decision pipeline and forwards allowed requests.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	header := w.Header()
	header.Set(defaults.HeaderProxyType, s.cfg.ProxyType)
	header.Set(defaults.HeaderProxyClusterEnv, s.cfg.ClusterEnv)
	header.Set(defaults.HeaderRequestID, requestID)

	if err := s.serve(w, r); err != nil {
		s.replyError(w, r, err, requestID)
		return
	}
	requestsTotal.WithLabelValues("allowed").Inc()
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) error {
	st := s.cfg.State.Load()
	if st == nil {
		return trace.Wrap(piam.OtherInternal("no state snapshot yet"))
	}

	sig, err := awssig.ParseSigV4(r.Header.Get(awssig.AuthorizationHeader))
	if err != nil {
		return trace.Wrap(err)
	}

	ConvertPathStyle(r, st.ExtendedConfig.ProxyHosts)
	input, err := s3policy.ParseRequest(r, st.ExtendedConfig)
	if err != nil {
		return trace.Wrap(err)
	}

	user, account, err := st.Iam.FindUserByAccessKey(sig.KeyID)
	if err != nil {
		return trace.Wrap(err)
	}
	groups, err := st.Iam.FindGroupsByUser(user)
	if err != nil {
		return trace.Wrap(err)
	}

	// The signature's credential scope names the region the client
	// aimed at; under uni-key the bucket map decides account and region.
	targetRegion := sig.Region
	if account == nil {
		if st.Buckets == nil {
			return trace.Wrap(piam.InvalidAccessKey("access key %q carries no account and uni-key is disabled", sig.KeyID))
		}
		info, err := st.Buckets.FindAccessInfo(input, sig.Region)
		if err != nil {
			return trace.Wrap(err)
		}
		account = &info.Account
		targetRegion = info.Region
	}

	found, err := st.Iam.FindPolicies(piam.PolicyFilterParams{
		Account:      account,
		TargetRegion: targetRegion,
		User:         user,
		Groups:       groups,
	}, defaults.PolicyModelObjectStorage, defaults.PolicyModelCondition)
	if err != nil {
		return trace.Wrap(err)
	}

	// Condition policies are a gate: a matched non-allow rejects the
	// request, a matched allow grants nothing on its own. Access must
	// come from an object-storage effect.
	conditionEffects, err := s3policy.FindConditionEffects(found.Condition, piam.ConditionInput{
		SourceIP:     sourceIP(r),
		ProxyRegion:  s.cfg.ProxyRegion,
		ProxyEnv:     s.cfg.ProxyEnv,
		TargetRegion: targetRegion,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	for i := range conditionEffects {
		if !conditionEffects[i].IsAllow() {
			return trace.Wrap(piam.EffectNotFound("request denied by condition policy"))
		}
	}

	objectEffects, err := s3policy.FindEffects(found.UserInput, input)
	if err != nil {
		return trace.Wrap(err)
	}
	decision, err := piam.Fold(objectEffects)
	if err != nil {
		return trace.Wrap(err)
	}
	for i := range conditionEffects {
		if e := conditionEffects[i].EmitEvent; e != nil {
			decision.EmitEvents = append(decision.EmitEvents, *e)
		}
	}
	if decision.Modify != nil {
		applyModify(r, decision.Modify)
	}
	for _, event := range decision.EmitEvents {
		s.cfg.Log.InfoContext(r.Context(), "Policy audit event",
			"topic", event.Topic, "user", user.Name, "operation", input.String())
	}

	_, proxyHost, err := st.ExtendedConfig.MatchProxyHost(r.Host)
	if err != nil {
		return trace.Wrap(err)
	}
	actualHost, err := ActualHost(targetRegion)
	if err != nil {
		return trace.Wrap(err)
	}
	SetActualHost(r, proxyHost, actualHost)

	err = awssig.SignRequest(r, awssig.Credentials{
		AccessKey: account.AccessKey,
		SecretKey: account.SecretKey,
	}, targetRegion, sig.Service, s.cfg.Clock.Now())
	if err != nil {
		return trace.Wrap(err)
	}

	s.cfg.Log.DebugContext(r.Context(), "Forwarding request",
		"user", user.Name, "operation", input.String(), "upstream", r.Host)
	return trace.Wrap(forward(w, r, st.HTTPClient))
}

// replyError converts err to the AWS-style XML wire form. Assertion
// failures mean an invariant thought impossible was violated: log and
// terminate.
func (s *Server) replyError(w http.ResponseWriter, r *http.Request, err error, requestID string) {
	kind := piam.KindOf(err)
	if kind == piam.KindAssertFail {
		s.cfg.Log.ErrorContext(r.Context(), "Assertion failed, terminating",
			"error", err, "request_id", requestID)
		s.cfg.exit(1)
		return
	}
	switch kind.HTTPStatus() {
	case http.StatusBadRequest:
		requestsTotal.WithLabelValues("rejected").Inc()
		s.cfg.Log.InfoContext(r.Context(), "Rejected request",
			"error", err, "request_id", requestID)
	case http.StatusForbidden:
		requestsTotal.WithLabelValues("denied").Inc()
		s.cfg.Log.WarnContext(r.Context(), "Denied request",
			"error", err, "request_id", requestID)
	default:
		requestsTotal.WithLabelValues("error").Inc()
		s.cfg.Log.ErrorContext(r.Context(), "Request failed",
			"error", err, "request_id", requestID)
	}
	writeError(w, err, requestID)
}

func applyModify(r *http.Request, modify *piam.Modify) {
	for key, value := range modify.SetHeaders {
		r.Header.Set(key, value)
	}
	for _, key := range modify.RemoveHeaders {
		r.Header.Del(key)
	}
}

func sourceIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}
