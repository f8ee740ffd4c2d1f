package httpapi

import (
	"context"
	"database/sql"
	"net/http"

	"calibra.org/internal/audit"
	"calibra.org/internal/auth"
	"calibra.org/internal/equipment"
	"calibra.org/internal/obs"
)

// ReadyProbe checks readiness (e.g. DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options wires the HTTP layer's collaborators.
type Options struct {
	Version       string
	ReadyProbe    ReadyProbe
	Auth          *auth.Service
	Sessions      *auth.TokenCodec
	AuditorTokens *auth.AuditorCodec
	Equipment     equipment.Service
	AuditLog      auth.AuditStore
	Recorder      *audit.Recorder
	FrontendURL   string
	RateBurst     int
	RatePerSec    int
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	auth      *auth.Service
	auditors  *auth.AuditorCodec
	equipment equipment.Service
	auditLog  auth.AuditStore
	recorder  *audit.Recorder
	schemes   map[string]authenticator

	frontendURL string
	rateBurst   int
	ratePerSec  int
}

func New(opts Options) *API {
	a := &API{
		mux:         http.NewServeMux(),
		readyProbe:  opts.ReadyProbe,
		version:     opts.Version,
		auth:        opts.Auth,
		auditors:    opts.AuditorTokens,
		equipment:   opts.Equipment,
		auditLog:    opts.AuditLog,
		recorder:    opts.Recorder,
		frontendURL: opts.FrontendURL,
		rateBurst:   opts.RateBurst,
		ratePerSec:  opts.RatePerSec,
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 20
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 10
	}

	a.schemes = map[string]authenticator{
		"bearer": sessionAuthenticator{codec: opts.Sessions},
	}
	if opts.AuditorTokens != nil {
		a.schemes["auditortoken"] = auditorAuthenticator{codec: opts.AuditorTokens}
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// Auth. Login and initial-superuser record their own audit entries in
	// the service, so those two routes are not wrapped.
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/check-superusers", a.handleCheckSuperusers)
	a.mux.HandleFunc("/v1/auth/initial-superuser", a.handleInitialSuperuser)
	a.mux.Handle("/v1/auth/logout", a.audited(audit.Descriptor{
		EntityType: "identity", Category: "auth", Action: auth.ActionLogout,
	}, a.handleLogout))
	a.mux.Handle("/v1/auth/refresh", a.audited(audit.Descriptor{
		EntityType: "identity", Category: "auth", Action: auth.ActionRefresh,
	}, a.handleRefresh))
	a.mux.HandleFunc("/v1/auth/profile", a.handleProfile)

	// Equipment registry
	a.mux.Handle("/v1/equipment", a.audited(audit.Descriptor{
		EntityType: "equipment", Category: "equipment",
		IDField: "id", IdentifierField: "serial_number",
	}, a.handleEquipmentCollection))
	a.mux.Handle("/v1/equipment/", a.audited(audit.Descriptor{
		EntityType: "equipment", Category: "equipment",
		PathID: true, IdentifierField: "serial_number",
	}, a.handleEquipmentItem))
	a.mux.HandleFunc("/v1/dashboard/metrics", a.handleDashboardMetrics)

	// Identity administration
	a.mux.Handle("/v1/users", a.audited(audit.Descriptor{
		EntityType: "identity", Category: "users",
		IDField: "id", IdentifierField: "email",
	}, a.handleUsersCollection))
	// The id segment is pinned so nested role routes still attribute the
	// entry to the affected user; the trailing role id lands in the
	// identifier column.
	a.mux.Handle("/v1/users/", a.audited(audit.Descriptor{
		EntityType: "identity", Category: "users",
		PathID: true, IDSegment: 3,
		IdentifierField: "role_id", IdentifierSegment: 5,
	}, a.handleUsersItem))
	a.mux.HandleFunc("/v1/roles", a.handleRoles)

	// Audit trail and auditor access
	a.mux.HandleFunc("/v1/audit", a.handleAuditList)
	a.mux.Handle("/v1/auditor-tokens", a.audited(audit.Descriptor{
		EntityType: "auditor_token", Category: "auth", IdentifierField: "auditor",
	}, a.handleAuditorTokens))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

func (a *API) audited(desc audit.Descriptor, h http.HandlerFunc) http.Handler {
	if a.recorder == nil {
		return h
	}
	return audit.Middleware(a.recorder, desc)(h)
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h, a.frontendURL)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "calibra-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "calibra-api",
		"version": a.version,
	})
}
