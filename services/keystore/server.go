// Package keystore serves the credential store consumed by the gateway along
// with a small admin API for issuing and revoking credentials.
package keystore

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"yar/gateway/auth"
	"yar/observability/logging"
)

const secretBytes = 32

// Config captures the dependencies required to construct the server.
type Config struct {
	DB     *gorm.DB
	Logger *slog.Logger
	Now    func() time.Time
}

// Server exposes the keystore HTTP API.
type Server struct {
	DB     *gorm.DB
	Logger *slog.Logger
	Now    func() time.Time

	lookups  *prometheus.CounterVec
	changes  *prometheus.CounterVec
	registry *prometheus.Registry
	router   http.Handler
}

type createRequest struct {
	Principal    string `json:"principal"`
	Type         string `json:"type"`
	MACAlgorithm string `json:"mac_algorithm"`
}

func New(cfg Config) *Server {
	srv := &Server{DB: cfg.DB, Logger: cfg.Logger, Now: cfg.Now}
	if srv.Logger == nil {
		srv.Logger = slog.Default()
	}
	if srv.Now == nil {
		srv.Now = func() time.Time { return time.Now().UTC() }
	}
	srv.registry = prometheus.NewRegistry()
	srv.lookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "yar_keystore",
		Name:      "lookups_total",
		Help:      "Credential lookups by result.",
	}, []string{"result"})
	srv.changes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "yar_keystore",
		Name:      "changes_total",
		Help:      "Credential creations and revocations.",
	}, []string{"op", "type"})
	srv.registry.MustRegister(srv.lookups, srv.changes)
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.Health)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Route("/v1/creds", func(api chi.Router) {
		api.Get("/", s.ListCredentials)
		api.Post("/", s.CreateCredential)
		api.Get("/{id}", s.GetCredential)
		api.Delete("/{id}", s.DeleteCredential)
	})
	return r
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// GetCredential serves the document the gateway resolves identifiers with.
// Revoked records are returned with is_deleted set.
func (s *Server) GetCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	record, err := s.findByIdentifier(r, id)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		s.lookups.WithLabelValues("not_found").Inc()
		http.Error(w, "credential not found", http.StatusNotFound)
		return
	case err != nil:
		s.lookups.WithLabelValues("error").Inc()
		s.Logger.Error("credential lookup failed", "error", err)
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	result := "found"
	if record.IsDeleted {
		result = "deleted"
	}
	s.lookups.WithLabelValues(result).Inc()
	writeJSON(w, http.StatusOK, record.Document())
}

func (s *Server) ListCredentials(w http.ResponseWriter, r *http.Request) {
	principal := strings.TrimSpace(r.URL.Query().Get("principal"))
	if principal == "" {
		http.Error(w, "principal required", http.StatusBadRequest)
		return
	}
	includeDeleted := false
	if raw := r.URL.Query().Get("deleted"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, "invalid deleted flag", http.StatusBadRequest)
			return
		}
		includeDeleted = parsed
	}
	query := s.DB.WithContext(r.Context()).Where("principal = ?", principal)
	if !includeDeleted {
		query = query.Where("is_deleted = ?", false)
	}
	var records []Credential
	if err := query.Order("created_at asc").Find(&records).Error; err != nil {
		s.Logger.Error("list credentials failed", "error", err, "principal", principal)
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}
	views := make([]credentialView, 0, len(records))
	for _, record := range records {
		views = append(views, record.view())
	}
	writeJSON(w, http.StatusOK, views)
}

// CreateCredential issues a new MAC key or API key for a principal.
func (s *Server) CreateCredential(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	principal := strings.TrimSpace(req.Principal)
	if principal == "" {
		http.Error(w, "principal required", http.StatusBadRequest)
		return
	}
	kind := strings.ToLower(strings.TrimSpace(req.Type))
	if kind == "" {
		kind = string(auth.KindMAC)
	}
	now := s.Now()
	record := Credential{
		ID:         uuid.New(),
		Principal:  principal,
		Kind:       kind,
		Identifier: newIdentifier(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	switch auth.CredentialKind(kind) {
	case auth.KindMAC:
		algName := req.MACAlgorithm
		if strings.TrimSpace(algName) == "" {
			algName = string(auth.HMACSHA256)
		}
		alg, err := auth.ParseAlgorithm(algName)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		secret, err := newSecret()
		if err != nil {
			s.Logger.Error("generate secret failed", "error", err)
			http.Error(w, "create failed", http.StatusInternalServerError)
			return
		}
		record.MACKey = secret
		record.MACAlgorithm = string(alg)
	case auth.KindBasic:
	default:
		http.Error(w, fmt.Sprintf("unsupported credential type %q", req.Type), http.StatusBadRequest)
		return
	}
	if err := s.DB.WithContext(r.Context()).Create(&record).Error; err != nil {
		s.Logger.Error("create credential failed", "error", err, "principal", principal)
		http.Error(w, "create failed", http.StatusInternalServerError)
		return
	}
	s.changes.WithLabelValues("create", kind).Inc()
	s.Logger.Info("credential created", "principal", principal, "scheme", kind, logging.FingerprintField("key", record.Identifier))
	writeJSON(w, http.StatusCreated, record.view())
}

// DeleteCredential revokes a credential. The record is kept with is_deleted set.
func (s *Server) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var record Credential
	err := s.DB.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("identifier = ?", id).First(&record).Error; err != nil {
			return err
		}
		if record.IsDeleted {
			return nil
		}
		now := s.Now()
		record.IsDeleted = true
		record.DeletedAt = &now
		record.UpdatedAt = now
		return tx.Model(&record).Updates(map[string]interface{}{
			"is_deleted": true,
			"deleted_at": now,
			"updated_at": now,
		}).Error
	})
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		http.Error(w, "credential not found", http.StatusNotFound)
		return
	case err != nil:
		s.Logger.Error("delete credential failed", "error", err)
		http.Error(w, "delete failed", http.StatusInternalServerError)
		return
	}
	s.changes.WithLabelValues("delete", record.Kind).Inc()
	s.Logger.Info("credential revoked", "principal", record.Principal, logging.FingerprintField("key", record.Identifier))
	writeJSON(w, http.StatusOK, record.view())
}

func (s *Server) findByIdentifier(r *http.Request, id string) (Credential, error) {
	var record Credential
	if strings.TrimSpace(id) == "" {
		return record, gorm.ErrRecordNotFound
	}
	err := s.DB.WithContext(r.Context()).Where("identifier = ?", id).First(&record).Error
	return record, err
}

func newIdentifier() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func newSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
