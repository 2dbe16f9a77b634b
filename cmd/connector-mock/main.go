// connector-mock is a stand-in Source Connector for local runs and
// end-to-end testing. It seeds a batch of fake QSOs, serves the paginated
// listing with bearer-token auth, and records status callbacks in memory.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"qslauto/internal/connector"
	"qslauto/internal/domain"
	"qslauto/internal/httpapi"
	"qslauto/internal/logging"
)

type mockConfig struct {
	Port      string `envconfig:"PORT" default:"8081"`
	Token     string `envconfig:"CONNECTOR_TOKEN" default:"please-change-me"`
	SeedCount int    `envconfig:"MOCK_SEED_COUNT" default:"12"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
}

type server struct {
	cfg  mockConfig
	mu   sync.Mutex
	qsos []domain.QSO
	// statuses keyed by qso id, as pushed by the pipeline's syncer
	statuses map[int64]connector.StatusUpdate
}

var seedCallsigns = []string{"K1ABC", "W5XY", "N0CALL", "G4XYZ", "JA1QRP", "VK2DEF"}
var seedBands = []string{"20m", "40m", "10m", "80m"}
var seedModes = []string{"SSB", "CW", "FT8"}

func seedQSOs(n int) []domain.QSO {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	out := make([]domain.QSO, 0, n)
	for i := 0; i < n; i++ {
		cs := seedCallsigns[i%len(seedCallsigns)]
		out = append(out, domain.QSO{
			ID:           int64(i + 1),
			Callsign:     cs,
			When:         base.Add(time.Duration(i) * 37 * time.Minute),
			Band:         seedBands[i%len(seedBands)],
			Mode:         seedModes[i%len(seedModes)],
			RSTSent:      "59",
			RSTRecv:      "57",
			OperatorName: "Op " + cs,
			Grid:         "EM12",
			EmailTo:      strings.ToLower(cs) + "@example.com",
		})
	}
	return out
}

func (s *server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.cfg.Token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *server) handleListQSOs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "bad since", http.StatusBadRequest)
			return
		}
		since = t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]domain.QSO, 0, limit)
	for _, q := range s.qsos {
		if len(items) == limit {
			break
		}
		if !since.IsZero() && q.When.Before(since) {
			continue
		}
		// already confirmed upstream: the pipeline has synced it back
		if st, ok := s.statuses[q.ID]; ok && st.QSLSentFlag {
			continue
		}
		items = append(items, q)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"items": items})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return
	}
	var upd connector.StatusUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	known := false
	for _, q := range s.qsos {
		if q.ID == id {
			known = true
			break
		}
	}
	if known {
		s.statuses[id] = upd
	}
	s.mu.Unlock()

	if !known {
		http.Error(w, "unknown qso", http.StatusNotFound)
		return
	}
	slog.Info("status recorded", "qso_id", id, "sent", upd.QSLSentFlag, "message_id", upd.EmailMessageID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func main() {
	var cfg mockConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	logging.Init("connector-mock", cfg.LogLevel, cfg.LogFormat)

	s := &server{
		cfg:      cfg,
		qsos:     seedQSOs(cfg.SeedCount),
		statuses: map[int64]connector.StatusUpdate{},
	}

	r := mux.NewRouter()
	r.HandleFunc("/qsos", s.auth(s.handleListQSOs)).Methods(http.MethodGet)
	r.HandleFunc("/qsos/{id}/status", s.auth(s.handleStatus)).Methods(http.MethodPost)

	ops := httpapi.New()
	ops.Mux.HandleFunc("/healthz", httpapi.Healthz())
	r.PathPrefix("/").Handler(ops.Mux)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpapi.Logging(r),
	}
	slog.Info("connector-mock listening", "port", cfg.Port, "seeded", len(s.qsos))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
