// Package ops is the operational surface of the service: REST endpoints over
// the tool registry, a WebSocket event relay off the message broker, and the
// Prometheus scrape endpoint.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/config"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/engine"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/fabric"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/fabric/broker"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/persistence"
)

// Server hosts the HTTP API.
type Server struct {
	cfg      config.ServerConfig
	runtime  *fabric.Runtime
	runs     persistence.RunsRepo
	cache    persistence.CandleCache
	router   *mux.Router
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// NewServer wires routes over the runtime. runs may be nil when persistence
// is disabled; the run endpoints then answer 503.
func NewServer(cfg config.ServerConfig, rt *fabric.Runtime, runs persistence.RunsRepo) *Server {
	s := &Server{
		cfg:     cfg,
		runtime: rt,
		runs:    runs,
		router:  mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metricsHandler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/backtest", s.handleBacktest).Methods(http.MethodPost)
	api.HandleFunc("/optimize", s.toolHandler("optimize_grid")).Methods(http.MethodPost)
	api.HandleFunc("/walkforward", s.toolHandler("walk_forward")).Methods(http.MethodPost)
	api.HandleFunc("/montecarlo", s.toolHandler("monte_carlo")).Methods(http.MethodPost)
	api.HandleFunc("/tools", s.handleTools).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	api.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)

	s.router.HandleFunc("/ws/events", s.handleEvents)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// SetCache installs a hot cache in front of run lookups.
func (s *Server) SetCache(c persistence.CandleCache) { s.cache = c }

// Start serves until the context is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		errCh <- s.httpSrv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) metricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		NewCollector(s.runtime.Metrics, ""),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.runtime.Broker.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"agents":        len(stats.MailboxSizes),
		"tools":         len(s.runtime.Tools.List("", "")),
		"subscriptions": s.runtime.Broker.SubscriptionCount(),
	})
}

// toolHandler proxies a JSON body straight into a registered tool.
func (s *Server) toolHandler(tool string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var args map[string]any
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
		res, err := s.runtime.Tools.Execute(r.Context(), tool, args)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !res.Success {
			writeError(w, http.StatusUnprocessableEntity, res.Error)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// handleBacktest runs the backtest tool and, when persistence is enabled,
// stores the result with its trades and reports the assigned run id.
func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	var args map[string]any
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	strategy := popString(args, "strategy")
	symbol := popString(args, "symbol")
	interval := popString(args, "interval")

	res, err := s.runtime.Tools.Execute(r.Context(), "run_backtest", args)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !res.Success {
		writeError(w, http.StatusUnprocessableEntity, res.Error)
		return
	}

	runID := ""
	if s.runs != nil {
		if out, ok := res.Data.(*engine.BacktestOutput); ok {
			runID = s.persistRun(r.Context(), strategy, symbol, interval, args["config"], out)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res, "run_id": runID})
}

// persistRun stores a completed run. Storage failures are logged, not
// surfaced; the backtest result itself already succeeded.
func (s *Server) persistRun(ctx context.Context, strategy, symbol, interval string, rawCfg any, out *engine.BacktestOutput) string {
	cfg := engine.DefaultConfig()
	if rawCfg != nil {
		if buf, err := json.Marshal(rawCfg); err == nil {
			if err := json.Unmarshal(buf, &cfg); err != nil {
				log.Warn().Err(err).Msg("run config not storable, persisting defaults")
			}
		}
	}
	run, err := persistence.RunFromOutput(strategy, symbol, interval, cfg, out)
	if err != nil {
		log.Warn().Err(err).Msg("run mapping failed")
		return ""
	}
	if err := s.runs.Save(ctx, run); err != nil {
		log.Warn().Err(err).Msg("run save failed")
		return ""
	}
	if err := s.runs.InsertTrades(ctx, run.ID, persistence.TradeRows(run.ID, out.Trades)); err != nil {
		log.Warn().Err(err).Str("run", run.ID).Msg("trade insert failed")
	}
	return run.ID
}

func popString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	delete(args, key)
	return v
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	tools := s.runtime.Tools.List(r.URL.Query().Get("category"), r.URL.Query().Get("tag"))
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"category":    t.Category,
			"inputSchema": t.InputSchema(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence disabled")
		return
	}
	id := mux.Vars(r)["id"]
	if s.cache != nil {
		if payload, err := s.cache.GetRun(r.Context(), id); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(payload)
			return
		}
	}
	run, err := s.runs.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if s.cache != nil {
		if payload, err := json.Marshal(run); err == nil {
			if err := s.cache.PutRun(r.Context(), id, payload, 0); err != nil {
				log.Warn().Err(err).Str("run", id).Msg("run cache write failed")
			}
		}
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence disabled")
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol query parameter required")
		return
	}
	tr := persistence.TimeRange{From: time.Unix(0, 0), To: time.Now().UTC()}
	runs, err := s.runs.ListBySymbol(r.Context(), symbol, tr, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleEvents relays broker publications on one topic to a WebSocket client.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeError(w, http.StatusBadRequest, "topic query parameter required")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Broker handlers run on the publisher goroutine; hand off through a
	// buffered channel so a slow client drops events instead of blocking.
	events := make(chan map[string]any, 64)
	subID := s.runtime.Broker.Subscribe(topic, func(msg *broker.Message) error {
		select {
		case events <- msg.ToMap():
		default:
			log.Warn().Str("topic", topic).Msg("websocket relay buffer full, dropping event")
		}
		return nil
	}, nil)
	defer s.runtime.Broker.Unsubscribe(subID)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev := <-events:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("response encoding failed")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
