package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"ClearingHouse/internal/ingestion"
	"ClearingHouse/internal/observability"
	"ClearingHouse/internal/projection"
	"ClearingHouse/internal/query"
)

// GRPCServer wraps the gRPC server and the HTTP/JSON gateway. Operations
// enter through NATS; the gRPC side carries health and reflection, and the
// gateway mux serves the read API plus admin injection endpoints.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	healthServer  *health.Server
	healthChecker *observability.HealthChecker
	deps          *ServerDeps
}

// CollateralManager is the vault surface exposed to admin endpoints.
type CollateralManager interface {
	Deposit(trader uuid.UUID, amount *big.Int) error
	Withdraw(trader uuid.UUID, amount *big.Int, imRatio int64) error
}

// ServerDeps holds all dependencies needed by the API surface.
type ServerDeps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	IngestService *ingestion.GRPCIngestService
	Collateral    CollateralManager
	IMRatio       int64
	HealthChecker *observability.HealthChecker
	StartTime     time.Time
}

// NewGRPCServer creates the server with health and reflection registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthServer:  healthServer,
		healthChecker: deps.HealthChecker,
		deps:          deps,
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: gRPC server shutting down...")
		s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		s.grpcServer.GracefulStop()
	}()

	log.Printf("INFO: gRPC server listening on %s", s.grpcAddr)
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the HTTP/JSON API (blocking). Served on a
// gateway mux so path parameters follow the same /v1/... conventions as
// the rest of the platform.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	mux := runtime.NewServeMux()

	if err := s.registerQueryRoutes(mux); err != nil {
		return fmt.Errorf("register query routes: %w", err)
	}
	if err := s.registerAdminRoutes(mux); err != nil {
		return fmt.Errorf("register admin routes: %w", err)
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	httpMux.Handle("/metrics", promhttp.Handler())
	httpMux.Handle("/", mux)

	s.httpServer = &http.Server{
		Addr:    s.httpAddr,
		Handler: httpMux,
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP gateway shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP gateway listening on %s", s.httpAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ============================================================================
// Query routes
// ============================================================================

func (s *GRPCServer) registerQueryRoutes(mux *runtime.ServeMux) error {
	qs := s.deps.QueryService

	if err := mux.HandlePath("GET", "/v1/accounts/{trader}", func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		trader, err := uuid.Parse(params["trader"])
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid trader id")
			return
		}
		resp, err := qs.GetAccount(r.Context(), trader)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}); err != nil {
		return err
	}

	if err := mux.HandlePath("GET", "/v1/accounts/{trader}/positions", func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		trader, err := uuid.Parse(params["trader"])
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid trader id")
			return
		}
		positions, err := qs.GetPositions(r.Context(), trader)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
	}); err != nil {
		return err
	}

	if err := mux.HandlePath("GET", "/v1/accounts/{trader}/funding", func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		trader, err := uuid.Parse(params["trader"])
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid trader id")
			return
		}
		history, err := qs.GetFundingHistory(r.Context(), trader, queryLimit(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"payments": history})
	}); err != nil {
		return err
	}

	if err := mux.HandlePath("GET", "/v1/accounts/{trader}/liquidations", func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		trader, err := uuid.Parse(params["trader"])
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid trader id")
			return
		}
		history, err := qs.GetLiquidationHistory(r.Context(), trader, queryLimit(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"liquidations": history})
	}); err != nil {
		return err
	}

	if err := mux.HandlePath("GET", "/v1/markets/{market}/orders/{maker}", func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		maker, err := uuid.Parse(params["maker"])
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid maker id")
			return
		}
		resp, err := qs.GetOpenOrder(r.Context(), maker, params["market"])
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}); err != nil {
		return err
	}

	return mux.HandlePath("GET", "/v1/system/status", func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		resp, err := qs.GetSystemStatus(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.UptimeSeconds = int64(time.Since(s.deps.StartTime).Seconds())
		writeJSON(w, http.StatusOK, resp)
	})
}

// ============================================================================
// Admin routes
// ============================================================================

type settleFundingRequest struct {
	Trader string `json:"trader"`
}

type cancelOrderRequest struct {
	Caller string `json:"caller"`
	Maker  string `json:"maker"`
	Market string `json:"market"`
}

type liquidateRequest struct {
	Liquidator string `json:"liquidator"`
	Trader     string `json:"trader"`
	Market     string `json:"market"`
}

type collateralRequest struct {
	Trader string `json:"trader"`
	Amount string `json:"amount"`
}

func (s *GRPCServer) registerAdminRoutes(mux *runtime.ServeMux) error {
	ingest := s.deps.IngestService

	if err := mux.HandlePath("POST", "/v1/admin/funding/settle", func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		var req settleFundingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		trader, err := uuid.Parse(req.Trader)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid trader id")
			return
		}
		if err := ingest.InjectSettleFunding(r.Context(), trader); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
	}); err != nil {
		return err
	}

	if err := mux.HandlePath("POST", "/v1/admin/orders/cancel", func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		var req cancelOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		caller, err := uuid.Parse(req.Caller)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid caller id")
			return
		}
		maker, err := uuid.Parse(req.Maker)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid maker id")
			return
		}
		if req.Market == "" {
			writeError(w, http.StatusBadRequest, "market is required")
			return
		}
		if err := ingest.InjectCancelOrder(r.Context(), caller, maker, req.Market); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
	}); err != nil {
		return err
	}

	if err := mux.HandlePath("POST", "/v1/admin/liquidations", func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		var req liquidateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		liquidator, err := uuid.Parse(req.Liquidator)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid liquidator id")
			return
		}
		trader, err := uuid.Parse(req.Trader)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid trader id")
			return
		}
		if req.Market == "" {
			writeError(w, http.StatusBadRequest, "market is required")
			return
		}
		if err := ingest.InjectLiquidate(r.Context(), liquidator, trader, req.Market); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
	}); err != nil {
		return err
	}

	if err := mux.HandlePath("POST", "/v1/admin/collateral/deposit", func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		trader, amount, ok := parseCollateralRequest(w, r)
		if !ok {
			return
		}
		if s.deps.Collateral == nil {
			writeError(w, http.StatusServiceUnavailable, "collateral vault not configured")
			return
		}
		if err := s.deps.Collateral.Deposit(trader, amount); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"applied": true})
	}); err != nil {
		return err
	}

	if err := mux.HandlePath("POST", "/v1/admin/collateral/withdraw", func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		trader, amount, ok := parseCollateralRequest(w, r)
		if !ok {
			return
		}
		if s.deps.Collateral == nil {
			writeError(w, http.StatusServiceUnavailable, "collateral vault not configured")
			return
		}
		if err := s.deps.Collateral.Withdraw(trader, amount, s.deps.IMRatio); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"applied": true})
	}); err != nil {
		return err
	}

	if err := mux.HandlePath("POST", "/v1/admin/integrity/verify", func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		report, err := s.deps.QueryService.VerifyIntegrity(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, report)
	}); err != nil {
		return err
	}

	return mux.HandlePath("POST", "/v1/admin/projections/rebuild", func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		if s.deps.DB == nil {
			writeError(w, http.StatusServiceUnavailable, "event log database not configured")
			return
		}
		if err := projection.RebuildProjections(r.Context(), s.deps.DB); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"rebuilt": true})
	})
}

// ============================================================================
// Helpers
// ============================================================================

func parseCollateralRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, *big.Int, bool) {
	var req collateralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return uuid.Nil, nil, false
	}
	trader, err := uuid.Parse(req.Trader)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid trader id")
		return uuid.Nil, nil, false
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be a positive decimal string")
		return uuid.Nil, nil, false
	}
	return trader, amount, true
}

func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 100
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 100
	}
	return limit
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("WARN: response encode failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
