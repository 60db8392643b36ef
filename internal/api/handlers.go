package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"gasless/relayer/internal/blockchain/evm"
	"gasless/relayer/internal/models"
	"gasless/relayer/internal/service"
)

const maxBodyBytes = 1 << 20

// Relayer is the relay pipeline the handlers expose
type Relayer interface {
	GetReplayNonce(ctx context.Context, sender common.Address) (*big.Int, error)
	Relay(ctx context.Context, req evm.ForwardRequest, signature []byte) (*service.RelayResult, error)
	GetStatus(ctx context.Context, txHash string) (*models.RelayRecord, error)
}

// ChainChecker reports RPC connectivity for the health endpoint
type ChainChecker interface {
	IsConnected(ctx context.Context) bool
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	relayer Relayer
	chain   ChainChecker
	logger  *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(relayer Relayer, chain ChainChecker, logger *zap.Logger) *Handler {
	return &Handler{
		relayer: relayer,
		chain:   chain,
		logger:  logger,
	}
}

// ==================== Health Check ====================

// HandleHealth returns service health status
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:         "ok",
		Version:        "1.0.0",
		Time:           float64(time.Now().UnixNano()) / float64(time.Second),
		ChainConnected: true,
	}

	if h.chain != nil && !h.chain.IsConnected(r.Context()) {
		response.Status = "degraded"
		response.ChainConnected = false
		respondJSON(w, http.StatusServiceUnavailable, response)
		return
	}

	respondJSON(w, http.StatusOK, response)
}

// ==================== Nonce ====================

// HandleGetNonce handles GET /nonce?address=0x...
// Returns the replay nonce the address should sign next
func (h *Handler) HandleGetNonce(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if address == "" {
		respondError(w, http.StatusBadRequest, "Address parameter required", nil)
		return
	}
	if !common.IsHexAddress(address) {
		respondError(w, http.StatusBadRequest, "Invalid address", nil)
		return
	}

	nonce, err := h.relayer.GetReplayNonce(r.Context(), common.HexToAddress(address))
	if err != nil {
		h.logger.Error("Failed to get replay nonce",
			zap.String("address", address),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to get nonce", err)
		return
	}

	respondJSON(w, http.StatusOK, NonceResponse{Nonce: nonce})
}

// ==================== Relay ====================

// HandleRelay handles POST /relay
// Verifies a signed forward request and submits it to the forwarder
func (h *Handler) HandleRelay(w http.ResponseWriter, r *http.Request) {
	var req RelayRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.logger.Error("Failed to decode request", zap.Error(err))
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if req.Request == nil || req.Signature == "" {
		respondError(w, http.StatusBadRequest, "Missing request or signature", nil)
		return
	}

	p := req.Request
	forwardReq, err := evm.ParseForwardRequest(
		p.From, p.To,
		string(p.Value), string(p.Gas), string(p.Nonce), string(p.Deadline),
		p.Data,
	)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request", err)
		return
	}

	signature, err := hexutil.Decode(strings.TrimSpace(req.Signature))
	if err != nil {
		respondError(w, http.StatusUnauthorized, "Invalid signature", nil)
		return
	}

	result, err := h.relayer.Relay(r.Context(), forwardReq, signature)
	if err != nil {
		status, message := statusForError(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Relay failed",
				zap.String("from", forwardReq.From.Hex()),
				zap.Error(err))
		}
		respondError(w, status, message, err)
		return
	}

	respondJSON(w, http.StatusOK, RelayResponse{
		TxHash: result.TxHash,
		Status: result.Status,
	})
}

// ==================== Status ====================

// HandleGetStatus handles GET /status/{txHash}
// Returns the relay record, reconciled against the chain
func (h *Handler) HandleGetStatus(w http.ResponseWriter, r *http.Request) {
	txHash := mux.Vars(r)["txHash"]
	if txHash == "" {
		respondError(w, http.StatusBadRequest, "txHash is required", nil)
		return
	}

	record, err := h.relayer.GetStatus(r.Context(), txHash)
	if err != nil {
		status, message := statusForError(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Failed to get status",
				zap.String("tx_hash", txHash),
				zap.Error(err))
		}
		respondError(w, status, message, err)
		return
	}

	response := StatusResponse{
		Status:    record.Status,
		From:      record.Sender,
		To:        record.Target,
		CreatedAt: record.CreatedAt,
	}
	if record.TxHash != nil {
		response.TxHash = *record.TxHash
	}

	respondJSON(w, http.StatusOK, response)
}

// ==================== Helper Functions ====================

// statusForError maps relay errors to HTTP status codes and client messages
func statusForError(err error) (int, string) {
	var sigErr *service.SignatureError
	var subErr *service.SubmissionError

	switch {
	case errors.As(err, &sigErr):
		return http.StatusUnauthorized, "Invalid signature"
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest, "Invalid request"
	case errors.Is(err, service.ErrReplay):
		return http.StatusConflict, "Nonce already used"
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "Transaction not found"
	case errors.Is(err, service.ErrAllocation):
		return http.StatusServiceUnavailable, "Relayer busy"
	case errors.As(err, &subErr) && subErr.Transient:
		return http.StatusBadGateway, "Submission outcome unknown"
	case errors.As(err, &subErr):
		return http.StatusUnprocessableEntity, "Transaction rejected"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Log error but can't send response since headers already written
		fmt.Printf("Failed to encode JSON response: %v\n", err)
	}
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errorMsg := message
	if err != nil {
		errorMsg = fmt.Sprintf("%s: %v", message, err)
	}

	response := ErrorResponse{
		Error:   message,
		Message: errorMsg,
	}

	respondJSON(w, statusCode, response)
}
