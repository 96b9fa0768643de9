package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/speedrun-hq/bridgerunner/pkg/amount"
	"github.com/speedrun-hq/bridgerunner/pkg/bridge"
	"github.com/speedrun-hq/bridgerunner/pkg/chains"
	"github.com/speedrun-hq/bridgerunner/pkg/events"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
	"github.com/speedrun-hq/bridgerunner/pkg/orchestrator"
	"github.com/speedrun-hq/bridgerunner/pkg/registry"
)

const keepaliveInterval = 15 * time.Second

// transferRequest describes a transfer in caller units: tokens by symbol or address,
// the amount in human decimal notation
type transferRequest struct {
	SourceChain      amount.ChainID `json:"source_chain"`
	DestinationChain amount.ChainID `json:"destination_chain"`
	SourceToken      string         `json:"source_token"`
	DestinationToken string         `json:"destination_token"`
	Amount           string         `json:"amount"`
	Depositor        string         `json:"depositor,omitempty"`
	Recipient        string         `json:"recipient"`
	SlippageBps      uint32         `json:"slippage_bps"`
	MaxLegs          int            `json:"max_legs,omitempty"`
}

type submitResponse struct {
	TransferID string               `json:"transfer_id"`
	State      models.TransferState `json:"state"`
}

type quoteResponse struct {
	Legs []*models.Quote `json:"legs"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	LegIndex  *int   `json:"leg_index,omitempty"`
	Shortfall string `json:"shortfall,omitempty"`
}

func resolveToken(chainID amount.ChainID, ref string) (amount.Token, error) {
	ref = strings.TrimSpace(ref)
	if t, err := chains.Stablecoin(chainID, ref); err == nil {
		return t, nil
	}
	if t, ok := chains.LookupToken(chainID, ref); ok {
		return t, nil
	}
	return amount.Token{}, fmt.Errorf("unknown token %q on chain %d", ref, chainID)
}

// intent converts a request into a transfer intent signed by the service's own depositor
func (s *Server) intent(req transferRequest) (models.TransferIntent, error) {
	from, err := resolveToken(req.SourceChain, req.SourceToken)
	if err != nil {
		return models.TransferIntent{}, err
	}
	to, err := resolveToken(req.DestinationChain, req.DestinationToken)
	if err != nil {
		return models.TransferIntent{}, err
	}
	value, err := amount.Parse(req.Amount, from.Decimals)
	if err != nil {
		return models.TransferIntent{}, fmt.Errorf("invalid amount %q: %w", req.Amount, err)
	}
	if err := chains.ValidateAddress(req.DestinationChain, req.Recipient); err != nil {
		return models.TransferIntent{}, fmt.Errorf("invalid recipient: %w", err)
	}

	depositor := s.depositors.Address(req.SourceChain)
	if depositor == "" {
		return models.TransferIntent{}, fmt.Errorf("no signer configured for chain %d", req.SourceChain)
	}
	if req.Depositor != "" && !strings.EqualFold(req.Depositor, depositor) {
		return models.TransferIntent{}, fmt.Errorf("depositor %s is not controlled by this service", req.Depositor)
	}

	return models.TransferIntent{
		SourceChain:          req.SourceChain,
		DestinationChain:     req.DestinationChain,
		SourceToken:          from,
		DestinationToken:     to,
		Amount:               value,
		Depositor:            depositor,
		Recipient:            req.Recipient,
		SlippageToleranceBps: req.SlippageBps,
		MaxLegs:              req.MaxLegs,
	}, nil
}

func (s *Server) decodeIntent(w http.ResponseWriter, r *http.Request) (models.TransferIntent, bool) {
	var req transferRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return models.TransferIntent{}, false
	}
	intent, err := s.intent(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return models.TransferIntent{}, false
	}
	return intent, true
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	intent, ok := s.decodeIntent(w, r)
	if !ok {
		return
	}
	id, err := s.transfers.Submit(r.Context(), intent)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.logger.Info("Accepted transfer %s: %s %s -> %s", id, intent.Amount.Human(), intent.SourceToken, intent.DestinationToken)
	w.Header().Set("Location", "/v1/transfers/"+id)
	writeJSON(w, http.StatusAccepted, submitResponse{TransferID: id, State: models.TransferPending})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	intent, ok := s.decodeIntent(w, r)
	if !ok {
		return
	}
	quotes, err := s.transfers.Preview(r.Context(), intent)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{Legs: quotes})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.transfers.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	t, err := s.transfers.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type reconcileResponse struct {
	Checks []models.Reconciliation `json:"checks"`
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	checks, err := s.transfers.Reconcile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if checks == nil {
		checks = []models.Reconciliation{}
	}
	writeJSON(w, http.StatusOK, reconcileResponse{Checks: checks})
}

// handleEvents streams progress events as server-sent events until the transfer settles, fails or is cancelled
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	// subscribe before the snapshot so no change falls between the two
	evs, unsubscribe := s.events.Subscribe(id)
	defer unsubscribe()

	t, err := s.transfers.Get(id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for i := range t.Legs {
		if err := writeEvent(w, events.LegEvent(t, i)); err != nil {
			return
		}
	}
	flusher.Flush()
	if t.Stopped() {
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-evs:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.TransferState != models.TransferPending || ev.Cancelled {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev models.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
	return err
}

// writeFailure maps orchestration errors onto HTTP statuses
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestrator.ErrInvalidIntent):
		status = http.StatusBadRequest
	case errors.Is(err, registry.ErrTransferNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrAlreadyFinished), errors.Is(err, orchestrator.ErrNotReconcilable):
		status = http.StatusConflict
	case errors.Is(err, bridge.ErrNoRouteAvailable):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrQueueFull):
		status = http.StatusServiceUnavailable
	case errors.Is(err, bridge.ErrQuoteUnavailable), errors.Is(err, bridge.ErrRateLimited), errors.Is(err, bridge.ErrRPCUnavailable):
		status = http.StatusBadGateway
	}

	body := errorResponse{Error: err.Error()}
	var legErr *bridge.LegError
	if errors.As(err, &legErr) {
		f := legErr.Failure()
		body.Kind = f.Kind
		idx := legErr.LegIndex
		body.LegIndex = &idx
		if f.Shortfall != nil {
			body.Shortfall = f.Shortfall.String()
		}
	} else if kind := bridge.Classify(err); kind != bridge.KindUnknown {
		body.Kind = string(kind)
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("API request failed: %v", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
