/*
handlers.go - HTTP handlers

PURPOSE:
  The request orchestrator: validates input, invokes the referral engine
  components, and maps domain errors to HTTP status codes. Contains no
  reward math of its own.

ERROR MAPPING:
  not found                -> 404
  invalid input            -> 400
  insufficient balance     -> 409
  detail already processed -> 409
  lock budget exhausted    -> 503 (caller may retry the whole request)
  anything else            -> 500

SEE ALSO:
  - server.go: Route wiring
  - worker.go: Asynchronous job processing
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/store/sqlite"
)

// Handler carries the wired engine components.
type Handler struct {
	Store      *sqlite.Store
	Tree       *referral.Accessor
	Resolver   *referral.Resolver
	Processor  *referral.Processor
	Aggregator *referral.Aggregator
	Logger     *zap.Logger
}

func NewHandler(store *sqlite.Store, tree *referral.Accessor, resolver *referral.Resolver,
	processor *referral.Processor, aggregator *referral.Aggregator, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store:      store,
		Tree:       tree,
		Resolver:   resolver,
		Processor:  processor,
		Aggregator: aggregator,
		Logger:     logger,
	}
}

// =============================================================================
// CLIENTS
// =============================================================================

// CreateClient registers a client under an affiliate type, optionally
// below a referrer, deriving level, path and root id.
func (h *Handler) CreateClient(w http.ResponseWriter, r *http.Request) {
	var req CreateClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.ClientID == "" || req.AffiliateTypeID == "" {
		h.writeBadRequest(w, "clientId and affiliateTypeId are required")
		return
	}

	ctx := r.Context()
	clientID := referral.ClientID(req.ClientID)
	affiliateType := referral.AffiliateTypeID(req.AffiliateTypeID)

	if _, err := h.Store.GetClient(ctx, clientID); errors.Is(err, referral.ErrClientNotFound) {
		client := referral.Client{
			ID:               clientID,
			Active:           true,
			MembershipTierID: referral.TierID(req.MembershipTierID),
		}
		if err := h.Store.CreateClient(ctx, client); err != nil {
			h.writeError(w, err)
			return
		}
	} else if err != nil {
		h.writeError(w, err)
		return
	}

	var node referral.Node
	if req.ReferrerClientID == "" {
		node = referral.NewRootNode(clientID, affiliateType)
	} else {
		referrer, err := h.Store.GetNodeByClient(ctx, referral.ClientID(req.ReferrerClientID), affiliateType)
		if err != nil {
			h.writeError(w, err)
			return
		}
		node = referral.NewChildNode(referrer, clientID)
	}

	created, err := h.Store.CreateNode(ctx, node)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toNodeResponse(created))
}

// GetNetwork returns the subtree below a client's node.
func (h *Handler) GetNetwork(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := referral.ClientID(chi.URLParam(r, "id"))
	affiliateType := referral.AffiliateTypeID(r.URL.Query().Get("affiliateType"))
	if affiliateType == "" {
		h.writeBadRequest(w, "affiliateType query parameter is required")
		return
	}

	node, err := h.Store.GetNodeByClient(ctx, clientID, affiliateType)
	if err != nil {
		h.writeError(w, err)
		return
	}
	tree, err := h.Tree.Descendants(ctx, node)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toNetworkResponse(tree))
}

// =============================================================================
// REWARDS
// =============================================================================

// ComputeRewards runs a batch synchronously, or enqueues it for the
// background worker when async is requested.
func (h *Handler) ComputeRewards(w http.ResponseWriter, r *http.Request) {
	var req ComputeRewardsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Events) == 0 {
		h.writeBadRequest(w, "events must not be empty")
		return
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	events := make([]referral.Event, len(req.Events))
	for i, ev := range req.Events {
		amount, err := decimal.NewFromString(ev.Amount)
		if err != nil {
			h.writeBadRequest(w, "invalid amount: "+ev.Amount)
			return
		}
		if ev.ClientID == "" || ev.AffiliateTypeID == "" || ev.Currency == "" {
			h.writeBadRequest(w, "clientId, affiliateTypeId and currency are required per event")
			return
		}
		detailID := ev.DetailID
		if detailID == "" {
			detailID = uuid.NewString()
		}
		events[i] = referral.Event{
			DetailID:        detailID,
			ClientID:        referral.ClientID(ev.ClientID),
			AffiliateTypeID: referral.AffiliateTypeID(ev.AffiliateTypeID),
			Amount:          amount,
			Currency:        ev.Currency,
		}
	}

	if req.Async {
		job := sqlite.Job{
			ID:        uuid.NewString(),
			RequestID: requestID,
			Events:    events,
			NextRunAt: time.Now().UTC(),
		}
		if err := h.Store.EnqueueJob(r.Context(), job); err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusAccepted, ComputeRewardsResponse{RequestID: requestID, JobID: job.ID})
		return
	}

	outcomes := h.Processor.Process(r.Context(), requestID, events)
	resp := ComputeRewardsResponse{RequestID: requestID}
	for _, o := range outcomes {
		or := OutcomeResponse{
			DetailID:         o.DetailID,
			ClientID:         string(o.ClientID),
			Allocations:      o.Allocations,
			AlreadyProcessed: o.AlreadyProcessed,
		}
		if o.Err != nil {
			or.Error = o.Err.Error()
		}
		resp.Outcomes = append(resp.Outcomes, or)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetBalance returns the available amount for one (client, currency).
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	clientID := referral.ClientID(chi.URLParam(r, "id"))
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		h.writeBadRequest(w, "currency query parameter is required")
		return
	}

	available, err := h.Aggregator.AvailableAmount(r.Context(), clientID, currency)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, BalanceResponse{
		BeneficiaryID: string(clientID),
		Currency:      currency,
		Available:     available.String(),
	})
}

// ListRewards returns a client's allocation rows, newest first.
func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	clientID := referral.ClientID(chi.URLParam(r, "id"))
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		h.writeBadRequest(w, "currency query parameter is required")
		return
	}

	allocs, err := h.Store.AllocationsByBeneficiary(r.Context(), clientID, currency)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]AllocationResponse, 0, len(allocs))
	for _, a := range allocs {
		out = append(out, toAllocationResponse(a))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// CLAIMS
// =============================================================================

func (h *Handler) CreateClaim(w http.ResponseWriter, r *http.Request) {
	var req CreateClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadRequest(w, "invalid JSON body")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		h.writeBadRequest(w, "invalid amount: "+req.Amount)
		return
	}

	claim, err := h.Aggregator.RequestClaim(r.Context(),
		referral.ClientID(req.BeneficiaryID), req.Currency, amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toClaimResponse(claim))
}

func (h *Handler) ApproveClaim(w http.ResponseWriter, r *http.Request) {
	h.reviewClaim(w, r, referral.ClaimApproved)
}

func (h *Handler) RejectClaim(w http.ResponseWriter, r *http.Request) {
	h.reviewClaim(w, r, referral.ClaimRejected)
}

func (h *Handler) reviewClaim(w http.ResponseWriter, r *http.Request, status referral.ClaimStatus) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if err := h.Store.UpdateClaimStatus(ctx, id, status); err != nil {
		h.writeError(w, err)
		return
	}
	claim, err := h.Store.GetClaim(ctx, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toClaimResponse(claim))
}

// =============================================================================
// POLICIES
// =============================================================================

func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req CreatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadRequest(w, "invalid JSON body")
		return
	}

	share, err := decimal.NewFromString(req.ProportionShare)
	if err != nil {
		h.writeBadRequest(w, "invalid proportionShare: "+req.ProportionShare)
		return
	}
	policy := referral.Policy{
		ID:              referral.PolicyID(req.ID),
		Name:            req.Name,
		Type:            referral.PolicyType(req.Type),
		ProportionShare: share,
		MaxLevels:       req.MaxLevels,
	}
	for _, rate := range req.Rates {
		d, err := decimal.NewFromString(rate)
		if err != nil {
			h.writeBadRequest(w, "invalid rate: "+rate)
			return
		}
		policy.Rates = append(policy.Rates, d)
	}
	if len(req.MembershipRates) > 0 {
		policy.MembershipRates = make(map[referral.TierID]decimal.Decimal, len(req.MembershipRates))
		for tier, rate := range req.MembershipRates {
			d, err := decimal.NewFromString(rate)
			if err != nil {
				h.writeBadRequest(w, "invalid membership rate for tier "+tier)
				return
			}
			policy.MembershipRates[referral.TierID(tier)] = d
		}
	}
	if err := policy.Validate(); err != nil {
		h.writeBadRequest(w, err.Error())
		return
	}

	if err := h.Store.SavePolicy(r.Context(), policy); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

func (h *Handler) AssignPolicies(w http.ResponseWriter, r *http.Request) {
	var req AssignPoliciesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadRequest(w, "invalid JSON body")
		return
	}
	ids := make([]referral.PolicyID, len(req.PolicyIDs))
	for i, id := range req.PolicyIDs {
		ids[i] = referral.PolicyID(id)
	}
	if err := h.Store.AssignPolicies(r.Context(), referral.NodeID(req.RootNodeID), ids); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SetDefaultPolicies(w http.ResponseWriter, r *http.Request) {
	var req DefaultPoliciesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadRequest(w, "invalid JSON body")
		return
	}
	ids := make([]referral.PolicyID, len(req.PolicyIDs))
	for i, id := range req.PolicyIDs {
		ids[i] = referral.PolicyID(id)
	}
	if err := h.Store.SetDefaultPolicies(r.Context(),
		referral.AffiliateTypeID(req.AffiliateTypeID), ids); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Logger.Warn("write response failed", zap.Error(err))
	}
}

func (h *Handler) writeBadRequest(w http.ResponseWriter, msg string) {
	h.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case referral.IsNotFound(err):
		h.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, referral.ErrInsufficientBalance),
		errors.Is(err, referral.ErrDuplicateDetail):
		h.writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error()})
	case errors.Is(err, referral.ErrInvalidAmount):
		h.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case referral.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		h.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
	default:
		h.Logger.Error("request failed", zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}
