/*
dto.go - Request/response shapes for the HTTP API

All amounts cross the wire as strings and are parsed with
decimal.NewFromString; JSON numbers would round-trip through float64.
*/
package api

import (
	"github.com/warp/referral-engine/referral"
)

// =============================================================================
// REQUESTS
// =============================================================================

type CreateClientRequest struct {
	ClientID         string `json:"clientId"`
	AffiliateTypeID  string `json:"affiliateTypeId"`
	ReferrerClientID string `json:"referrerClientId,omitempty"`
	MembershipTierID string `json:"membershipTierId,omitempty"`
}

type ComputeRewardsRequest struct {
	RequestID string        `json:"requestId,omitempty"`
	Async     bool          `json:"async,omitempty"`
	Events    []RewardEvent `json:"events"`
}

type RewardEvent struct {
	DetailID        string `json:"detailId,omitempty"`
	ClientID        string `json:"clientId"`
	AffiliateTypeID string `json:"affiliateTypeId"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
}

type CreateClaimRequest struct {
	BeneficiaryID string `json:"beneficiaryId"`
	Currency      string `json:"currency"`
	Amount        string `json:"amount"`
}

type CreatePolicyRequest struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Type            string            `json:"type"`
	ProportionShare string            `json:"proportionShare"`
	MaxLevels       *int              `json:"maxLevels,omitempty"`
	Rates           []string          `json:"rates,omitempty"`
	MembershipRates map[string]string `json:"membershipRates,omitempty"`
}

type AssignPoliciesRequest struct {
	RootNodeID int64    `json:"rootNodeId"`
	PolicyIDs  []string `json:"policyIds"`
}

type DefaultPoliciesRequest struct {
	AffiliateTypeID string   `json:"affiliateTypeId"`
	PolicyIDs       []string `json:"policyIds"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type NodeResponse struct {
	ID              int64  `json:"id"`
	ClientID        string `json:"clientId"`
	AffiliateTypeID string `json:"affiliateTypeId"`
	ReferrerID      *int64 `json:"referrerId,omitempty"`
	Level           int    `json:"level"`
	ParentPath      string `json:"parentPath"`
	RootID          *int64 `json:"rootId,omitempty"`
	Active          bool   `json:"active"`
}

func toNodeResponse(n referral.Node) NodeResponse {
	out := NodeResponse{
		ID:              int64(n.ID),
		ClientID:        string(n.ClientID),
		AffiliateTypeID: string(n.AffiliateTypeID),
		Level:           n.Level,
		ParentPath:      n.Path.String(),
		Active:          n.Active,
	}
	if n.ReferrerID != nil {
		id := int64(*n.ReferrerID)
		out.ReferrerID = &id
	}
	if n.RootID != nil {
		id := int64(*n.RootID)
		out.RootID = &id
	}
	return out
}

type NetworkResponse struct {
	Node     NodeResponse      `json:"node"`
	Children []NetworkResponse `json:"children,omitempty"`
}

func toNetworkResponse(t *referral.TreeNode) NetworkResponse {
	out := NetworkResponse{Node: toNodeResponse(t.Node)}
	for _, child := range t.Children {
		out.Children = append(out.Children, toNetworkResponse(child))
	}
	return out
}

type OutcomeResponse struct {
	DetailID         string `json:"detailId"`
	ClientID         string `json:"clientId"`
	Allocations      int    `json:"allocations"`
	AlreadyProcessed bool   `json:"alreadyProcessed,omitempty"`
	Error            string `json:"error,omitempty"`
}

type ComputeRewardsResponse struct {
	RequestID string            `json:"requestId"`
	JobID     string            `json:"jobId,omitempty"`
	Outcomes  []OutcomeResponse `json:"outcomes,omitempty"`
}

type BalanceResponse struct {
	BeneficiaryID string `json:"beneficiaryId"`
	Currency      string `json:"currency"`
	Available     string `json:"available"`
}

type AllocationResponse struct {
	BeneficiaryID         string  `json:"beneficiaryId"`
	SourceRequestID       string  `json:"sourceRequestId"`
	SourceDetailID        string  `json:"sourceDetailId"`
	PolicyID              string  `json:"policyId"`
	PolicyType            string  `json:"policyType"`
	Currency              string  `json:"currency"`
	Amount                string  `json:"amount"`
	CommissionType        string  `json:"commissionType"`
	ReferrerBeneficiaryID *string `json:"referrerBeneficiaryId,omitempty"`
	Level                 *int    `json:"level,omitempty"`
	Status                string  `json:"status,omitempty"`
}

func toAllocationResponse(a referral.RewardAllocation) AllocationResponse {
	out := AllocationResponse{
		BeneficiaryID:   string(a.BeneficiaryID),
		SourceRequestID: a.SourceRequestID,
		SourceDetailID:  a.SourceDetailID,
		PolicyID:        string(a.PolicyID),
		PolicyType:      string(a.PolicyType),
		Currency:        a.Currency,
		Amount:          a.Amount.String(),
		CommissionType:  string(a.CommissionType),
		Level:           a.Level,
		Status:          string(a.Status),
	}
	if a.ReferrerBeneficiaryID != nil {
		s := string(*a.ReferrerBeneficiaryID)
		out.ReferrerBeneficiaryID = &s
	}
	return out
}

type ClaimResponse struct {
	ID            string `json:"id"`
	BeneficiaryID string `json:"beneficiaryId"`
	Currency      string `json:"currency"`
	Amount        string `json:"amount"`
	Status        string `json:"status"`
}

func toClaimResponse(c referral.Claim) ClaimResponse {
	return ClaimResponse{
		ID:            c.ID,
		BeneficiaryID: string(c.BeneficiaryID),
		Currency:      c.Currency,
		Amount:        c.Amount.String(),
		Status:        string(c.Status),
	}
}

type ErrorResponse struct {
	Error string `json:"error"`
}
