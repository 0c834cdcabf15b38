package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/store/sqlite"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	store, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tree := referral.NewAccessor(store, 0)
	resolver := referral.NewResolver(store)
	engine := referral.NewEngine(store, nil)
	processor := referral.NewProcessor(tree, resolver, engine, store, nil)
	aggregator := referral.NewAggregator(store, store, referral.NewMemoryLockProvider(), nil)

	h := NewHandler(store, tree, resolver, processor, aggregator, nil)
	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, srv *httptest.Server, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

// registerChain registers alice as a tree root and each following client
// under the previous one.
func registerChain(t *testing.T, srv *httptest.Server, clients ...string) {
	t.Helper()
	for i, c := range clients {
		req := CreateClientRequest{ClientID: c, AffiliateTypeID: "shop"}
		if i > 0 {
			req.ReferrerClientID = clients[i-1]
		}
		resp, body := doJSON(t, srv, http.MethodPost, "/api/clients", req)
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	}
}

func createDefaultPolicy(t *testing.T, srv *httptest.Server) {
	t.Helper()
	resp, body := doJSON(t, srv, http.MethodPost, "/api/policies", CreatePolicyRequest{
		ID: "launch", Name: "Launch", Type: "affiliate",
		ProportionShare: "20",
		Rates:           []string{"50", "30", "15", "5"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = doJSON(t, srv, http.MethodPost, "/api/policies/defaults", DefaultPoliciesRequest{
		AffiliateTypeID: "shop", PolicyIDs: []string{"launch"},
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode, string(body))
}

func TestRewardFlowEndToEnd(t *testing.T) {
	srv := newTestServer(t)

	// GIVEN a registered chain and a default program
	registerChain(t, srv, "alice", "bob", "carol", "dave", "erin")
	createDefaultPolicy(t, srv)

	// WHEN erin's purchase of 100 is computed
	resp, body := doJSON(t, srv, http.MethodPost, "/api/rewards", ComputeRewardsRequest{
		RequestID: "req-1",
		Events: []RewardEvent{{
			DetailID: "det-1", ClientID: "erin", AffiliateTypeID: "shop",
			Amount: "100", Currency: "USD",
		}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var computed ComputeRewardsResponse
	require.NoError(t, json.Unmarshal(body, &computed))
	require.Len(t, computed.Outcomes, 1)
	require.Empty(t, computed.Outcomes[0].Error)
	require.Equal(t, 4, computed.Outcomes[0].Allocations)

	// THEN dave's balance shows his direct commission
	resp, body = doJSON(t, srv, http.MethodGet, "/api/clients/dave/balance?currency=USD", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var balance BalanceResponse
	require.NoError(t, json.Unmarshal(body, &balance))
	require.Equal(t, "10", balance.Available)

	// AND his reward history names erin's event
	resp, body = doJSON(t, srv, http.MethodGet, "/api/clients/dave/rewards?currency=USD", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var rewards []AllocationResponse
	require.NoError(t, json.Unmarshal(body, &rewards))
	require.Len(t, rewards, 1)
	require.Equal(t, "det-1", rewards[0].SourceDetailID)
	require.Equal(t, "direct", rewards[0].CommissionType)

	// AND a claim within balance succeeds while one beyond it conflicts
	resp, body = doJSON(t, srv, http.MethodPost, "/api/claims", CreateClaimRequest{
		BeneficiaryID: "dave", Currency: "USD", Amount: "8",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var claim ClaimResponse
	require.NoError(t, json.Unmarshal(body, &claim))
	require.Equal(t, "pending", claim.Status)

	resp, body = doJSON(t, srv, http.MethodPost, "/api/claims", CreateClaimRequest{
		BeneficiaryID: "dave", Currency: "USD", Amount: "8",
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode, string(body))

	// AND rejecting the claim restores the balance
	resp, body = doJSON(t, srv, http.MethodPost, "/api/claims/"+claim.ID+"/reject", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = doJSON(t, srv, http.MethodGet, "/api/clients/dave/balance?currency=USD", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &balance))
	require.Equal(t, "10", balance.Available)
}

func TestComputeRewardsIdempotentReplay(t *testing.T) {
	srv := newTestServer(t)
	registerChain(t, srv, "alice", "bob")
	createDefaultPolicy(t, srv)

	req := ComputeRewardsRequest{
		RequestID: "req-1",
		Events: []RewardEvent{{
			DetailID: "det-1", ClientID: "bob", AffiliateTypeID: "shop",
			Amount: "100", Currency: "USD",
		}},
	}
	resp, body := doJSON(t, srv, http.MethodPost, "/api/rewards", req)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = doJSON(t, srv, http.MethodPost, "/api/rewards", req)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var replay ComputeRewardsResponse
	require.NoError(t, json.Unmarshal(body, &replay))
	require.True(t, replay.Outcomes[0].AlreadyProcessed)

	// The balance still reflects a single payment.
	resp, body = doJSON(t, srv, http.MethodGet, "/api/clients/alice/balance?currency=USD", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var balance BalanceResponse
	require.NoError(t, json.Unmarshal(body, &balance))
	require.Equal(t, "10", balance.Available)
}

func TestComputeRewardsAsyncEnqueues(t *testing.T) {
	srv := newTestServer(t)
	registerChain(t, srv, "alice", "bob")
	createDefaultPolicy(t, srv)

	resp, body := doJSON(t, srv, http.MethodPost, "/api/rewards", ComputeRewardsRequest{
		Async: true,
		Events: []RewardEvent{{
			ClientID: "bob", AffiliateTypeID: "shop", Amount: "100", Currency: "USD",
		}},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var accepted ComputeRewardsResponse
	require.NoError(t, json.Unmarshal(body, &accepted))
	require.NotEmpty(t, accepted.JobID)
	require.Empty(t, accepted.Outcomes)
}

func TestGetNetwork(t *testing.T) {
	srv := newTestServer(t)
	registerChain(t, srv, "alice", "bob", "carol")

	resp, body := doJSON(t, srv, http.MethodGet, "/api/clients/alice/network?affiliateType=shop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var network NetworkResponse
	require.NoError(t, json.Unmarshal(body, &network))
	require.Equal(t, "alice", network.Node.ClientID)
	require.Len(t, network.Children, 1)
	require.Equal(t, "bob", network.Children[0].Node.ClientID)
	require.Len(t, network.Children[0].Children, 1)
	require.Equal(t, "carol", network.Children[0].Children[0].Node.ClientID)
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)
	registerChain(t, srv, "alice")

	// Unknown referrer on registration.
	resp, _ := doJSON(t, srv, http.MethodPost, "/api/clients", CreateClientRequest{
		ClientID: "bob", AffiliateTypeID: "shop", ReferrerClientID: "nobody",
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Missing required fields.
	resp, _ = doJSON(t, srv, http.MethodPost, "/api/clients", CreateClientRequest{ClientID: "x"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Malformed amount.
	resp, _ = doJSON(t, srv, http.MethodPost, "/api/rewards", ComputeRewardsRequest{
		Events: []RewardEvent{{ClientID: "alice", AffiliateTypeID: "shop", Amount: "ten", Currency: "USD"}},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Non-positive claim amount.
	resp, _ = doJSON(t, srv, http.MethodPost, "/api/claims", CreateClaimRequest{
		BeneficiaryID: "alice", Currency: "USD", Amount: "0",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Reviewing a claim that does not exist.
	resp, _ = doJSON(t, srv, http.MethodPost, "/api/claims/missing/approve", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Out-of-range policy rate.
	resp, _ = doJSON(t, srv, http.MethodPost, "/api/policies", CreatePolicyRequest{
		ID: "bad", Type: "affiliate", ProportionShare: "20", Rates: []string{"150"},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
