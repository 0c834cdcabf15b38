/*
Package sqlite provides a SQLite-backed implementation of the referral
storage interfaces.

PURPOSE:
  Implements every persistence interface the engine consumes (TreeStore,
  PolicyStore, ClientStore, RewardStore, ClaimStore) plus the reward-job
  queue the background worker polls. In production the same patterns
  apply to PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  clients:                 Active flag + membership tier
  affiliate_nodes:         Materialized-path tree, one row per membership
  policies:                Commission rule sets (rates as JSON)
  policy_assignments:      Explicit root-node -> policy bindings
  affiliate_type_policies: Per-affiliate-type default policies
  request_details:         One row per triggering (client, amount) event
  reward_allocations:      Append-only engine output
  claims:                  Withdrawal requests
  reward_jobs:             Queued batches for the background worker

ATOMICITY AND IDEMPOTENCY:
  AppendAllocations writes the request detail and all of its allocation
  rows in one transaction. The detail primary key is the idempotency
  gate: a re-run sees the existing detail, rolls back, and returns
  ErrDuplicateDetail - commissions can never be half-applied or applied
  twice. A unique expression index on (detail, policy, beneficiary,
  level) backstops the gate.

MONEY COLUMNS:
  Amounts are stored as TEXT and summed in Go with decimal.Decimal.
  SQLite's SUM would coerce to float and drift.

WAL MODE:
  Opened with WAL so readers don't block the single writer.

SEE ALSO:
  - referral/store.go:        Interface contracts
  - referral/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/referral-engine/referral"
)

// Store implements all referral storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

// Interface checks
var (
	_ referral.TreeStore   = (*Store)(nil)
	_ referral.PolicyStore = (*Store)(nil)
	_ referral.ClientStore = (*Store)(nil)
	_ referral.RewardStore = (*Store)(nil)
	_ referral.ClaimStore  = (*Store)(nil)
)

// New creates a new SQLite store. Use ":memory:" for an in-memory
// database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent batch workers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		active INTEGER NOT NULL DEFAULT 1,
		membership_tier_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS affiliate_nodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id TEXT NOT NULL,
		affiliate_type_id TEXT NOT NULL,
		referrer_id INTEGER,
		level INTEGER NOT NULL,
		parent_path TEXT NOT NULL,
		root_id INTEGER,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		UNIQUE(client_id, affiliate_type_id)
	);

	-- Root-scoped prefix scans (subtree queries)
	CREATE INDEX IF NOT EXISTS idx_nodes_root_path
		ON affiliate_nodes(root_id, parent_path);
	CREATE INDEX IF NOT EXISTS idx_nodes_referrer
		ON affiliate_nodes(referrer_id);

	CREATE TABLE IF NOT EXISTS policies (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		proportion_share TEXT NOT NULL,
		max_levels INTEGER,
		rates_json TEXT NOT NULL DEFAULT '[]',
		membership_rates_json TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS policy_assignments (
		root_node_id INTEGER NOT NULL,
		policy_id TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (root_node_id, policy_id)
	);

	CREATE TABLE IF NOT EXISTS affiliate_type_policies (
		affiliate_type_id TEXT NOT NULL,
		policy_id TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (affiliate_type_id, policy_id)
	);

	CREATE TABLE IF NOT EXISTS reward_requests (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS request_details (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		affiliate_type_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Append-only engine output. No UPDATE except status, no DELETE.
	CREATE TABLE IF NOT EXISTS reward_allocations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		beneficiary_id TEXT NOT NULL,
		source_request_id TEXT NOT NULL,
		source_detail_id TEXT NOT NULL,
		policy_id TEXT NOT NULL,
		policy_type TEXT NOT NULL,
		currency TEXT NOT NULL,
		amount TEXT NOT NULL,
		commission_type TEXT NOT NULL,
		referrer_beneficiary_id TEXT,
		level INTEGER,
		status TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- Backstop against double-payment on re-runs
	CREATE UNIQUE INDEX IF NOT EXISTS idx_alloc_unique_source
		ON reward_allocations(source_detail_id, policy_id, beneficiary_id, COALESCE(level, 0));
	CREATE INDEX IF NOT EXISTS idx_alloc_beneficiary_currency
		ON reward_allocations(beneficiary_id, currency);

	CREATE TABLE IF NOT EXISTS claims (
		id TEXT PRIMARY KEY,
		beneficiary_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_claims_beneficiary_currency
		ON claims(beneficiary_id, currency, status);

	CREATE TABLE IF NOT EXISTS reward_jobs (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_run_at TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_due
		ON reward_jobs(status, next_run_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// =============================================================================
// TREE STORE
// =============================================================================

const nodeColumns = "id, client_id, affiliate_type_id, referrer_id, level, parent_path, root_id, active"

func scanNode(row interface{ Scan(...any) error }) (referral.Node, error) {
	var (
		n        referral.Node
		referrer sql.NullInt64
		root     sql.NullInt64
		path     string
		active   int
	)
	if err := row.Scan(&n.ID, &n.ClientID, &n.AffiliateTypeID, &referrer, &n.Level, &path, &root, &active); err != nil {
		return referral.Node{}, err
	}
	if referrer.Valid {
		id := referral.NodeID(referrer.Int64)
		n.ReferrerID = &id
	}
	if root.Valid {
		id := referral.NodeID(root.Int64)
		n.RootID = &id
	}
	parsed, err := referral.ParsePath(path)
	if err != nil {
		return referral.Node{}, err
	}
	n.Path = parsed
	n.Active = active != 0
	return n, nil
}

func (s *Store) GetNode(ctx context.Context, id referral.NodeID) (referral.Node, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+nodeColumns+" FROM affiliate_nodes WHERE id = ?", int64(id))
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return referral.Node{}, referral.ErrNodeNotFound
	}
	return n, err
}

func (s *Store) GetNodes(ctx context.Context, ids []referral.NodeID) (map[referral.NodeID]referral.Node, error) {
	if len(ids) == 0 {
		return map[referral.NodeID]referral.Node{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = int64(id)
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+nodeColumns+" FROM affiliate_nodes WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[referral.NodeID]referral.Node, len(ids))
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out[n.ID] = n
	}
	return out, rows.Err()
}

func (s *Store) GetNodeByClient(ctx context.Context, clientID referral.ClientID, affiliateTypeID referral.AffiliateTypeID) (referral.Node, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+nodeColumns+" FROM affiliate_nodes WHERE client_id = ? AND affiliate_type_id = ?",
		string(clientID), string(affiliateTypeID))
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return referral.Node{}, referral.ErrNodeNotFound
	}
	return n, err
}

func (s *Store) GetSubtree(ctx context.Context, rootID referral.NodeID, prefix referral.Path) ([]referral.Node, error) {
	p := prefix.String()
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+nodeColumns+` FROM affiliate_nodes
		 WHERE (root_id = ? OR id = ?) AND (parent_path = ? OR parent_path LIKE ?)`,
		int64(rootID), int64(rootID), p, p+".%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []referral.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) CreateNode(ctx context.Context, n referral.Node) (referral.Node, error) {
	var referrer, root any
	if n.ReferrerID != nil {
		referrer = int64(*n.ReferrerID)
	}
	if n.RootID != nil {
		root = int64(*n.RootID)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO affiliate_nodes
		 (client_id, affiliate_type_id, referrer_id, level, parent_path, root_id, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(n.ClientID), string(n.AffiliateTypeID), referrer, n.Level,
		n.Path.String(), root, boolInt(n.Active), now())
	if err != nil {
		return referral.Node{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return referral.Node{}, err
	}
	n.ID = referral.NodeID(id)
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// =============================================================================
// CLIENT STORE
// =============================================================================

func (s *Store) GetClient(ctx context.Context, id referral.ClientID) (referral.Client, error) {
	var (
		c      referral.Client
		active int
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, active, membership_tier_id FROM clients WHERE id = ?", string(id)).
		Scan(&c.ID, &active, &c.MembershipTierID)
	if err == sql.ErrNoRows {
		return referral.Client{}, referral.ErrClientNotFound
	}
	if err != nil {
		return referral.Client{}, err
	}
	c.Active = active != 0
	return c, nil
}

// CreateClient persists a new client record.
func (s *Store) CreateClient(ctx context.Context, c referral.Client) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO clients (id, active, membership_tier_id, created_at) VALUES (?, ?, ?, ?)",
		string(c.ID), boolInt(c.Active), string(c.MembershipTierID), now())
	return err
}

// =============================================================================
// POLICY STORE
// =============================================================================

func (s *Store) GetPolicies(ctx context.Context, ids []referral.PolicyID) ([]referral.Policy, error) {
	out := make([]referral.Policy, 0, len(ids))
	for _, id := range ids {
		p, err := s.getPolicy(ctx, id)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) getPolicy(ctx context.Context, id referral.PolicyID) (referral.Policy, error) {
	var (
		p          referral.Policy
		share      string
		maxLevels  sql.NullInt64
		ratesJSON  string
		tiersJSON  string
		policyType string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, proportion_share, max_levels, rates_json, membership_rates_json
		 FROM policies WHERE id = ?`, string(id)).
		Scan(&p.ID, &p.Name, &policyType, &share, &maxLevels, &ratesJSON, &tiersJSON)
	if err != nil {
		return referral.Policy{}, err
	}
	p.Type = referral.PolicyType(policyType)
	if p.ProportionShare, err = decimal.NewFromString(share); err != nil {
		return referral.Policy{}, fmt.Errorf("policy %s: bad proportion share: %w", id, err)
	}
	if maxLevels.Valid {
		n := int(maxLevels.Int64)
		p.MaxLevels = &n
	}
	var rates []string
	if err := json.Unmarshal([]byte(ratesJSON), &rates); err != nil {
		return referral.Policy{}, fmt.Errorf("policy %s: bad rates: %w", id, err)
	}
	p.Rates = make([]decimal.Decimal, len(rates))
	for i, r := range rates {
		if p.Rates[i], err = decimal.NewFromString(r); err != nil {
			return referral.Policy{}, fmt.Errorf("policy %s: bad rate[%d]: %w", id, i, err)
		}
	}
	var tiers map[string]string
	if err := json.Unmarshal([]byte(tiersJSON), &tiers); err != nil {
		return referral.Policy{}, fmt.Errorf("policy %s: bad membership rates: %w", id, err)
	}
	if len(tiers) > 0 {
		p.MembershipRates = make(map[referral.TierID]decimal.Decimal, len(tiers))
		for tier, r := range tiers {
			rate, err := decimal.NewFromString(r)
			if err != nil {
				return referral.Policy{}, fmt.Errorf("policy %s: bad tier %s rate: %w", id, tier, err)
			}
			p.MembershipRates[referral.TierID(tier)] = rate
		}
	}
	return p, nil
}

// SavePolicy inserts or updates a policy definition.
func (s *Store) SavePolicy(ctx context.Context, p referral.Policy) error {
	rates := make([]string, len(p.Rates))
	for i, r := range p.Rates {
		rates[i] = r.String()
	}
	ratesJSON, _ := json.Marshal(rates)

	tiers := make(map[string]string, len(p.MembershipRates))
	for tier, r := range p.MembershipRates {
		tiers[string(tier)] = r.String()
	}
	tiersJSON, _ := json.Marshal(tiers)

	var maxLevels any
	if p.MaxLevels != nil {
		maxLevels = *p.MaxLevels
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policies (id, name, type, proportion_share, max_levels, rates_json, membership_rates_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name, type = excluded.type,
		   proportion_share = excluded.proportion_share, max_levels = excluded.max_levels,
		   rates_json = excluded.rates_json, membership_rates_json = excluded.membership_rates_json,
		   updated_at = excluded.updated_at`,
		string(p.ID), p.Name, string(p.Type), p.ProportionShare.String(), maxLevels,
		string(ratesJSON), string(tiersJSON), now(), now())
	return err
}

func (s *Store) AssignedPolicyIDs(ctx context.Context, rootNodeID referral.NodeID) ([]referral.PolicyID, error) {
	return s.policyIDs(ctx,
		"SELECT policy_id FROM policy_assignments WHERE root_node_id = ? ORDER BY position", int64(rootNodeID))
}

func (s *Store) DefaultPolicyIDs(ctx context.Context, affiliateTypeID referral.AffiliateTypeID) ([]referral.PolicyID, error) {
	return s.policyIDs(ctx,
		"SELECT policy_id FROM affiliate_type_policies WHERE affiliate_type_id = ? ORDER BY position", string(affiliateTypeID))
}

func (s *Store) policyIDs(ctx context.Context, query string, arg any) ([]referral.PolicyID, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []referral.PolicyID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, referral.PolicyID(id))
	}
	return out, rows.Err()
}

// AssignPolicies binds policies to a tree root, replacing any previous
// assignment.
func (s *Store) AssignPolicies(ctx context.Context, rootNodeID referral.NodeID, ids []referral.PolicyID) error {
	return s.replaceBindings(ctx, "policy_assignments", "root_node_id", int64(rootNodeID), ids)
}

// SetDefaultPolicies sets an affiliate-type's default policy list.
func (s *Store) SetDefaultPolicies(ctx context.Context, affiliateTypeID referral.AffiliateTypeID, ids []referral.PolicyID) error {
	return s.replaceBindings(ctx, "affiliate_type_policies", "affiliate_type_id", string(affiliateTypeID), ids)
}

func (s *Store) replaceBindings(ctx context.Context, table, keyCol string, key any, ids []referral.PolicyID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE "+keyCol+" = ?", key); err != nil {
		return err
	}
	for i, id := range ids {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO "+table+" ("+keyCol+", policy_id, position) VALUES (?, ?, ?)",
			key, string(id), i); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// =============================================================================
// REWARD STORE
// =============================================================================

func (s *Store) AppendAllocations(ctx context.Context, detail referral.RequestDetail, allocs []referral.RewardAllocation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM request_details WHERE id = ?", detail.ID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return referral.ErrDuplicateDetail
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO reward_requests (id, created_at) VALUES (?, ?)",
		detail.RequestID, now()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO request_details (id, request_id, client_id, affiliate_type_id, amount, currency, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		detail.ID, detail.RequestID, string(detail.ClientID), string(detail.AffiliateTypeID),
		detail.Amount.String(), detail.Currency, now()); err != nil {
		return err
	}

	for _, a := range allocs {
		var level any
		if a.Level != nil {
			level = *a.Level
		}
		var referrer any
		if a.ReferrerBeneficiaryID != nil {
			referrer = string(*a.ReferrerBeneficiaryID)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reward_allocations
			 (beneficiary_id, source_request_id, source_detail_id, policy_id, policy_type,
			  currency, amount, commission_type, referrer_beneficiary_id, level, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(a.BeneficiaryID), a.SourceRequestID, a.SourceDetailID, string(a.PolicyID),
			string(a.PolicyType), a.Currency, a.Amount.String(), string(a.CommissionType),
			referrer, level, string(a.Status), now()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) SumAllocations(ctx context.Context, beneficiaryID referral.ClientID, currency string) (decimal.Decimal, error) {
	return s.sumAmounts(ctx,
		"SELECT amount FROM reward_allocations WHERE beneficiary_id = ? AND currency = ?",
		string(beneficiaryID), currency)
}

func (s *Store) AllocationsByBeneficiary(ctx context.Context, beneficiaryID referral.ClientID, currency string) ([]referral.RewardAllocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT beneficiary_id, source_request_id, source_detail_id, policy_id, policy_type,
		        currency, amount, commission_type, referrer_beneficiary_id, level, status
		 FROM reward_allocations
		 WHERE beneficiary_id = ? AND currency = ?
		 ORDER BY id DESC`,
		string(beneficiaryID), currency)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []referral.RewardAllocation
	for rows.Next() {
		var (
			a        referral.RewardAllocation
			amount   string
			referrer sql.NullString
			level    sql.NullInt64
		)
		if err := rows.Scan(&a.BeneficiaryID, &a.SourceRequestID, &a.SourceDetailID,
			&a.PolicyID, &a.PolicyType, &a.Currency, &amount, &a.CommissionType,
			&referrer, &level, &a.Status); err != nil {
			return nil, err
		}
		if a.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if referrer.Valid {
			id := referral.ClientID(referrer.String)
			a.ReferrerBeneficiaryID = &id
		}
		if level.Valid {
			n := int(level.Int64)
			a.Level = &n
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) sumAmounts(ctx context.Context, query string, args ...any) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, err
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return decimal.Zero, err
		}
		sum = sum.Add(d)
	}
	return sum, rows.Err()
}

// =============================================================================
// CLAIM STORE
// =============================================================================

func (s *Store) CreateClaim(ctx context.Context, c referral.Claim) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO claims (id, beneficiary_id, currency, amount, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.BeneficiaryID), c.Currency, c.Amount.String(), string(c.Status),
		c.CreatedAt.UTC().Format(time.RFC3339Nano), c.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *Store) SumActiveClaims(ctx context.Context, beneficiaryID referral.ClientID, currency string) (decimal.Decimal, error) {
	return s.sumAmounts(ctx,
		`SELECT amount FROM claims
		 WHERE beneficiary_id = ? AND currency = ? AND status NOT IN (?, ?)`,
		string(beneficiaryID), currency,
		string(referral.ClaimRejected), string(referral.ClaimFailed))
}

func (s *Store) UpdateClaimStatus(ctx context.Context, id string, status referral.ClaimStatus) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE claims SET status = ?, updated_at = ? WHERE id = ?",
		string(status), now(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return referral.ErrClaimNotFound
	}
	return nil
}

// GetClaim returns one claim by id.
func (s *Store) GetClaim(ctx context.Context, id string) (referral.Claim, error) {
	var (
		c                    referral.Claim
		amount, created, upd string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, beneficiary_id, currency, amount, status, created_at, updated_at FROM claims WHERE id = ?", id).
		Scan(&c.ID, &c.BeneficiaryID, &c.Currency, &amount, &c.Status, &created, &upd)
	if err == sql.ErrNoRows {
		return referral.Claim{}, referral.ErrClaimNotFound
	}
	if err != nil {
		return referral.Claim{}, err
	}
	if c.Amount, err = decimal.NewFromString(amount); err != nil {
		return referral.Claim{}, err
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, upd)
	return c, nil
}

// =============================================================================
// REWARD JOB QUEUE
// =============================================================================

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed" // attempts exhausted
)

// Job is one queued reward-computation batch.
type Job struct {
	ID        string
	RequestID string
	Events    []referral.Event
	Status    JobStatus
	Attempts  int
	NextRunAt time.Time
	LastError string
}

// EnqueueJob queues a batch for the background worker.
func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job.Events)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reward_jobs (id, request_id, payload_json, status, attempts, next_run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		job.ID, job.RequestID, string(payload), string(JobPending),
		job.NextRunAt.UTC().Format(time.RFC3339Nano), now(), now())
	return err
}

// DueJobs returns pending jobs whose next_run_at has passed.
func (s *Store) DueJobs(ctx context.Context, asOf time.Time, limit int) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, payload_json, status, attempts, next_run_at, last_error
		 FROM reward_jobs
		 WHERE status = ? AND next_run_at <= ?
		 ORDER BY next_run_at
		 LIMIT ?`,
		string(JobPending), asOf.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var (
			j       Job
			payload string
			nextRun string
		)
		if err := rows.Scan(&j.ID, &j.RequestID, &payload, &j.Status, &j.Attempts, &nextRun, &j.LastError); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &j.Events); err != nil {
			return nil, err
		}
		j.NextRunAt, _ = time.Parse(time.RFC3339Nano, nextRun)
		out = append(out, j)
	}
	return out, rows.Err()
}

// MarkJobSucceeded finalizes a job.
func (s *Store) MarkJobSucceeded(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE reward_jobs SET status = ?, updated_at = ? WHERE id = ?",
		string(JobSucceeded), now(), id)
	return err
}

// RescheduleJob records a failed attempt and schedules the retry.
func (s *Store) RescheduleJob(ctx context.Context, id string, attempts int, nextRun time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE reward_jobs SET attempts = ?, next_run_at = ?, last_error = ?, updated_at = ? WHERE id = ?",
		attempts, nextRun.UTC().Format(time.RFC3339Nano), lastError, now(), id)
	return err
}

// MarkJobFailed gives up on a job after its retry budget is exhausted.
func (s *Store) MarkJobFailed(ctx context.Context, id string, attempts int, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE reward_jobs SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?",
		string(JobFailed), attempts, lastError, now(), id)
	return err
}
