// Package actions stores proposed agent actions pending human approval.
// The agent never executes a risky action directly: it files a proposal
// here, the user confirms or cancels through the HTTP surface, and only a
// confirmed proposal is executed.
package actions

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/bidstack/operator/kv"
	"github.com/bidstack/operator/telemetry"
)

// Proposal lifecycle statuses.
const (
	StatusProposed  = "proposed"
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// Risk levels accepted on a proposal.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// defaultTTL bounds how long a proposal stays confirmable.
const defaultTTL = 30 * time.Minute

var (
	// ErrNotFound indicates no proposal exists for the id.
	ErrNotFound = errors.New("actions: proposal not found")
	// ErrBadToken indicates the confirm token does not match.
	ErrBadToken = errors.New("actions: confirm token mismatch")
	// ErrNotPending indicates the proposal is no longer confirmable.
	ErrNotPending = errors.New("actions: proposal is not pending")
)

type (
	// Proposal is one action awaiting approval. TokenHash is the sha256 of
	// the confirm token; the token itself is returned once at creation and
	// never stored.
	Proposal struct {
		ID          string         `json:"id"`
		Tool        string         `json:"tool"`
		Args        map[string]any `json:"args,omitempty"`
		Description string         `json:"description"`
		Risk        string         `json:"risk"`
		RFPID       string         `json:"rfpId,omitempty"`
		RequestedBy string         `json:"requestedBy,omitempty"`
		Status      string         `json:"status"`
		TokenHash   string         `json:"tokenHash"`
		DecidedBy   string         `json:"decidedBy,omitempty"`
		DecidedAt   time.Time      `json:"decidedAt,omitempty"`
		ExpiresAt   time.Time      `json:"expiresAt"`
		CreatedAt   time.Time      `json:"createdAt"`
	}

	// Options configures the store.
	Options struct {
		Store  kv.Store
		Logger telemetry.Logger
		Clock  func() time.Time
		// TTL overrides the default confirm window.
		TTL time.Duration
	}

	// Store persists proposals.
	Store struct {
		store  kv.Store
		logger telemetry.Logger
		now    func() time.Time
		ttl    time.Duration
	}

	// CreateInput carries a new proposal.
	CreateInput struct {
		Tool        string
		Args        map[string]any
		Description string
		Risk        string
		RFPID       string
		RequestedBy string
	}
)

// New builds a proposal store.
func New(opts Options) (*Store, error) {
	if opts.Store == nil {
		return nil, errors.New("actions: Store is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	return &Store{store: opts.Store, logger: opts.Logger, now: opts.Clock, ttl: opts.TTL}, nil
}

// Create files a proposal and returns it with the one-time confirm token.
func (s *Store) Create(ctx context.Context, in CreateInput) (Proposal, string, error) {
	if in.Tool == "" || in.Description == "" {
		return Proposal{}, "", errors.New("actions: tool and description are required")
	}
	if !validRisk(in.Risk) {
		return Proposal{}, "", fmt.Errorf("actions: invalid risk %q", in.Risk)
	}
	now := s.now().UTC()
	token := newToken()
	p := Proposal{
		ID:          "act_" + ulid.Make().String(),
		Tool:        in.Tool,
		Args:        in.Args,
		Description: in.Description,
		Risk:        in.Risk,
		RFPID:       in.RFPID,
		RequestedBy: in.RequestedBy,
		Status:      StatusProposed,
		TokenHash:   HashToken(token),
		ExpiresAt:   now.Add(s.ttl),
		CreatedAt:   now,
	}
	if err := s.put(ctx, p, true); err != nil {
		return Proposal{}, "", err
	}
	return p, token, nil
}

// Get reads a proposal, transitioning it to expired past its window.
func (s *Store) Get(ctx context.Context, id string) (Proposal, error) {
	item, err := s.store.Get(ctx, pk(id), "PROFILE")
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Proposal{}, ErrNotFound
		}
		return Proposal{}, fmt.Errorf("actions: get %s: %w", id, err)
	}
	p, err := fromItem(item)
	if err != nil {
		return Proposal{}, err
	}
	if p.Status == StatusProposed && s.now().UTC().After(p.ExpiresAt) {
		p.Status = StatusExpired
		if err := s.put(ctx, p, false); err != nil {
			s.logger.Warn(ctx, "action proposal expire write failed", "id", id, "err", err)
		}
	}
	return p, nil
}

// Confirm transitions a pending proposal to confirmed when the token
// matches. The returned proposal carries the tool and args to execute.
func (s *Store) Confirm(ctx context.Context, id, token, decidedBy string) (Proposal, error) {
	return s.decide(ctx, id, token, decidedBy, StatusConfirmed)
}

// Cancel transitions a pending proposal to cancelled.
func (s *Store) Cancel(ctx context.Context, id, token, decidedBy string) (Proposal, error) {
	return s.decide(ctx, id, token, decidedBy, StatusCancelled)
}

// ListPending returns pending proposals, newest first.
func (s *Store) ListPending(ctx context.Context, limit int) ([]Proposal, error) {
	if limit <= 0 {
		limit = 25
	}
	page, err := s.store.Query(ctx, kv.Query{GSI1: true, PK: "TYPE#ACTION", Limit: 200})
	if err != nil {
		return nil, fmt.Errorf("actions: list: %w", err)
	}
	now := s.now().UTC()
	out := make([]Proposal, 0, limit)
	for _, item := range page.Items {
		p, err := fromItem(item)
		if err != nil {
			continue
		}
		if p.Status != StatusProposed || now.After(p.ExpiresAt) {
			continue
		}
		out = append(out, p)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) decide(ctx context.Context, id, token, decidedBy, status string) (Proposal, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return Proposal{}, err
	}
	if p.Status != StatusProposed {
		return Proposal{}, ErrNotPending
	}
	if HashToken(token) != p.TokenHash {
		return Proposal{}, ErrBadToken
	}
	p.Status = status
	p.DecidedBy = decidedBy
	p.DecidedAt = s.now().UTC()
	if err := s.put(ctx, p, false); err != nil {
		return Proposal{}, err
	}
	return p, nil
}

func (s *Store) put(ctx context.Context, p Proposal, create bool) error {
	item, err := toItem(p)
	if err != nil {
		return err
	}
	item["pk"] = pk(p.ID)
	item["sk"] = "PROFILE"
	item["gsi1pk"] = "TYPE#ACTION"
	item["gsi1sk"] = p.CreatedAt.UTC().Format(time.RFC3339Nano) + "#" + p.ID
	if err := s.store.Put(ctx, kv.Put{Item: item, IfNotExists: create}); err != nil {
		return fmt.Errorf("actions: put %s: %w", p.ID, err)
	}
	return nil
}

// HashToken returns the hex sha256 of a confirm token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newToken() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand only fails when the platform is broken.
		panic(err)
	}
	return hex.EncodeToString(b)
}

func pk(id string) string { return "ACTION#" + id }

func toItem(p Proposal) (kv.Item, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("actions: encode proposal: %w", err)
	}
	var item kv.Item
	if err := json.Unmarshal(b, &item); err != nil {
		return nil, fmt.Errorf("actions: encode proposal: %w", err)
	}
	return item, nil
}

func fromItem(item kv.Item) (Proposal, error) {
	b, err := json.Marshal(item)
	if err != nil {
		return Proposal{}, fmt.Errorf("actions: decode proposal: %w", err)
	}
	var p Proposal
	if err := json.Unmarshal(b, &p); err != nil {
		return Proposal{}, fmt.Errorf("actions: decode proposal: %w", err)
	}
	return p, nil
}

func validRisk(r string) bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}
