package opportunity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/bidstack/operator/kv"
	"github.com/bidstack/operator/telemetry"
)

// ErrNotFound indicates the requested artifact does not exist.
var ErrNotFound = errors.New("opportunity: not found")

const (
	skState    = "OPPORTUNITY"
	skSnapshot = "OPPORTUNITY_SNAPSHOT#"
)

type (
	// Options configures the repository.
	Options struct {
		// Store is the single-table key-value store.
		Store kv.Store
		// Logger receives repository diagnostics. Optional.
		Logger telemetry.Logger
		// Clock overrides time.Now in tests.
		Clock func() time.Time
	}

	// Repo owns every RFP#-prefixed durable row. The agent runtime never
	// writes rows directly; it always goes through these functions.
	Repo struct {
		store kv.Store
		log   telemetry.Logger
		now   func() time.Time
	}
)

// NewRepo builds the opportunity repository.
func NewRepo(opts Options) (*Repo, error) {
	if opts.Store == nil {
		return nil, errors.New("opportunity: store is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Repo{store: opts.Store, log: opts.Logger, now: opts.Clock}, nil
}

func statePK(rfpID string) string   { return "RFP#" + rfpID }
func journalPK(rfpID string) string { return "RFP#" + rfpID + "#JOURNAL" }
func eventsPK(rfpID string) string  { return "RFP#" + rfpID + "#EVENTS" }

// EnsureState creates a default state row if absent. Idempotent: losing the
// creation race is treated as success.
func (r *Repo) EnsureState(ctx context.Context, rfpID string) (State, error) {
	state, err := r.GetState(ctx, rfpID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return State{}, err
	}
	now := r.now().UTC()
	fresh := State{
		RFPID:     rfpID,
		Stage:     "new",
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	item, err := stateToItem(fresh)
	if err != nil {
		return State{}, err
	}
	if err := r.store.Put(ctx, kv.Put{Item: item, IfNotExists: true}); err != nil {
		if errors.Is(err, kv.ErrConflict) {
			return r.GetState(ctx, rfpID)
		}
		return State{}, fmt.Errorf("opportunity: ensure state %s: %w", rfpID, err)
	}
	return fresh, nil
}

// GetState reads the canonical state row.
func (r *Repo) GetState(ctx context.Context, rfpID string) (State, error) {
	item, err := r.store.Get(ctx, statePK(rfpID), skState)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return State{}, ErrNotFound
		}
		return State{}, fmt.Errorf("opportunity: get state %s: %w", rfpID, err)
	}
	return stateFromItem(item)
}

// PatchState applies a shallow merge to the state. Keys suffixed "_append"
// append to the named list attribute. The patch passes through SanitizePatch
// first; dropped commitments surface as policy checks, never as errors.
// Every successful patch bumps version and advances updatedAt; racing writers
// are serialized by a conditional update on the version counter.
func (r *Repo) PatchState(ctx context.Context, rfpID string, patch map[string]any, createSnapshot bool) (State, []PolicyCheck, error) {
	clean, checks := SanitizePatch(patch)

	for attempt := 0; attempt < 3; attempt++ {
		current, err := r.EnsureState(ctx, rfpID)
		if err != nil {
			return State{}, checks, err
		}
		if createSnapshot {
			if err := r.snapshot(ctx, current); err != nil {
				r.log.Warn(ctx, "opportunity snapshot failed", "rfpId", rfpID, "err", err.Error())
			}
		}

		now := r.now().UTC()
		if !now.After(current.UpdatedAt) {
			now = current.UpdatedAt.Add(time.Millisecond)
		}
		upd := kv.Update{
			PK: statePK(rfpID), SK: skState,
			Set: map[string]any{
				"version":   current.Version + 1,
				"updatedAt": now.Format(time.RFC3339Nano),
				"gsi1sk":    now.Format(time.RFC3339Nano) + "#" + rfpID,
			},
			AppendList: map[string][]any{},
			IfEquals:   map[string]any{"version": current.Version},
			IfExists:   true,
		}
		for k, v := range clean {
			switch {
			case k == "version" || k == "updatedAt" || k == "createdAt" || k == "pk" || k == "sk" || k == "rfpId":
				checks = append(checks, PolicyCheck{Check: "reserved_field", Detail: "ignored patch of reserved field " + k})
			case strings.HasSuffix(k, "_append"):
				attr := strings.TrimSuffix(k, "_append")
				elems, ok := v.([]any)
				if !ok {
					elems = []any{v}
				}
				upd.AppendList[attr] = append(upd.AppendList[attr], elems...)
			default:
				upd.Set[k] = v
			}
		}

		err = r.store.Update(ctx, upd)
		if err == nil {
			state, err := r.GetState(ctx, rfpID)
			return state, checks, err
		}
		if errors.Is(err, kv.ErrConflict) {
			continue
		}
		return State{}, checks, fmt.Errorf("opportunity: patch state %s: %w", rfpID, err)
	}
	return State{}, checks, fmt.Errorf("opportunity: patch state %s: %w", rfpID, kv.ErrConflict)
}

func (r *Repo) snapshot(ctx context.Context, pre State) error {
	item, err := stateToItem(pre)
	if err != nil {
		return err
	}
	item["sk"] = fmt.Sprintf("%s%06d", skSnapshot, pre.Version)
	delete(item, "gsi1pk")
	delete(item, "gsi1sk")
	return r.store.Put(ctx, kv.Put{Item: item})
}

// AppendEntry writes a journal row under a monotonic time-ordered sort key.
func (r *Repo) AppendEntry(ctx context.Context, e Entry) error {
	if e.RFPID == "" {
		return errors.New("opportunity: journal entry requires rfpId")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	item, err := toItem(e)
	if err != nil {
		return err
	}
	item["pk"] = journalPK(e.RFPID)
	item["sk"] = sortKey(e.CreatedAt)
	if err := r.store.Put(ctx, kv.Put{Item: item}); err != nil {
		return fmt.Errorf("opportunity: append journal %s: %w", e.RFPID, err)
	}
	return nil
}

// AppendEvent writes a durable explainability record. Long payload leaves are
// clipped so the event log stays bounded.
func (r *Repo) AppendEvent(ctx context.Context, e Event) error {
	if e.RFPID == "" {
		return errors.New("opportunity: event requires rfpId")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	e.Payload = clipMap(e.Payload, 1800)
	item, err := toItem(e)
	if err != nil {
		return err
	}
	item["pk"] = eventsPK(e.RFPID)
	item["sk"] = sortKey(e.CreatedAt)
	item["gsi1pk"] = "TYPE#EVENT"
	item["gsi1sk"] = sortKey(e.CreatedAt)
	if err := r.store.Put(ctx, kv.Put{Item: item}); err != nil {
		return fmt.Errorf("opportunity: append event %s: %w", e.RFPID, err)
	}
	return nil
}

// ListEntries returns the most recent journal entries, newest first.
func (r *Repo) ListEntries(ctx context.Context, rfpID string, limit int) ([]Entry, error) {
	page, err := r.store.Query(ctx, kv.Query{PK: journalPK(rfpID), Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("opportunity: list journal %s: %w", rfpID, err)
	}
	entries := make([]Entry, 0, len(page.Items))
	for _, item := range page.Items {
		var e Entry
		if err := fromItem(item, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ListEvents returns the most recent events for an RFP, newest first.
func (r *Repo) ListEvents(ctx context.Context, rfpID string, limit int) ([]Event, error) {
	page, err := r.store.Query(ctx, kv.Query{PK: eventsPK(rfpID), Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("opportunity: list events %s: %w", rfpID, err)
	}
	events := make([]Event, 0, len(page.Items))
	for _, item := range page.Items {
		var e Event
		if err := fromItem(item, &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// ListRecentEvents returns the most recent events across all RFPs.
func (r *Repo) ListRecentEvents(ctx context.Context, limit int) ([]Event, error) {
	page, err := r.store.Query(ctx, kv.Query{GSI1: true, PK: "TYPE#EVENT", Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("opportunity: list recent events: %w", err)
	}
	events := make([]Event, 0, len(page.Items))
	for _, item := range page.Items {
		var e Event
		if err := fromItem(item, &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// ListRecentStates returns recently updated opportunity states, newest
// first.
func (r *Repo) ListRecentStates(ctx context.Context, limit int) ([]State, error) {
	page, err := r.store.Query(ctx, kv.Query{GSI1: true, PK: "TYPE#OPPORTUNITY", Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("opportunity: list recent states: %w", err)
	}
	states := make([]State, 0, len(page.Items))
	for _, item := range page.Items {
		s, err := stateFromItem(item)
		if err != nil {
			continue
		}
		states = append(states, s)
	}
	return states, nil
}

// GetBinding reads the thread binding for (channel, thread).
func (r *Repo) GetBinding(ctx context.Context, channelID, threadTS string) (Binding, error) {
	item, err := r.store.Get(ctx, bindingPK(channelID, threadTS), "BINDING")
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Binding{}, ErrNotFound
		}
		return Binding{}, fmt.Errorf("opportunity: get binding: %w", err)
	}
	var b Binding
	if err := fromItem(item, &b); err != nil {
		return Binding{}, err
	}
	return b, nil
}

// SetBinding binds a thread to an RFP. Last writer wins.
func (r *Repo) SetBinding(ctx context.Context, b Binding) error {
	if b.BoundAt.IsZero() {
		b.BoundAt = r.now().UTC()
	}
	item, err := toItem(b)
	if err != nil {
		return err
	}
	item["pk"] = bindingPK(b.ChannelID, b.ThreadTS)
	item["sk"] = "BINDING"
	if err := r.store.Put(ctx, kv.Put{Item: item}); err != nil {
		return fmt.Errorf("opportunity: set binding: %w", err)
	}
	return nil
}

// DeleteBinding unbinds a thread.
func (r *Repo) DeleteBinding(ctx context.Context, channelID, threadTS string) error {
	if err := r.store.Delete(ctx, bindingPK(channelID, threadTS), "BINDING"); err != nil {
		return fmt.Errorf("opportunity: delete binding: %w", err)
	}
	return nil
}

func bindingPK(channelID, threadTS string) string {
	return "THREAD#" + channelID + "#" + threadTS
}

func sortKey(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano) + "#" + ulid.Make().String()
}

func toItem(v any) (kv.Item, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("opportunity: encode: %w", err)
	}
	var item kv.Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("opportunity: encode: %w", err)
	}
	return item, nil
}

func fromItem(item kv.Item, v any) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("opportunity: decode: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("opportunity: decode: %w", err)
	}
	return nil
}

func stateToItem(s State) (kv.Item, error) {
	item, err := toItem(s)
	if err != nil {
		return nil, err
	}
	item["pk"] = statePK(s.RFPID)
	item["sk"] = skState
	item["gsi1pk"] = "TYPE#OPPORTUNITY"
	item["gsi1sk"] = s.UpdatedAt.UTC().Format(time.RFC3339Nano) + "#" + s.RFPID
	item["updatedAt"] = s.UpdatedAt.UTC().Format(time.RFC3339Nano)
	item["createdAt"] = s.CreatedAt.UTC().Format(time.RFC3339Nano)
	return item, nil
}

func stateFromItem(item kv.Item) (State, error) {
	var s State
	if err := fromItem(item, &s); err != nil {
		return State{}, err
	}
	return s, nil
}

func clipMap(m map[string]any, maxLeaf int) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case string:
			if len(t) > maxLeaf {
				out[k] = t[:maxLeaf] + fmt.Sprintf("<truncated:%d>", len(t)-maxLeaf)
			} else {
				out[k] = t
			}
		case map[string]any:
			out[k] = clipMap(t, maxLeaf)
		default:
			out[k] = v
		}
	}
	return out
}
