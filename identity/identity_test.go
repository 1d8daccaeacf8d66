package identity_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bidstack/operator/identity"
	"github.com/bidstack/operator/kv/inmem"
)

type countingDirectory struct {
	inner identity.Directory
	calls int
}

func (d *countingDirectory) BySub(ctx context.Context, sub string) (identity.Identity, error) {
	d.calls++
	return d.inner.BySub(ctx, sub)
}

func (d *countingDirectory) ByEmail(ctx context.Context, email string) (identity.Identity, error) {
	d.calls++
	return d.inner.ByEmail(ctx, email)
}

func (d *countingDirectory) ByChatUser(ctx context.Context, chatUser string) (identity.Identity, error) {
	d.calls++
	return d.inner.ByChatUser(ctx, chatUser)
}

func seedDirectory(t *testing.T) *identity.KVDirectory {
	t.Helper()
	dir, err := identity.NewKVDirectory(inmem.New())
	require.NoError(t, err)
	require.NoError(t, dir.PutProfile(context.Background(), identity.Identity{
		Sub:              "sub-1",
		Email:            "ana@example.com",
		DisplayName:      "Ana",
		ExternalChatUser: "U123",
		Profile:          map[string]any{"team": "proposals"},
	}))
	return dir
}

func TestResolveByEachKeyShape(t *testing.T) {
	dir := seedDirectory(t)
	r, err := identity.NewResolver(identity.ResolverOptions{Directory: dir})
	require.NoError(t, err)
	ctx := context.Background()

	byChat, err := r.Resolve(ctx, identity.Query{ExternalChatUser: "U123"})
	require.NoError(t, err)
	require.Equal(t, "sub-1", byChat.Sub)

	byEmail, err := r.Resolve(ctx, identity.Query{Email: "ana@example.com"})
	require.NoError(t, err)
	require.Equal(t, "sub-1", byEmail.Sub)

	bySub, err := r.Resolve(ctx, identity.Query{Sub: "sub-1"})
	require.NoError(t, err)
	require.Equal(t, "Ana", bySub.DisplayName)
}

func TestResolveCachesAcrossKeyShapes(t *testing.T) {
	counting := &countingDirectory{inner: seedDirectory(t)}
	clock := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	r, err := identity.NewResolver(identity.ResolverOptions{
		Directory: counting,
		Clock:     func() time.Time { return clock },
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = r.Resolve(ctx, identity.Query{ExternalChatUser: "U123"})
	require.NoError(t, err)
	require.Equal(t, 1, counting.calls)

	// Chat lookup primed email and sub keys too.
	_, err = r.Resolve(ctx, identity.Query{Email: "ana@example.com"})
	require.NoError(t, err)
	_, err = r.Resolve(ctx, identity.Query{Sub: "sub-1"})
	require.NoError(t, err)
	require.Equal(t, 1, counting.calls)

	// Expiry forces a directory round trip.
	clock = clock.Add(121 * time.Second)
	_, err = r.Resolve(ctx, identity.Query{Sub: "sub-1"})
	require.NoError(t, err)
	require.Equal(t, 2, counting.calls)
}

func TestResolveForceRefresh(t *testing.T) {
	counting := &countingDirectory{inner: seedDirectory(t)}
	r, err := identity.NewResolver(identity.ResolverOptions{Directory: counting})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = r.Resolve(ctx, identity.Query{Sub: "sub-1"})
	require.NoError(t, err)
	_, err = r.Resolve(ctx, identity.Query{Sub: "sub-1", ForceRefresh: true})
	require.NoError(t, err)
	require.Equal(t, 2, counting.calls)
}

func TestResolveUnknownUser(t *testing.T) {
	dir := seedDirectory(t)
	r, err := identity.NewResolver(identity.ResolverOptions{Directory: dir})
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), identity.Query{Sub: "sub-missing"})
	require.ErrorIs(t, err, identity.ErrNotFound)

	_, err = r.Resolve(context.Background(), identity.Query{})
	require.Error(t, err)
}
