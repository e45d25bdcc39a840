package peer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	wiped bool
}

func (f *fakeSession) Key() []byte { return []byte("k") }
func (f *fakeSession) Wipe()       { f.wiped = true }

func TestRegistry_UpsertMergesRoles(t *testing.T) {
	r := NewRegistry()
	id := NewID()
	now := time.Unix(1000, 0)

	p, discovered := r.Upsert(id, Peripheral, "link-p", now)
	require.True(t, discovered)
	assert.Equal(t, Discovered, p.State)
	assert.Equal(t, Peripheral, p.Canonical)

	p, discovered = r.Upsert(id, Central, "link-c", now.Add(time.Second))
	assert.False(t, discovered, "second role must not rediscover the peer")
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, Both, p.Role)
	assert.Equal(t, Central, p.Canonical, "central link is preferred once both exist")
	assert.Equal(t, Peripheral, p.Standby)
	assert.Equal(t, "link-c", p.CanonicalLink())
}

func TestRegistry_StateOnlyAdvances(t *testing.T) {
	r := NewRegistry()
	id := NewID()
	r.Upsert(id, Central, "c", time.Now())

	_, err := r.Advance(id, Announced)
	require.NoError(t, err)
	_, err = r.Advance(id, KeyExchanged)
	require.NoError(t, err)

	p, err := r.Advance(id, Announced)
	assert.True(t, errors.Is(err, ErrStateRegression))
	assert.Equal(t, KeyExchanged, p.State)

	// Same state is a no-op, not an error.
	_, err = r.Advance(id, KeyExchanged)
	assert.NoError(t, err)

	_, err = r.Advance(NewID(), Announced)
	assert.True(t, errors.Is(err, ErrUnknownPeer))
}

func TestRegistry_DisconnectDestroysSession(t *testing.T) {
	r := NewRegistry()
	id := NewID()
	r.Upsert(id, Central, "c", time.Now())
	_, err := r.Advance(id, Announced)
	require.NoError(t, err)

	s := &fakeSession{}
	p, err := r.AttachSession(id, s)
	require.NoError(t, err)
	assert.Equal(t, KeyExchanged, p.State)

	p, err = r.Advance(id, Disconnected)
	require.NoError(t, err)
	assert.Equal(t, Disconnected, p.State)
	assert.Nil(t, p.Session)
	assert.True(t, s.wiped)

	// A Disconnected peer is retry-eligible: rediscovery revives it.
	p, discovered := r.Upsert(id, Central, "c2", time.Now())
	assert.True(t, discovered)
	assert.Equal(t, Discovered, p.State)
	assert.Equal(t, 1, p.RetryCount)
}

func TestRegistry_RemoveLinkPromotesStandby(t *testing.T) {
	r := NewRegistry()
	id := NewID()
	now := time.Now()
	r.Upsert(id, Peripheral, "p", now)
	r.Upsert(id, Central, "c", now)
	s := &fakeSession{}
	_, _ = r.Advance(id, Announced)
	_, err := r.AttachSession(id, s)
	require.NoError(t, err)

	p, ok := r.RemoveLink(id, Central)
	require.True(t, ok)
	assert.Equal(t, Peripheral, p.Canonical)
	assert.Equal(t, Role(0), p.Standby)
	assert.Equal(t, "p", p.CanonicalLink())
	assert.Equal(t, KeyExchanged, p.State, "session survives while a link remains")
	assert.False(t, s.wiped)

	p, _ = r.RemoveLink(id, Peripheral)
	assert.Equal(t, Disconnected, p.State)
	assert.Equal(t, "", p.CanonicalLink())
	assert.True(t, s.wiped)
}

func TestRegistry_IdleAndEvict(t *testing.T) {
	r := NewRegistry()
	old, fresh := NewID(), NewID()
	base := time.Unix(5000, 0)
	r.Upsert(old, Central, "a", base)
	r.Upsert(fresh, Central, "b", base.Add(4*time.Minute))

	idle := r.Idle(base.Add(5*time.Minute), 5*time.Minute)
	assert.Equal(t, []ID{old}, idle)

	snap, ok := r.Evict(old)
	require.True(t, ok)
	assert.Equal(t, old, snap.ID)
	assert.Equal(t, 1, r.Len())
	assert.Len(t, r.Snapshot(), 1)
}
