package nodes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/armadahost/armada/internal/api"
	"github.com/armadahost/armada/internal/rpc"
	"github.com/armadahost/armada/internal/server/ca"
	"github.com/armadahost/armada/internal/server/store"
)

type fixture struct {
	svc *Service
	db  *gorm.DB
}

func newFixture(t *testing.T, conf Config) *fixture {
	t.Helper()
	db, err := store.OpenTest()
	require.NoError(t, err)
	authority, err := ca.Load(t.TempDir())
	require.NoError(t, err)
	return &fixture{svc: NewService(db, authority, nil, conf), db: db}
}

func register(t *testing.T, f *fixture, secret, joinCode string) *api.RegisterResponse {
	t.Helper()
	key, err := rpc.LoadOrCreateKey(t.TempDir())
	require.NoError(t, err)
	csr, err := rpc.NewCSR(key, "daemon", []string{"daemon.example"})
	require.NoError(t, err)

	resp, err := f.svc.Register(&api.RegisterRequest{
		Name:     "daemon",
		URL:      "https://daemon.example:8443",
		Capacity: api.Capacity{CPUCores: 4, MemoryMB: 8192, DiskMB: 100000},
		CSR:      string(csr),
	}, secret, joinCode)
	require.NoError(t, err)
	return resp
}

func TestRegisterWithSecret(t *testing.T) {
	f := newFixture(t, Config{SharedSecret: "s3cret"})

	resp := register(t, f, "s3cret", "")
	assert.NotZero(t, resp.NodeID)
	assert.False(t, resp.Approved)
	assert.NotEmpty(t, resp.Nonce)

	node := &store.Node{}
	require.NoError(t, f.db.First(node, resp.NodeID).Error)
	assert.Equal(t, store.NodeStatusPending, node.Status)
}

func TestRegisterRejectsBadSecret(t *testing.T) {
	f := newFixture(t, Config{SharedSecret: "s3cret"})

	key, err := rpc.LoadOrCreateKey(t.TempDir())
	require.NoError(t, err)
	csr, err := rpc.NewCSR(key, "daemon", nil)
	require.NoError(t, err)

	_, err = f.svc.Register(&api.RegisterRequest{URL: "https://x:1", CSR: string(csr)}, "wrong", "")
	assert.ErrorIs(t, err, ErrAuthentication)

	var count int64
	require.NoError(t, f.db.Model(&store.Node{}).Count(&count).Error)
	assert.Zero(t, count, "failed registration must not create a node")
}

func TestRegisterWithJoinCode(t *testing.T) {
	f := newFixture(t, Config{SharedSecret: "s3cret"})

	code, err := f.svc.MintJoinCode(time.Hour)
	require.NoError(t, err)

	resp := register(t, f, "", code.Code)
	assert.NotZero(t, resp.NodeID)

	// consumed exactly once
	stored := &store.JoinCode{}
	require.NoError(t, f.db.First(stored, code.ID).Error)
	assert.True(t, stored.Used)
	require.NotNil(t, stored.NodeID)
	assert.Equal(t, resp.NodeID, *stored.NodeID)

	key, err := rpc.LoadOrCreateKey(t.TempDir())
	require.NoError(t, err)
	csr, err := rpc.NewCSR(key, "other", nil)
	require.NoError(t, err)
	_, err = f.svc.Register(&api.RegisterRequest{URL: "https://y:1", CSR: string(csr)}, "", code.Code)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestRegisterRejectsExpiredJoinCode(t *testing.T) {
	f := newFixture(t, Config{SharedSecret: "s3cret"})

	code, err := f.svc.MintJoinCode(-time.Minute)
	require.NoError(t, err)

	key, err := rpc.LoadOrCreateKey(t.TempDir())
	require.NoError(t, err)
	csr, err := rpc.NewCSR(key, "daemon", nil)
	require.NoError(t, err)

	_, err = f.svc.Register(&api.RegisterRequest{URL: "https://x:1", CSR: string(csr)}, "", code.Code)
	assert.ErrorIs(t, err, ErrAuthentication)

	var count int64
	require.NoError(t, f.db.Model(&store.Node{}).Count(&count).Error)
	assert.Zero(t, count, "expired join code must not create a node")
}

func TestReRegistrationKeepsIdentity(t *testing.T) {
	f := newFixture(t, Config{SharedSecret: "s3cret"})

	keyDir := t.TempDir()
	key, err := rpc.LoadOrCreateKey(keyDir)
	require.NoError(t, err)

	csrA, err := rpc.NewCSR(key, "daemon", []string{"a.example"})
	require.NoError(t, err)
	respA, err := f.svc.Register(&api.RegisterRequest{URL: "https://d:1", CSR: string(csrA)}, "s3cret", "")
	require.NoError(t, err)

	// same keypair, fresh CSR after a redeploy
	csrB, err := rpc.NewCSR(key, "daemon", []string{"b.example"})
	require.NoError(t, err)
	respB, err := f.svc.Register(&api.RegisterRequest{URL: "https://d:1", CSR: string(csrB)}, "s3cret", "")
	require.NoError(t, err)

	assert.Equal(t, respA.NodeID, respB.NodeID, "same keypair must map to the same node")
	assert.NotEqual(t, respA.Nonce, respB.Nonce, "re-registration must rotate the nonce")
}

func TestReRegistrationWithNewKeyResetsApproval(t *testing.T) {
	f := newFixture(t, Config{SharedSecret: "s3cret"})

	keyA, err := rpc.LoadOrCreateKey(t.TempDir())
	require.NoError(t, err)
	csrA, err := rpc.NewCSR(keyA, "daemon", nil)
	require.NoError(t, err)
	respA, err := f.svc.Register(&api.RegisterRequest{URL: "https://d:1", CSR: string(csrA)}, "s3cret", "")
	require.NoError(t, err)
	require.NoError(t, f.svc.Approve(respA.NodeID))

	// same URL, different keypair after a wipe: URL alone must not
	// inherit the old approval or certificate
	keyB, err := rpc.LoadOrCreateKey(t.TempDir())
	require.NoError(t, err)
	csrB, err := rpc.NewCSR(keyB, "daemon", nil)
	require.NoError(t, err)
	respB, err := f.svc.Register(&api.RegisterRequest{URL: "https://d:1", CSR: string(csrB)}, "s3cret", "")
	require.NoError(t, err)

	assert.Equal(t, respA.NodeID, respB.NodeID)
	assert.False(t, respB.Approved)

	node := &store.Node{}
	require.NoError(t, f.db.First(node, respB.NodeID).Error)
	assert.False(t, node.Approved)
	assert.Empty(t, node.Certificate)
	assert.Equal(t, store.NodeStatusPending, node.Status)
}

func TestPollApproveHeartbeat(t *testing.T) {
	f := newFixture(t, Config{SharedSecret: "s3cret"})

	key, err := rpc.LoadOrCreateKey(t.TempDir())
	require.NoError(t, err)
	csr, err := rpc.NewCSR(key, "daemon", []string{"daemon.example"})
	require.NoError(t, err)
	reg, err := f.svc.Register(&api.RegisterRequest{URL: "https://d:1", CSR: string(csr)}, "s3cret", "")
	require.NoError(t, err)

	// poll while pending: no certificate yet, nonce rotates
	sig, err := rpc.SignNonce(key, reg.Nonce)
	require.NoError(t, err)
	poll, err := f.svc.Poll(&api.SignedRequest{NodeID: reg.NodeID, Signature: sig})
	require.NoError(t, err)
	assert.False(t, poll.Approved)
	assert.Empty(t, poll.Certificate)
	assert.NotEqual(t, reg.Nonce, poll.Nonce)

	// operator approves
	require.NoError(t, f.svc.Approve(reg.NodeID))

	// poll again: certificate and CA root delivered
	sig, err = rpc.SignNonce(key, poll.Nonce)
	require.NoError(t, err)
	poll2, err := f.svc.Poll(&api.SignedRequest{NodeID: reg.NodeID, Signature: sig})
	require.NoError(t, err)
	assert.True(t, poll2.Approved)
	assert.NotEmpty(t, poll2.Certificate)
	assert.NotEmpty(t, poll2.CARoot)

	// heartbeat flips the node online
	sig, err = rpc.SignNonce(key, poll2.Nonce)
	require.NoError(t, err)
	hb, err := f.svc.Heartbeat(&api.SignedRequest{NodeID: reg.NodeID, Signature: sig})
	require.NoError(t, err)
	assert.NotEmpty(t, hb.Nonce)

	node := &store.Node{}
	require.NoError(t, f.db.First(node, reg.NodeID).Error)
	assert.Equal(t, store.NodeStatusOnline, node.Status)
	assert.WithinDuration(t, time.Now(), node.LastSeenAt, time.Minute)
}

func TestNonceSingleUse(t *testing.T) {
	f := newFixture(t, Config{SharedSecret: "s3cret"})

	key, err := rpc.LoadOrCreateKey(t.TempDir())
	require.NoError(t, err)
	csr, err := rpc.NewCSR(key, "daemon", nil)
	require.NoError(t, err)
	reg, err := f.svc.Register(&api.RegisterRequest{URL: "https://d:1", CSR: string(csr)}, "s3cret", "")
	require.NoError(t, err)
	require.NoError(t, f.svc.Approve(reg.NodeID))

	// collect a few rotated nonces and their signatures
	nonces := []string{reg.Nonce}
	sigs := map[string]string{}
	current := reg.Nonce
	for i := 0; i < 3; i++ {
		sig, err := rpc.SignNonce(key, current)
		require.NoError(t, err)
		sigs[current] = sig

		hb, err := f.svc.Heartbeat(&api.SignedRequest{NodeID: reg.NodeID, Signature: sig})
		require.NoError(t, err)
		current = hb.Nonce
		nonces = append(nonces, current)
	}

	// every superseded nonce is permanently invalid, not just the last one
	for _, old := range nonces[:len(nonces)-1] {
		_, err := f.svc.Heartbeat(&api.SignedRequest{NodeID: reg.NodeID, Signature: sigs[old]})
		assert.ErrorIs(t, err, ErrAuthentication, "nonce %q should be rejected after rotation", old)
	}

	// the current nonce still works
	sig, err := rpc.SignNonce(key, current)
	require.NoError(t, err)
	_, err = f.svc.Heartbeat(&api.SignedRequest{NodeID: reg.NodeID, Signature: sig})
	assert.NoError(t, err)
}

func TestApproveWithoutCSR(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.db.Create(&store.Node{URL: "https://bare:1", Status: store.NodeStatusPending}).Error)

	node := &store.Node{}
	require.NoError(t, f.db.Where("url = ?", "https://bare:1").First(node).Error)
	assert.ErrorIs(t, f.svc.Approve(node.ID), ErrNoCSR)
}

func TestAutoApprove(t *testing.T) {
	f := newFixture(t, Config{SharedSecret: "s3cret", AutoApprove: true})

	resp := register(t, f, "s3cret", "")
	assert.True(t, resp.Approved)

	node := &store.Node{}
	require.NoError(t, f.db.First(node, resp.NodeID).Error)
	assert.NotEmpty(t, node.Certificate)
}

func TestLivenessSweep(t *testing.T) {
	f := newFixture(t, Config{OnlineThreshold: time.Minute})

	fresh := &store.Node{URL: "https://fresh:1", Status: store.NodeStatusOnline, LastSeenAt: time.Now()}
	stale := &store.Node{URL: "https://stale:1", Status: store.NodeStatusOnline, LastSeenAt: time.Now().Add(-time.Hour)}
	pending := &store.Node{URL: "https://pending:1", Status: store.NodeStatusPending, LastSeenAt: time.Now().Add(-time.Hour)}
	require.NoError(t, f.db.Create(fresh).Error)
	require.NoError(t, f.db.Create(stale).Error)
	require.NoError(t, f.db.Create(pending).Error)

	require.NoError(t, f.svc.sweepStale())

	check := func(id uint, expected string) {
		node := &store.Node{}
		require.NoError(t, f.db.First(node, id).Error)
		assert.Equal(t, expected, node.Status)
	}
	check(fresh.ID, store.NodeStatusOnline)
	check(stale.ID, store.NodeStatusOffline)
	check(pending.ID, store.NodeStatusPending)
}

func TestDeleteRefusesWithWorkloads(t *testing.T) {
	f := newFixture(t, Config{})

	node := &store.Node{URL: "https://n:1"}
	require.NoError(t, f.db.Create(node).Error)
	require.NoError(t, f.db.Create(&store.Workload{Name: "w", NodeID: &node.ID}).Error)

	assert.ErrorIs(t, f.svc.Delete(node.ID), ErrHasWorkloads)

	require.NoError(t, f.db.Where("node_id = ?", node.ID).Delete(&store.Workload{}).Error)
	assert.NoError(t, f.svc.Delete(node.ID))
}
