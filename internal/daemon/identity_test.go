package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityWaitApproved(t *testing.T) {
	ident, err := NewIdentity(&Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	assert.False(t, ident.Approved())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	done := make(chan bool, 1)
	go func() { done <- ident.WaitApproved(ctx) }()

	// approval lands and is persisted, which wakes the watcher
	ident.state.NodeID = 1
	ident.state.Approved = true
	ident.state.Certificate = "cert-pem"
	ident.state.CARoot = "root-pem"
	require.NoError(t, ident.commitNonce("nonce"))

	assert.True(t, <-done)
	assert.True(t, ident.Approved())

	cert, root := ident.Certificate()
	assert.Equal(t, "cert-pem", cert)
	assert.Equal(t, "root-pem", root)
}

func TestIdentityWaitApprovedCanceled(t *testing.T) {
	ident, err := NewIdentity(&Config{DataDir: t.TempDir()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, ident.WaitApproved(ctx))
}
