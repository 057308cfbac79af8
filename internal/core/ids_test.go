package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientOrderIDStableAcrossRetries(t *testing.T) {
	id1 := ClientOrderID("MAIN-", "intent-1", "run-1")
	id2 := ClientOrderID("MAIN-", "intent-1", "run-1")
	require.Equal(t, id1, id2)
	require.Contains(t, id1, "MAIN-")
}

func TestClientOrderIDDiffersByIntent(t *testing.T) {
	id1 := ClientOrderID("MAIN-", "intent-1", "run-1")
	id2 := ClientOrderID("MAIN-", "intent-2", "run-1")
	require.NotEqual(t, id1, id2)
}

func TestAuditEventIDChainsOnSequence(t *testing.T) {
	id1 := AuditEventID("genesis", "payload", 1)
	id2 := AuditEventID("genesis", "payload", 2)
	require.NotEqual(t, id1, id2)
}
