package lpvalid

import (
	"testing"

	"github.com/joeycumines/go-idiomscan/internal/irootdb"
	"github.com/stretchr/testify/require"
)

func TestValid_ReadWriteBoundariesAreMeaningful(t *testing.T) {
	require.True(t, Valid(irootdb.MemRead, irootdb.MemWrite))
	require.True(t, Valid(irootdb.MemWrite, irootdb.MemRead))
}

func TestValid_LockThenUnlockIsNotABoundary(t *testing.T) {
	require.False(t, Valid(irootdb.MutexLock, irootdb.MutexUnlock))
}

func TestValid_SameKindIsNotABoundary(t *testing.T) {
	require.False(t, Valid(irootdb.MemRead, irootdb.MemRead))
	require.False(t, Valid(irootdb.MemWrite, irootdb.MemWrite))
}

func TestNormalizeAtomicDec(t *testing.T) {
	require.Equal(t, irootdb.MutexUnlock, NormalizeAtomicDec(true, irootdb.MemWrite))
	require.Equal(t, irootdb.MemWrite, NormalizeAtomicDec(false, irootdb.MemWrite))
}
