package predictor

import (
	"bytes"
	"testing"

	"github.com/joeycumines/go-idiomscan/internal/irootdb"
	"github.com/stretchr/testify/require"
)

func TestIList_SaveLoad_RoundTrip(t *testing.T) {
	ids := []irootdb.IRootID{1, 2, 5, 9}
	var buf bytes.Buffer
	require.NoError(t, SaveIList(&buf, ids))

	got, err := LoadIList(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, ids, got)
}

func TestIList_Empty_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SaveIList(&buf, nil))
	got, err := LoadIList(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Empty(t, got)
}
