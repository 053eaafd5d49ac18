package mutationlog_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridiandb/node/internal/address"
	"github.com/meridiandb/node/internal/apierrors"
	"github.com/meridiandb/node/internal/codec"
	"github.com/meridiandb/node/internal/mutationlog"
)

func openTestLog(t *testing.T) *mutationlog.Log {
	t.Helper()
	l, err := mutationlog.Open(filepath.Join(t.TempDir(), "log.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAppendAssignsSequentialOrderWithinBlock(t *testing.T) {
	l := openTestLog(t)
	sender := address.Addr{1}

	_, order1, err := l.Append(mutationlog.Entry{Sender: sender, Action: codec.ActionCreateDocDB, Payload: []byte("a")})
	require.NoError(t, err)
	_, order2, err := l.Append(mutationlog.Entry{Sender: sender, Action: codec.ActionAddDocument, Payload: []byte("b")})
	require.NoError(t, err)

	require.Equal(t, uint64(0), order1)
	require.Equal(t, uint64(1), order2)
}

func TestAdvanceBlockResetsOrderCounter(t *testing.T) {
	l := openTestLog(t)
	sender := address.Addr{1}

	_, _, err := l.Append(mutationlog.Entry{Sender: sender, Action: codec.ActionCreateDocDB})
	require.NoError(t, err)
	l.AdvanceBlock()
	block, order, err := l.Append(mutationlog.Entry{Sender: sender, Action: codec.ActionCreateDocDB})
	require.NoError(t, err)

	require.Equal(t, uint64(1), block)
	require.Equal(t, uint64(0), order)
}

func TestGetByContentIDAndPosition(t *testing.T) {
	l := openTestLog(t)
	var contentID [32]byte
	contentID[0] = 0xAB

	block, order, err := l.Append(mutationlog.Entry{ContentID: contentID, Sender: address.Addr{1}, Action: codec.ActionCreateDocDB, Payload: []byte("x")})
	require.NoError(t, err)

	byID, err := l.GetByContentID(contentID)
	require.NoError(t, err)
	require.Equal(t, block, byID.Block)

	byPos, err := l.GetByPosition(block, order)
	require.NoError(t, err)
	require.Equal(t, contentID, byPos.ContentID)
}

func TestGetByPositionNotFound(t *testing.T) {
	l := openTestLog(t)
	_, err := l.GetByPosition(99, 0)
	require.Error(t, err)
	require.Equal(t, apierrors.KindNotFound, apierrors.KindOf(err))
}

func TestScanReturnsEntriesInOrder(t *testing.T) {
	l := openTestLog(t)
	sender := address.Addr{1}
	for i := 0; i < 3; i++ {
		_, _, err := l.Append(mutationlog.Entry{Sender: sender, Action: codec.ActionCreateDocDB})
		require.NoError(t, err)
	}

	entries, err := l.Scan(mutationlog.Position{}, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, uint64(0), entries[0].Order)
	require.Equal(t, uint64(2), entries[2].Order)
}

func TestPruneUpToStripsPayloadButKeepsHeader(t *testing.T) {
	l := openTestLog(t)
	sender := address.Addr{1}

	_, _, err := l.Append(mutationlog.Entry{Sender: sender, Action: codec.ActionCreateDocDB, Payload: []byte("secret"), Signature: []byte("sig")})
	require.NoError(t, err)
	l.AdvanceBlock()

	bytesFreed, err := l.PruneUpTo(1)
	require.NoError(t, err)
	require.Positive(t, bytesFreed)

	e, err := l.GetByPosition(0, 0)
	require.NoError(t, err)
	require.Nil(t, e.Payload)
	require.Nil(t, e.Signature)
	require.Equal(t, sender, e.Sender)
}

func TestMarkFailed(t *testing.T) {
	l := openTestLog(t)
	block, order, err := l.Append(mutationlog.Entry{Sender: address.Addr{1}, Action: codec.ActionCreateDocDB})
	require.NoError(t, err)

	require.NoError(t, l.MarkFailed(block, order))

	e, err := l.GetByPosition(block, order)
	require.NoError(t, err)
	require.True(t, e.Failed)
}
