package executor_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridiandb/node/internal/address"
	"github.com/meridiandb/node/internal/apierrors"
	"github.com/meridiandb/node/internal/codec"
	"github.com/meridiandb/node/internal/executor"
	"github.com/meridiandb/node/internal/store"
)

func newExecutor(t *testing.T) *executor.Executor {
	e, _ := newExecutorAndStore(t)
	return e
}

func newExecutorAndStore(t *testing.T) (*executor.Executor, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return executor.New(s), s
}

func TestApplyCreateDocDB(t *testing.T) {
	e := newExecutor(t)
	sender := address.Addr{1}

	res, err := e.Apply(sender, 1, codec.CreateDocDB{Desc: "my db"}, 0)
	require.NoError(t, err)
	require.NotNil(t, res.DatabaseAddr)
}

func TestApplyCreateDocDBDuplicateRejected(t *testing.T) {
	e := newExecutor(t)
	sender := address.Addr{1}

	_, err := e.Apply(sender, 1, codec.CreateDocDB{Desc: "db"}, 0)
	require.NoError(t, err)

	_, err = e.Apply(sender, 1, codec.CreateDocDB{Desc: "db"}, 0)
	require.Error(t, err)
	require.Equal(t, apierrors.KindAlreadyExists, apierrors.KindOf(err))
}

func TestApplyAddCollectionRequiresOwnership(t *testing.T) {
	e := newExecutor(t)
	owner := address.Addr{1}
	other := address.Addr{2}

	res, err := e.Apply(owner, 1, codec.CreateDocDB{Desc: "db"}, 0)
	require.NoError(t, err)

	_, err = e.Apply(other, 1, codec.AddCollection{DBAddr: *res.DatabaseAddr, Name: "users"}, 0)
	require.Error(t, err)
	require.Equal(t, apierrors.KindOwnershipDenied, apierrors.KindOf(err))
}

func TestApplyAddDocumentAllocatesSequentialIDs(t *testing.T) {
	e := newExecutor(t)
	sender := address.Addr{1}

	res, err := e.Apply(sender, 1, codec.CreateDocDB{Desc: "db"}, 0)
	require.NoError(t, err)
	dbAddr := *res.DatabaseAddr

	_, err = e.Apply(sender, 2, codec.AddCollection{DBAddr: dbAddr, Name: "users"}, 0)
	require.NoError(t, err)

	res1, err := e.Apply(sender, 3, codec.AddDocument{DBAddr: dbAddr, Collection: "users", Body: []byte(`{"name":"a"}`)}, 0)
	require.NoError(t, err)
	res2, err := e.Apply(sender, 4, codec.AddDocument{DBAddr: dbAddr, Collection: "users", Body: []byte(`{"name":"b"}`)}, 0)
	require.NoError(t, err)

	require.Equal(t, uint64(0), *res1.DocumentID)
	require.Equal(t, uint64(1), *res2.DocumentID)
}

func TestApplyUpdateDocumentOwnershipAndMask(t *testing.T) {
	e := newExecutor(t)
	sender := address.Addr{1}
	other := address.Addr{2}

	res, err := e.Apply(sender, 1, codec.CreateDocDB{Desc: "db"}, 0)
	require.NoError(t, err)
	dbAddr := *res.DatabaseAddr
	_, err = e.Apply(sender, 2, codec.AddCollection{DBAddr: dbAddr, Name: "users"}, 0)
	require.NoError(t, err)
	docRes, err := e.Apply(sender, 3, codec.AddDocument{DBAddr: dbAddr, Collection: "users", Body: []byte(`{"a":1,"b":2}`)}, 0)
	require.NoError(t, err)
	docID := *docRes.DocumentID

	_, err = e.Apply(other, 1, codec.UpdateDocument{DBAddr: dbAddr, Collection: "users", DocID: docID, Body: []byte(`{"a":9}`), Mask: []string{"/a"}}, 0)
	require.Error(t, err)
	require.Equal(t, apierrors.KindOwnershipDenied, apierrors.KindOf(err))

	_, err = e.Apply(sender, 4, codec.UpdateDocument{DBAddr: dbAddr, Collection: "users", DocID: docID, Body: []byte(`{"a":9}`), Mask: []string{"/a"}}, 0)
	require.NoError(t, err)
}

func TestApplyDeleteDocumentRequiresOwnership(t *testing.T) {
	e := newExecutor(t)
	sender := address.Addr{1}
	other := address.Addr{2}

	res, err := e.Apply(sender, 1, codec.CreateDocDB{Desc: "db"}, 0)
	require.NoError(t, err)
	dbAddr := *res.DatabaseAddr
	_, err = e.Apply(sender, 2, codec.AddCollection{DBAddr: dbAddr, Name: "users"}, 0)
	require.NoError(t, err)
	docRes, err := e.Apply(sender, 3, codec.AddDocument{DBAddr: dbAddr, Collection: "users", Body: []byte(`{}`)}, 0)
	require.NoError(t, err)
	docID := *docRes.DocumentID

	_, err = e.Apply(other, 1, codec.DeleteDocument{DBAddr: dbAddr, Collection: "users", DocID: docID}, 0)
	require.Error(t, err)

	_, err = e.Apply(sender, 4, codec.DeleteDocument{DBAddr: dbAddr, Collection: "users", DocID: docID}, 0)
	require.NoError(t, err)
}

func TestApplyAddDocumentMissingIndexFieldIsNotAnError(t *testing.T) {
	e := newExecutor(t)
	sender := address.Addr{1}

	res, err := e.Apply(sender, 1, codec.CreateDocDB{Desc: "db"}, 0)
	require.NoError(t, err)
	dbAddr := *res.DatabaseAddr
	_, err = e.Apply(sender, 2, codec.AddCollection{
		DBAddr: dbAddr, Name: "users",
		Indexes: []codec.IndexDef{{Path: "/city", Kind: codec.IndexString}},
	}, 0)
	require.NoError(t, err)

	_, err = e.Apply(sender, 3, codec.AddDocument{DBAddr: dbAddr, Collection: "users", Body: []byte(`{"name":"no city field"}`)}, 0)
	require.NoError(t, err)
}

func TestApplyPersistsNonceInSameTransaction(t *testing.T) {
	e, s := newExecutorAndStore(t)
	sender := address.Addr{1}

	_, err := e.Apply(sender, 1, codec.CreateDocDB{Desc: "db"}, 0)
	require.NoError(t, err)

	err = s.View(func(tx *store.Tx) error {
		require.Equal(t, uint64(1), tx.GetNonce(sender))
		return nil
	})
	require.NoError(t, err)
}

func TestApplyPersistsNonceEvenWhenExecutionFails(t *testing.T) {
	e, s := newExecutorAndStore(t)
	sender := address.Addr{1}

	_, err := e.Apply(sender, 1, codec.DeleteDocument{DBAddr: address.Addr{9}, Collection: "none", DocID: 0}, 0)
	require.Error(t, err)
	require.Equal(t, apierrors.KindNotFound, apierrors.KindOf(err))

	err = s.View(func(tx *store.Tx) error {
		require.Equal(t, uint64(1), tx.GetNonce(sender))
		return nil
	})
	require.NoError(t, err)
}

func TestApplyUniqueIndexRejectsDuplicateValue(t *testing.T) {
	e := newExecutor(t)
	sender := address.Addr{1}

	res, err := e.Apply(sender, 1, codec.CreateDocDB{Desc: "db"}, 0)
	require.NoError(t, err)
	dbAddr := *res.DatabaseAddr
	_, err = e.Apply(sender, 2, codec.AddCollection{
		DBAddr: dbAddr, Name: "users",
		Indexes: []codec.IndexDef{{Path: "/email", Kind: codec.IndexUnique}},
	}, 0)
	require.NoError(t, err)

	_, err = e.Apply(sender, 3, codec.AddDocument{DBAddr: dbAddr, Collection: "users", Body: []byte(`{"email":"a@x"}`)}, 0)
	require.NoError(t, err)

	_, err = e.Apply(sender, 4, codec.AddDocument{DBAddr: dbAddr, Collection: "users", Body: []byte(`{"email":"a@x"}`)}, 0)
	require.Error(t, err)
	require.Equal(t, apierrors.KindConstraintViolated, apierrors.KindOf(err))
}

func TestApplyUpdateDocumentReleasesStaleUniqueValue(t *testing.T) {
	e := newExecutor(t)
	sender := address.Addr{1}

	res, err := e.Apply(sender, 1, codec.CreateDocDB{Desc: "db"}, 0)
	require.NoError(t, err)
	dbAddr := *res.DatabaseAddr
	_, err = e.Apply(sender, 2, codec.AddCollection{
		DBAddr: dbAddr, Name: "users",
		Indexes: []codec.IndexDef{{Path: "/email", Kind: codec.IndexUnique}},
	}, 0)
	require.NoError(t, err)

	docRes, err := e.Apply(sender, 3, codec.AddDocument{DBAddr: dbAddr, Collection: "users", Body: []byte(`{"email":"a@x"}`)}, 0)
	require.NoError(t, err)

	_, err = e.Apply(sender, 4, codec.UpdateDocument{DBAddr: dbAddr, Collection: "users", DocID: *docRes.DocumentID, Body: []byte(`{"email":"b@x"}`)}, 0)
	require.NoError(t, err)

	// The old value was released by the update, so a new document may
	// claim it.
	_, err = e.Apply(sender, 5, codec.AddDocument{DBAddr: dbAddr, Collection: "users", Body: []byte(`{"email":"a@x"}`)}, 0)
	require.NoError(t, err)
}

func TestApplyAddIndexRejectsBackfillOverDuplicateValues(t *testing.T) {
	e := newExecutor(t)
	sender := address.Addr{1}

	res, err := e.Apply(sender, 1, codec.CreateDocDB{Desc: "db"}, 0)
	require.NoError(t, err)
	dbAddr := *res.DatabaseAddr
	_, err = e.Apply(sender, 2, codec.AddCollection{DBAddr: dbAddr, Name: "users"}, 0)
	require.NoError(t, err)
	_, err = e.Apply(sender, 3, codec.AddDocument{DBAddr: dbAddr, Collection: "users", Body: []byte(`{"email":"a@x"}`)}, 0)
	require.NoError(t, err)
	_, err = e.Apply(sender, 4, codec.AddDocument{DBAddr: dbAddr, Collection: "users", Body: []byte(`{"email":"a@x"}`)}, 0)
	require.NoError(t, err)

	_, err = e.Apply(sender, 5, codec.AddIndex{
		DBAddr: dbAddr, Collection: "users",
		Indexes: []codec.IndexDef{{Path: "/email", Kind: codec.IndexUnique}},
	}, 0)
	require.Error(t, err)
	require.Equal(t, apierrors.KindConstraintViolated, apierrors.KindOf(err))
}

func TestApplyIsDeterministicAcrossReplays(t *testing.T) {
	sender := address.Addr{1}
	other := address.Addr{2}

	run := func(t *testing.T) []store.Document {
		s, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		e := executor.New(s)

		res, err := e.Apply(sender, 1, codec.CreateDocDB{Desc: "db"}, 0)
		require.NoError(t, err)
		dbAddr := *res.DatabaseAddr
		_, err = e.Apply(sender, 2, codec.AddCollection{DBAddr: dbAddr, Name: "users"}, 0)
		require.NoError(t, err)
		_, err = e.Apply(sender, 3, codec.AddDocument{DBAddr: dbAddr, Collection: "users", Body: []byte(`{"a":1}`)}, 0)
		require.NoError(t, err)
		_, err = e.Apply(sender, 4, codec.AddDocument{DBAddr: dbAddr, Collection: "users", Body: []byte(`{"a":2}`)}, 0)
		require.NoError(t, err)

		// A failed mutation must leave no trace in the replayed state.
		_, err = e.Apply(other, 1, codec.DeleteDocument{DBAddr: dbAddr, Collection: "users", DocID: 0}, 0)
		require.Error(t, err)

		_, err = e.Apply(sender, 5, codec.UpdateDocument{DBAddr: dbAddr, Collection: "users", DocID: 1, Body: []byte(`{"a":9}`)}, 0)
		require.NoError(t, err)

		var docs []store.Document
		err = s.View(func(tx *store.Tx) error {
			d, err := tx.ScanDocuments(dbAddr, "users")
			docs = d
			return err
		})
		require.NoError(t, err)
		return docs
	}

	first := run(t)
	second := run(t)
	require.Equal(t, first, second)
}

func TestApplyAddIndexRejectsDuplicatePath(t *testing.T) {
	e := newExecutor(t)
	sender := address.Addr{1}

	res, err := e.Apply(sender, 1, codec.CreateDocDB{Desc: "db"}, 0)
	require.NoError(t, err)
	dbAddr := *res.DatabaseAddr
	_, err = e.Apply(sender, 2, codec.AddCollection{
		DBAddr: dbAddr, Name: "users",
		Indexes: []codec.IndexDef{{Path: "/city", Kind: codec.IndexString}},
	}, 0)
	require.NoError(t, err)

	_, err = e.Apply(sender, 3, codec.AddIndex{
		DBAddr: dbAddr, Collection: "users",
		Indexes: []codec.IndexDef{{Path: "/city", Kind: codec.IndexString}},
	}, 0)
	require.Error(t, err)
	require.Equal(t, apierrors.KindConstraintViolated, apierrors.KindOf(err))
}
