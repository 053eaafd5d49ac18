package rpcservice_test

import (
	"crypto/ed25519"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridiandb/node/internal/address"
	"github.com/meridiandb/node/internal/apierrors"
	"github.com/meridiandb/node/internal/codec"
	"github.com/meridiandb/node/internal/executor"
	"github.com/meridiandb/node/internal/mutationlog"
	"github.com/meridiandb/node/internal/nonce"
	"github.com/meridiandb/node/internal/rpcservice"
	"github.com/meridiandb/node/internal/sig"
	"github.com/meridiandb/node/internal/store"
)

type fixture struct {
	svc  *rpcservice.Service
	mlog *mutationlog.Log
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mlog, err := mutationlog.Open(filepath.Join(t.TempDir(), "log.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mlog.Close() })

	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	nonces := nonce.New()
	exec := executor.New(st)
	svc := rpcservice.New(mlog, st, nonces, exec)
	require.NoError(t, svc.Bootstrap())

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	return &fixture{svc: svc, mlog: mlog, pub: pub, priv: priv}
}

func (f *fixture) sign(payload []byte) []byte {
	s := ed25519.Sign(f.priv, payload)
	out := make([]byte, 0, len(f.pub)+len(s))
	out = append(out, f.pub...)
	out = append(out, s...)
	return out
}

func TestSendMutationCreateDocDB(t *testing.T) {
	f := newFixture(t)

	payload, err := codec.Encode(codec.Mutation{Nonce: 1, Action: codec.ActionCreateDocDB, Body: codec.CreateDocDB{Desc: "my db"}})
	require.NoError(t, err)
	sig := f.sign(payload)

	resp, err := f.svc.SendMutation(payload, sig, sigSchemeEd25519)
	require.NoError(t, err)
	require.NotNil(t, resp.Result.DatabaseAddr)
	require.Equal(t, address.DeriveDatabase(pubToAddr(f.pub), 1), *resp.Result.DatabaseAddr)
	require.Equal(t, uint64(0), resp.Block)
	require.Equal(t, uint64(0), resp.Order)
}

func TestSendMutationRejectsNonceGap(t *testing.T) {
	f := newFixture(t)

	payload, err := codec.Encode(codec.Mutation{Nonce: 2, Action: codec.ActionCreateDocDB, Body: codec.CreateDocDB{Desc: "db"}})
	require.NoError(t, err)

	_, err = f.svc.SendMutation(payload, f.sign(payload), sigSchemeEd25519)
	require.Error(t, err)
	require.Equal(t, apierrors.KindNonceMismatch, apierrors.KindOf(err))
}

func TestSendMutationRejectsTamperedSignature(t *testing.T) {
	f := newFixture(t)
	payload, err := codec.Encode(codec.Mutation{Nonce: 1, Action: codec.ActionCreateDocDB, Body: codec.CreateDocDB{Desc: "db"}})
	require.NoError(t, err)

	sig := f.sign(payload)
	sig[len(sig)-1] ^= 0xFF

	_, err = f.svc.SendMutation(payload, sig, sigSchemeEd25519)
	require.Error(t, err)
	require.Equal(t, apierrors.KindSignature, apierrors.KindOf(err))
}

func TestSendMutationThenGetMutationHeaderAndBody(t *testing.T) {
	f := newFixture(t)
	payload, err := codec.Encode(codec.Mutation{Nonce: 1, Action: codec.ActionCreateDocDB, Body: codec.CreateDocDB{Desc: "db"}})
	require.NoError(t, err)

	resp, err := f.svc.SendMutation(payload, f.sign(payload), sigSchemeEd25519)
	require.NoError(t, err)

	header, err := f.svc.GetMutationHeader(resp.Block, resp.Order)
	require.NoError(t, err)
	require.Equal(t, resp.ContentID, header.ContentID)

	body, err := f.svc.GetMutationBody(resp.ContentID)
	require.NoError(t, err)
	require.Equal(t, payload, body)
}

func TestSendMutationFullLifecycleCreatesCollectionAndDocument(t *testing.T) {
	f := newFixture(t)

	createDB, err := codec.Encode(codec.Mutation{Nonce: 1, Action: codec.ActionCreateDocDB, Body: codec.CreateDocDB{Desc: "db"}})
	require.NoError(t, err)
	resp, err := f.svc.SendMutation(createDB, f.sign(createDB), sigSchemeEd25519)
	require.NoError(t, err)
	dbAddr := *resp.Result.DatabaseAddr

	addCol, err := codec.Encode(codec.Mutation{Nonce: 2, Action: codec.ActionAddCollection, Body: codec.AddCollection{DBAddr: dbAddr, Name: "users"}})
	require.NoError(t, err)
	_, err = f.svc.SendMutation(addCol, f.sign(addCol), sigSchemeEd25519)
	require.NoError(t, err)

	addDoc, err := codec.Encode(codec.Mutation{Nonce: 3, Action: codec.ActionAddDocument, Body: codec.AddDocument{DBAddr: dbAddr, Collection: "users", Body: []byte(`{"name":"a"}`)}})
	require.NoError(t, err)
	docResp, err := f.svc.SendMutation(addDoc, f.sign(addDoc), sigSchemeEd25519)
	require.NoError(t, err)
	require.NotNil(t, docResp.Result.DocumentID)

	doc, err := f.svc.GetDocument(dbAddr, "users", *docResp.Result.DocumentID)
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"a"}`, string(doc.Body))

	cols, err := f.svc.GetCollectionOfDatabase(dbAddr)
	require.NoError(t, err)
	require.Len(t, cols, 1)

	dbs, err := f.svc.GetDatabaseOfOwner(pubToAddr(f.pub))
	require.NoError(t, err)
	require.Len(t, dbs, 1)
}

func TestGetMutationBodyGoneAfterPruneHeaderRemains(t *testing.T) {
	f := newFixture(t)

	payload, err := codec.Encode(codec.Mutation{Nonce: 1, Action: codec.ActionCreateDocDB, Body: codec.CreateDocDB{Desc: "db"}})
	require.NoError(t, err)
	resp, err := f.svc.SendMutation(payload, f.sign(payload), sigSchemeEd25519)
	require.NoError(t, err)

	f.mlog.AdvanceBlock()
	_, err = f.mlog.PruneUpTo(1)
	require.NoError(t, err)

	_, err = f.svc.GetMutationBody(resp.ContentID)
	require.Error(t, err)
	require.Equal(t, apierrors.KindNotFound, apierrors.KindOf(err))

	header, err := f.svc.GetMutationHeader(resp.Block, resp.Order)
	require.NoError(t, err)
	require.Equal(t, resp.ContentID, header.ContentID)
	require.Positive(t, header.PayloadSize)
}

var sigSchemeEd25519 = sig.SchemeEd25519

func pubToAddr(pub ed25519.PublicKey) address.Addr {
	digest := address.Keccak256(pub)
	var a address.Addr
	copy(a[:], digest[12:])
	return a
}
