package admin_test

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridiandb/node/internal/address"
	"github.com/meridiandb/node/internal/admin"
	"github.com/meridiandb/node/internal/apierrors"
	"github.com/meridiandb/node/internal/sig"
	"github.com/meridiandb/node/internal/store"
)

func newAdminStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func signEd25519(t *testing.T, pub ed25519.PublicKey, priv ed25519.PrivateKey, payload []byte) []byte {
	t.Helper()
	s := ed25519.Sign(priv, payload)
	out := make([]byte, 0, len(pub)+len(s))
	out = append(out, pub...)
	out = append(out, s...)
	return out
}

func addrFromEd25519(pub ed25519.PublicKey) address.Addr {
	digest := address.Keccak256(pub)
	var a address.Addr
	copy(a[:], digest[12:])
	return a
}

func TestSetupByConfiguredAdminSucceeds(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	adminAddr := addrFromEd25519(pub)

	svc := admin.New(newAdminStore(t), adminAddr)

	payload, err := json.Marshal(admin.ConfigDocument{NetworkID: 1, ChainID: 2, ContractAddr: "0xabc"})
	require.NoError(t, err)
	signature := signEd25519(t, pub, priv, payload)

	err = svc.Setup(admin.SetupRequest{Payload: payload, Signature: signature, Scheme: sig.SchemeEd25519})
	require.NoError(t, err)

	status, err := svc.GetStatus(context.Background(), "v1")
	require.NoError(t, err)
	require.True(t, status.HasInited)
	require.Equal(t, uint64(1), status.Config.NetworkID)
}

func TestSetupByNonAdminIsDenied(t *testing.T) {
	_, adminPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_ = adminPriv
	adminAddr := address.Addr{1, 2, 3}

	otherPub, otherPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	svc := admin.New(newAdminStore(t), adminAddr)

	payload, err := json.Marshal(admin.ConfigDocument{NetworkID: 1})
	require.NoError(t, err)
	signature := signEd25519(t, otherPub, otherPriv, payload)

	err = svc.Setup(admin.SetupRequest{Payload: payload, Signature: signature, Scheme: sig.SchemeEd25519})
	require.Error(t, err)
	require.Equal(t, apierrors.KindAdminDenied, apierrors.KindOf(err))
}

func TestSetupIsWriteOnce(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	adminAddr := addrFromEd25519(pub)
	svc := admin.New(newAdminStore(t), adminAddr)

	payload, err := json.Marshal(admin.ConfigDocument{NetworkID: 1})
	require.NoError(t, err)
	require.NoError(t, svc.Setup(admin.SetupRequest{Payload: payload, Signature: signEd25519(t, pub, priv, payload), Scheme: sig.SchemeEd25519}))

	payload2, err := json.Marshal(admin.ConfigDocument{NetworkID: 9})
	require.NoError(t, err)
	err = svc.Setup(admin.SetupRequest{Payload: payload2, Signature: signEd25519(t, pub, priv, payload2), Scheme: sig.SchemeEd25519})
	require.Error(t, err)
	require.Equal(t, apierrors.KindAlreadyExists, apierrors.KindOf(err))

	status, err := svc.GetStatus(context.Background(), "v1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), status.Config.NetworkID)
}

func TestGetStatusBeforeSetupReportsUninitialized(t *testing.T) {
	svc := admin.New(newAdminStore(t), address.Addr{1})
	status, err := svc.GetStatus(context.Background(), "v1")
	require.NoError(t, err)
	require.False(t, status.HasInited)
}

type fakeBalances struct {
	m   map[string]string
	err error
}

func (f fakeBalances) Balances(context.Context) (map[string]string, error) { return f.m, f.err }

func TestGetStatusIncludesBalancesWhenSourceWired(t *testing.T) {
	svc := admin.New(newAdminStore(t), address.Addr{1})
	svc.SetBalanceSource(fakeBalances{m: map[string]string{"eth": "120000"}})

	status, err := svc.GetStatus(context.Background(), "v1")
	require.NoError(t, err)
	require.Equal(t, "120000", status.Balances["eth"])
}

func TestGetStatusToleratesBalanceSourceFailure(t *testing.T) {
	svc := admin.New(newAdminStore(t), address.Addr{1})
	svc.SetBalanceSource(fakeBalances{err: apierrors.ChainUnavailable("chain down")})

	status, err := svc.GetStatus(context.Background(), "v1")
	require.NoError(t, err)
	require.Empty(t, status.Balances)
}
