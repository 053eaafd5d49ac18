package docmask_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridiandb/node/internal/docmask"
)

func TestApplyEmptyMaskFullyReplaces(t *testing.T) {
	server := []byte(`{"a":1,"b":2}`)
	incoming := []byte(`{"c":3}`)

	out, err := docmask.Apply(server, incoming, nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"c":3}`, string(out))
}

func TestApplyMaskOverwritesOnlyNamedFields(t *testing.T) {
	server := []byte(`{"a":1,"b":2}`)
	incoming := []byte(`{"a":10,"c":3}`)

	out, err := docmask.Apply(server, incoming, []string{"/a"})
	require.NoError(t, err)
	require.JSONEq(t, `{"a":10,"b":2}`, string(out))
}

func TestApplyMaskDeletesFieldAbsentFromIncoming(t *testing.T) {
	server := []byte(`{"a":1,"b":2}`)
	incoming := []byte(`{}`)

	out, err := docmask.Apply(server, incoming, []string{"/a"})
	require.NoError(t, err)
	require.JSONEq(t, `{"b":2}`, string(out))
}

func TestApplyMaskNested(t *testing.T) {
	server := []byte(`{"address":{"city":"Lisbon","zip":"1000"}}`)
	incoming := []byte(`{"address":{"city":"Porto"}}`)

	out, err := docmask.Apply(server, incoming, []string{"/address/city"})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	addr := got["address"].(map[string]any)
	require.Equal(t, "Porto", addr["city"])
	require.Equal(t, "1000", addr["zip"])
}

func TestApplyMaskOnNilServerBody(t *testing.T) {
	incoming := []byte(`{"a":1}`)
	out, err := docmask.Apply(nil, incoming, []string{"/a"})
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(out))
}
