// Package docmask applies a partial document update over a stored JSON
// body. An empty/nil mask means "replace the whole body". A non-empty mask
// lists the field paths that should be overwritten from the incoming body;
// fields on the server not named in the mask are retained, and fields
// named in the mask but absent from the incoming body are deleted.
package docmask

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Apply computes the new document body for an UpdateDocument mutation.
// server is the currently stored body (may be nil for a full replace path);
// incoming is the mutation's Body; mask is the mutation's Mask.
func Apply(server, incoming []byte, mask []string) ([]byte, error) {
	if len(mask) == 0 {
		return incoming, nil
	}

	var serverDoc map[string]any
	if len(server) > 0 {
		if err := json.Unmarshal(server, &serverDoc); err != nil {
			return nil, fmt.Errorf("docmask: server body is not a JSON object: %w", err)
		}
	}
	if serverDoc == nil {
		serverDoc = map[string]any{}
	}

	var incomingDoc map[string]any
	if len(incoming) > 0 {
		if err := json.Unmarshal(incoming, &incomingDoc); err != nil {
			return nil, fmt.Errorf("docmask: incoming body is not a JSON object: %w", err)
		}
	}

	for _, path := range mask {
		comps := components(path)
		if len(comps) == 0 {
			continue
		}
		if v, ok := lookup(incomingDoc, comps); ok {
			set(serverDoc, comps, v)
		} else {
			del(serverDoc, comps)
		}
	}

	return json.Marshal(serverDoc)
}

func components(path string) []string {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func lookup(doc map[string]any, comps []string) (any, bool) {
	var cur any = doc
	for _, c := range comps {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[c]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func set(doc map[string]any, comps []string, value any) {
	cur := doc
	for i, c := range comps {
		if i == len(comps)-1 {
			cur[c] = value
			return
		}
		next, ok := cur[c].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[c] = next
		}
		cur = next
	}
}

func del(doc map[string]any, comps []string) {
	cur := doc
	for i, c := range comps {
		if i == len(comps)-1 {
			delete(cur, c)
			return
		}
		next, ok := cur[c].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
}
