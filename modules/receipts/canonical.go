package receipts

// canonical.go produces the byte-exact signing input of a receipt. The
// canonical form is UTF-8 JSON with the keys in lexicographic order, no
// insignificant whitespace, numbers in shortest round-trippable form and
// strings normalized to NFC. Optional fields are omitted entirely when
// empty; the key set is closed, anything else is rejected.

import (
	"bytes"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"

	"github.com/tensorgrid/tensorgrid/modules"
	"github.com/tensorgrid/tensorgrid/types"
)

// canonicalKeys is the closed key set of the canonical payload, already in
// lexicographic order. Optional keys may be absent from a payload but no
// key outside this set may appear.
var canonicalKeys = []string{
	"artifact_sha256",
	"chain_id",
	"client",
	"finished_at",
	"hub_id",
	"job_id",
	"model",
	"nonce",
	"prompt_hash",
	"provider",
	"started_at",
	"unit_type",
	"units",
}

// requiredKeys are the canonical keys that must be present.
var requiredKeys = map[string]bool{
	"client":      true,
	"finished_at": true,
	"job_id":      true,
	"model":       true,
	"nonce":       true,
	"prompt_hash": true,
	"provider":    true,
	"started_at":  true,
	"unit_type":   true,
	"units":       true,
}

// appendCanonicalString appends key:"value" with the value NFC-normalized
// and JSON-escaped.
func appendCanonicalString(buf *bytes.Buffer, key, value string, first *bool) error {
	if !*first {
		buf.WriteByte(',')
	}
	*first = false
	escaped, err := json.Marshal(norm.NFC.String(value))
	if err != nil {
		return err
	}
	fmt.Fprintf(buf, "%q:%s", key, escaped)
	return nil
}

// appendCanonicalNumber appends key:number. encoding/json already emits the
// shortest round-trippable decimal form for float64 and int64 values.
func appendCanonicalNumber(buf *bytes.Buffer, key string, value interface{}, first *bool) error {
	if !*first {
		buf.WriteByte(',')
	}
	*first = false
	num, err := json.Marshal(value)
	if err != nil {
		return err
	}
	fmt.Fprintf(buf, "%q:%s", key, num)
	return nil
}

// CanonicalBytes serializes the canonical payload of a receipt. The
// signature fields do not participate.
func CanonicalBytes(r types.Receipt) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true

	// Keys are emitted in the order of canonicalKeys; the branches below
	// follow that order exactly.
	if r.ArtifactSHA256 != "" {
		if err := appendCanonicalString(&buf, "artifact_sha256", r.ArtifactSHA256, &first); err != nil {
			return nil, err
		}
	}
	if r.ChainID != "" {
		if err := appendCanonicalString(&buf, "chain_id", r.ChainID, &first); err != nil {
			return nil, err
		}
	}
	if err := appendCanonicalString(&buf, "client", string(r.Client), &first); err != nil {
		return nil, err
	}
	if err := appendCanonicalNumber(&buf, "finished_at", int64(r.FinishedAt), &first); err != nil {
		return nil, err
	}
	if r.HubID != "" {
		if err := appendCanonicalString(&buf, "hub_id", r.HubID, &first); err != nil {
			return nil, err
		}
	}
	if err := appendCanonicalString(&buf, "job_id", string(r.JobID), &first); err != nil {
		return nil, err
	}
	if err := appendCanonicalString(&buf, "model", r.Model, &first); err != nil {
		return nil, err
	}
	if err := appendCanonicalString(&buf, "nonce", r.Nonce, &first); err != nil {
		return nil, err
	}
	if err := appendCanonicalString(&buf, "prompt_hash", r.PromptHash, &first); err != nil {
		return nil, err
	}
	if err := appendCanonicalString(&buf, "provider", string(r.Provider), &first); err != nil {
		return nil, err
	}
	if err := appendCanonicalNumber(&buf, "started_at", int64(r.StartedAt), &first); err != nil {
		return nil, err
	}
	if err := appendCanonicalString(&buf, "unit_type", string(r.UnitType), &first); err != nil {
		return nil, err
	}
	if err := appendCanonicalNumber(&buf, "units", r.Units, &first); err != nil {
		return nil, err
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ParseCanonical parses canonical payload bytes back into a receipt,
// rejecting unknown keys and missing required keys. Together with
// CanonicalBytes it forms a round trip for well-formed payloads.
func ParseCanonical(data []byte) (types.Receipt, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return types.Receipt{}, modules.NewError(modules.ErrCodeInvalidPayload,
			"receipt payload is not a JSON object")
	}
	allowed := make(map[string]bool, len(canonicalKeys))
	for _, key := range canonicalKeys {
		allowed[key] = true
	}
	for key := range fields {
		if !allowed[key] {
			return types.Receipt{}, modules.NewErrorf(modules.ErrCodeInvalidPayload,
				"unexpected receipt field %q", key)
		}
	}
	for key := range requiredKeys {
		if _, ok := fields[key]; !ok {
			return types.Receipt{}, modules.NewErrorf(modules.ErrCodeInvalidPayload,
				"missing receipt field %q", key)
		}
	}

	var r types.Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return types.Receipt{}, modules.NewError(modules.ErrCodeInvalidPayload,
			"malformed receipt payload")
	}
	return r, nil
}
