package types

// receipt.go defines the signed completion receipt. A receipt is the
// canonical, immutable record of a successful attempt; it is what the
// wallet and settlement services verify downstream.

type (
	// UnitType names the metering unit of a receipt.
	UnitType string
)

const (
	UnitGPUSeconds UnitType = "gpu_seconds"
	UnitGPUHours   UnitType = "gpu_hours"
	UnitTokens     UnitType = "tokens"
	UnitRequests   UnitType = "requests"
)

// Valid reports whether u names a known metering unit.
func (u UnitType) Valid() bool {
	switch u {
	case UnitGPUSeconds, UnitGPUHours, UnitTokens, UnitRequests:
		return true
	}
	return false
}

// A ReceiptSignature is an Ed25519 signature over the canonical receipt
// payload. The raw public key travels with the signature so downstream
// verifiers need no external key registry.
type ReceiptSignature struct {
	PublicKey []byte `json:"public_key"`
	Sig       []byte `json:"sig"`
	Algo      string `json:"algo"`
}

// SigAlgoEd25519 is the only signature algorithm in use.
const SigAlgoEd25519 = "ed25519"

// A Receipt is the full persisted receipt row. The fields up to and
// including ChainID form the canonical payload; receipt_id is derived from
// the hash of the canonical bytes and the signatures are computed over the
// same bytes.
type Receipt struct {
	ID string `json:"receipt_id"`

	JobID    JobID    `json:"job_id"`
	Provider MinerID  `json:"provider"`
	Client   ClientID `json:"client"`

	Units    float64  `json:"units"`
	UnitType UnitType `json:"unit_type"`
	Model    string   `json:"model"`

	PromptHash     string    `json:"prompt_hash"`
	StartedAt      Timestamp `json:"started_at"`
	FinishedAt     Timestamp `json:"finished_at"`
	ArtifactSHA256 string    `json:"artifact_sha256,omitempty"`
	Nonce          string    `json:"nonce"`
	HubID          string    `json:"hub_id,omitempty"`
	ChainID        string    `json:"chain_id,omitempty"`

	Signature    ReceiptSignature   `json:"signature"`
	Attestations []ReceiptSignature `json:"attestations"`

	CreatedAt Timestamp `json:"created_at,omitempty"`
}
