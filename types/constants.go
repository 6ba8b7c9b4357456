package types

const (
	// MaxPayloadSize bounds the size of a submitted job payload and of an
	// inline result. Payloads are opaque; the coordinator only enforces the
	// bound.
	MaxPayloadSize = 1 << 20 // 1 MiB

	// MaxCapabilitiesSize bounds the serialized size of a miner's declared
	// capabilities.
	MaxCapabilitiesSize = 4 << 10 // 4 KiB
)
