// Package types defines the identifiers and entities shared by every sentry
// service: block hashes and roots, proof keys, witnesses, proofs and the
// pending-request bookkeeping that ties proof-engine jobs back to their
// originating requests.
package types

import (
	"encoding/hex"
	"fmt"
	"time"
)

// BlockHash is a 32-byte EL block hash, the primary correlation key across
// every service and the storage layer.
type BlockHash [32]byte

// String renders the hash as a 0x-prefixed hex string.
func (h BlockHash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// BlockRoot is a 32-byte beacon block root.
type BlockRoot [32]byte

func (r BlockRoot) String() string {
	return "0x" + hex.EncodeToString(r[:])
}

// Slot is a beacon chain slot number.
type Slot uint64

// BlockNumber is an EL block number.
type BlockNumber uint64

// ProofGenId is the opaque job id issued by the proof engine on submission.
type ProofGenId string

// ProofType identifies an (EL implementation, zkVM) pairing with a stable
// byte id used on the CL wire format. The zero value is invalid; use the
// registered constants below.
type ProofType struct {
	Name    string
	ProofID byte
}

func (t ProofType) String() string {
	return t.Name
}

var (
	// ProofTypeRethSP1 pairs the Reth EL client with the SP1 zkVM.
	ProofTypeRethSP1 = ProofType{Name: "reth-sp1", ProofID: 0}
	// ProofTypeEthrexRisc0 pairs the Ethrex EL client with the Risc0 zkVM.
	ProofTypeEthrexRisc0 = ProofType{Name: "ethrex-risc0", ProofID: 1}
)

// AllProofTypes is the registry of proof types this build knows about, in
// ascending ProofID order.
var AllProofTypes = []ProofType{ProofTypeRethSP1, ProofTypeEthrexRisc0}

// ProofTypeByName looks up a registered proof type by its configuration name.
func ProofTypeByName(name string) (ProofType, bool) {
	for _, pt := range AllProofTypes {
		if pt.Name == name {
			return pt, true
		}
	}
	return ProofType{}, false
}

// ProofKey uniquely identifies a proof job for a given block and proof type.
type ProofKey struct {
	BlockHash BlockHash
	ProofType ProofType
}

func (k ProofKey) String() string {
	return fmt.Sprintf("%s/%s", k.BlockHash, k.ProofType)
}

// ElBlockWitness is the execution-layer data needed to request a stateless
// validation proof for a block: the header/body and the opaque execution
// witness blob returned by debug_executionWitnessByBlockHash.
type ElBlockWitness struct {
	BlockHash   BlockHash
	BlockNumber BlockNumber
	Block       []byte // opaque RLP/JSON block payload as returned by eth_getBlockByHash
	Witness     []byte // opaque execution witness blob
	GasUsed     uint64
}

// Proof is a completed zk proof of stateless block validation.
type Proof struct {
	ProofType ProofType
	ProofData []byte
}

// PendingRequest tracks a proof request that arrived before the EL data for
// its block was available.
type PendingRequest struct {
	Slot          Slot
	BlockRoot     BlockRoot
	TargetClients []string // nil/empty via the caller's Target union is resolved before storage
	CreatedAt     time.Time
}

// PendingProof tracks an outstanding proof-engine job awaiting webhook
// completion.
type PendingProof struct {
	ProofType     ProofType
	Slot          Slot
	BlockHash     BlockHash
	BlockRoot     BlockRoot
	TargetClients []string
	CreatedAt     time.Time
	ProofGenId    ProofGenId
}

// BlockMetadata is the persisted, additively-written record of what the
// sentry knows about a block: EL writes fill BlockNumber/GasUsed, CL writes
// fill Slot/BeaconBlockRoot, and neither path clears fields the other set.
type BlockMetadata struct {
	BlockHash       BlockHash   `json:"block_hash"`
	BlockNumber     *BlockNumber `json:"block_number,omitempty"`
	GasUsed         uint64      `json:"gas_used,omitempty"`
	Slot            *Slot       `json:"slot,omitempty"`
	BeaconBlockRoot *BlockRoot  `json:"beacon_block_root,omitempty"`
}

// Merge applies the fields of other into m, never clearing a field that is
// already set unless other explicitly carries a replacement value for it.
func (m *BlockMetadata) Merge(other BlockMetadata) {
	if other.BlockNumber != nil {
		m.BlockNumber = other.BlockNumber
	}
	if other.GasUsed != 0 {
		m.GasUsed = other.GasUsed
	}
	if other.Slot != nil {
		m.Slot = other.Slot
	}
	if other.BeaconBlockRoot != nil {
		m.BeaconBlockRoot = other.BeaconBlockRoot
	}
}
