// Package messages defines the message types carried over the bounded
// channels linking the sentry's services, per the messaging substrate.
package messages

import (
	"github.com/eth-act/zkboost-sentry/target"
	"github.com/eth-act/zkboost-sentry/types"
)

// ChannelCapacity is the fixed buffer size of every inter-service channel.
const ChannelCapacity = 1024

// FetchData requests that ElDataService ensure a block's witness is
// available, notifying ProofService with BlockDataReady on success.
type FetchData struct {
	BlockHash types.BlockHash
}

// RequestProof asks ProofService to deliver (or generate) a proof for a
// block, to the given target clients and proof types.
type RequestProof struct {
	Slot                types.Slot
	BlockRoot           types.BlockRoot
	ExecutionBlockHash  types.BlockHash
	TargetClients       target.Target[string]
	TargetProofTypes    target.Target[types.ProofType]
}

// BlockDataReady notifies ProofService that EL data for a block hash has
// become available, so any queued PendingRequest for it can proceed.
type BlockDataReady struct {
	BlockHash types.BlockHash
}

// ElDataChan is the channel type ElEventService/BackfillService send
// FetchData requests on to ElDataService.
type ElDataChan chan FetchData

// ProofMsg is the message every producer sends to ProofService: exactly one
// of RequestProof or BlockDataReady is set. A single sum type keeps FIFO
// ordering between the two message kinds within one producer.
type ProofMsg struct {
	RequestProof    *RequestProof
	BlockDataReady  *BlockDataReady
}

// ProofChan is the channel type used to deliver ProofMsg values to
// ProofService.
type ProofChan chan ProofMsg
