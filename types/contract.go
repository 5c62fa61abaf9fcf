package types

// ContractRecord is the immutable-after-deployment description of a
// deployed contract. Lookups against it may be time-travel (as of a given
// block height), but the record itself never changes once written.
type ContractRecord struct {
	CanonicalAddress Address
	VirtualAddress   Address
	Deployer         Address
	Bytecode         []byte
	Salt             [32]byte
	DeployedAtHeight uint64
	DeployedTxID     Address
}

// ProvenValue is a storage value paired with a Merkle proof sufficient to
// reconstruct the state root of the block at LastSeenHeight for the
// (contract, pointer) pair it was read for.
type ProvenValue struct {
	Value          Value
	Proofs         []Address
	LastSeenHeight uint64
}

// IsZero reports whether the proven value has never been written.
func (p ProvenValue) IsZero() bool {
	return p.Value == (Value{})
}

// BlockHeader carries everything needed to validate a block's checksum
// chain against its predecessor. ChecksumProofs holds one Merkle proof per
// fixed leaf position (0..5), see header.Validate.
type BlockHeader struct {
	Height           uint64
	PrevBlockHash    Address
	PrevBlockChecksum Address
	BlockHash        Address
	MerkleRoot       Address
	StorageRoot      Address
	ReceiptRoot      Address
	ChecksumRoot     Address
	ChecksumProofs   [6][]Address
}
