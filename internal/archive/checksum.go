package archive

import (
	"github.com/zeebo/blake3"
)

const (
	// DataShards is the remote store's erasure-coding data shard count.
	DataShards = 4

	// ParityShards is the remote store's parity shard count.
	ParityShards = 2

	// ChecksumCount is the fixed size of the checksum set the remote
	// store's metadata call requires: one whole-payload hash plus one
	// per shard.
	ChecksumCount = 1 + DataShards + ParityShards
)

// computeChecksums produces the remote store's required checksum set for
// a payload: checksum[0] covers the whole payload, checksums 1..4 the
// data shards, checksums 5..6 the parity shards.
//
// Parity here is an XOR approximation of the store's true erasure code.
// The remote network recomputes authoritative parity from the uploaded
// payload; only the checksum count and format of the metadata call must
// be satisfied locally.
func computeChecksums(payload []byte) [ChecksumCount][32]byte {
	var sums [ChecksumCount][32]byte

	sums[0] = blake3.Sum256(payload)

	shards := splitShards(payload)
	for i, shard := range shards {
		sums[1+i] = blake3.Sum256(shard)
	}

	parity := xorParity(shards)
	for i, shard := range parity {
		sums[1+DataShards+i] = blake3.Sum256(shard)
	}

	return sums
}

// splitShards cuts the payload into DataShards equal shards, zero-padding
// the tail.
func splitShards(payload []byte) [][]byte {
	shardSize := (len(payload) + DataShards - 1) / DataShards
	if shardSize == 0 {
		shardSize = 1
	}

	shards := make([][]byte, DataShards)

	for i := range shards {
		shard := make([]byte, shardSize)

		start := i * shardSize
		if start < len(payload) {
			copy(shard, payload[start:])
		}

		shards[i] = shard
	}

	return shards
}

// xorParity derives ParityShards parity shards from the data shards.
// Parity shard p XORs every data shard rotated by i*p bytes, so the two
// parity shards differ for any multi-shard payload.
func xorParity(shards [][]byte) [][]byte {
	shardSize := len(shards[0])
	parity := make([][]byte, ParityShards)

	for p := range parity {
		shard := make([]byte, shardSize)

		for i, data := range shards {
			offset := (i * p) % shardSize
			for j := 0; j < shardSize; j++ {
				shard[j] ^= data[(j+offset)%shardSize]
			}
		}

		parity[p] = shard
	}

	return parity
}
