package chain

import (
	"encoding/hex"
	"fmt"

	"github.com/Sneekyboots/verisafe/internal/prover"
)

// submitSelector is the 4-byte function selector for
// submitPrice(uint256,uint256,bytes32,uint256[2],uint256[2][2],uint256[2],bytes32).
var submitSelector = [4]byte{0x3c, 0x6f, 0x59, 0x1e}

// latestRoundSelector is the 4-byte function selector for latestRound().
var latestRoundSelector = [4]byte{0x8c, 0xd2, 0x21, 0xc9}

// word is one 32-byte calldata slot.
type word = [32]byte

// calldataWords is the number of argument slots in a submit call:
// price, timestamp, commitment, proofPart1 (2), proofPart2 (4),
// proofPart3 (2), archiveRef.
const calldataWords = 12

// EncodeSubmitCall serializes a proof into the on-chain call's argument
// shape.
//
// The proof blob splits into three elements: A (48-byte G1) becomes
// proofPart1, B (96-byte G2) becomes proofPart2, C (48-byte G1) becomes
// proofPart3. The verifier contract expects each G2 sub-coordinate pair
// in swapped order relative to the engine's native output; that swap is
// part of the bit-exact contract and must not be "fixed".
func EncodeSubmitCall(signals prover.Signals, proofBlob []byte, archiveRef [32]byte) ([]byte, error) {
	if len(proofBlob) != 192 {
		return nil, fmt.Errorf("proof blob is %d bytes, want 192", len(proofBlob))
	}

	var words [calldataWords]word

	words[0] = quantityWord(signals.PriceFixed)
	words[1] = quantityWord(uint64(signals.Timestamp))
	words[2] = signals.Commitment

	a := proofBlob[:48]
	b := proofBlob[48:144]
	c := proofBlob[144:192]

	// proofPart1: the G1 element as (32-byte limb, 16-byte tail).
	words[3], words[4] = splitG1(a)

	// proofPart2: the G2 element as four 24-byte limbs b0..b3, stored
	// with each coordinate pair swapped: [[b1, b0], [b3, b2]].
	b0, b1, b2, b3 := splitG2(b)
	words[5], words[6] = b1, b0
	words[7], words[8] = b3, b2

	// proofPart3: the second G1 element.
	words[9], words[10] = splitG1(c)

	words[11] = archiveRef

	data := make([]byte, 0, 4+calldataWords*32)
	data = append(data, submitSelector[:]...)
	for _, w := range words {
		data = append(data, w[:]...)
	}

	return data, nil
}

// splitG1 packs a 48-byte compressed G1 point into two words: the first
// 32 bytes, then the 16-byte tail right-aligned.
func splitG1(p []byte) (word, word) {
	var head, tail word
	copy(head[:], p[:32])
	copy(tail[16:], p[32:48])

	return head, tail
}

// splitG2 packs a 96-byte compressed G2 point into four 24-byte limbs,
// each right-aligned in its word.
func splitG2(p []byte) (word, word, word, word) {
	limb := func(i int) word {
		var w word
		copy(w[8:], p[i*24:(i+1)*24])
		return w
	}

	return limb(0), limb(1), limb(2), limb(3)
}

// quantityWord right-aligns a uint64 in a 32-byte word.
func quantityWord(v uint64) word {
	var w word
	for i := 0; i < 8; i++ {
		w[31-i] = byte(v >> (8 * i))
	}

	return w
}

// hexData renders calldata as a 0x-prefixed hex string for JSON-RPC.
func hexData(data []byte) string {
	return "0x" + hex.EncodeToString(data)
}
