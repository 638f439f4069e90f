package chain

import (
	"bytes"
	"testing"

	"github.com/Sneekyboots/verisafe/internal/prover"
)

// sequentialBlob builds a 192-byte proof blob with recognizable content.
func sequentialBlob() []byte {
	blob := make([]byte, 192)
	for i := range blob {
		blob[i] = byte(i)
	}
	return blob
}

func TestEncodeSubmitCallLayout(t *testing.T) {
	signals := prover.Signals{
		Commitment: [32]byte{0xCC, 0x01},
		PriceFixed: 35_025_000_000,
		Timestamp:  1_700_000_000,
	}
	archiveRef := [32]byte{0xAB, 0xCD}

	blob := sequentialBlob()

	data, err := EncodeSubmitCall(signals, blob, archiveRef)
	if err != nil {
		t.Fatalf("EncodeSubmitCall failed: %v", err)
	}

	if len(data) != 4+calldataWords*32 {
		t.Fatalf("calldata length = %d, want %d", len(data), 4+calldataWords*32)
	}

	if !bytes.Equal(data[:4], submitSelector[:]) {
		t.Errorf("selector = %x, want %x", data[:4], submitSelector)
	}

	wordAt := func(i int) []byte {
		return data[4+i*32 : 4+(i+1)*32]
	}

	// price and timestamp right-aligned.
	price := quantityWord(signals.PriceFixed)
	if !bytes.Equal(wordAt(0), price[:]) {
		t.Errorf("word 0 = %x, want price word", wordAt(0))
	}

	if !bytes.Equal(wordAt(2), signals.Commitment[:]) {
		t.Errorf("word 2 = %x, want commitment", wordAt(2))
	}

	// proofPart1: the first G1 element split head/tail.
	if !bytes.Equal(wordAt(3), blob[0:32]) {
		t.Errorf("word 3 = %x, want A head", wordAt(3))
	}
	if !bytes.Equal(wordAt(4)[16:], blob[32:48]) {
		t.Errorf("word 4 tail = %x, want A tail", wordAt(4)[16:])
	}

	if !bytes.Equal(wordAt(11), archiveRef[:]) {
		t.Errorf("word 11 = %x, want archive ref", wordAt(11))
	}
}

func TestEncodeSubmitCallG2Swap(t *testing.T) {
	signals := prover.Signals{PriceFixed: 1, Timestamp: 1}
	blob := sequentialBlob()

	data, err := EncodeSubmitCall(signals, blob, [32]byte{})
	if err != nil {
		t.Fatalf("EncodeSubmitCall failed: %v", err)
	}

	wordAt := func(i int) []byte {
		return data[4+i*32 : 4+(i+1)*32]
	}

	// Native limb order in the blob is b0,b1,b2,b3 at 24-byte strides
	// from offset 48. On the wire each coordinate pair is swapped:
	// [[b1, b0], [b3, b2]].
	b := func(i int) []byte {
		return blob[48+i*24 : 48+(i+1)*24]
	}

	if !bytes.Equal(wordAt(5)[8:], b(1)) {
		t.Errorf("word 5 = %x, want limb b1 (swapped order)", wordAt(5)[8:])
	}
	if !bytes.Equal(wordAt(6)[8:], b(0)) {
		t.Errorf("word 6 = %x, want limb b0 (swapped order)", wordAt(6)[8:])
	}
	if !bytes.Equal(wordAt(7)[8:], b(3)) {
		t.Errorf("word 7 = %x, want limb b3 (swapped order)", wordAt(7)[8:])
	}
	if !bytes.Equal(wordAt(8)[8:], b(2)) {
		t.Errorf("word 8 = %x, want limb b2 (swapped order)", wordAt(8)[8:])
	}
}

func TestEncodeSubmitCallRejectsBadBlob(t *testing.T) {
	if _, err := EncodeSubmitCall(prover.Signals{}, make([]byte, 100), [32]byte{}); err == nil {
		t.Error("EncodeSubmitCall accepted a short proof blob")
	}
}

func TestQuantityWord(t *testing.T) {
	w := quantityWord(0x0102030405060708)

	for i := 0; i < 24; i++ {
		if w[i] != 0 {
			t.Fatalf("leading byte %d = %x, want 0", i, w[i])
		}
	}

	if !bytes.Equal(w[24:], []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("tail = %x, want 0102030405060708", w[24:])
	}
}
