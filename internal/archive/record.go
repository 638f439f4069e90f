package archive

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
)

// Index record table slots. The record is a single flatbuffers table so
// entries read back zero-copy from Pebble values.
const (
	slotObjectName  = 0
	slotSize        = 1
	slotStoredAt    = 2
	slotOnRemote    = 3
	slotRef         = 4
	slotChecksums   = 5
	slotTxHash      = 6
	slotBlockNumber = 7

	recordSlots = 8
)

// encodeEntry serializes an Entry into a flatbuffers index record.
func encodeEntry(e *Entry) []byte {
	builder := flatbuffers.NewBuilder(512)

	nameOff := builder.CreateString(e.ObjectName)
	txOff := builder.CreateString(e.TxHash)
	refOff := builder.CreateByteVector(e.Ref[:])

	sums := make([]byte, 0, ChecksumCount*32)
	for _, sum := range e.Checksums {
		sums = append(sums, sum[:]...)
	}
	sumsOff := builder.CreateByteVector(sums)

	builder.StartObject(recordSlots)
	builder.PrependUOffsetTSlot(slotObjectName, nameOff, 0)
	builder.PrependUint64Slot(slotSize, e.Size, 0)
	builder.PrependInt64Slot(slotStoredAt, e.StoredAt, 0)
	builder.PrependBoolSlot(slotOnRemote, e.OnRemote, false)
	builder.PrependUOffsetTSlot(slotRef, refOff, 0)
	builder.PrependUOffsetTSlot(slotChecksums, sumsOff, 0)
	builder.PrependUOffsetTSlot(slotTxHash, txOff, 0)
	builder.PrependUint64Slot(slotBlockNumber, e.BlockNumber, 0)
	record := builder.EndObject()

	builder.Finish(record)

	return builder.FinishedBytes()
}

// decodeEntry parses a flatbuffers index record back into an Entry.
func decodeEntry(buf []byte) (*Entry, error) {
	if len(buf) < flatbuffers.SizeUOffsetT {
		return nil, fmt.Errorf("index record too short: %d bytes", len(buf))
	}

	tab := &flatbuffers.Table{Bytes: buf, Pos: flatbuffers.GetUOffsetT(buf)}

	e := &Entry{
		ObjectName:  string(tableBytes(tab, slotObjectName)),
		Size:        tableUint64(tab, slotSize),
		StoredAt:    tableInt64(tab, slotStoredAt),
		OnRemote:    tableBool(tab, slotOnRemote),
		TxHash:      string(tableBytes(tab, slotTxHash)),
		BlockNumber: tableUint64(tab, slotBlockNumber),
	}

	ref := tableBytes(tab, slotRef)
	if len(ref) != 32 {
		return nil, fmt.Errorf("index record ref is %d bytes, want 32", len(ref))
	}
	copy(e.Ref[:], ref)

	sums := tableBytes(tab, slotChecksums)
	if len(sums) != ChecksumCount*32 {
		return nil, fmt.Errorf("index record has %d checksum bytes, want %d", len(sums), ChecksumCount*32)
	}
	for i := range e.Checksums {
		copy(e.Checksums[i][:], sums[i*32:(i+1)*32])
	}

	return e, nil
}

// vtableOffset maps a table slot to its vtable offset.
func vtableOffset(slot int) flatbuffers.VOffsetT {
	return flatbuffers.VOffsetT(4 + 2*slot)
}

// tableBytes reads a string or byte-vector slot.
func tableBytes(tab *flatbuffers.Table, slot int) []byte {
	o := flatbuffers.UOffsetT(tab.Offset(vtableOffset(slot)))
	if o == 0 {
		return nil
	}

	return tab.ByteVector(o + tab.Pos)
}

// tableUint64 reads a uint64 slot.
func tableUint64(tab *flatbuffers.Table, slot int) uint64 {
	o := flatbuffers.UOffsetT(tab.Offset(vtableOffset(slot)))
	if o == 0 {
		return 0
	}

	return tab.GetUint64(o + tab.Pos)
}

// tableInt64 reads an int64 slot.
func tableInt64(tab *flatbuffers.Table, slot int) int64 {
	o := flatbuffers.UOffsetT(tab.Offset(vtableOffset(slot)))
	if o == 0 {
		return 0
	}

	return tab.GetInt64(o + tab.Pos)
}

// tableBool reads a bool slot.
func tableBool(tab *flatbuffers.Table, slot int) bool {
	o := flatbuffers.UOffsetT(tab.Offset(vtableOffset(slot)))
	if o == 0 {
		return false
	}

	return tab.GetBool(o + tab.Pos)
}
