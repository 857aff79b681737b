package blockstore

import (
	"encoding/binary"
	"fmt"

	"github.com/edsrzf/mmap-go"

	"github.com/shardstore/shardstore/pkg/util/log"
)

const metadataMagic uint32 = 0x6d657461 // "meta"

// metadataRecordSize is one packed clean-entry record: {used, oid.Inode,
// oid.Stripe, version}.
const metadataRecordSize = 1 + 8 + 8 + 8

// metadataHeaderSize is {magic, version, blockSize, blockCount}.
const metadataHeaderSize = 4 + 4 + 4 + 8

// MetadataStore is the packed array of clean entries indexed by the
// data-device block number they occupy (spec §3, §6). It is memory
// mapped so individual records can be updated in place without
// rewriting the whole area; Sync() msyncs the dirty pages, giving the
// sector-at-a-time durability spec §3 describes.
type MetadataStore struct {
	mm         mmap.MMap
	blockSize  uint32
	blockCount uint64
}

// OpenMetadataStore maps path, initializing the header if it looks
// unformatted.
func OpenMetadataStore(dev *Device, blockSize uint32, blockCount uint64) (*MetadataStore, error) {
	need := int64(metadataHeaderSize) + int64(blockCount)*metadataRecordSize
	if dev.Size() < need {
		return nil, fmt.Errorf("metadata: device too small for %d blocks", blockCount)
	}
	mm, err := mmap.MapRegion(dev.file, int(need), mmap.RDWR, 0, dev.baseOffset)
	if err != nil {
		return nil, newErr("metadata.open", KindDeviceIO, err)
	}
	ms := &MetadataStore{mm: mm, blockSize: blockSize, blockCount: blockCount}
	if binary.LittleEndian.Uint32(mm[0:4]) != metadataMagic {
		ms.writeHeader()
	}
	return ms, nil
}

func (ms *MetadataStore) writeHeader() {
	binary.LittleEndian.PutUint32(ms.mm[0:4], metadataMagic)
	binary.LittleEndian.PutUint32(ms.mm[4:8], 1)
	binary.LittleEndian.PutUint32(ms.mm[8:12], ms.blockSize)
	binary.LittleEndian.PutUint64(ms.mm[12:20], ms.blockCount)
}

func (ms *MetadataStore) recordOffset(block uint64) int64 {
	return int64(metadataHeaderSize) + int64(block)*metadataRecordSize
}

// WriteRecord persists one clean entry at its block-number slot. Called
// during stabilize; the caller batches several WriteRecord calls and
// issues a single Sync() for the batch (spec §4.4).
func (ms *MetadataStore) WriteRecord(block uint64, entry *CleanEntry) {
	off := ms.recordOffset(block)
	rec := ms.mm[off : off+metadataRecordSize]
	rec[0] = 1
	binary.LittleEndian.PutUint64(rec[1:9], entry.Oid.Inode)
	binary.LittleEndian.PutUint64(rec[9:17], entry.Oid.Stripe)
	binary.LittleEndian.PutUint64(rec[17:25], entry.Version)
}

// ClearRecord marks a block-number slot free, when its clean entry is
// superseded and the block is reclaimed by the allocator.
func (ms *MetadataStore) ClearRecord(block uint64) {
	off := ms.recordOffset(block)
	ms.mm[off] = 0
}

func (ms *MetadataStore) Sync() error {
	if err := ms.mm.Flush(); err != nil {
		return newErr("metadata.sync", KindDeviceIO, err)
	}
	return nil
}

func (ms *MetadataStore) Close() error { return ms.mm.Unmap() }

// LoadCleanIndex scans every record, rebuilding the in-memory clean
// index (keyed by oid) used after a crash, per testable property 5.
func (ms *MetadataStore) LoadCleanIndex() map[Oid]*CleanEntry {
	out := make(map[Oid]*CleanEntry)
	for block := uint64(0); block < ms.blockCount; block++ {
		off := ms.recordOffset(block)
		rec := ms.mm[off : off+metadataRecordSize]
		if rec[0] == 0 {
			continue
		}
		entry := &CleanEntry{
			Oid: Oid{
				Inode:  binary.LittleEndian.Uint64(rec[1:9]),
				Stripe: binary.LittleEndian.Uint64(rec[9:17]),
			},
			Version:  binary.LittleEndian.Uint64(rec[17:25]),
			Location: block,
		}
		if prev, ok := out[entry.Oid]; ok {
			log.LogWarnf("metadata: duplicate clean entry for %s at blocks %d,%d, keeping newer version", entry.Oid, prev.Location, block)
			if prev.Version >= entry.Version {
				continue
			}
		}
		out[entry.Oid] = entry
	}
	return out
}
