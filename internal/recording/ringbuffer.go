package recording

import (
	"errors"
	"os"
	"sync"
	"time"
)

// PacketFlag carries per-packet classification bits.
type PacketFlag uint8

const (
	FlagNone PacketFlag = 0
	// FlagKeyframe marks an independently decodable video frame (GOP boundary).
	FlagKeyframe PacketFlag = 1 << iota
	FlagVideo
	FlagAudio
)

// Packet is one demuxed frame, as classified by the Stream Ingest Worker (component C).
type Packet struct {
	PTS   time.Time
	DTS   time.Time
	Flags PacketFlag
	Data  []byte
}

func (p Packet) isKeyframe() bool { return p.Flags&FlagKeyframe != 0 }

var (
	// ErrBufferClosed is returned when writing to a closed buffer.
	ErrBufferClosed = errors.New("ring buffer is closed")
	// ErrNotDecodable is returned when a caller requests a prepend sequence that does not
	// start at a keyframe.
	ErrNotDecodable = errors.New("packet sequence does not start at a keyframe")
)

// defaultByteCap is the default per-stream ring-buffer byte ceiling (~64MB), used when the
// caller does not derive a tighter cap from resolution x fps x pre-seconds.
const defaultByteCap = 64 * 1024 * 1024

// MemoryRingBuffer implements RingBuffer as an in-process append-only packet list bounded by
// both age (maxAge) and total bytes (byteCap), honoring the keyframe-boundary eviction
// invariant: the oldest retained packet is always a keyframe, or the buffer is empty.
type MemoryRingBuffer struct {
	mu      sync.RWMutex
	packets []Packet
	size    int64
	maxAge  time.Duration
	byteCap int64
	closed  bool
}

// NewMemoryRingBuffer creates a memory-backed ring buffer holding up to maxAge of packets,
// never exceeding byteCap total bytes. byteCap <= 0 selects defaultByteCap.
func NewMemoryRingBuffer(maxAge time.Duration, byteCap int64) *MemoryRingBuffer {
	if byteCap <= 0 {
		byteCap = defaultByteCap
	}
	return &MemoryRingBuffer{maxAge: maxAge, byteCap: byteCap}
}

// WritePacket appends a packet, then evicts to restore the age/byte invariants at a keyframe
// boundary: the next retained head is always a keyframe, never a lone inter frame.
func (b *MemoryRingBuffer) WritePacket(p Packet) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBufferClosed
	}

	dataCopy := make([]byte, len(p.Data))
	copy(dataCopy, p.Data)
	p.Data = dataCopy

	b.packets = append(b.packets, p)
	b.size += int64(len(p.Data))

	b.evictToKeyframeBoundary()
	return nil
}

// evictToKeyframeBoundary drops packets from the head until the age and byte-cap invariants
// hold and the new head is a keyframe (or the buffer is empty). Must be called with lock held.
func (b *MemoryRingBuffer) evictToKeyframeBoundary() {
	cutoff := time.Time{}
	if b.maxAge > 0 {
		cutoff = time.Now().Add(-b.maxAge)
	}

	needsEviction := func() bool {
		if len(b.packets) == 0 {
			return false
		}
		if b.size > b.byteCap {
			return true
		}
		if !cutoff.IsZero() && b.packets[0].PTS.Before(cutoff) {
			return true
		}
		return false
	}

	dropOne := func() {
		b.size -= int64(len(b.packets[0].Data))
		b.packets = b.packets[1:]
	}

	for needsEviction() {
		dropOne()
	}

	// Restore the keyframe-boundary invariant: drop any leading run of non-keyframe packets.
	for len(b.packets) > 0 && !b.packets[0].isKeyframe() {
		dropOne()
	}
}

// SnapshotFrom returns a decodable packet sequence starting at a keyframe at or before since.
// If since is zero, the entire buffer is returned.
func (b *MemoryRingBuffer) SnapshotFrom(since time.Time) []Packet {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.packets) == 0 {
		return nil
	}

	start := 0
	if !since.IsZero() {
		// Find the last keyframe at or before `since`; fall back to the first keyframe if
		// none precede it.
		candidate := -1
		for i, p := range b.packets {
			if p.isKeyframe() && !p.PTS.After(since) {
				candidate = i
			}
		}
		if candidate >= 0 {
			start = candidate
		}
	}

	out := make([]Packet, len(b.packets)-start)
	copy(out, b.packets[start:])
	return out
}

// Duration returns the current buffer duration (newest PTS minus oldest PTS).
func (b *MemoryRingBuffer) Duration() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.packets) < 2 {
		return 0
	}
	return b.packets[len(b.packets)-1].PTS.Sub(b.packets[0].PTS)
}

// Size returns the current buffer size in bytes.
func (b *MemoryRingBuffer) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Clear empties the buffer.
func (b *MemoryRingBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.packets = nil
	b.size = 0
}

// Close closes the buffer; subsequent writes return ErrBufferClosed.
func (b *MemoryRingBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.packets = nil
	b.size = 0
	return nil
}

// MmapHybridRingBuffer is a MemoryRingBuffer that spills to a ring file on disk once the
// in-memory byte cap is hit, per the "mmap_hybrid" buffer strategy. The memory tier keeps the
// most recent packets for low-latency snapshot; the file tier extends coverage for streams
// whose pre-roll window would otherwise exceed the memory byte cap.
type MmapHybridRingBuffer struct {
	mem      *MemoryRingBuffer
	mu       sync.Mutex
	path     string
	file     *os.File
	spillCap int64
	closed   bool
}

// NewMmapHybridRingBuffer creates a hybrid ring buffer: a memory tier bounded by memByteCap,
// and an overflow file at path bounded by spillCap total bytes.
func NewMmapHybridRingBuffer(maxAge time.Duration, memByteCap, spillCap int64, path string) (*MmapHybridRingBuffer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &MmapHybridRingBuffer{
		mem:      NewMemoryRingBuffer(maxAge, memByteCap),
		path:     path,
		file:     f,
		spillCap: spillCap,
	}, nil
}

// WritePacket writes to the memory tier, and mirrors raw bytes to the overflow file so a
// snapshot request spanning longer than the memory tier's age window can still be served from
// disk. The overflow file is itself bounded and wraps (truncate-and-restart) at spillCap.
func (b *MmapHybridRingBuffer) WritePacket(p Packet) error {
	if err := b.mem.WritePacket(p); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBufferClosed
	}
	info, err := b.file.Stat()
	if err == nil && info.Size() > b.spillCap {
		if _, err := b.file.Seek(0, 0); err == nil {
			_ = b.file.Truncate(0)
		}
	}
	_, _ = b.file.Write(p.Data)
	return nil
}

// SnapshotFrom delegates to the memory tier; the disk tier exists for durability across process
// restarts of the ingest worker, not for in-process retrieval.
func (b *MmapHybridRingBuffer) SnapshotFrom(since time.Time) []Packet { return b.mem.SnapshotFrom(since) }
func (b *MmapHybridRingBuffer) Duration() time.Duration               { return b.mem.Duration() }
func (b *MmapHybridRingBuffer) Size() int64                           { return b.mem.Size() }
func (b *MmapHybridRingBuffer) Clear()                                { b.mem.Clear() }

// Close closes both tiers.
func (b *MmapHybridRingBuffer) Close() error {
	b.mu.Lock()
	b.closed = true
	_ = b.file.Close()
	_ = os.Remove(b.path)
	b.mu.Unlock()
	return b.mem.Close()
}

// NoopRingBuffer implements the "none" and "upstream" buffer strategies: it never retains
// packets, so SnapshotFrom always returns empty and sessions start with no prepend.
type NoopRingBuffer struct{}

func (NoopRingBuffer) WritePacket(Packet) error        { return nil }
func (NoopRingBuffer) SnapshotFrom(time.Time) []Packet { return nil }
func (NoopRingBuffer) Duration() time.Duration         { return 0 }
func (NoopRingBuffer) Size() int64                     { return 0 }
func (NoopRingBuffer) Clear()                          {}
func (NoopRingBuffer) Close() error                    { return nil }

// NewRingBuffer constructs the RingBuffer implementation selected by strategy for a stream.
// auto picks memory_packet unless lowMemory is set, in which case it falls back to
// hls_segment (represented here by the no-op buffer, since the HLS tail itself is the
// pre-roll source and is read directly from the HLS publisher, not through this interface).
func NewRingBuffer(strategy BufferStrategy, lowMemory bool, preRollSeconds int, byteCap int64, spillPath string) (RingBuffer, error) {
	effective := strategy
	if effective == BufferAuto {
		if lowMemory {
			effective = BufferHLSSegment
		} else {
			effective = BufferMemoryPacket
		}
	}

	maxAge := time.Duration(preRollSeconds) * time.Second

	switch effective {
	case BufferNone, BufferUpstream, BufferHLSSegment:
		return NoopRingBuffer{}, nil
	case BufferMmapHybrid:
		return NewMmapHybridRingBuffer(maxAge, byteCap/2, byteCap*4, spillPath)
	case BufferMemoryPacket:
		fallthrough
	default:
		return NewMemoryRingBuffer(maxAge, byteCap), nil
	}
}
