package mixd

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Snapshot wire format, little-endian throughout:
//
//	header (32 bytes): version u32, generation u64, lastUpdate u64 (unix ms), reserved 12 bytes
//	sink section:      count u32, then per sink: nameLen u8, name, nodeID u32, volume f32, muted u8
//	app section:       count u32, then per app: nameLen u8, name, sinkNameLen u8, sinkName, active u8
//
// Readers load version then generation; an unchanged generation means no
// re-parse is needed. A short or garbled buffer decodes to ErrShortSnapshot
// and must be treated as a transient failure, never a fatal one
const (
	shmFormatVersion uint32 = 1
	shmHeaderSize           = 32
	shmMaxSize              = 64 * 1024

	// anything above this is an impossible entity count - a defect,
	// not a big session
	shmMaxEntities = 4096
)

var (
	ErrShortSnapshot   = errors.New("snapshot buffer truncated")
	ErrCorruptSnapshot = errors.New("snapshot buffer corrupt")
)

// EncodeSnapshot serializes a snapshot into the shared-memory wire format.
// Entries are written in sorted name order so equal snapshots encode
// byte-identically
func EncodeSnapshot(snap *Snapshot) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 4096))

	binary.Write(buf, binary.LittleEndian, shmFormatVersion)
	binary.Write(buf, binary.LittleEndian, snap.Generation)
	binary.Write(buf, binary.LittleEndian, uint64(snap.LastUpdate.UnixMilli()))
	buf.Write(make([]byte, 12)) // reserved

	sinkNames := make([]string, 0, len(snap.Sinks))
	for name := range snap.Sinks {
		sinkNames = append(sinkNames, name)
	}
	sort.Strings(sinkNames)

	binary.Write(buf, binary.LittleEndian, uint32(len(sinkNames)))
	for _, name := range sinkNames {
		sink := snap.Sinks[name]
		if err := writeShortString(buf, name); err != nil {
			return nil, err
		}
		binary.Write(buf, binary.LittleEndian, sink.NodeID)
		binary.Write(buf, binary.LittleEndian, math.Float32bits(sink.Volume))
		buf.WriteByte(boolByte(sink.Muted))
	}

	appNames := make([]string, 0, len(snap.Apps))
	for name := range snap.Apps {
		appNames = append(appNames, name)
	}
	sort.Strings(appNames)

	binary.Write(buf, binary.LittleEndian, uint32(len(appNames)))
	for _, name := range appNames {
		app := snap.Apps[name]
		if err := writeShortString(buf, name); err != nil {
			return nil, err
		}
		if err := writeShortString(buf, app.CurrentSink); err != nil {
			return nil, err
		}
		buf.WriteByte(boolByte(app.Active))
	}

	if buf.Len() > shmMaxSize {
		return nil, fmt.Errorf("encoded snapshot exceeds segment size: %d > %d", buf.Len(), shmMaxSize)
	}

	return buf.Bytes(), nil
}

// DecodeSnapshot parses the shared-memory wire format back into a snapshot.
// The canonical counterpart of EncodeSnapshot - the only two places that
// know the layout
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	r := &shmReader{data: data}

	version := r.uint32()
	generation := r.uint64()
	lastUpdate := r.uint64()
	r.skip(12)

	if r.err != nil {
		return nil, r.err
	}
	if version != shmFormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, version)
	}

	snap := &Snapshot{
		Sinks:      map[string]Sink{},
		Apps:       map[string]Application{},
		Generation: generation,
		LastUpdate: time.UnixMilli(int64(lastUpdate)),
	}

	sinkCount := r.uint32()
	if r.err == nil && sinkCount > shmMaxEntities {
		return nil, fmt.Errorf("%w: impossible sink count %d", ErrCorruptSnapshot, sinkCount)
	}
	for i := uint32(0); i < sinkCount && r.err == nil; i++ {
		name := r.shortString()
		nodeID := r.uint32()
		volume := math.Float32frombits(r.uint32())
		muted := r.byte() == 1

		snap.Sinks[name] = Sink{Name: name, NodeID: nodeID, Volume: volume, Muted: muted}
	}

	appCount := r.uint32()
	if r.err == nil && appCount > shmMaxEntities {
		return nil, fmt.Errorf("%w: impossible application count %d", ErrCorruptSnapshot, appCount)
	}
	for i := uint32(0); i < appCount && r.err == nil; i++ {
		name := r.shortString()
		sinkName := r.shortString()
		active := r.byte() == 1

		snap.Apps[name] = Application{
			Name:        name,
			DisplayName: DisplayNameFor(name),
			CurrentSink: sinkName,
			Active:      active,
		}
	}

	if r.err != nil {
		return nil, r.err
	}

	return snap, nil
}

func writeShortString(buf *bytes.Buffer, s string) error {
	if len(s) > 255 {
		return fmt.Errorf("string too long for wire format: %q", s)
	}

	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)

	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// shmReader is a cursor over the wire format that latches the first error
type shmReader struct {
	data []byte
	off  int
	err  error
}

func (r *shmReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.data) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d",
			ErrShortSnapshot, n, r.off, len(r.data))
		return nil
	}

	out := r.data[r.off : r.off+n]
	r.off += n

	return out
}

func (r *shmReader) skip(n int) { r.take(n) }

func (r *shmReader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *shmReader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *shmReader) uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *shmReader) shortString() string {
	n := int(r.byte())
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

// SharedMemoryWriter publishes cache snapshots into a per-user segment for
// zero-copy reads. Publication is atomic: the new segment content is written
// to a temp file in the same directory and renamed over the published path,
// so a reader either sees the previous complete record or the new one,
// never a partial write
type SharedMemoryWriter struct {
	logger *zap.SugaredLogger
	cache  *StateCache

	path     string
	lockPath string
	lockFile *os.File

	interval time.Duration
	events   <-chan Event

	started     bool
	stopChannel chan struct{}
	doneChannel chan struct{}

	publishedGeneration uint64
	lastWrite           time.Time
}

func NewSharedMemoryWriter(logger *zap.SugaredLogger, cache *StateCache, dir string, interval time.Duration) (*SharedMemoryWriter, error) {
	logger = logger.Named("shm")

	path := filepath.Join(dir, fmt.Sprintf("mixd-%d", os.Getuid()))
	lockPath := path + ".lock"

	// single-writer discipline: hold an exclusive flock for the process
	// lifetime so a second instance fails fast instead of clobbering
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment lock file: %w", err)
	}

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = lockFile.Close()
		return nil, fmt.Errorf("another instance holds the shared memory segment (%s): %w", lockPath, err)
	}

	w := &SharedMemoryWriter{
		logger:      logger,
		cache:       cache,
		path:        path,
		lockPath:    lockPath,
		lockFile:    lockFile,
		interval:    interval,
		events:      cache.Subscribe(),
		stopChannel: make(chan struct{}),
		doneChannel: make(chan struct{}),
	}

	logger.Debugw("Created shared memory writer instance", "path", path, "interval", interval)

	return w, nil
}

// Start publishes the initial snapshot and begins following cache events.
// Writes are coalesced to at most one per interval to bound write
// amplification under event storms
func (w *SharedMemoryWriter) Start() error {
	if err := w.publish(); err != nil {
		return fmt.Errorf("publish initial snapshot: %w", err)
	}

	w.started = true

	go func() {
		defer close(w.doneChannel)

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-w.stopChannel:
				return
			case <-w.events:
				if time.Since(w.lastWrite) >= w.interval {
					w.publishLogged()
				}
				// otherwise the next tick picks it up
			case <-ticker.C:
				if w.cache.Generation() != w.publishedGeneration {
					w.publishLogged()
				}
			}
		}
	}()

	return nil
}

// Stop flushes one final consistent snapshot, then releases the segment and
// lock so a fresh instance can start cleanly. Safe to call when Start
// failed: there is no publisher goroutine to wait for then
func (w *SharedMemoryWriter) Stop() {
	if w.started {
		close(w.stopChannel)
		<-w.doneChannel
	}

	if err := w.publish(); err != nil {
		w.logger.Warnw("Failed to flush final snapshot", "error", err)
	}

	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		w.logger.Warnw("Failed to remove shared memory segment", "error", err, "path", w.path)
	}

	_ = w.lockFile.Close()
	if err := os.Remove(w.lockPath); err != nil && !os.IsNotExist(err) {
		w.logger.Warnw("Failed to remove segment lock file", "error", err, "path", w.lockPath)
	}

	w.logger.Debug("Shared memory writer stopped")
}

func (w *SharedMemoryWriter) publishLogged() {
	if err := w.publish(); err != nil {
		w.logger.Errorw("Failed to publish snapshot to shared memory", "error", err)
	}
}

func (w *SharedMemoryWriter) publish() error {
	snap := w.cache.Snapshot()

	data, err := EncodeSnapshot(snap)
	if err != nil {
		// an unencodable snapshot is a defect; keep the last
		// known-good segment in place
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tmpPath := w.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot temp file: %w", err)
	}

	if err := os.Rename(tmpPath, w.path); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}

	w.publishedGeneration = snap.Generation
	w.lastWrite = time.Now()

	w.logger.Debugw("Published snapshot", "generation", snap.Generation, "bytes", len(data))

	return nil
}
