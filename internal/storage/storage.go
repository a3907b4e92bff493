// Package storage implements the content-addressed artifact store: binary
// data files memory-mapped for read, paired JSON metadata, atomic
// write-then-rename, and advisory-locked concurrent-writer protection.
package storage

import (
	"bufio"
	"compress/gzip"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/snowingwolf/waveflow/internal/errs"
)

const (
	// CurrentStorageVersion is validated against every artifact's metadata
	// on load; a mismatch is CacheCorrupt.
	CurrentStorageVersion = 1

	minBufferedWriteSize = 4 * 1024 * 1024 // 4 MiB, per spec.md's save_stream buffer floor

	lockPollMin = time.Millisecond
	lockPollMax = 100 * time.Millisecond
)

// Codec names a compression scheme applied to the raw data bytes before
// they are written to disk.
type Codec string

const (
	CodecNone   Codec = ""
	CodecZstd   Codec = "zstd"
	CodecLZ4    Codec = "lz4"
	CodecGzip   Codec = "gzip"
	CodecBlosc2 Codec = "blosc2" // recognized, never produced or read: see DESIGN.md
)

// ChecksumAlgorithm names a digest algorithm recorded alongside an
// artifact's compressed bytes.
type ChecksumAlgorithm string

const (
	ChecksumNone    ChecksumAlgorithm = ""
	ChecksumXXHash64 ChecksumAlgorithm = "xxhash64"
	ChecksumSHA256  ChecksumAlgorithm = "sha256"
	ChecksumMD5     ChecksumAlgorithm = "md5"
)

// Compression records the codec and parameters applied to an artifact.
type Compression struct {
	Codec  Codec             `json:"codec,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

// Checksum records the digest algorithm and hex value for an artifact's
// on-disk (possibly compressed) bytes.
type Checksum struct {
	Algorithm ChecksumAlgorithm `json:"algorithm"`
	Value     string            `json:"value"`
}

// Metadata is the JSON sidecar persisted next to every artifact.
type Metadata struct {
	StorageVersion int                    `json:"storage_version"`
	DtypeDescr     interface{}            `json:"dtype_descr"`
	Count          int64                  `json:"count"`
	Lineage        map[string]interface{} `json:"lineage"`
	PluginVersion  string                 `json:"plugin_version"`
	WatchSignature string                 `json:"watch_signature,omitempty"`
	Checksum       *Checksum              `json:"checksum,omitempty"`
	Compression    *Compression           `json:"compression,omitempty"`
	RecordSize     int64                  `json:"record_size,omitempty"`
	TimeUnit       string                 `json:"time_unit,omitempty"`
}

// Store is the content-addressed artifact store rooted at Root.
type Store struct {
	Root string

	// LockTimeout bounds how long Save and SaveStream wait to acquire an
	// advisory lock before failing with StorageBusy (Load takes no lock).
	// Defaults to 10s.
	LockTimeout time.Duration
}

// NewStore constructs a Store rooted at root, creating it if absent.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.Wrap(errs.IOError, "creating storage root", err)
	}
	return &Store{Root: root, LockTimeout: 10 * time.Second}, nil
}

func (s *Store) paths(key string) (bin, meta, lock, tmp, metaTmp string) {
	base := filepath.Join(s.Root, key)
	return base + ".bin", base + ".json", base + ".lock", base + ".tmp", base + ".json.tmp"
}

// Exists reports whether key has a complete, structurally valid artifact.
func (s *Store) Exists(key string) bool {
	bin, meta, _, _, _ := s.paths(key)
	m, err := s.readMetadata(meta)
	if err != nil {
		return false
	}
	info, err := os.Stat(bin)
	if err != nil {
		return false
	}
	if m.Compression == nil || m.Compression.Codec == CodecNone {
		if m.RecordSize > 0 && info.Size() != m.Count*m.RecordSize {
			return false
		}
	}
	return true
}

// Save writes data atomically under key along with its metadata, taking an
// exclusive advisory lock on {key}.lock for the duration.
func (s *Store) Save(key string, data []byte, dtypeDescr interface{}, meta Metadata) error {
	bin, metaPath, lockPath, tmp, metaTmp := s.paths(key)

	if err := os.MkdirAll(filepath.Dir(bin), 0o755); err != nil {
		return errs.Wrap(errs.IOError, "creating artifact directory", err)
	}

	unlock, err := s.acquireLock(lockPath)
	if err != nil {
		return err
	}
	defer unlock()

	payload := data
	if meta.Compression != nil && meta.Compression.Codec != CodecNone {
		payload, err = compress(meta.Compression.Codec, data)
		if err != nil {
			os.Remove(tmp)
			return err
		}
	}

	if err := writeFileAtomic(tmp, bin, payload); err != nil {
		return err
	}

	meta.StorageVersion = CurrentStorageVersion
	meta.DtypeDescr = dtypeDescr
	meta.Count = meta.Count
	if meta.Checksum != nil && meta.Checksum.Algorithm != ChecksumNone {
		meta.Checksum.Value = checksum(meta.Checksum.Algorithm, payload)
	}

	metaBytes, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return errs.Wrap(errs.IOError, "marshaling metadata", err)
	}

	if err := writeFileAtomic(metaTmp, metaPath, metaBytes); err != nil {
		os.Remove(bin)
		return err
	}

	return nil
}

// StreamWriter incrementally appends chunk payloads to a single artifact
// via a ≥4MiB buffered writer, finalizing metadata (with the final record
// count) when Close is called. Grounded on the teacher's
// worker.BatchProcessor size-triggered flush, generalized to a byte-count
// trigger over a raw file handle instead of a generic item slice.
type StreamWriter struct {
	store   *Store
	key     string
	dtype   interface{}
	unlock  func()
	file    *os.File
	writer  *bufio.Writer
	count   int64
	recSize int64
	bin     string
	metaTmp string
	metaPath string
	tmp     string
	closed  bool
}

// SaveStream opens a StreamWriter for key. recordSize is the fixed size in
// bytes of one record (0 for variable-size payloads, in which case Count
// reflects appended chunk count rather than record count).
func (s *Store) SaveStream(key string, dtypeDescr interface{}, recordSize int64) (*StreamWriter, error) {
	bin, metaPath, lockPath, tmp, metaTmp := s.paths(key)

	if err := os.MkdirAll(filepath.Dir(bin), 0o755); err != nil {
		return nil, errs.Wrap(errs.IOError, "creating artifact directory", err)
	}

	unlock, err := s.acquireLock(lockPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Create(tmp)
	if err != nil {
		unlock()
		return nil, errs.Wrap(errs.IOError, "creating temp artifact", err)
	}

	return &StreamWriter{
		store:    s,
		key:      key,
		dtype:    dtypeDescr,
		unlock:   unlock,
		file:     f,
		writer:   bufio.NewWriterSize(f, minBufferedWriteSize),
		recSize:  recordSize,
		bin:      bin,
		metaPath: metaPath,
		metaTmp:  metaTmp,
		tmp:      tmp,
	}, nil
}

// WriteChunk appends one chunk's raw bytes. Arrays larger than the internal
// buffer bypass it (written directly to the underlying file), per spec.
func (w *StreamWriter) WriteChunk(data []byte, recordCount int64) error {
	if len(data) >= minBufferedWriteSize {
		if err := w.writer.Flush(); err != nil {
			return errs.Wrap(errs.IOError, "flushing before large chunk write", err)
		}
		if _, err := w.file.Write(data); err != nil {
			return errs.Wrap(errs.IOError, "writing large chunk", err)
		}
	} else {
		if _, err := w.writer.Write(data); err != nil {
			return errs.Wrap(errs.IOError, "buffering chunk", err)
		}
	}
	w.count += recordCount
	return nil
}

// Abort discards the in-progress artifact, removing the temp file and
// releasing the lock, used when the producing iterator is only partially
// consumed.
func (w *StreamWriter) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.file.Close()
	os.Remove(w.tmp)
	w.unlock()
}

// Close finalizes the artifact: flushes, renames into place, and writes
// metadata with the accumulated record count.
func (w *StreamWriter) Close(meta Metadata) error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.unlock()

	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		os.Remove(w.tmp)
		return errs.Wrap(errs.IOError, "flushing stream writer", err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.tmp)
		return errs.Wrap(errs.IOError, "closing stream file", err)
	}
	if err := os.Rename(w.tmp, w.bin); err != nil {
		os.Remove(w.tmp)
		return errs.Wrap(errs.IOError, "renaming stream artifact", err)
	}

	meta.StorageVersion = CurrentStorageVersion
	meta.DtypeDescr = w.dtype
	meta.Count = w.count
	meta.RecordSize = w.recSize

	metaBytes, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return errs.Wrap(errs.IOError, "marshaling stream metadata", err)
	}
	return writeFileAtomic(w.metaTmp, w.metaPath, metaBytes)
}

// ArrayView is a read-only view over a loaded artifact: either a
// memory-mapped region backing the raw file (uncompressed case) or a heap
// buffer populated by decompression.
type ArrayView struct {
	Bytes    []byte
	mmapped  bool
	closeFn  func() error
}

// Close releases any mmap backing this view. Safe to call on heap-backed
// views (no-op).
func (v *ArrayView) Close() error {
	if v.closeFn != nil {
		return v.closeFn()
	}
	return nil
}

// Load memory-maps (or decompresses into a heap buffer) the binary file for
// key, validating size and metadata against expectations.
func (s *Store) Load(key string) (*ArrayView, *Metadata, error) {
	bin, metaPath, _, _, _ := s.paths(key)

	meta, err := s.readMetadata(metaPath)
	if err != nil {
		return nil, nil, errs.Wrap(errs.CacheCorrupt, "reading metadata", err)
	}
	if meta.StorageVersion != CurrentStorageVersion {
		return nil, nil, errs.New(errs.CacheCorrupt, fmt.Sprintf("storage_version mismatch: have %d want %d", meta.StorageVersion, CurrentStorageVersion))
	}
	if meta.Compression != nil && meta.Compression.Codec == CodecBlosc2 {
		return nil, nil, errs.New(errs.CacheCorrupt, "blosc2 codec is not supported by this implementation")
	}

	f, err := os.Open(bin)
	if err != nil {
		return nil, nil, errs.Wrap(errs.CacheCorrupt, "opening artifact", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, errs.Wrap(errs.CacheCorrupt, "stating artifact", err)
	}

	if meta.Compression == nil || meta.Compression.Codec == CodecNone {
		if meta.RecordSize > 0 && info.Size() != meta.Count*meta.RecordSize {
			return nil, nil, errs.New(errs.CacheCorrupt, fmt.Sprintf("size mismatch: file=%d expected=%d", info.Size(), meta.Count*meta.RecordSize))
		}

		mapped, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			return nil, nil, errs.Wrap(errs.CacheCorrupt, "mmap", err)
		}
		view := &ArrayView{Bytes: mapped, mmapped: true, closeFn: func() error { return unix.Munmap(mapped) }}
		return view, meta, nil
	}

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, errs.Wrap(errs.CacheCorrupt, "reading compressed artifact", err)
	}
	decompressed, err := decompress(meta.Compression.Codec, raw)
	if err != nil {
		return nil, nil, errs.Wrap(errs.CacheCorrupt, "decompressing artifact", err)
	}
	if meta.RecordSize > 0 && int64(len(decompressed)) != meta.Count*meta.RecordSize {
		return nil, nil, errs.New(errs.CacheCorrupt, "size mismatch after decompression")
	}
	return &ArrayView{Bytes: decompressed}, meta, nil
}

// LoadMetadata reads and parses key's metadata file without touching the
// binary data.
func (s *Store) LoadMetadata(key string) (*Metadata, error) {
	_, metaPath, _, _, _ := s.paths(key)
	return s.readMetadata(metaPath)
}

func (s *Store) readMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing metadata: %w", err)
	}
	return &m, nil
}

// Delete removes every file associated with key (.bin, .json, .lock, .tmp).
func (s *Store) Delete(key string) error {
	bin, meta, lock, tmp, metaTmp := s.paths(key)
	for _, p := range []string{bin, meta, lock, tmp, metaTmp} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errs.Wrap(errs.IOError, "deleting artifact file "+p, err)
		}
	}
	return nil
}

// ListKeys enumerates the artifact names cached under runID.
func (s *Store) ListKeys(runID string) ([]string, error) {
	cacheDir := filepath.Join(s.Root, runID, "_cache")
	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.IOError, "listing cache directory", err)
	}

	seen := make(map[string]bool)
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".bin") {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), ".bin")
		idx := strings.LastIndex(stem, "-")
		if idx < 0 {
			continue
		}
		name := stem[:idx]
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names, nil
}

// SideEffectDir returns (creating if needed) the isolated directory for
// pluginName's side-effect outputs under runID.
func (s *Store) SideEffectDir(runID, pluginName string) (string, error) {
	dir := filepath.Join(s.Root, "_side_effects", runID, pluginName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errs.Wrap(errs.IOError, "creating side-effect directory", err)
	}
	return dir, nil
}

func writeFileAtomic(tmpPath, finalPath string, data []byte) error {
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return errs.Wrap(errs.IOError, "writing temp file "+tmpPath, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.IOError, "renaming into place "+finalPath, err)
	}
	return nil
}

// acquireLock takes an exclusive, non-blocking flock on path with
// exponential backoff up to s.LockTimeout. While waiting it probes the pid
// recorded in the lock file (see reclaimStale), which never takes the lock
// over. It returns a release function that
// must be called on every exit path, including errors.
func (s *Store) acquireLock(path string) (func(), error) {
	timeout := s.LockTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.IOError, "opening lock file", err)
	}

	deadline := time.Now().Add(timeout)
	wait := lockPollMin
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if err != syscall.EWOULDBLOCK {
			f.Close()
			return nil, errs.Wrap(errs.IOError, "flock", err)
		}

		if reclaimStale(f) {
			continue
		}

		if time.Now().After(deadline) {
			f.Close()
			return nil, errs.New(errs.StorageBusy, "timed out acquiring lock on "+path)
		}
		time.Sleep(wait)
		wait *= 2
		if wait > lockPollMax {
			wait = lockPollMax
		}
	}

	f.Truncate(0)
	fmt.Fprintf(f, "%d", os.Getpid())

	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		os.Remove(path)
	}, nil
}

// reclaimStale checks whether the pid recorded in an already-locked file is
// still alive; if not, nothing can be done here to forcibly steal an
// OS-held flock (another live process would still hold the kernel lock),
// so this only helps when the lock file's writer died without releasing
// it cleanly, which the kernel already reflects by releasing the flock on
// process exit. It is therefore a conservative no-op placeholder that
// always returns false; kept to make the staleness-check intent explicit
// at the call site and to document why no action is taken.
func reclaimStale(f *os.File) bool {
	buf := make([]byte, 32)
	n, _ := f.ReadAt(buf, 0)
	if n == 0 {
		return false
	}
	var pid int
	fmt.Sscanf(string(buf[:n]), "%d", &pid)
	if pid <= 0 {
		return false
	}
	if err := syscall.Kill(pid, 0); err != nil {
		log.Debug().Int("pid", pid).Msg("stale lock owner process is gone; kernel flock releases on process exit")
	}
	return false
}

func compress(codec Codec, data []byte) ([]byte, error) {
	switch codec {
	case CodecZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, errs.Wrap(errs.IOError, "constructing zstd encoder", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	case CodecLZ4:
		var out strings.Builder
		w := lz4.NewWriter(&out)
		if _, err := w.Write(data); err != nil {
			return nil, errs.Wrap(errs.IOError, "lz4 compress", err)
		}
		if err := w.Close(); err != nil {
			return nil, errs.Wrap(errs.IOError, "lz4 close", err)
		}
		return []byte(out.String()), nil
	case CodecGzip:
		var out strings.Builder
		w := gzip.NewWriter(&out)
		if _, err := w.Write(data); err != nil {
			return nil, errs.Wrap(errs.IOError, "gzip compress", err)
		}
		if err := w.Close(); err != nil {
			return nil, errs.Wrap(errs.IOError, "gzip close", err)
		}
		return []byte(out.String()), nil
	case CodecBlosc2:
		return nil, errs.New(errs.CacheCorrupt, "blosc2 codec is not supported by this implementation")
	default:
		return data, nil
	}
}

func decompress(codec Codec, data []byte) ([]byte, error) {
	switch codec {
	case CodecZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	case CodecLZ4:
		r := lz4.NewReader(strings.NewReader(string(data)))
		return io.ReadAll(r)
	case CodecGzip:
		r, err := gzip.NewReader(strings.NewReader(string(data)))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return data, nil
	}
}

func checksum(alg ChecksumAlgorithm, data []byte) string {
	switch alg {
	case ChecksumXXHash64:
		sum := xxhash.Sum64(data)
		return fmt.Sprintf("%016x", sum)
	case ChecksumSHA256:
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:])
	case ChecksumMD5:
		sum := md5.Sum(data)
		return hex.EncodeToString(sum[:])
	default:
		return ""
	}
}
