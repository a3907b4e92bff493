package storage

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"sort"

	"github.com/snowingwolf/waveflow/internal/errs"
)

// ComputeWatchSignature hashes (path, size, mtime) triples for a declared
// list of external input files, producing the value stored under metadata's
// reserved watch_signature key.
func ComputeWatchSignature(paths []string) (string, error) {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	h := sha1.New()
	for _, p := range sorted {
		info, err := os.Stat(p)
		if err != nil {
			return "", errs.Wrap(errs.IOError, "stating watched path "+p, err)
		}
		fmt.Fprintf(h, "%s|%d|%d\n", p, info.Size(), info.ModTime().UnixNano())
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
