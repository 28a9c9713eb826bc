package snapshot

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

var ErrMalformedManifest = errors.New("malformed manifest")

// `Entry` describes one archived file: its slash-separated path relative to
// the source root, its size, and its content checksum.
type Entry struct {
	Path   string
	Size   int64
	Sha256 string
}

// `Manifest` is the ordered list of archived files.  The canonical encoding
// sorts entries by path and writes two lines per file:
//
//	size:<int>  <path>
//	sha256:<hex>  <path>
//
// The aggregate checksum of an archive is the sha256 of the canonical
// manifest body.
type Manifest struct {
	entries map[string]Entry
}

func NewManifest() *Manifest {
	return &Manifest{entries: make(map[string]Entry)}
}

func (mf *Manifest) Add(e Entry) {
	mf.entries[e.Path] = e
}

func (mf *Manifest) Len() int {
	return len(mf.entries)
}

func (mf *Manifest) Get(path string) (Entry, bool) {
	e, ok := mf.entries[path]
	return e, ok
}

// `Entries()` returns the entries sorted by path.
func (mf *Manifest) Entries() []Entry {
	es := make([]Entry, 0, len(mf.entries))
	for _, e := range mf.entries {
		es = append(es, e)
	}
	sort.Slice(es, func(i, k int) bool {
		return es[i].Path < es[k].Path
	})
	return es
}

func (mf *Manifest) WriteTo(w io.Writer) (int64, error) {
	var n int64
	for _, e := range mf.Entries() {
		m, err := fmt.Fprintf(w, "size:%d  %s\n", e.Size, e.Path)
		n += int64(m)
		if err != nil {
			return n, err
		}
		m, err = fmt.Fprintf(w, "sha256:%s  %s\n", e.Sha256, e.Path)
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// `Aggregate()` returns the hex sha256 of the canonical manifest body.
func (mf *Manifest) Aggregate() string {
	var buf bytes.Buffer
	_, _ = mf.WriteTo(&buf)
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// Line format as in `WriteTo()`: `<key> <colon> <value> <space> <space>
// <path>`.
func ReadManifest(r io.Reader) (*Manifest, error) {
	mf := NewManifest()
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 1024*1024)
	for s.Scan() {
		line := s.Text()
		if line == "" {
			continue
		}

		kv := strings.SplitN(line, "  ", 2)
		if len(kv) != 2 {
			return nil, ErrMalformedManifest
		}
		path := kv[1]
		keyVal := strings.SplitN(kv[0], ":", 2)
		if len(keyVal) != 2 {
			return nil, ErrMalformedManifest
		}

		e := mf.entries[path]
		e.Path = path
		switch keyVal[0] {
		case "size":
			size, err := strconv.ParseInt(keyVal[1], 10, 64)
			if err != nil {
				return nil, ErrMalformedManifest
			}
			e.Size = size
		case "sha256":
			e.Sha256 = keyVal[1]
		default:
			return nil, ErrMalformedManifest
		}
		mf.entries[path] = e
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return mf, nil
}
