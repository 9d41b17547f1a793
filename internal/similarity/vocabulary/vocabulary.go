// Package vocabulary provides read-only access to the similarity engine's
// word-frequency and keyword-synonym model (spec section 4.6). The model
// file is built offline by a tool out of scope here; this package only
// opens it read-only and memory-maps it. Open reads the whole mapping once
// and parses it into in-memory tables; lookups use those tables.
package vocabulary

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"strings"

	"golang.org/x/exp/mmap"
)

// Model is an immutable, memory-mapped view of general word document
// frequencies plus a canonicalisation table for domain synonyms
// ("NBN" -> "broadband"). Safe for concurrent read-only use by every
// request handler; the spec forbids mutating the backing file while the
// server runs.
type Model struct {
	reader *mmap.ReaderAt
	freq   map[string]float64
	canon  map[string]string
	docs   float64
}

// Open memory-maps path and parses its header-delimited sections. The
// file format is a simple line-oriented one the build tool (out of
// scope) is responsible for producing: a "DOCS <n>" line, then "F <token>
// <count>" lines, then "K <alias> <canonical>" lines.
func Open(path string) (*Model, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("vocabulary: open %s: %w", path, err)
	}
	m := &Model{reader: r, freq: make(map[string]float64), canon: make(map[string]string)}
	if err := m.parse(); err != nil {
		r.Close()
		return nil, err
	}
	return m, nil
}

func (m *Model) parse() error {
	buf := make([]byte, m.reader.Len())
	if _, err := m.reader.ReadAt(buf, 0); err != nil && err != io.EOF {
		return fmt.Errorf("vocabulary: read: %w", err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(buf))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "DOCS":
			if len(fields) != 2 {
				continue
			}
			var n uint64
			if _, err := fmt.Sscan(fields[1], &n); err == nil {
				m.docs = float64(n)
			}
		case "F":
			if len(fields) != 3 {
				continue
			}
			var c uint64
			if _, err := fmt.Sscan(fields[2], &c); err == nil {
				m.freq[fields[1]] = float64(c)
			}
		case "K":
			if len(fields) != 3 {
				continue
			}
			m.canon[fields[1]] = fields[2]
		}
	}
	return scanner.Err()
}

// Close releases the mapping.
func (m *Model) Close() error { return m.reader.Close() }

// Canonicalize maps a token to its canonical form via the keyword table
// (e.g. "NBN" -> "broadband"), or returns the token unchanged if it has
// no listed alias.
func (m *Model) Canonicalize(token string) string {
	if c, ok := m.canon[strings.ToLower(token)]; ok {
		return c
	}
	return token
}

// IDF returns an inverse-document-frequency style weight for a
// canonicalised token: rarer tokens weigh more. Unknown tokens get a
// weight of 1 (no information either way).
func (m *Model) IDF(token string) float64 {
	c, ok := m.freq[strings.ToLower(token)]
	if !ok || c <= 0 || m.docs <= 0 {
		return 1
	}
	ratio := m.docs / c
	return math.Log1p(ratio)
}
