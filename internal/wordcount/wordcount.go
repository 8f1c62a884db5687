// Package wordcount implements the placement driver's input pipeline:
// transparent gzip sniffing on the sample file, and alpha-run tokenization
// over whatever text comes out the other end.
package wordcount

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/pgzip"
)

var gzipMagic = [2]byte{0x1f, 0x8b}

// OpenSample opens path and, if its first two bytes are the gzip magic
// number, wraps it in a parallel gzip reader so callers always see plain
// text. The returned ReadCloser's Close releases both the gzip reader (if
// any) and the underlying file.
func OpenSample(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wordcount: opening %s: %w", path, err)
	}

	br := bufio.NewReader(f)
	magic, err := br.Peek(2)
	if err != nil && err != io.EOF {
		f.Close()
		return nil, fmt.Errorf("wordcount: sniffing %s: %w", path, err)
	}

	if len(magic) == 2 && magic[0] == gzipMagic[0] && magic[1] == gzipMagic[1] {
		gz, err := pgzip.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("wordcount: opening gzip stream %s: %w", path, err)
		}
		return &gzipSample{gz: gz, f: f}, nil
	}

	return &plainSample{br: br, f: f}, nil
}

type plainSample struct {
	br *bufio.Reader
	f  *os.File
}

func (p *plainSample) Read(buf []byte) (int, error) { return p.br.Read(buf) }
func (p *plainSample) Close() error                 { return p.f.Close() }

type gzipSample struct {
	gz *pgzip.Reader
	f  *os.File
}

func (g *gzipSample) Read(buf []byte) (int, error) { return g.gz.Read(buf) }

func (g *gzipSample) Close() error {
	gzErr := g.gz.Close()
	fErr := g.f.Close()
	if gzErr != nil {
		return gzErr
	}
	return fErr
}

// Tokenize scans r for maximal runs of ASCII letters, calling yield once
// per run in the order encountered. Any non-letter byte ends the current
// run (a boundary, never part of a word). The slice passed to yield is
// reused across calls and must not be retained past the call.
func Tokenize(r io.Reader, yield func(word []byte)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var word []byte

	for {
		b, err := br.ReadByte()
		if err != nil {
			if len(word) > 0 {
				yield(word)
			}
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("wordcount: reading input: %w", err)
		}

		if isAlpha(b) {
			word = append(word, b)
			continue
		}
		if len(word) > 0 {
			yield(word)
			word = word[:0]
		}
	}
}

func isAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
