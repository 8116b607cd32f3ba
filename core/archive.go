package core

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"

	kflate "github.com/klauspost/compress/flate"
)

// chunkArchiveEntry is the name of the single entry inside a persisted chunk
// file's archive container (spec.md §6 "On-disk chunk file").
const chunkArchiveEntry = "data"

// fastDeflateCompressor and fastDeflateDecompressor swap archive/zip's
// default (stdlib compress/flate) deflate implementation for
// klauspost/compress/flate, which the example corpus already depends on
// (Synnergy go.mod: github.com/klauspost/compress) and is a drop-in faster
// encoder/decoder for the same DEFLATE bitstream. They are installed on each
// zip.Writer/zip.Reader, because archive/zip's package-level registry
// already holds a Deflate entry and panics on a second registration.
func fastDeflateCompressor(w io.Writer) (io.WriteCloser, error) {
	return kflate.NewWriter(w, kflate.DefaultCompression)
}

func fastDeflateDecompressor(r io.Reader) io.ReadCloser {
	return io.NopCloser(kflate.NewReader(r))
}

// compressChunk wraps data in a single-entry zip container named "data"
// (spec.md §6: "Any standard deflate-family format is acceptable provided it
// is self-describing"). archive/zip is used over a hand-rolled framing
// because it is self-describing (central directory + local headers let a
// reader recover the entry without external metadata) — see DESIGN.md for
// why no third-party archive library in the example pack covers this.
func compressChunk(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, fastDeflateCompressor)
	w, err := zw.Create(chunkArchiveEntry)
	if err != nil {
		return nil, fmt.Errorf("compress chunk: create entry: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compress chunk: write entry: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress chunk: close archive: %w", err)
	}
	return buf.Bytes(), nil
}

// decompressChunk reverses compressChunk, reading the "data" entry back out.
func decompressChunk(archived []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(archived), int64(len(archived)))
	if err != nil {
		return nil, fmt.Errorf("decompress chunk: open archive: %w", err)
	}
	zr.RegisterDecompressor(zip.Deflate, fastDeflateDecompressor)
	for _, f := range zr.File {
		if f.Name != chunkArchiveEntry {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("decompress chunk: open entry: %w", err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("decompress chunk: entry %q not found", chunkArchiveEntry)
}
