package pipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// indexWriter appends EntryMeta rows as zstd-compressed newline-delimited
// JSON (entries.jsonl.zst) and reports the final compressed size and hash
// once closed, for the manifest's IndexHash/IndexSize fields.
type indexWriter struct {
	enc *zstd.Encoder
	buf *bufio.Writer
	raw io.WriteCloser
}

func newIndexWriter(dst io.WriteCloser) (*indexWriter, error) {
	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("pipeline: failed to create index encoder: %w", err)
	}
	return &indexWriter{enc: enc, buf: bufio.NewWriter(enc), raw: dst}, nil
}

func (w *indexWriter) Append(m EntryMeta) error {
	line, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("pipeline: failed to marshal entry %q: %w", m.Path, err)
	}
	if _, err := w.buf.Write(line); err != nil {
		return err
	}
	return w.buf.WriteByte('\n')
}

func (w *indexWriter) Close() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if err := w.enc.Close(); err != nil {
		return err
	}
	return w.raw.Close()
}

// ReadIndex decompresses and parses an entries.jsonl.zst stream, invoking fn
// for each row in file order. Used by restore/verify tooling.
func ReadIndex(src io.Reader, fn func(EntryMeta) error) error {
	dec, err := zstd.NewReader(src)
	if err != nil {
		return fmt.Errorf("pipeline: failed to create index decoder: %w", err)
	}
	defer dec.Close()

	scanner := bufio.NewScanner(dec)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var m EntryMeta
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			return fmt.Errorf("pipeline: failed to parse index row: %w", err)
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return scanner.Err()
}
