package pipeline

import (
	"fmt"
	"io"

	"lukechampine.com/blake3"
)

// PartWriterFactory opens the next part's destination for writing, named by
// its 0-based index. Callers (internal/target implementations, or a plain
// local-staging-directory factory) decide where bytes actually land.
type PartWriterFactory func(index int) (io.WriteCloser, error)

// partSplitter is an io.Writer that rolls over to a new part once
// thresholdBytes have been written to the current one, hashing each part
// with BLAKE3 as it is written and recording completed PartInfo entries.
type partSplitter struct {
	newPart       PartWriterFactory
	thresholdBytes int64

	cur        io.WriteCloser
	curHasher  *blake3.Hasher
	curWritten int64
	index      int

	parts []PartInfo
}

func newPartSplitter(factory PartWriterFactory, thresholdBytes int64) *partSplitter {
	if thresholdBytes <= 0 {
		thresholdBytes = 1 << 62 // effectively unbounded: single part
	}
	return &partSplitter{newPart: factory, thresholdBytes: thresholdBytes}
}

func (s *partSplitter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		if s.cur == nil {
			if err := s.openNext(); err != nil {
				return total, err
			}
		}

		remaining := s.thresholdBytes - s.curWritten
		chunk := p
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}

		n, err := s.cur.Write(chunk)
		s.curHasher.Write(chunk[:n])
		s.curWritten += int64(n)
		total += n
		if err != nil {
			return total, err
		}

		p = p[n:]

		if s.curWritten >= s.thresholdBytes {
			if err := s.closeCurrent(); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

func (s *partSplitter) openNext() error {
	w, err := s.newPart(s.index)
	if err != nil {
		return fmt.Errorf("pipeline: failed to open part %d: %w", s.index, err)
	}
	s.cur = w
	s.curHasher = blake3.New(32, nil)
	s.curWritten = 0
	return nil
}

func (s *partSplitter) closeCurrent() error {
	if s.cur == nil {
		return nil
	}
	if err := s.cur.Close(); err != nil {
		return fmt.Errorf("pipeline: failed to close part %d: %w", s.index, err)
	}
	s.parts = append(s.parts, PartInfo{
		Index:     s.index,
		Filename:  partFilename(s.index),
		SizeBytes: s.curWritten,
		Hash:      fmt.Sprintf("%x", s.curHasher.Sum(nil)),
	})
	s.cur = nil
	s.curHasher = nil
	s.index++
	return nil
}

// Finish closes any still-open part and returns the completed PartInfo list.
// Safe to call once all writing is done.
func (s *partSplitter) Finish() ([]PartInfo, error) {
	if err := s.closeCurrent(); err != nil {
		return nil, err
	}
	return s.parts, nil
}

// partFilename follows the target layout's payload.partNNNNNN naming
// (1-based, 6 digits).
func partFilename(index int) string {
	return fmt.Sprintf("payload.part%06d", index+1)
}
