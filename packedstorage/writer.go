package packedstorage

import (
	"fmt"
	"io"

	openmdict "github.com/openmdict/openmdict"
)

// Writer accumulates entries into an uncompressed pending block, flushing
// a compressed block whenever the pending bytes would exceed the target
// block size. PushEntry returns the uncompressed-stream offset of each
// entry; those offsets are what readers pass to Index.Read.
type Writer struct {
	header          Header
	targetBlockSize int
	pending         []byte
	compressed      [][]byte
	finished        bool
}

// NewWriter creates a storage writer. targetBlockSize is the
// uncompressed size at which pending entries are cut into a block.
func NewWriter(encoding Encoding, level uint8, targetBlockSize int) (*Writer, error) {
	if targetBlockSize <= 0 {
		return nil, fmt.Errorf("%w: target block size must be > 0", openmdict.ErrInvalidArgument)
	}
	return &Writer{
		header: Header{
			Encoding:         encoding,
			CompressionLevel: level,
			BlockPrefixSum:   []BlockPrefixEntry{{}},
		},
		targetBlockSize: targetBlockSize,
	}, nil
}

func (w *Writer) flushPending() error {
	if len(w.pending) == 0 {
		return nil
	}
	compressed, err := compressBlock(w.header.Encoding, w.header.CompressionLevel, w.pending)
	if err != nil {
		return err
	}
	last := w.header.BlockPrefixSum[len(w.header.BlockPrefixSum)-1]
	w.header.BlockPrefixSum = append(w.header.BlockPrefixSum, BlockPrefixEntry{
		CompressedEnd:   last.CompressedEnd + uint64(len(compressed)),
		UncompressedEnd: last.UncompressedEnd + uint64(len(w.pending)),
	})
	w.compressed = append(w.compressed, compressed)
	w.pending = w.pending[:0]
	return nil
}

// PushEntry appends entry to the stream and returns its offset.
func (w *Writer) PushEntry(entry []byte) (uint64, error) {
	if w.finished {
		return 0, fmt.Errorf("%w: writer already finished", openmdict.ErrInvalidArgument)
	}
	if len(w.pending) > 0 && len(w.pending)+len(entry) > w.targetBlockSize {
		if err := w.flushPending(); err != nil {
			return 0, err
		}
	}
	last := w.header.BlockPrefixSum[len(w.header.BlockPrefixSum)-1]
	offset := last.UncompressedEnd + uint64(len(w.pending))
	w.pending = append(w.pending, entry...)
	w.header.NumEntries++
	return offset, nil
}

// NumEntries returns the number of entries pushed so far.
func (w *Writer) NumEntries() uint64 { return w.header.NumEntries }

// Bytes flushes pending entries and serializes header plus blocks. The
// writer is finished afterwards; further PushEntry calls fail.
func (w *Writer) Bytes() ([]byte, error) {
	if w.finished {
		return nil, fmt.Errorf("%w: writer already finished", openmdict.ErrInvalidArgument)
	}
	if err := w.flushPending(); err != nil {
		return nil, err
	}
	w.finished = true

	out, err := w.header.MarshalBinary()
	if err != nil {
		return nil, err
	}
	for _, block := range w.compressed {
		out = append(out, block...)
	}
	return out, nil
}

// Finish writes the serialized storage to dst.
func (w *Writer) Finish(dst io.Writer) error {
	out, err := w.Bytes()
	if err != nil {
		return err
	}
	_, err = dst.Write(out)
	return err
}
