package kvcache

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/x448/float16"

	"github.com/seqsched/seqsched/ml"
)

// Slot files hold one warmed prefix each. Key and value tensors are
// stored as float16 to halve the artifact size; the precision loss is
// acceptable for cache reuse.
const (
	slotMagic   = "SEQKV"
	slotVersion = uint32(1)
	slotExt     = ".kv"
)

// NewSlotID returns a fresh identifier for a persisted slot.
func NewSlotID() string {
	return uuid.NewString()
}

func slotPath(dir, slotID string) string {
	return filepath.Join(dir, slotID+slotExt)
}

// WriteSlot persists an entry under dir/<slotID>.kv.
func WriteSlot(dir, slotID string, e *Entry) error {
	if e == nil || e.State == nil {
		return fmt.Errorf("write slot %s: empty entry", slotID)
	}
	st := e.State
	if st.Rows != 1 {
		return fmt.Errorf("write slot %s: expected 1 cache row, have %d", slotID, st.Rows)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f, err := os.Create(slotPath(dir, slotID))
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := w.WriteString(slotMagic); err != nil {
		return err
	}
	header := []uint32{
		slotVersion,
		uint32(len(e.Prompt)),
		uint32(len(st.Layers)),
		uint32(st.SeqLen),
		uint32(st.Dim),
	}
	for _, v := range header {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.LittleEndian, e.Prompt); err != nil {
		return err
	}
	for _, layer := range st.Layers {
		if err := writeFloat16s(w, layer.Keys); err != nil {
			return err
		}
		if err := writeFloat16s(w, layer.Values); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// ReadSlot loads a persisted entry from dir/<slotID>.kv.
func ReadSlot(dir, slotID string) (*Entry, error) {
	f, err := os.Open(slotPath(dir, slotID))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	magic := make([]byte, len(slotMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("read slot %s: %w", slotID, err)
	}
	if string(magic) != slotMagic {
		return nil, fmt.Errorf("read slot %s: bad magic %q", slotID, magic)
	}

	var version, promptLen, layers, seqLen, dim uint32
	for _, p := range []*uint32{&version, &promptLen, &layers, &seqLen, &dim} {
		if err := binary.Read(r, binary.LittleEndian, p); err != nil {
			return nil, fmt.Errorf("read slot %s: %w", slotID, err)
		}
	}
	if version != slotVersion {
		return nil, fmt.Errorf("read slot %s: unsupported version %d", slotID, version)
	}

	// the header sizes are untrusted until checked against the file,
	// otherwise a corrupt slot drives the allocations below
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()
	if int64(promptLen)*4 > size {
		return nil, fmt.Errorf("read slot %s: prompt length %d exceeds file size", slotID, promptLen)
	}
	if int64(layers) > size || int64(seqLen) > size || int64(dim) > size ||
		(layers > 0 && seqLen > 0 && dim > 0 && size/int64(layers)/int64(seqLen)/int64(dim) < 4) {
		return nil, fmt.Errorf("read slot %s: cache shape %dx%dx%d exceeds file size", slotID, layers, seqLen, dim)
	}

	prompt := make([]int32, promptLen)
	if err := binary.Read(r, binary.LittleEndian, prompt); err != nil {
		return nil, fmt.Errorf("read slot %s: %w", slotID, err)
	}

	st := ml.NewCacheState(int(layers), 1, int(seqLen), int(dim))
	for i := range st.Layers {
		if err := readFloat16s(r, st.Layers[i].Keys); err != nil {
			return nil, fmt.Errorf("read slot %s: %w", slotID, err)
		}
		if err := readFloat16s(r, st.Layers[i].Values); err != nil {
			return nil, fmt.Errorf("read slot %s: %w", slotID, err)
		}
	}
	return &Entry{Prompt: prompt, State: st}, nil
}

func writeFloat16s(w *bufio.Writer, vals []float32) error {
	buf := make([]uint16, len(vals))
	for i, v := range vals {
		buf[i] = float16.Fromfloat32(v).Bits()
	}
	return binary.Write(w, binary.LittleEndian, buf)
}

func readFloat16s(r *bufio.Reader, dst []float32) error {
	buf := make([]uint16, len(dst))
	if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
		return err
	}
	for i, b := range buf {
		dst[i] = float16.Frombits(b).Float32()
	}
	return nil
}
