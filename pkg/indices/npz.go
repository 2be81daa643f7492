// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package indices

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
)

// npyMagic starts every .npy entry, followed by the format version.
const npyMagic = "\x93NUMPY"

// npyInt64Descr is the numpy dtype descriptor of little-endian int64.
const npyInt64Descr = "<i8"

var npyShapeRegexp = regexp.MustCompile(`'shape':\s*\(([^)]*)\)`)

// writeNpyInts writes values as a 1D int64 .npy entry.
//
// Zero-length arrays are written header-only: gomlx tensors can't expose the (empty) flat data of a
// zero-sized tensor, but numpy reads them back as `array([], dtype=int64)`.
func writeNpyInts(w io.Writer, values []int) error {
	if len(values) > 0 {
		return numpy.ToNpyWriter(intsToTensor(values), w)
	}
	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (0,), }", npyInt64Descr)
	// Preamble (magic, version and header length) plus header and newline are padded to 16 bytes.
	for (len(npyMagic)+4+len(header)+1)%16 != 0 {
		header += " "
	}
	header += "\n"
	var buf bytes.Buffer
	buf.WriteString(npyMagic)
	buf.Write([]byte{1, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	if _, err := w.Write(buf.Bytes()); err != nil {
		return errors.Wrapf(err, "failed to write empty .npy entry")
	}
	return nil
}

// npyShape parses the shape of a .npy entry from its header.
func npyShape(data []byte) ([]int, error) {
	if len(data) < len(npyMagic)+4 || string(data[:len(npyMagic)]) != npyMagic {
		return nil, errors.New("invalid .npy entry: magic string mismatch")
	}
	version := data[len(npyMagic)]
	pos := len(npyMagic) + 2
	var headerLen int
	switch {
	case version == 1:
		headerLen = int(binary.LittleEndian.Uint16(data[pos:]))
		pos += 2
	case version >= 2 && len(data) >= pos+4:
		headerLen = int(binary.LittleEndian.Uint32(data[pos:]))
		pos += 4
	default:
		return nil, errors.Errorf("unsupported .npy version %d", version)
	}
	if len(data) < pos+headerLen {
		return nil, errors.New("truncated .npy header")
	}
	matches := npyShapeRegexp.FindStringSubmatch(string(data[pos : pos+headerLen]))
	if matches == nil {
		return nil, errors.New(".npy header has no shape")
	}
	var shape []int
	for _, field := range strings.Split(matches[1], ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		dim, err := strconv.Atoi(field)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid .npy shape %q", matches[1])
		}
		shape = append(shape, dim)
	}
	return shape, nil
}

// readNpyInts reads a 1D integer .npy entry. Zero-length arrays of any dtype are accepted.
func readNpyInts(name string, data []byte) ([]int, error) {
	shape, err := npyShape(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "array %q", name)
	}
	if len(shape) != 1 {
		return nil, errors.Errorf("array %q must be 1-dimensional, got shape %v", name, shape)
	}
	if shape[0] == 0 {
		return []int{}, nil
	}
	t, err := numpy.FromNpyReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.WithMessagef(err, "array %q", name)
	}
	defer t.MustFinalizeAll()
	return tensorToInts(name, t)
}

func intsToTensor(values []int) *tensors.Tensor {
	flat := make([]int64, len(values))
	for ii, v := range values {
		flat[ii] = int64(v)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(flat))
}

func tensorToInts(name string, t *tensors.Tensor) ([]int, error) {
	if t.Rank() != 1 {
		return nil, errors.Errorf("array %q must be 1-dimensional, got shape %s", name, t.Shape())
	}
	values := make([]int, 0, t.Shape().Size())
	switch t.DType() {
	case dtypes.Int64:
		for _, v := range tensors.MustCopyFlatData[int64](t) {
			values = append(values, int(v))
		}
	case dtypes.Int32:
		for _, v := range tensors.MustCopyFlatData[int32](t) {
			values = append(values, int(v))
		}
	case dtypes.Float64:
		// numpy.savez of a Python list mixing ints and floats yields float64 arrays.
		for ii, v := range tensors.MustCopyFlatData[float64](t) {
			if v != math.Trunc(v) || math.IsInf(v, 0) {
				return nil, errors.Errorf("array %q has non-integer value %g at position %d", name, v, ii)
			}
			values = append(values, int(v))
		}
	default:
		return nil, errors.Errorf("array %q has unsupported dtype %s", name, t.DType())
	}
	return values, nil
}

// writeNpz writes the named arrays, in order, to a .npz archive.
func writeNpz(filePath string, names []string, arrays [][]int) (err error) {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "failed to close %q", filePath)
		}
	}()
	zw := zip.NewWriter(f)
	for ii, name := range names {
		entry, err := zw.Create(name + ".npy")
		if err != nil {
			return errors.Wrapf(err, "failed to create %q in %q", name, filePath)
		}
		if err = writeNpyInts(entry, arrays[ii]); err != nil {
			return errors.WithMessagef(err, "writing %q to %q", name, filePath)
		}
	}
	if err = zw.Close(); err != nil {
		return errors.Wrapf(err, "failed to finish %q", filePath)
	}
	return nil
}

// readNpz reads all .npy entries of a .npz archive as integer arrays, keyed by name.
func readNpz(filePath string) (map[string][]int, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat %q", filePath)
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return nil, errors.Wrapf(err, "%q is not a .npz archive", filePath)
	}
	arrays := make(map[string][]int, len(zr.File))
	for _, entry := range zr.File {
		name, isNpy := strings.CutSuffix(entry.Name, ".npy")
		if !isNpy {
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open %q in %q", entry.Name, filePath)
		}
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %q in %q", entry.Name, filePath)
		}
		if arrays[name], err = readNpyInts(name, data); err != nil {
			return nil, errors.WithMessagef(err, "in %q", filePath)
		}
	}
	return arrays, nil
}
