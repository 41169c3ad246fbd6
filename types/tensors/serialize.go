// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// StorageDTypeSupported returns whether the dtype can be used to store tensors.
func StorageDTypeSupported(dtype dtypes.DType) bool {
	return dtype == dtypes.Float32 || dtype == dtypes.Float16
}

// StorageBytes is the number of bytes WriteRaw will write for the tensor with the given storage dtype.
func (t *Tensor) StorageBytes(dtype dtypes.DType) int {
	return len(t.flat) * int(dtype.Memory())
}

// WriteRaw writes the raw little-endian values of the tensor to w, converting them to the storage dtype.
// Only dtypes.Float32 and dtypes.Float16 are supported.
func (t *Tensor) WriteRaw(w io.Writer, dtype dtypes.DType) (int64, error) {
	if !StorageDTypeSupported(dtype) {
		return 0, errors.Errorf("tensors: storage dtype %s not supported", dtype)
	}
	buf := make([]byte, t.StorageBytes(dtype))
	switch dtype {
	case dtypes.Float32:
		for ii, v := range t.flat {
			binary.LittleEndian.PutUint32(buf[4*ii:], math.Float32bits(v))
		}
	case dtypes.Float16:
		for ii, v := range t.flat {
			binary.LittleEndian.PutUint16(buf[2*ii:], float16.Fromfloat32(v).Bits())
		}
	}
	n, err := w.Write(buf)
	if err != nil {
		return int64(n), errors.Wrapf(err, "failed to write tensor of %d bytes", len(buf))
	}
	return int64(n), nil
}

// ReadRaw reads a tensor with the given dimensions, stored with the given dtype, from r.
func ReadRaw(r io.Reader, dtype dtypes.DType, dimensions ...int) (*Tensor, error) {
	if !StorageDTypeSupported(dtype) {
		return nil, errors.Errorf("tensors: storage dtype %s not supported", dtype)
	}
	t := FromShape(dimensions...)
	buf := make([]byte, t.StorageBytes(dtype))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrapf(err, "failed to read tensor %v of %d bytes", dimensions, len(buf))
	}
	switch dtype {
	case dtypes.Float32:
		for ii := range t.flat {
			t.flat[ii] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*ii:]))
		}
	case dtypes.Float16:
		for ii := range t.flat {
			t.flat[ii] = float16.Frombits(binary.LittleEndian.Uint16(buf[2*ii:])).Float32()
		}
	}
	return t, nil
}
