// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"encoding/gob"
	"os"
	"reflect"

	"github.com/pkg/errors"

	"github.com/symflow/symflow/types/shapes"
)

// GobSerialize the tensor in binary format.
//
// It returns an error for I/O errors. It panics for invalid tensors.
func (t *Tensor) GobSerialize(encoder *gob.Encoder) (err error) {
	t.AssertValid()
	err = t.shape.GobSerialize(encoder)
	if err != nil {
		return
	}
	t.ConstFlatData(func(flat any) {
		err = encoder.Encode(flat)
		if err != nil {
			err = errors.Wrapf(err, "failed to write tensor data")
		}
	})
	return
}

// GobDeserialize a Tensor from the decoder. Counterpart of GobSerialize.
func GobDeserialize(decoder *gob.Decoder) (t *Tensor, err error) {
	shape, err := shapes.GobDeserialize(decoder)
	if err != nil {
		err = errors.WithMessagef(err, "failed to deserialize Tensor shape")
		return
	}
	flatPtrV := reflect.New(reflect.SliceOf(shape.DType.GoType()))
	err = decoder.Decode(flatPtrV.Interface())
	if err != nil {
		err = errors.Wrapf(err, "failed to deserialize Tensor data")
		return
	}
	// Use the slice returned by the decoder directly, avoiding a copy.
	t = &Tensor{
		shape: shape,
		flat:  flatPtrV.Elem().Interface(),
	}
	return
}

// Save the tensor to the given file path.
//
// It returns an error for I/O errors. It may panic if the tensor is invalid.
func (t *Tensor) Save(filePath string) (err error) {
	t.AssertValid()
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q to save tensor", filePath)
	}
	enc := gob.NewEncoder(f)
	if err = t.GobSerialize(enc); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "saving Tensor to %q", filePath)
	}
	return f.Close()
}

// Load a tensor from the given file path, saved with Tensor.Save.
func Load(filePath string) (t *Tensor, err error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q to load Tensor", filePath)
	}
	defer func() { _ = f.Close() }()
	dec := gob.NewDecoder(f)
	t, err = GobDeserialize(dec)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading Tensor from %q", filePath)
	}
	return
}
