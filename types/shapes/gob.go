// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"encoding/gob"

	"github.com/pkg/errors"
)

// GobSerialize the shape to the encoder.
//
// Shapes with open dimension variables cannot be serialized, only concrete
// shapes can.
func (s Shape) GobSerialize(encoder *gob.Encoder) error {
	if !s.IsFullyKnown() {
		return errors.Errorf("cannot serialize shape %s with unresolved dimensions", s)
	}
	enc := func(e any) error {
		if err := encoder.Encode(e); err != nil {
			return errors.Wrapf(err, "failed to serialize shape %s", s)
		}
		return nil
	}
	if err := enc(s.DType); err != nil {
		return err
	}
	return enc(s.Dimensions)
}

// GobDeserialize a shape from the decoder. Counterpart of Shape.GobSerialize.
func GobDeserialize(decoder *gob.Decoder) (s Shape, err error) {
	dec := func(data any) error {
		if err := decoder.Decode(data); err != nil {
			return errors.Wrap(err, "failed to deserialize shape")
		}
		return nil
	}
	if err = dec(&s.DType); err != nil {
		return
	}
	err = dec(&s.Dimensions)
	return
}
