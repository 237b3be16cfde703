// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/json"
	"testing"

	lqerrors "github.com/jontk/leaseq/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name string `json:"name"`
	N    int    `json:"n"`
}

func TestDecodeRoundTripPreservesUnknownFields(t *testing.T) {
	input := []byte(`{"name":"a","n":3,"future_field":"keep-me"}`)

	v, unknown, err := Decode[sample](input)
	require.NoError(t, err)
	assert.Equal(t, "a", v.Name)
	assert.Equal(t, 3, v.N)
	require.Contains(t, unknown, "future_field")

	out, err := Encode(v, unknown)
	require.NoError(t, err)

	var roundTripped map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &roundTripped))
	assert.Contains(t, roundTripped, "future_field")
	assert.Contains(t, roundTripped, "name")
	assert.Contains(t, roundTripped, "n")
}

func TestDecodeMalformedJSONIsMalformedRecord(t *testing.T) {
	_, _, err := Decode[sample]([]byte(`not-json`))
	require.Error(t, err)
	var le *lqerrors.Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, lqerrors.CodeMalformedRecord, le.Code)
}

func TestDecodeNonObjectIsMalformedRecord(t *testing.T) {
	_, _, err := Decode[sample]([]byte(`"just a string"`))
	require.Error(t, err)
	var le *lqerrors.Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, lqerrors.CodeMalformedRecord, le.Code)
}

func TestEncodeKnownFieldsWinOverUnknown(t *testing.T) {
	v := sample{Name: "keep", N: 1}
	unknown := map[string]json.RawMessage{"name": json.RawMessage(`"clobbered"`)}

	out, err := Encode(v, unknown)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.JSONEq(t, `"keep"`, string(decoded["name"]))
}
