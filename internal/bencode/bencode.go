// Package bencode wraps the bencode-go codec with byte-oriented helpers and
// a single malformed-input error the listeners can test against. Encoding is
// deterministic: dictionary keys are always emitted in lexicographic order,
// so identical responses serialize identically.
package bencode

import (
	"bytes"

	jackpal "github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
)

// ErrMalformed is returned for truncated, trailing, or otherwise
// inconsistent bencode input.
var ErrMalformed = errors.New("malformed bencode")

// Dict is a bencode dictionary. Keys may hold raw bytes (e.g. info hashes).
type Dict = map[string]interface{}

// Encode serializes nested dictionaries, slices, integers, and byte strings.
// An encode failure indicates caller-constructed data the codec cannot
// represent, which is a programming defect, not a request error.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := jackpal.Marshal(&buf, v); err != nil {
		return nil, errors.Wrap(err, "bencode encode")
	}
	return buf.Bytes(), nil
}

// Decode is the inverse of Encode. Input must be exactly one well-formed
// value; leftover bytes after the value are rejected.
func Decode(data []byte) (interface{}, error) {
	r := bytes.NewReader(data)
	v, err := jackpal.Decode(r)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "decode: %v", err)
	}
	if r.Len() != 0 {
		return nil, errors.Wrapf(ErrMalformed, "%d trailing bytes after value", r.Len())
	}
	return v, nil
}
