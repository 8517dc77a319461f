package rlp

import "errors"

// Decoding errors. RLP is canonical: any deviation from the single valid
// encoding of a value (non-minimal length prefixes, leading zero bytes in
// integers, a single byte encoded as a one-byte string) is rejected rather
// than silently accepted, since on the wire this is attacker-controlled
// input.
var (
	ErrExpectedString   = errors.New("rlp: expected string, got list")
	ErrExpectedList     = errors.New("rlp: expected list, got string")
	ErrNonCanonicalSize = errors.New("rlp: non-canonical size prefix")
	ErrNonCanonicalInt  = errors.New("rlp: non-canonical integer encoding")
	ErrElemTooLarge     = errors.New("rlp: element larger than remaining input")
	ErrUint64Overflow   = errors.New("rlp: uint64 overflow")
	ErrUnsupportedType  = errors.New("rlp: unsupported type for encoding")
	ErrTrailingData     = errors.New("rlp: list contains more items than destination")
)
