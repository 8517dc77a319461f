package rlp

import (
	"bytes"
	"io"
	"reflect"
)

// Kind is the type tag of an RLP value.
type Kind int

const (
	KindByte Kind = iota
	KindString
	KindList
)

// Stream provides cursor-based access to an RLP byte string, including
// entering/leaving nested lists with List/ListEnd.
type Stream struct {
	data  []byte
	pos   int
	stack []listFrame
}

type listFrame struct{ end int }

// NewStream wraps an io.Reader's full contents in a Stream.
func NewStream(r io.Reader) *Stream {
	data, _ := io.ReadAll(r)
	return NewStreamFromBytes(data)
}

// NewStreamFromBytes wraps a byte slice in a Stream without copying it.
func NewStreamFromBytes(data []byte) *Stream {
	return &Stream{data: data}
}

// DecodeBytes decodes b into the value pointed to by val.
func DecodeBytes(b []byte, val interface{}) error {
	s := NewStreamFromBytes(b)
	v := reflect.ValueOf(val)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return ErrExpectedString
	}
	return s.decodeInto(v.Elem())
}

func (s *Stream) limit() int {
	if len(s.stack) > 0 {
		return s.stack[len(s.stack)-1].end
	}
	return len(s.data)
}

// readItem consumes one RLP item (prefix + payload) and returns its kind,
// payload slice, and the number of bytes read.
func (s *Stream) readItem() (kind Kind, payload []byte, err error) {
	lim := s.limit()
	if s.pos >= lim {
		return 0, nil, io.EOF
	}
	prefix := s.data[s.pos]

	switch {
	case prefix <= 0x7f:
		payload = s.data[s.pos : s.pos+1]
		s.pos++
		return KindByte, payload, nil

	case prefix <= 0xb7:
		size := int(prefix - 0x80)
		start, end := s.pos+1, s.pos+1+size
		if end > lim {
			return 0, nil, io.ErrUnexpectedEOF
		}
		if size == 1 && s.data[start] <= 0x7f {
			return 0, nil, ErrNonCanonicalSize
		}
		s.pos = end
		return KindString, s.data[start:end], nil

	case prefix <= 0xbf:
		lenOfLen := int(prefix - 0xb7)
		size, err := s.readLength(lenOfLen)
		if err != nil {
			return 0, nil, err
		}
		if size <= 55 {
			return 0, nil, ErrNonCanonicalSize
		}
		start := s.pos + 1 + lenOfLen
		end := start + size
		if end > lim {
			return 0, nil, io.ErrUnexpectedEOF
		}
		s.pos = end
		return KindString, s.data[start:end], nil

	case prefix <= 0xf7:
		size := int(prefix - 0xc0)
		start, end := s.pos+1, s.pos+1+size
		if end > lim {
			return 0, nil, io.ErrUnexpectedEOF
		}
		s.pos = end
		return KindList, s.data[start:end], nil

	default:
		lenOfLen := int(prefix - 0xf7)
		size, err := s.readLength(lenOfLen)
		if err != nil {
			return 0, nil, err
		}
		if size <= 55 {
			return 0, nil, ErrNonCanonicalSize
		}
		start := s.pos + 1 + lenOfLen
		end := start + size
		if end > lim {
			return 0, nil, io.ErrUnexpectedEOF
		}
		s.pos = end
		return KindList, s.data[start:end], nil
	}
}

func (s *Stream) readLength(lenOfLen int) (int, error) {
	if s.pos+1+lenOfLen > s.limit() {
		return 0, io.ErrUnexpectedEOF
	}
	sizeBytes := s.data[s.pos+1 : s.pos+1+lenOfLen]
	if len(sizeBytes) > 0 && sizeBytes[0] == 0 {
		return 0, ErrNonCanonicalInt
	}
	var size uint64
	for _, b := range sizeBytes {
		size = size<<8 | uint64(b)
	}
	return int(size), nil
}

// Bytes reads an RLP string and returns its payload.
func (s *Stream) Bytes() ([]byte, error) {
	kind, payload, err := s.readItem()
	if err != nil {
		return nil, err
	}
	if kind == KindList {
		return nil, ErrExpectedString
	}
	return payload, nil
}

// List enters a list, returning the byte length of its payload. Pair with
// ListEnd once all elements have been read.
func (s *Stream) List() (uint64, error) {
	lim := s.limit()
	if s.pos >= lim {
		return 0, io.EOF
	}
	prefix := s.data[s.pos]
	var start, end int
	switch {
	case prefix >= 0xc0 && prefix <= 0xf7:
		size := int(prefix - 0xc0)
		start, end = s.pos+1, s.pos+1+size
	case prefix > 0xf7:
		lenOfLen := int(prefix - 0xf7)
		size, err := s.readLength(lenOfLen)
		if err != nil {
			return 0, err
		}
		if size <= 55 {
			return 0, ErrNonCanonicalSize
		}
		start = s.pos + 1 + lenOfLen
		end = start + size
	default:
		return 0, ErrExpectedList
	}
	if end > lim {
		return 0, io.ErrUnexpectedEOF
	}
	s.stack = append(s.stack, listFrame{end: end})
	s.pos = start
	return uint64(end - start), nil
}

// ListEnd closes the current list scope. It does not require every item to
// have been consumed, matching struct decoding where trailing fields may
// be intentionally ignored.
func (s *Stream) ListEnd() error {
	if len(s.stack) == 0 {
		return ErrExpectedList
	}
	top := s.stack[len(s.stack)-1]
	s.pos = top.end
	s.stack = s.stack[:len(s.stack)-1]
	return nil
}

// MoreInList reports whether the current list scope has unread bytes.
func (s *Stream) MoreInList() bool {
	return len(s.stack) > 0 && s.pos < s.stack[len(s.stack)-1].end
}

// Uint64 reads an RLP unsigned integer.
func (s *Stream) Uint64() (uint64, error) {
	b, err := s.Bytes()
	if err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return 0, nil
	}
	if len(b) > 8 {
		return 0, ErrUint64Overflow
	}
	if b[0] == 0 {
		return 0, ErrNonCanonicalInt
	}
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v, nil
}

func (s *Stream) decodeInto(v reflect.Value) error {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return s.decodeInto(v.Elem())
	}

	switch v.Kind() {
	case reflect.Bool:
		b, err := s.Bytes()
		if err != nil {
			return err
		}
		v.SetBool(len(b) == 1 && b[0] == 0x01)
		return nil

	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uint:
		u, err := s.Uint64()
		if err != nil {
			return err
		}
		v.SetUint(u)
		return nil

	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Int:
		u, err := s.Uint64()
		if err != nil {
			return err
		}
		v.SetInt(int64(u))
		return nil

	case reflect.String:
		b, err := s.Bytes()
		if err != nil {
			return err
		}
		v.SetString(string(b))
		return nil

	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b, err := s.Bytes()
			if err != nil {
				return err
			}
			v.SetBytes(bytes.Clone(b))
			return nil
		}
		return s.decodeSlice(v)

	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b, err := s.Bytes()
			if err != nil {
				return err
			}
			for i := 0; i < v.Len() && i < len(b); i++ {
				v.Index(i).SetUint(uint64(b[i]))
			}
			return nil
		}
		return s.decodeSlice(v)

	case reflect.Struct:
		return s.decodeStruct(v)

	default:
		return ErrUnsupportedType
	}
}

func (s *Stream) decodeSlice(v reflect.Value) error {
	if _, err := s.List(); err != nil {
		return err
	}
	elemType := v.Type().Elem()
	out := reflect.MakeSlice(v.Type(), 0, 0)
	for s.MoreInList() {
		elem := reflect.New(elemType).Elem()
		if err := s.decodeInto(elem); err != nil {
			return err
		}
		out = reflect.Append(out, elem)
	}
	v.Set(out)
	return s.ListEnd()
}

func (s *Stream) decodeStruct(v reflect.Value) error {
	if _, err := s.List(); err != nil {
		return err
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if !t.Field(i).IsExported() {
			continue
		}
		if !s.MoreInList() {
			break
		}
		if err := s.decodeInto(v.Field(i)); err != nil {
			return err
		}
	}
	return s.ListEnd()
}
