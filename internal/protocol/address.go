package protocol

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Delimiter separates address segments in the textual form.
	Delimiter = "."

	MaxSegments   = 16
	MaxSegmentLen = 64
)

// Address is a hierarchical service address such as rack1.dpu0.ha.
// The zero value is Root, the prefix of every address. Addresses are
// comparable with == and usable as map keys.
type Address struct {
	path string
}

// Root matches every destination; it is only valid as a route prefix.
var Root = Address{}

// ParseAddress parses the textual form. Root is not a valid destination so
// the empty string is rejected.
func ParseAddress(s string) (Address, error) {
	if s == "" {
		return Address{}, fmt.Errorf("%w: empty", ErrMalformedAddress)
	}
	segs := strings.Split(s, Delimiter)
	if len(segs) > MaxSegments {
		return Address{}, fmt.Errorf("%w: %d segments exceeds %d", ErrMalformedAddress, len(segs), MaxSegments)
	}
	for i, seg := range segs {
		if err := checkSegment(seg); err != nil {
			return Address{}, fmt.Errorf("%w: segment %d of %q: %v", ErrMalformedAddress, i, s, err)
		}
	}
	return Address{path: s}, nil
}

// ParsePrefix is ParseAddress that also accepts "" and "*" as Root.
func ParsePrefix(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return Root, nil
	}
	return ParseAddress(s)
}

func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// NewAddress joins segments into an address.
func NewAddress(segments ...string) (Address, error) {
	if len(segments) == 0 {
		return Address{}, fmt.Errorf("%w: no segments", ErrMalformedAddress)
	}
	return ParseAddress(strings.Join(segments, Delimiter))
}

var (
	errEmptySegment = errors.New("empty segment")
	errSegmentLen   = errors.New("segment too long")
)

func checkSegment(seg string) error {
	if seg == "" {
		return errEmptySegment
	}
	if len(seg) > MaxSegmentLen {
		return errSegmentLen
	}
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return fmt.Errorf("reserved character %q", c)
		}
	}
	return nil
}

func (a Address) String() string {
	if a.path == "" {
		return "*"
	}
	return a.path
}

func (a Address) IsRoot() bool {
	return a.path == ""
}

func (a Address) Segments() []string {
	if a.path == "" {
		return nil
	}
	return strings.Split(a.path, Delimiter)
}

func (a Address) Len() int {
	if a.path == "" {
		return 0
	}
	return strings.Count(a.path, Delimiter) + 1
}

// HasPrefix reports whether p is a whole-segment prefix of a. Root is a
// prefix of everything and every address is a prefix of itself.
func (a Address) HasPrefix(p Address) bool {
	if p.path == "" {
		return true
	}
	if !strings.HasPrefix(a.path, p.path) {
		return false
	}
	return len(a.path) == len(p.path) || a.path[len(p.path)] == Delimiter[0]
}

// Child appends one segment.
func (a Address) Child(segment string) (Address, error) {
	if err := checkSegment(segment); err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrMalformedAddress, err)
	}
	if a.path == "" {
		return Address{path: segment}, nil
	}
	if a.Len() >= MaxSegments {
		return Address{}, fmt.Errorf("%w: too many segments", ErrMalformedAddress)
	}
	return Address{path: a.path + Delimiter + segment}, nil
}

// Parent drops the last segment. The parent of a single-segment address is
// Root.
func (a Address) Parent() Address {
	i := strings.LastIndex(a.path, Delimiter)
	if i < 0 {
		return Root
	}
	return Address{path: a.path[:i]}
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(b []byte) error {
	p, err := ParsePrefix(string(b))
	if err != nil {
		return err
	}
	*a = p
	return nil
}

// MarshalBinary encodes a segment count byte followed by one length byte and
// the raw bytes of each segment.
func (a Address) MarshalBinary() ([]byte, error) {
	segs := a.Segments()
	out := make([]byte, 0, 1+len(a.path)+len(segs))
	out = append(out, byte(len(segs)))
	for _, s := range segs {
		out = append(out, byte(len(s)))
		out = append(out, s...)
	}
	return out, nil
}

func (a *Address) UnmarshalBinary(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("%w: empty binary form", ErrMalformedAddress)
	}
	n := int(b[0])
	if n > MaxSegments {
		return fmt.Errorf("%w: %d segments exceeds %d", ErrMalformedAddress, n, MaxSegments)
	}
	segs := make([]string, 0, n)
	i := 1
	for k := 0; k < n; k++ {
		if i >= len(b) {
			return fmt.Errorf("%w: truncated binary form", ErrMalformedAddress)
		}
		l := int(b[i])
		i++
		if i+l > len(b) {
			return fmt.Errorf("%w: truncated binary form", ErrMalformedAddress)
		}
		segs = append(segs, string(b[i:i+l]))
		i += l
	}
	if i != len(b) {
		return fmt.Errorf("%w: trailing bytes", ErrMalformedAddress)
	}
	if n == 0 {
		*a = Root
		return nil
	}
	p, err := NewAddress(segs...)
	if err != nil {
		return err
	}
	*a = p
	return nil
}
