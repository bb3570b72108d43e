package widecol

import (
	"encoding/binary"
	"fmt"
)

// Key layout: esc(table) esc(row) esc(family) esc(column) ^ts(8 bytes BE).
// esc escapes 0x00 as 0x00 0xff and terminates with 0x00 0x01, which keeps
// byte order so rows, families and columns sort lexicographically and newer
// versions of a column come first.
const (
	escByte    = 0x00
	escEscaped = 0xff
	escTerm    = 0x01
)

func appendEscaped(dst, b []byte) []byte {
	for _, c := range b {
		if c == escByte {
			dst = append(dst, escByte, escEscaped)
			continue
		}
		dst = append(dst, c)
	}
	return dst
}

func appendComponent(dst, b []byte) []byte {
	dst = appendEscaped(dst, b)
	return append(dst, escByte, escTerm)
}

func readComponent(src []byte) (value, rest []byte, err error) {
	out := make([]byte, 0, len(src))
	for i := 0; i < len(src); i++ {
		if src[i] != escByte {
			out = append(out, src[i])
			continue
		}
		if i+1 >= len(src) {
			return nil, nil, fmt.Errorf("truncated key component")
		}
		switch src[i+1] {
		case escEscaped:
			out = append(out, escByte)
			i++
		case escTerm:
			return out, src[i+2:], nil
		default:
			return nil, nil, fmt.Errorf("invalid escape 0x%02x", src[i+1])
		}
	}
	return nil, nil, fmt.Errorf("unterminated key component")
}

func tablePrefix(table string) []byte {
	return appendComponent(nil, []byte(table))
}

func rowPrefix(table string, row []byte) []byte {
	return appendComponent(tablePrefix(table), row)
}

func familyPrefix(table string, row []byte, family string) []byte {
	return appendComponent(rowPrefix(table, row), []byte(family))
}

func cellKey(table string, row []byte, family string, column []byte, ts uint64) []byte {
	k := appendComponent(familyPrefix(table, row, family), column)
	return binary.BigEndian.AppendUint64(k, ^ts)
}

// rowBound is the lower bound of every row >= row inside table.
func rowBound(table string, row []byte) []byte {
	return appendEscaped(tablePrefix(table), row)
}

// decodeCellKey splits a key whose table prefix has already been stripped.
func decodeCellKey(k []byte) (row []byte, c Cell, err error) {
	row, rest, err := readComponent(k)
	if err != nil {
		return nil, Cell{}, fmt.Errorf("decoding row: %w", err)
	}
	family, rest, err := readComponent(rest)
	if err != nil {
		return nil, Cell{}, fmt.Errorf("decoding family: %w", err)
	}
	column, rest, err := readComponent(rest)
	if err != nil {
		return nil, Cell{}, fmt.Errorf("decoding column: %w", err)
	}
	if len(rest) != 8 {
		return nil, Cell{}, fmt.Errorf("decoding timestamp: %d trailing bytes", len(rest))
	}
	c = Cell{
		Family:    string(family),
		Column:    column,
		Timestamp: ^binary.BigEndian.Uint64(rest),
	}
	return row, c, nil
}
