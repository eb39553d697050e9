package changelog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Coordinate is a position in the source binlog: the binlog file name and
// the byte offset of the next event to read within it.
type Coordinate struct {
	File   string
	Offset uint64
}

func (c Coordinate) IsZero() bool {
	return c.File == "" && c.Offset == 0
}

func (c Coordinate) String() string {
	return c.File + ":" + strconv.FormatUint(c.Offset, 10)
}

func compare[T constraints.Ordered](v1, v2 T) int {
	if v1 < v2 {
		return -1
	} else if v1 == v2 {
		return 0
	} else {
		return 1
	}
}

// Compare orders coordinates by file name, then offset.
// mysql zero pads binlog file sequence numbers so lexical order is log order.
func (c Coordinate) Compare(o Coordinate) int {
	if byFile := compare(c.File, o.File); byFile != 0 {
		return byFile
	}

	return compare(c.Offset, o.Offset)
}

func (c Coordinate) Before(o Coordinate) bool {
	return c.Compare(o) < 0
}

// ParseCoordinate reads the file:offset form produced by Coordinate.String.
func ParseCoordinate(s string) (Coordinate, error) {
	idx := strings.LastIndex(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return Coordinate{}, fmt.Errorf("invalid binlog coordinate %q, expected file:offset", s)
	}

	// binlog offsets are 32 bit on the wire
	offset, err := strconv.ParseUint(s[idx+1:], 10, 32)
	if err != nil {
		return Coordinate{}, errors.Wrapf(err, "invalid binlog offset in %q", s)
	}

	return Coordinate{File: s[:idx], Offset: offset}, nil
}
