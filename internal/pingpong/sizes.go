package pingpong

import (
	"fmt"
	"strings"
)

// Level selects how much of the size table a sweep covers.
type Level int

const (
	// LevelQuick covers the powers of two.
	LevelQuick Level = iota + 1
	// LevelAll adds the midpoints between powers of two.
	LevelAll
)

func (l Level) String() string {
	switch l {
	case LevelQuick:
		return "quick"
	case LevelAll:
		return "all"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel accepts "quick" or "all".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "", "quick":
		return LevelQuick, nil
	case "all":
		return LevelAll, nil
	default:
		return 0, fmt.Errorf("pingpong: unknown sweep level %q", s)
	}
}

type sizeEntry struct {
	size  int
	level Level
}

const maxSizeShift = 23

var sizeTable = buildSizeTable()

func buildSizeTable() []sizeEntry {
	table := []sizeEntry{{size: 1, level: LevelQuick}}
	for shift := 1; shift <= maxSizeShift; shift++ {
		table = append(table,
			sizeEntry{size: 1 << shift, level: LevelQuick},
			sizeEntry{size: 1<<shift + 1<<(shift-1), level: LevelAll},
		)
	}
	return table
}

// Sizes lists the table sizes within level, ascending.
func Sizes(level Level) []int {
	var out []int
	for _, e := range sizeTable {
		if e.level <= level {
			out = append(out, e.size)
		}
	}
	return out
}
