package logstore

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ZeroID sorts before every id a store assigns.
const ZeroID = "0-0"

// ID is the parsed form of an entry id.
type ID struct {
	Ms  uint64
	Seq uint64
}

var (
	minID = ID{}
	maxID = ID{Ms: math.MaxUint64, Seq: math.MaxUint64}
)

// ParseID parses "<ms>-<seq>". A bare "<ms>" parses with Seq 0.
func ParseID(s string) (ID, error) {
	msPart, seqPart, hasSeq := strings.Cut(s, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("invalid entry id %q", s)
	}
	if !hasSeq {
		return ID{Ms: ms}, nil
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("invalid entry id %q", s)
	}
	return ID{Ms: ms, Seq: seq}, nil
}

// ParseBound parses a range bound. "-" and "+" are the open bounds; a bare
// millisecond value covers the whole millisecond on the upper side.
func ParseBound(s string, upper bool) (ID, error) {
	switch s {
	case "-":
		return minID, nil
	case "+":
		return maxID, nil
	}
	id, err := ParseID(s)
	if err != nil {
		return ID{}, err
	}
	if upper && !strings.Contains(s, "-") {
		id.Seq = math.MaxUint64
	}
	return id, nil
}

// String formats the id as "<ms>-<seq>".
func (id ID) String() string {
	return strconv.FormatUint(id.Ms, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// Compare returns -1, 0 or 1.
func (id ID) Compare(o ID) int {
	switch {
	case id.Ms < o.Ms:
		return -1
	case id.Ms > o.Ms:
		return 1
	case id.Seq < o.Seq:
		return -1
	case id.Seq > o.Seq:
		return 1
	}
	return 0
}

// Time returns the millisecond timestamp embedded in the id.
func (id ID) Time() time.Time {
	return time.UnixMilli(int64(id.Ms))
}

// Next returns the id a store assigns after id at wall time now.
func (id ID) Next(now time.Time) ID {
	ms := uint64(now.UnixMilli())
	if ms > id.Ms {
		return ID{Ms: ms}
	}
	return ID{Ms: id.Ms, Seq: id.Seq + 1}
}

// CompareIDs orders two id strings. Unparseable ids sort first.
func CompareIDs(a, b string) int {
	ia, errA := ParseID(a)
	ib, errB := ParseID(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return ia.Compare(ib)
}

// IDTime returns the timestamp embedded in an id string.
func IDTime(s string) (time.Time, error) {
	id, err := ParseID(s)
	if err != nil {
		return time.Time{}, err
	}
	return id.Time(), nil
}

// IDBefore returns the last possible id before the millisecond containing
// t. A cursor at IDBefore(t) receives every entry written from t's
// millisecond on.
func IDBefore(t time.Time) string {
	ms := t.UnixMilli()
	if ms <= 0 {
		return ZeroID
	}
	return ID{Ms: uint64(ms) - 1, Seq: math.MaxUint64}.String()
}
