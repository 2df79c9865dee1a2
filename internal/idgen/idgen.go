// Package idgen produces message identifiers that sort in generation order.
//
// An identifier has the form <prefix>_<unix millis>_<counter>. The counter is
// process wide and strictly increasing, so two identifiers minted for the same
// millisecond still have a defined order.
package idgen

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var counter atomic.Uint64

// New returns a fresh identifier for the given time.
func New(prefix string, at time.Time) string {
	n := counter.Add(1)
	return prefix + "_" + strconv.FormatInt(at.UnixMilli(), 10) + "_" + strconv.FormatUint(n, 10)
}

// parse extracts the millisecond and counter parts. ok is false for
// identifiers minted elsewhere (uuids from the backend, say).
func parse(id string) (ms int64, seq uint64, ok bool) {
	last := strings.LastIndexByte(id, '_')
	if last <= 0 {
		return 0, 0, false
	}
	prev := strings.LastIndexByte(id[:last], '_')
	if prev < 0 {
		return 0, 0, false
	}
	ms, err := strconv.ParseInt(id[prev+1:last], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	seq, err = strconv.ParseUint(id[last+1:], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return ms, seq, true
}

// Compare orders two identifiers by generation order. It returns -1, 0 or +1.
// Identifiers that do not carry a counter fall back to byte order.
func Compare(a, b string) int {
	ams, aseq, aok := parse(a)
	bms, bseq, bok := parse(b)
	if aok && bok {
		switch {
		case ams != bms:
			if ams < bms {
				return -1
			}
			return 1
		case aseq != bseq:
			if aseq < bseq {
				return -1
			}
			return 1
		}
	}
	return strings.Compare(a, b)
}
