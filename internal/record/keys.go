package record

import (
	"encoding/binary"

	"github.com/twinstack/loom/pkg/id"
)

// Key layout for the Pebble-backed store. Record keys embed the date before
// the id so that a forward scan yields (Date, ID) order and the last key in
// any bounded range is the latest record with the greatest id.
//
//	st/{stream}/meta                      stream metadata (JSON)
//	st/{stream}/rec/{date_ms 8B}{id 16B}  record row (JSON)
//	st/{stream}/id/{id 16B}               date_ms (8B), id -> record lookup

func streamMetaKey(stream string) []byte {
	return []byte("st/" + stream + "/meta")
}

func recPrefix(stream string) []byte {
	return []byte("st/" + stream + "/rec/")
}

func recKey(stream string, dateMs int64, recID id.ID) []byte {
	prefix := recPrefix(stream)
	key := make([]byte, len(prefix)+8+16)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(dateMs))
	copy(key[len(prefix)+8:], recID[:])
	return key
}

// recUpperBound is the exclusive upper bound covering all records with
// Date <= dateMs.
func recUpperBound(stream string, dateMs int64) []byte {
	prefix := recPrefix(stream)
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	if dateMs == int64(^uint64(0)>>1) {
		// avoid overflow at the top of the range
		return append(append([]byte{}, prefix...), 0xFF)
	}
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(dateMs+1))
	return key
}

func idIndexKey(stream string, recID id.ID) []byte {
	prefix := []byte("st/" + stream + "/id/")
	key := make([]byte, len(prefix)+16)
	copy(key, prefix)
	copy(key[len(prefix):], recID[:])
	return key
}
