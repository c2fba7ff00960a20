package pebblestore

import (
	"encoding/binary"

	"github.com/jpalmerr/ridecast/internal/logstore"
)

// Key layout:
//
//	k/{key}                      index record: type byte + payload
//	e/{key}/{ms:be8}{seq:be8}    entry, JSON-encoded fields
//
// Stream keys cannot contain '/', so "e/{key}/" never prefixes another key's
// entries.
const (
	indexPrefix = "k/"
	entryPrefix = "e/"

	typeStream byte = 's'
	typeValue  byte = 'v'
)

func indexKey(key string) []byte {
	return []byte(indexPrefix + key)
}

func entriesPrefix(key string) []byte {
	return []byte(entryPrefix + key + "/")
}

func entriesEnd(key string) []byte {
	// '0' is the byte after '/'
	return []byte(entryPrefix + key + "0")
}

func entryKey(key string, id logstore.ID) []byte {
	buf := entriesPrefix(key)
	buf = binary.BigEndian.AppendUint64(buf, id.Ms)
	return binary.BigEndian.AppendUint64(buf, id.Seq)
}

// entryKeyAfter is the smallest key strictly greater than entryKey(key, id).
func entryKeyAfter(key string, id logstore.ID) []byte {
	return append(entryKey(key, id), 0)
}

func decodeEntryID(k []byte) logstore.ID {
	n := len(k)
	return logstore.ID{
		Ms:  binary.BigEndian.Uint64(k[n-16 : n-8]),
		Seq: binary.BigEndian.Uint64(k[n-8:]),
	}
}
