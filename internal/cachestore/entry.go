package cachestore

import (
	"bytes"
	"encoding/gob"
	"net/http"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Entry is a captured response. Entries are immutable once stored: readers get
// their own header map, the body slice is shared and must not be modified.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash64   uint64
}

// NewEntry captures status, headers and body. Content-Length is dropped since
// the body may later be served with a different framing.
func NewEntry(status int, header http.Header, body []byte) Entry {
	h := cloneHeader(header)
	h.Del("Content-Length")
	return Entry{
		Status:   status,
		Header:   h,
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash64:   xxhash.Sum64(body),
	}
}

// OK reports whether the entry holds a 2xx response.
func (e Entry) OK() bool {
	return e.Status >= 200 && e.Status < 300
}

// Clone returns a copy with its own header map.
func (e Entry) Clone() Entry {
	e.Header = cloneHeader(e.Header)
	return e
}

func (e Entry) size() int64 {
	n := int64(len(e.Body))
	for k, vs := range e.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

func encodeEntry(ent Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ent); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(b []byte) (Entry, error) {
	var ent Entry
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&ent)
	if ent.Header == nil {
		ent.Header = make(http.Header)
	}
	return ent, err
}

func init() {
	gob.Register(http.Header{})
}
