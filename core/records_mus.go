package core

import (
	"errors"
	"math"
	"slices"
	"time"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/varint"
)

// MUS serializers for the persisted records. Field order is the wire order;
// append new fields at the end.

var errTruncated = errors.New("truncated data")

// encoder is implemented by musWriter, which writes fields, and musSizer,
// which counts the bytes they need. Each record encodes itself once
// against this interface so Marshal and Size cannot drift apart.
type encoder interface {
	uint64(v uint64)
	int64(v int64)
	string(v string)
}

type musWriter struct {
	bs []byte
	n  int
}

func (w *musWriter) uint64(v uint64) { w.n += varint.Uint64.Marshal(v, w.bs[w.n:]) }
func (w *musWriter) int64(v int64)   { w.n += varint.Int64.Marshal(v, w.bs[w.n:]) }
func (w *musWriter) string(v string) { w.n += ord.String.Marshal(v, w.bs[w.n:]) }

type musSizer struct {
	n int
}

func (s *musSizer) uint64(v uint64) { s.n += varint.Uint64.Size(v) }
func (s *musSizer) int64(v int64)   { s.n += varint.Int64.Size(v) }
func (s *musSizer) string(v string) { s.n += ord.String.Size(v) }

type musReader struct {
	bs  []byte
	n   int
	err error
}

func (r *musReader) uint64() uint64 {
	if r.err != nil {
		return 0
	}
	v, n, err := varint.Uint64.Unmarshal(r.bs[r.n:])
	r.n += n
	r.err = err
	return v
}

func (r *musReader) int64() int64 {
	if r.err != nil {
		return 0
	}
	v, n, err := varint.Int64.Unmarshal(r.bs[r.n:])
	r.n += n
	r.err = err
	return v
}

func (r *musReader) string() string {
	if r.err != nil {
		return ""
	}
	v, n, err := ord.String.Unmarshal(r.bs[r.n:])
	r.n += n
	r.err = err
	return v
}

// length reads a collection length and rejects values the buffer cannot hold.
func (r *musReader) length() int {
	l := r.int64()
	if r.err == nil && (l < 0 || l > int64(len(r.bs)-r.n)) {
		r.err = errTruncated
	}
	if r.err != nil {
		return 0
	}
	return int(l)
}

// Times are stored as Unix microseconds; zero means unset.
func encodeTime(e encoder, t time.Time) {
	if t.IsZero() {
		e.int64(0)
		return
	}
	e.int64(t.UnixMicro())
}

func (r *musReader) time() time.Time {
	v := r.int64()
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}

func encodeStringMap(e encoder, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	e.int64(int64(len(keys)))
	for _, k := range keys {
		e.string(k)
		e.string(m[k])
	}
}

func (r *musReader) stringMap() map[string]string {
	l := r.length()
	m := make(map[string]string, l)
	for i := 0; i < l && r.err == nil; i++ {
		k := r.string()
		m[k] = r.string()
	}
	return m
}

func encodeIDs(e encoder, ids []ID) {
	e.int64(int64(len(ids)))
	for _, id := range ids {
		e.uint64(uint64(id))
	}
}

func (r *musReader) ids() []ID {
	l := r.length()
	out := make([]ID, 0, l)
	for i := 0; i < l && r.err == nil; i++ {
		out = append(out, ID(r.uint64()))
	}
	return out
}

func encodeVector(e encoder, v []float32) {
	e.int64(int64(len(v)))
	for _, f := range v {
		e.uint64(uint64(math.Float32bits(f)))
	}
}

func (r *musReader) vector() []float32 {
	l := r.length()
	out := make([]float32, 0, l)
	for i := 0; i < l && r.err == nil; i++ {
		out = append(out, math.Float32frombits(uint32(r.uint64())))
	}
	return out
}

func encodeDocument(e encoder, v Document) {
	e.uint64(uint64(v.Id))
	e.string(v.Name)
	e.int64(int64(v.Type))
	e.string(string(v.Content))
	encodeTime(e, v.InsertedAt)
}

func encodeBatchRecord(e encoder, v BatchRecord) {
	e.string(v.BatchID)
	encodeIDs(e, v.Documents)
	e.int64(int64(v.TotalCount))
	e.int64(int64(v.ProcessedCount))
	e.int64(int64(v.SuccessCount))
	e.int64(int64(v.ErrorCount))
	e.uint64(uint64(v.CurrentDocument))
	e.int64(int64(v.Status))
	e.int64(int64(len(v.Errors)))
	for _, be := range v.Errors {
		e.uint64(uint64(be.DocumentID))
		e.int64(int64(be.Class))
		e.string(be.Message)
	}
	encodeTime(e, v.CreatedAt)
	encodeTime(e, v.CompletedAt)
}

func encodePipelineState(e encoder, v PipelineState) {
	e.uint64(uint64(v.DocumentID))
	e.string(v.BatchID)
	e.int64(int64(v.Stage))
	e.int64(int64(v.AttemptCount))
	e.string(v.LastError)
	encodeTime(e, v.NextRetryAt)
	encodeStringMap(e, v.Metadata)
	encodeTime(e, v.UpdatedAt)
}

func encodeIndexEntry(e encoder, v IndexEntry) {
	e.uint64(uint64(v.DocumentID))
	encodeVector(e, v.Vector)
	encodeStringMap(e, v.Metadata)
}

type documentMUS struct{}

// DocumentMUS serializes Document values.
var DocumentMUS = documentMUS{}

func (documentMUS) Marshal(v Document, bs []byte) (n int) {
	w := &musWriter{bs: bs}
	encodeDocument(w, v)
	return w.n
}

func (documentMUS) Unmarshal(bs []byte) (v Document, n int, err error) {
	r := &musReader{bs: bs}
	v.Id = ID(r.uint64())
	v.Name = r.string()
	v.Type = DocType(r.int64())
	v.Content = []byte(r.string())
	v.InsertedAt = r.time()
	return v, r.n, r.err
}

func (documentMUS) Size(v Document) (size int) {
	s := &musSizer{}
	encodeDocument(s, v)
	return s.n
}

type batchRecordMUS struct{}

// BatchRecordMUS serializes BatchRecord values.
var BatchRecordMUS = batchRecordMUS{}

func (batchRecordMUS) Marshal(v BatchRecord, bs []byte) (n int) {
	w := &musWriter{bs: bs}
	encodeBatchRecord(w, v)
	return w.n
}

func (batchRecordMUS) Unmarshal(bs []byte) (v BatchRecord, n int, err error) {
	r := &musReader{bs: bs}
	v.BatchID = r.string()
	v.Documents = r.ids()
	v.TotalCount = int(r.int64())
	v.ProcessedCount = int(r.int64())
	v.SuccessCount = int(r.int64())
	v.ErrorCount = int(r.int64())
	v.CurrentDocument = ID(r.uint64())
	v.Status = BatchStatus(r.int64())
	l := r.length()
	v.Errors = make([]DocumentError, 0, l)
	for i := 0; i < l && r.err == nil; i++ {
		be := DocumentError{DocumentID: ID(r.uint64())}
		be.Class = ErrorClass(r.int64())
		be.Message = r.string()
		v.Errors = append(v.Errors, be)
	}
	v.CreatedAt = r.time()
	v.CompletedAt = r.time()
	return v, r.n, r.err
}

func (batchRecordMUS) Size(v BatchRecord) (size int) {
	s := &musSizer{}
	encodeBatchRecord(s, v)
	return s.n
}

type pipelineStateMUS struct{}

// PipelineStateMUS serializes PipelineState values.
var PipelineStateMUS = pipelineStateMUS{}

func (pipelineStateMUS) Marshal(v PipelineState, bs []byte) (n int) {
	w := &musWriter{bs: bs}
	encodePipelineState(w, v)
	return w.n
}

func (pipelineStateMUS) Unmarshal(bs []byte) (v PipelineState, n int, err error) {
	r := &musReader{bs: bs}
	v.DocumentID = ID(r.uint64())
	v.BatchID = r.string()
	v.Stage = Stage(r.int64())
	v.AttemptCount = int(r.int64())
	v.LastError = r.string()
	v.NextRetryAt = r.time()
	v.Metadata = r.stringMap()
	v.UpdatedAt = r.time()
	return v, r.n, r.err
}

func (pipelineStateMUS) Size(v PipelineState) (size int) {
	s := &musSizer{}
	encodePipelineState(s, v)
	return s.n
}

type indexEntryMUS struct{}

// IndexEntryMUS serializes IndexEntry values.
var IndexEntryMUS = indexEntryMUS{}

func (indexEntryMUS) Marshal(v IndexEntry, bs []byte) (n int) {
	w := &musWriter{bs: bs}
	encodeIndexEntry(w, v)
	return w.n
}

func (indexEntryMUS) Unmarshal(bs []byte) (v IndexEntry, n int, err error) {
	r := &musReader{bs: bs}
	v.DocumentID = ID(r.uint64())
	v.Vector = r.vector()
	v.Metadata = r.stringMap()
	return v, r.n, r.err
}

func (indexEntryMUS) Size(v IndexEntry) (size int) {
	s := &musSizer{}
	encodeIndexEntry(s, v)
	return s.n
}
