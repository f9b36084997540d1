// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot persists fact batches to disk and loads them back.
//
// # Format
//
// A snapshot is a single file:
//
//	magic "STRF" | u16 schema version | u16 reserved
//	u32 fact count | u32 edge count | u64 offset-table position
//	fact records (msgpack, one per fact, independently decodable)
//	edge records (pairs of little-endian int32)
//	offset table (u64 file position per fact record)
//
// All integers are little-endian. The per-record offset table lets a
// reader decode any single fact without parsing the ones before it.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/AleutianAI/strata/pkg/fact"
)

// Sentinel errors for snapshot IO.
var (
	// ErrBadMagic is returned when a file is not a strata snapshot.
	ErrBadMagic = errors.New("not a strata snapshot")

	// ErrCorrupted is returned when the file structure is inconsistent.
	ErrCorrupted = errors.New("corrupted snapshot")
)

var magic = [4]byte{'S', 'T', 'R', 'F'}

const headerSize = 4 + 2 + 2 + 4 + 4 + 8

// locationRecord is the wire form of fact.SourceLocation.
type locationRecord struct {
	Path      string `msgpack:"p"`
	Line      int    `msgpack:"l"`
	Column    int    `msgpack:"c,omitempty"`
	EndLine   int    `msgpack:"el,omitempty"`
	EndColumn int    `msgpack:"ec,omitempty"`
}

// fieldRecord is the wire form of one custom payload field.
type fieldRecord struct {
	Key   string `msgpack:"k"`
	Value any    `msgpack:"v"`
}

// factRecord is the wire form of one fact. The dense ID is positional
// and not stored.
type factRecord struct {
	Type         int32           `msgpack:"t"`
	Location     *locationRecord `msgpack:"loc,omitempty"`
	Source       string          `msgpack:"src,omitempty"`
	Version      string          `msgpack:"ver,omitempty"`
	ProvConf     float64         `msgpack:"pc,omitempty"`
	Confidence   float64         `msgpack:"conf,omitempty"`
	Flow         string          `msgpack:"flow,omitempty"`
	FlowRole     int8            `msgpack:"role,omitempty"`
	Discriminant string          `msgpack:"disc,omitempty"`
	Data         []fieldRecord   `msgpack:"data,omitempty"`
}

func toRecord(f *fact.Fact) factRecord {
	rec := factRecord{
		Type:       int32(f.Type),
		Source:     f.Provenance.Source,
		Version:    f.Provenance.Version,
		ProvConf:   f.Provenance.Confidence,
		Confidence: f.Confidence,
		Flow:       string(f.Flow),
		FlowRole:   int8(f.FlowRole),
	}
	if f.Location != nil {
		rec.Location = &locationRecord{
			Path:      f.Location.Path,
			Line:      f.Location.Line,
			Column:    f.Location.Column,
			EndLine:   f.Location.EndLine,
			EndColumn: f.Location.EndColumn,
		}
	}
	if f.Custom != nil {
		rec.Discriminant = f.Custom.Discriminant
		rec.Data = make([]fieldRecord, len(f.Custom.Data))
		for i, fl := range f.Custom.Data {
			rec.Data[i] = fieldRecord{Key: fl.Key, Value: fl.Value}
		}
	}
	return rec
}

func fromRecord(rec *factRecord, id fact.ID) fact.Fact {
	f := fact.Fact{
		ID:   id,
		Type: fact.Type(rec.Type),
		Provenance: fact.Provenance{
			Source:     rec.Source,
			Version:    rec.Version,
			Confidence: rec.ProvConf,
		},
		Confidence: rec.Confidence,
		Flow:       fact.FlowID(rec.Flow),
		FlowRole:   fact.FlowRole(rec.FlowRole),
	}
	if rec.Location != nil {
		f.Location = &fact.SourceLocation{
			Path:      rec.Location.Path,
			Line:      rec.Location.Line,
			Column:    rec.Location.Column,
			EndLine:   rec.Location.EndLine,
			EndColumn: rec.Location.EndColumn,
		}
	}
	if rec.Discriminant != "" || len(rec.Data) > 0 {
		payload := &fact.CustomPayload{Discriminant: rec.Discriminant}
		payload.Data = make([]fact.Field, len(rec.Data))
		for i, fl := range rec.Data {
			payload.Data[i] = fact.Field{Key: fl.Key, Value: normalizeValue(fl.Value)}
		}
		f.Custom = payload
	}
	return f
}

// normalizeValue widens msgpack-decoded integers to int64 so custom
// field values compare equal before and after a snapshot round trip.
func normalizeValue(v any) any {
	switch n := v.(type) {
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	default:
		return v
	}
}

// Write serializes a batch to w.
//
// Inputs:
//
//	w - Destination writer.
//	b - The batch to persist.
//
// Outputs:
//
//	error - Non-nil if encoding or writing failed.
func Write(w io.Writer, b *fact.Batch) error {
	var body bytes.Buffer
	offsets := make([]uint64, len(b.Facts))

	for i := range b.Facts {
		offsets[i] = uint64(headerSize + body.Len())
		rec := toRecord(&b.Facts[i])
		data, err := msgpack.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("encode fact %d: %w", i, err)
		}
		// Each record is length-prefixed so it can be decoded alone.
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
		body.Write(lenBuf[:])
		body.Write(data)
	}

	for _, e := range b.Edges {
		var edgeBuf [8]byte
		binary.LittleEndian.PutUint32(edgeBuf[0:4], uint32(e.From))
		binary.LittleEndian.PutUint32(edgeBuf[4:8], uint32(e.To))
		body.Write(edgeBuf[:])
	}

	tableOffset := uint64(headerSize + body.Len())
	for _, off := range offsets {
		var offBuf [8]byte
		binary.LittleEndian.PutUint64(offBuf[:], off)
		body.Write(offBuf[:])
	}

	var header [headerSize]byte
	copy(header[0:4], magic[:])
	binary.LittleEndian.PutUint16(header[4:6], b.SchemaVersion)
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(b.Facts)))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(b.Edges)))
	binary.LittleEndian.PutUint64(header[16:24], tableOffset)

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return fmt.Errorf("write snapshot body: %w", err)
	}
	return nil
}

// WriteFile serializes a batch to a file, creating or truncating it.
func WriteFile(path string, b *fact.Batch) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	if err := Write(f, b); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	return nil
}

// Reader provides random access to a snapshot held in memory.
//
// # Thread Safety
//
// Reader is immutable after NewReader and safe for concurrent use.
type Reader struct {
	data      []byte
	version   uint16
	factCount int
	edgeCount int
	offsets   []uint64
	edgesOff  int
}

// NewReader parses the snapshot header and offset table.
//
// The schema version is checked against fact.SchemaVersion; a mismatch
// returns fact.ErrIncompatibleSchema with both versions in the message.
func NewReader(data []byte) (*Reader, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadMagic, len(data))
	}
	if !bytes.Equal(data[0:4], magic[:]) {
		return nil, ErrBadMagic
	}
	version := binary.LittleEndian.Uint16(data[4:6])
	if version != fact.SchemaVersion {
		return nil, fmt.Errorf("%w: snapshot v%d, engine v%d",
			fact.ErrIncompatibleSchema, version, fact.SchemaVersion)
	}
	factCount := int(binary.LittleEndian.Uint32(data[8:12]))
	edgeCount := int(binary.LittleEndian.Uint32(data[12:16]))
	tableOffset := binary.LittleEndian.Uint64(data[16:24])

	tableEnd := tableOffset + uint64(factCount)*8
	if tableOffset < headerSize || tableEnd > uint64(len(data)) {
		return nil, fmt.Errorf("%w: offset table out of bounds", ErrCorrupted)
	}
	edgesOff := int(tableOffset) - edgeCount*8
	if edgesOff < headerSize {
		return nil, fmt.Errorf("%w: edge section out of bounds", ErrCorrupted)
	}

	offsets := make([]uint64, factCount)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint64(data[int(tableOffset)+i*8:])
		if offsets[i] < headerSize || offsets[i] >= uint64(edgesOff) {
			return nil, fmt.Errorf("%w: record %d offset out of bounds", ErrCorrupted, i)
		}
	}

	return &Reader{
		data:      data,
		version:   version,
		factCount: factCount,
		edgeCount: edgeCount,
		offsets:   offsets,
		edgesOff:  edgesOff,
	}, nil
}

// SchemaVersion returns the snapshot's schema version.
func (r *Reader) SchemaVersion() uint16 {
	return r.version
}

// Len returns the number of facts in the snapshot.
func (r *Reader) Len() int {
	return r.factCount
}

// EdgeCount returns the number of explicit causal edges.
func (r *Reader) EdgeCount() int {
	return r.edgeCount
}

// Fact decodes the i-th fact without touching any other record.
func (r *Reader) Fact(i int) (fact.Fact, error) {
	if i < 0 || i >= r.factCount {
		return fact.Fact{}, fmt.Errorf("%w: fact index %d of %d", ErrCorrupted, i, r.factCount)
	}
	off := int(r.offsets[i])
	if off+4 > len(r.data) {
		return fact.Fact{}, fmt.Errorf("%w: record %d truncated", ErrCorrupted, i)
	}
	recLen := int(binary.LittleEndian.Uint32(r.data[off:]))
	start := off + 4
	if start+recLen > len(r.data) {
		return fact.Fact{}, fmt.Errorf("%w: record %d truncated", ErrCorrupted, i)
	}

	var rec factRecord
	if err := msgpack.Unmarshal(r.data[start:start+recLen], &rec); err != nil {
		return fact.Fact{}, fmt.Errorf("%w: record %d: %v", ErrCorrupted, i, err)
	}
	return fromRecord(&rec, fact.ID(i)), nil
}

// Edges decodes the causal edge section.
func (r *Reader) Edges() []fact.CausalEdge {
	edges := make([]fact.CausalEdge, r.edgeCount)
	for i := 0; i < r.edgeCount; i++ {
		off := r.edgesOff + i*8
		edges[i] = fact.CausalEdge{
			From: fact.ID(binary.LittleEndian.Uint32(r.data[off : off+4])),
			To:   fact.ID(binary.LittleEndian.Uint32(r.data[off+4 : off+8])),
		}
	}
	return edges
}

// Batch decodes the whole snapshot into a fact batch.
func (r *Reader) Batch() (*fact.Batch, error) {
	b := fact.NewBatch()
	b.SchemaVersion = r.version
	b.Facts = make([]fact.Fact, 0, r.factCount)
	for i := 0; i < r.factCount; i++ {
		f, err := r.Fact(i)
		if err != nil {
			return nil, err
		}
		b.Facts = append(b.Facts, f)
	}
	b.Edges = r.Edges()
	return b, nil
}

// ReadFile loads a snapshot file into a fact batch.
func ReadFile(path string) (*fact.Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	r, err := NewReader(data)
	if err != nil {
		return nil, err
	}
	return r.Batch()
}
