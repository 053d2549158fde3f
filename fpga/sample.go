package fpga

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Channels is the number of analog input channels.
const Channels = 8

// SampleSize is the size of an encoded sample frame.
const SampleSize = 76

// Sample is one acquisition frame as returned by RD_SAMPLE.
type Sample struct {
	Index        uint32          `cbor:"1,keyasint"`
	Values       [Channels]int32 `cbor:"2,keyasint"`
	ExtQuality   uint32          `cbor:"3,keyasint"`
	OutOfRange   uint32          `cbor:"4,keyasint"`
	Overflow     uint32          `cbor:"5,keyasint"`
	HWFail       uint32          `cbor:"6,keyasint"`
	Count        uint16          `cbor:"7,keyasint"`
	SyncHigh     uint8           `cbor:"8,keyasint"`
	SyncHighTrig uint8           `cbor:"9,keyasint"`
}

// frame is the wire layout of a sample.
type frame struct {
	Index        uint32
	_            [4]uint32
	Values       [Channels]int32
	ExtQuality   uint32
	OutOfRange   uint32
	Overflow     uint32
	HWFail       uint32
	Count        uint16
	SyncHigh     uint8
	SyncHighTrig uint8
	_            uint32
}

// UnmarshalBinary decodes a little-endian sample frame.
func (s *Sample) UnmarshalBinary(data []byte) error {
	if len(data) != SampleSize {
		return fmt.Errorf("fpga: sample frame is %d bytes, want %d", len(data), SampleSize)
	}
	var f frame
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &f); err != nil {
		return fmt.Errorf("fpga: %w", err)
	}
	*s = Sample{
		Index:        f.Index,
		Values:       f.Values,
		ExtQuality:   f.ExtQuality,
		OutOfRange:   f.OutOfRange,
		Overflow:     f.Overflow,
		HWFail:       f.HWFail,
		Count:        f.Count,
		SyncHigh:     f.SyncHigh,
		SyncHighTrig: f.SyncHighTrig,
	}
	return nil
}

// MarshalBinary encodes s as a little-endian sample frame.
func (s *Sample) MarshalBinary() ([]byte, error) {
	f := frame{
		Index:        s.Index,
		Values:       s.Values,
		ExtQuality:   s.ExtQuality,
		OutOfRange:   s.OutOfRange,
		Overflow:     s.Overflow,
		HWFail:       s.HWFail,
		Count:        s.Count,
		SyncHigh:     s.SyncHigh,
		SyncHighTrig: s.SyncHighTrig,
	}
	var buf bytes.Buffer
	buf.Grow(SampleSize)
	if err := binary.Write(&buf, binary.LittleEndian, &f); err != nil {
		return nil, fmt.Errorf("fpga: %w", err)
	}
	return buf.Bytes(), nil
}

// SeqReader reads device memory with an explicit LUT sequence.
type SeqReader interface {
	ReadSeq(addr uint32, seq uint8, buf []byte) error
}

// ReadSample issues RD_SAMPLE at addr and decodes the frame.
func ReadSample(r SeqReader, addr uint32) (*Sample, error) {
	seq, err := Index("RD_SAMPLE")
	if err != nil {
		return nil, err
	}
	buf := make([]byte, SampleSize)
	if err := r.ReadSeq(addr, seq, buf); err != nil {
		return nil, err
	}
	s := new(Sample)
	if err := s.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return s, nil
}
