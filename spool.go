//  Copyright 2024 Ordo One AB
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package profrec

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// The spool is the private intermediate file between the sampling loop and
// the render post-pass: an append-only, length-prefixed sequence of raw
// sample records, little-endian. Not a stable format.
//
//	record := len:u32 body
//	body   := pid:u32 tid:u64 namelen:u32 name:utf8 sec:i64 nsec:u32
//	          nframes:u32 {ip:u64 sp:u64}*
const spoolMaxNameLen = 256

// SpoolWriter appends raw samples to a spool file. Single writer; the
// sampling loop is its only user.
type SpoolWriter struct {
	f   *os.File
	w   *bufio.Writer
	buf []byte
}

// NewSpoolWriter creates the spool as a temporary file in dir (or the
// system temp directory when dir is empty).
func NewSpoolWriter(dir string) (*SpoolWriter, error) {
	f, err := os.CreateTemp(dir, "profrec-spool-*.raw")
	if err != nil {
		return nil, fmt.Errorf("creating spool: %w", err)
	}
	return &SpoolWriter{f: f, w: bufio.NewWriter(f)}, nil
}

// Path returns the spool file path.
func (s *SpoolWriter) Path() string { return s.f.Name() }

// WriteSample appends one record. Any error is fatal for the session; the
// partial spool is retained for debugging.
func (s *SpoolWriter) WriteSample(sample *Sample) error {
	name := sample.ThreadName
	if len(name) > spoolMaxNameLen {
		name = name[:spoolMaxNameLen]
	}

	bodyLen := 4 + 8 + 4 + len(name) + 8 + 4 + 4 + 16*len(sample.Frames)
	if cap(s.buf) < 4+bodyLen {
		s.buf = make([]byte, 0, 4+bodyLen)
	}
	b := s.buf[:0]
	b = binary.LittleEndian.AppendUint32(b, uint32(bodyLen))
	b = binary.LittleEndian.AppendUint32(b, sample.Pid)
	b = binary.LittleEndian.AppendUint64(b, sample.Tid)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(name)))
	b = append(b, name...)
	b = binary.LittleEndian.AppendUint64(b, uint64(sample.Sec))
	b = binary.LittleEndian.AppendUint32(b, sample.Nsec)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(sample.Frames)))
	for _, fr := range sample.Frames {
		b = binary.LittleEndian.AppendUint64(b, fr.IP)
		b = binary.LittleEndian.AppendUint64(b, fr.SP)
	}
	s.buf = b[:0]

	if _, err := s.w.Write(b); err != nil {
		return fmt.Errorf("writing spool record: %w", err)
	}
	return nil
}

// Flush pushes buffered records to the file, bounding what a crash can
// lose to the current round.
func (s *SpoolWriter) Flush() error {
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flushing spool: %w", err)
	}
	return nil
}

// Close flushes and closes the spool file, leaving it on disk for the
// post-pass.
func (s *SpoolWriter) Close() error {
	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return fmt.Errorf("flushing spool: %w", err)
	}
	return s.f.Close()
}

// SpoolReader streams records back in write order. It tolerates a torn
// final record, so a spool from a crashed session stays consumable.
type SpoolReader struct {
	f *os.File
	r *bufio.Reader
}

func OpenSpool(path string) (*SpoolReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening spool: %w", err)
	}
	return &SpoolReader{f: f, r: bufio.NewReader(f)}, nil
}

// Next returns the next sample, or io.EOF when the spool is exhausted. A
// truncated final record reads as clean EOF.
func (s *SpoolReader) Next() (*Sample, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(s.r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	bodyLen := binary.LittleEndian.Uint32(lenBuf[:])
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(s.r, body); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	return decodeSpoolRecord(body)
}

func (s *SpoolReader) Close() error { return s.f.Close() }

func decodeSpoolRecord(body []byte) (*Sample, error) {
	const fixed = 4 + 8 + 4 // up to and including namelen
	if len(body) < fixed {
		return nil, fmt.Errorf("spool record too short: %d bytes", len(body))
	}
	sample := &Sample{
		Pid: binary.LittleEndian.Uint32(body[0:4]),
		Tid: binary.LittleEndian.Uint64(body[4:12]),
	}
	nameLen := int(binary.LittleEndian.Uint32(body[12:16]))
	if nameLen > spoolMaxNameLen || len(body) < fixed+nameLen+16 {
		return nil, fmt.Errorf("spool record malformed")
	}
	sample.ThreadName = string(body[16 : 16+nameLen])
	rest := body[16+nameLen:]
	sample.Sec = int64(binary.LittleEndian.Uint64(rest[0:8]))
	sample.Nsec = binary.LittleEndian.Uint32(rest[8:12])
	nFrames := int(binary.LittleEndian.Uint32(rest[12:16]))
	rest = rest[16:]
	if len(rest) != 16*nFrames {
		return nil, fmt.Errorf("spool record malformed: %d frame bytes for %d frames", len(rest), nFrames)
	}
	if nFrames > 0 {
		sample.Frames = make([]StackFrame, nFrames)
		for i := range sample.Frames {
			sample.Frames[i].IP = binary.LittleEndian.Uint64(rest[16*i:])
			sample.Frames[i].SP = binary.LittleEndian.Uint64(rest[16*i+8:])
		}
	}
	return sample, nil
}
