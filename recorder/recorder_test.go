// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package recorder_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/wireloop/streamio"
	"github.com/wireloop/streamio/recorder"
)

// fakeStream is a minimal would-block-capable ByteStream backed by two
// queues, used to exercise RecordedStream without a real socket.
type fakeStream struct {
	toRead  [][]byte
	written [][]byte
	closed  bool
}

func (f *fakeStream) Read(p []byte) (int, error) {
	if len(f.toRead) == 0 {
		return 0, streamio.ErrWouldBlock
	}
	n := copy(p, f.toRead[0])
	if n < len(f.toRead[0]) {
		f.toRead[0] = f.toRead[0][n:]
	} else {
		f.toRead = f.toRead[1:]
	}
	return n, nil
}

func (f *fakeStream) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	f.written = append(f.written, cp)
	return len(p), nil
}

func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

var _ streamio.ByteStream = (*fakeStream)(nil)

func TestRecordedStreamTeesReadsAndWrites(t *testing.T) {
	inner := &fakeStream{toRead: [][]byte{[]byte("hello"), []byte("world")}}
	var readLog, writeLog bytes.Buffer
	rs := recorder.New[*fakeStream](inner, &readLog, &writeLog)

	buf := make([]byte, 5)
	n, err := rs.Read(buf)
	if err != nil || n != 5 || string(buf) != "hello" {
		t.Fatalf("Read = %d, %v, %q", n, err, buf)
	}
	n, err = rs.Read(buf)
	if err != nil || n != 5 || string(buf) != "world" {
		t.Fatalf("Read = %d, %v, %q", n, err, buf)
	}
	if _, err := rs.Read(buf); !errors.Is(err, streamio.ErrWouldBlock) {
		t.Fatalf("expected would-block, got %v", err)
	}
	if readLog.String() != "helloworld" {
		t.Fatalf("read log = %q, want %q", readLog.String(), "helloworld")
	}

	if _, err := rs.Write([]byte("ack")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if writeLog.String() != "ack" {
		t.Fatalf("write log = %q, want %q", writeLog.String(), "ack")
	}
	if len(inner.written) != 1 || string(inner.written[0]) != "ack" {
		t.Fatalf("inner did not receive forwarded write: %v", inner.written)
	}

	if err := rs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !inner.closed {
		t.Fatalf("inner stream was not closed")
	}
}

func TestReplayFeedsRecordedBytesInOrder(t *testing.T) {
	inner := &fakeStream{toRead: [][]byte{[]byte("frame-one"), []byte("frame-two")}}
	var readLog bytes.Buffer
	rs := recorder.New[*fakeStream](inner, &readLog, nil)

	buf := make([]byte, 32)
	total := 0
	for {
		n, err := rs.Read(buf[total:])
		total += n
		if errors.Is(err, streamio.ErrWouldBlock) {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
	}

	replay := recorder.NewReplay(bytes.NewReader(readLog.Bytes()))
	out := make([]byte, total)
	got := 0
	for got < total {
		n, err := replay.Read(out[got:])
		got += n
		if err != nil && err != io.EOF {
			t.Fatalf("replay Read: %v", err)
		}
	}
	if string(out) != string(buf[:total]) {
		t.Fatalf("replay = %q, want %q", out, buf[:total])
	}

	if _, err := replay.Write([]byte("x")); !errors.Is(err, streamio.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration from Write, got %v", err)
	}
}
