package profrec

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpoolRoundTrip(t *testing.T) {
	spool, err := NewSpoolWriter(t.TempDir())
	require.NoError(t, err)

	samples := []*Sample{
		{Pid: 100, Tid: 200, ThreadName: "main", Sec: 17, Nsec: 42,
			Frames: []StackFrame{{IP: 0x1000, SP: 0x2000}, {IP: 0x1100, SP: SentinelSP}}},
		{Pid: 100, Tid: 201, ThreadName: "", Sec: 17, Nsec: 43}, // empty stack, unnamed
	}
	for _, s := range samples {
		require.NoError(t, spool.WriteSample(s))
	}
	require.NoError(t, spool.Close())

	r, err := OpenSpool(spool.Path())
	require.NoError(t, err)
	defer r.Close()

	for _, want := range samples {
		got, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, want.Pid, got.Pid)
		assert.Equal(t, want.Tid, got.Tid)
		assert.Equal(t, want.ThreadName, got.ThreadName)
		assert.Equal(t, want.Sec, got.Sec)
		assert.Equal(t, want.Nsec, got.Nsec)
		assert.Equal(t, want.Frames, got.Frames)
	}
	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestSpoolTornTailReadsClean(t *testing.T) {
	spool, err := NewSpoolWriter(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, spool.WriteSample(&Sample{Pid: 1, Tid: 2, ThreadName: "x",
		Frames: []StackFrame{{IP: 0xaa, SP: 0xbb}}}))
	require.NoError(t, spool.Close())

	// Simulate a crash mid-record: append a length prefix promising more
	// bytes than exist.
	f, err := os.OpenFile(spool.Path(), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xff, 0x00, 0x00, 0x00, 0x01, 0x02})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, err := OpenSpool(spool.Path())
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Tid)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err, "a torn final record must read as clean EOF")
}
