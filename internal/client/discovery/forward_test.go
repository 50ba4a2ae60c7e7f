package discovery

import (
	"errors"
	"io"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedSource replays a fixed list of datagrams, then EOF.
type scriptedSource struct {
	datagrams [][]byte
	next      int
}

func (s *scriptedSource) Read(b []byte) (int, error) {
	if s.next >= len(s.datagrams) {
		return 0, io.EOF
	}
	n := copy(b, s.datagrams[s.next])
	s.next++
	return n, nil
}

type recordingSink struct {
	seqs    []uint16
	failSeq uint16
}

func (r *recordingSink) WriteRTP(p *rtp.Packet) error {
	if r.failSeq != 0 && p.SequenceNumber == r.failSeq {
		return errors.New("send buffer full")
	}
	r.seqs = append(r.seqs, p.SequenceNumber)
	return nil
}

func marshalPacket(t *testing.T, seq uint16) []byte {
	t.Helper()

	p := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 3000,
			SSRC:           0x1234,
		},
		Payload: []byte{0xde, 0xad, 0xbe, 0xef},
	}
	data, err := p.Marshal()
	require.NoError(t, err)
	return data
}

func TestForwardRTPCopiesPacketsUntilEOF(t *testing.T) {
	src := &scriptedSource{datagrams: [][]byte{
		marshalPacket(t, 1),
		marshalPacket(t, 2),
		marshalPacket(t, 3),
	}}
	sink := &recordingSink{}

	err := ForwardRTP(src, sink, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2, 3}, sink.seqs)
}

func TestForwardRTPSkipsMalformedDatagrams(t *testing.T) {
	src := &scriptedSource{datagrams: [][]byte{
		marshalPacket(t, 1),
		{0x01}, // too short to be RTP
		marshalPacket(t, 2),
	}}
	sink := &recordingSink{}

	err := ForwardRTP(src, sink, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2}, sink.seqs)
}

func TestForwardRTPKeepsFlowingPastWriteFailures(t *testing.T) {
	src := &scriptedSource{datagrams: [][]byte{
		marshalPacket(t, 1),
		marshalPacket(t, 2),
		marshalPacket(t, 3),
	}}
	sink := &recordingSink{failSeq: 2}

	err := ForwardRTP(src, sink, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 3}, sink.seqs)
}

func TestForwardRTPPropagatesSourceErrors(t *testing.T) {
	err := ForwardRTP(failingSource{}, &recordingSink{}, zap.NewNop())
	assert.EqualError(t, err, "connection reset")
}

type failingSource struct{}

func (failingSource) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}
