package discovery

import (
	"errors"
	"io"

	"github.com/pion/rtp"
	"go.uber.org/zap"
)

// RTPSource yields one raw RTP datagram per Read. A *net.UDPConn
// carrying an RTP stream satisfies it directly.
type RTPSource interface {
	Read(b []byte) (int, error)
}

// RTPSink consumes parsed RTP packets, such as a
// *webrtc.TrackLocalStaticRTP.
type RTPSink interface {
	WriteRTP(p *rtp.Packet) error
}

// ForwardRTP copies RTP packets from a source onto a sink until the
// source ends. Malformed datagrams and individual write failures are
// logged and skipped; the feed keeps flowing.
func ForwardRTP(src RTPSource, sink RTPSink, logger *zap.Logger) error {
	log := logger.Sugar()
	buf := make([]byte, 1500) // MTU size
	packet := &rtp.Packet{}

	for {
		n, err := src.Read(buf)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := packet.Unmarshal(buf[:n]); err != nil {
			log.Warnw("malformed RTP packet skipped", "error", err)
			continue
		}

		if err := sink.WriteRTP(packet); err != nil {
			log.Warnw("failed to write RTP packet", "error", err)
		}
	}
}
