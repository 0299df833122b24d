// Package addrx bootstraps a reliable-datagram peer relationship. The
// initiator learns the responder's address from descriptor resolution and
// sends its own address as the first message; the responder learns the
// initiator from that message and acknowledges it.
//
// The length prefix is a host-order 8-byte integer, so both peers must share
// byte order and word size.
package addrx

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rocketbitz/fabtests-go/internal/fabric"
	"github.com/rocketbitz/fabtests-go/internal/session"
)

// PrefixSize is the width of the length prefix.
const PrefixSize = 8

// AckSize is the length of the acknowledgement message.
const AckSize = 16

// Encode builds the exchange payload: the address length followed by the
// address bytes.
func Encode(addr fabric.Address) []byte {
	buf := make([]byte, PrefixSize+len(addr))
	binary.NativeEndian.PutUint64(buf, uint64(len(addr)))
	copy(buf[PrefixSize:], addr)
	return buf
}

// Decode extracts the address from an exchange payload.
func Decode(payload []byte) (fabric.Address, error) {
	if len(payload) < PrefixSize {
		return nil, fmt.Errorf("%w: address payload of %d bytes is shorter than its prefix", fabric.ErrProtocol, len(payload))
	}
	n := binary.NativeEndian.Uint64(payload)
	if n == 0 || n > uint64(len(payload)-PrefixSize) {
		return nil, fmt.Errorf("%w: address length %d does not fit payload of %d bytes", fabric.ErrProtocol, n, len(payload))
	}
	return append(fabric.Address(nil), payload[PrefixSize:PrefixSize+int(n)]...), nil
}

// Exchange runs the handshake on s and leaves one receive posted for the
// peer. Any failure aborts; nothing is retried.
func Exchange(s *session.Session) (err error) {
	span := s.Tracer.StartSpan("addrx.exchange")
	defer func() { span.End(err) }()

	if s.Initiator() {
		err = initiate(s)
	} else {
		err = respond(s)
	}
	if err != nil {
		s.Logger.Errorw("address exchange failed", "run_id", s.ID.String(), "role", s.Role.String(), "error", err)
		return err
	}

	if err = s.Endpoint.Recv(s.Region, len(s.Region.Bytes()), s.Peer); err != nil {
		return err
	}
	s.Metrics.HandshakeCompleted(s.Attrs())
	s.Logger.Debugw("address exchange complete", "run_id", s.ID.String(), "role", s.Role.String(), "peer", uint64(s.Peer))
	return nil
}

func initiate(s *session.Session) error {
	if len(s.PeerAddr) == 0 {
		return fmt.Errorf("%w: no destination address resolved", fabric.ErrProtocol)
	}
	local, err := s.Endpoint.Name()
	if err != nil {
		return err
	}
	if _, err := s.InsertPeer(s.PeerAddr); err != nil {
		return err
	}

	payload := Encode(local)
	if len(payload) > s.InjectSize {
		return fmt.Errorf("fi_inject: address payload of %d bytes exceeds inject size %d: %w", len(payload), s.InjectSize, fabric.ErrInvalidSize)
	}
	if err := s.Endpoint.Inject(payload, s.Peer); err != nil {
		return err
	}

	if err := s.Endpoint.Recv(s.Region, len(s.Region.Bytes()), fabric.HandleUnspec); err != nil {
		return err
	}
	return waitRecv(s)
}

func respond(s *session.Session) error {
	if err := s.Endpoint.Recv(s.Region, len(s.Region.Bytes()), fabric.HandleUnspec); err != nil {
		return err
	}
	if err := waitRecv(s); err != nil {
		return err
	}
	addr, err := Decode(s.Region.Bytes())
	if err != nil {
		return err
	}
	if _, err := s.InsertPeer(addr); err != nil {
		return err
	}
	return s.Endpoint.Inject(make([]byte, AckSize), s.Peer)
}

// waitRecv spins on the receive queue until one entry arrives.
func waitRecv(s *session.Session) error {
	for {
		_, err := s.RxCQ.Read()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, fabric.ErrNotReady):
			continue
		case errors.Is(err, fabric.ErrCompletionAvailable):
			ce, rerr := s.RxCQ.ReadError()
			if rerr != nil {
				return fabric.Wrap("fi_cq_readerr", rerr)
			}
			ce.Queue = "rxcq"
			s.Metrics.CompletionError("rxcq", ce, s.Attrs())
			return ce
		default:
			return fabric.Wrap("fi_cq_read", err)
		}
	}
}
