//go:build linux

package source

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/mdlayher/packet"
	"golang.org/x/sys/unix"
)

// AFPacket is a PacketSource and PacketSink over an AF_PACKET socket bound
// to one interface. It is the plain in-kernel adapter for running the
// engine on real traffic; kernel-bypass rings are deliberately out of
// scope and would slot in behind the same interfaces.
type AFPacket struct {
	conn   *packet.Conn
	iface  *net.Interface
	frames [][]byte
	batch  [][]byte
	txbuf  []byte
}

// OpenAFPacket opens an AF_PACKET socket on the named interface, receiving
// every protocol.
func OpenAFPacket(ifaceName string, frameSize, maxBatch int) (*AFPacket, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", ifaceName, err)
	}
	conn, err := packet.Listen(iface, packet.Raw, unix.ETH_P_ALL, nil)
	if err != nil {
		return nil, fmt.Errorf("af_packet listen on %s: %w", ifaceName, err)
	}

	a := &AFPacket{
		conn:   conn,
		iface:  iface,
		frames: make([][]byte, maxBatch),
		batch:  make([][]byte, 0, maxBatch),
		txbuf:  make([]byte, 0, frameSize),
	}
	for i := range a.frames {
		a.frames[i] = make([]byte, frameSize)
	}
	return a, nil
}

// Poll reads up to max frames, blocking at most one deadline interval.
func (a *AFPacket) Poll(max int) ([][]byte, error) {
	if max > len(a.frames) {
		max = len(a.frames)
	}
	a.batch = a.batch[:0]

	_ = a.conn.SetReadDeadline(time.Now().Add(defaultPollWait))
	for len(a.batch) < max {
		n, _, err := a.conn.ReadFrom(a.frames[len(a.batch)])
		if err != nil {
			if os.IsTimeout(err) {
				break
			}
			if len(a.batch) > 0 {
				break
			}
			return nil, fmt.Errorf("af_packet read: %w", err)
		}
		if n == 0 {
			continue
		}
		a.batch = append(a.batch, a.frames[len(a.batch)][:n])
	}
	return a.batch, nil
}

// Send transmits one frame. Chained segments are coalesced into the
// socket's transmit staging buffer first; AF_PACKET has no scatter-gather
// submit path.
func (a *AFPacket) Send(segments ...[]byte) error {
	var frame []byte
	if len(segments) == 1 {
		frame = segments[0]
	} else {
		a.txbuf = a.txbuf[:0]
		for _, seg := range segments {
			a.txbuf = append(a.txbuf, seg...)
		}
		frame = a.txbuf
	}
	if len(frame) < 14 {
		return fmt.Errorf("frame too short to transmit: %d bytes", len(frame))
	}
	addr := &packet.Addr{HardwareAddr: net.HardwareAddr(frame[0:6])}
	_, err := a.conn.WriteTo(frame, addr)
	return err
}

// Close releases the socket.
func (a *AFPacket) Close() error { return a.conn.Close() }
