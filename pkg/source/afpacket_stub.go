//go:build !linux

package source

import "errors"

// AFPacket requires Linux AF_PACKET sockets.
type AFPacket struct{}

// OpenAFPacket always fails off Linux; the channel source remains
// available for simulation.
func OpenAFPacket(ifaceName string, frameSize, maxBatch int) (*AFPacket, error) {
	return nil, errors.New("af_packet source requires linux")
}

func (a *AFPacket) Poll(max int) ([][]byte, error) { return nil, ErrClosed }
func (a *AFPacket) Send(segments ...[]byte) error  { return ErrClosed }
func (a *AFPacket) Close() error                   { return nil }
