package flowexport

import (
	"encoding/binary"
	"net/netip"
	"time"
)

// NetFlow v9 wire constants.
const (
	nfVersion  = 9
	headerLen  = 20
	maxPayload = 1400

	templateFlowSetID = 0
	templateIDv4      = 256
	templateIDv6      = 257
)

// Field type numbers from RFC 3954.
const (
	fieldInBytes     = 1
	fieldInPkts      = 2
	fieldProtocol    = 4
	fieldL4SrcPort   = 7
	fieldIPv4Src     = 8
	fieldL4DstPort   = 11
	fieldIPv4Dst     = 12
	fieldLastSwitch  = 21
	fieldFirstSwitch = 22
	fieldIPv6Src     = 27
	fieldIPv6Dst     = 28
)

// Record sizes as laid out by encodeDataFlowSet.
const (
	recordSizeV4 = 4 + 4 + 1 + 2 + 4 + 2 + 4 + 4 + 4
	recordSizeV6 = 4 + 4 + 1 + 2 + 16 + 2 + 16 + 4 + 4
)

// FlowRecord is one exported flow. First and Last are in the engine's
// monotonic nanosecond timeline; the codec rebases them onto the export
// packet's sysuptime.
type FlowRecord struct {
	SrcIP    netip.Addr
	DstIP    netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
	Packets  uint64
	Bytes    uint64
	First    uint64
	Last     uint64
	IsIPv6   bool
}

type nfHeader struct {
	Version   uint16
	Count     uint16
	SysUptime uint32
	UnixSecs  uint32
	SeqNumber uint32
	SourceID  uint32
}

func encodeHeader(h nfHeader) []byte {
	buf := make([]byte, headerLen)
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], h.Count)
	binary.BigEndian.PutUint32(buf[4:8], h.SysUptime)
	binary.BigEndian.PutUint32(buf[8:12], h.UnixSecs)
	binary.BigEndian.PutUint32(buf[12:16], h.SeqNumber)
	binary.BigEndian.PutUint32(buf[16:20], h.SourceID)
	return buf
}

func uptimeMs(boot, now time.Time) uint32 {
	return uint32(now.Sub(boot).Milliseconds())
}

type templateField struct {
	fieldType uint16
	length    uint16
}

var templateFieldsV4 = []templateField{
	{fieldInBytes, 4},
	{fieldInPkts, 4},
	{fieldProtocol, 1},
	{fieldL4SrcPort, 2},
	{fieldIPv4Src, 4},
	{fieldL4DstPort, 2},
	{fieldIPv4Dst, 4},
	{fieldFirstSwitch, 4},
	{fieldLastSwitch, 4},
}

var templateFieldsV6 = []templateField{
	{fieldInBytes, 4},
	{fieldInPkts, 4},
	{fieldProtocol, 1},
	{fieldL4SrcPort, 2},
	{fieldIPv6Src, 16},
	{fieldL4DstPort, 2},
	{fieldIPv6Dst, 16},
	{fieldFirstSwitch, 4},
	{fieldLastSwitch, 4},
}

// encodeTemplateFlowSet builds one template flowset carrying both the v4
// and v6 templates.
func encodeTemplateFlowSet() []byte {
	templates := []struct {
		id     uint16
		fields []templateField
	}{
		{templateIDv4, templateFieldsV4},
		{templateIDv6, templateFieldsV6},
	}

	length := 4
	for _, t := range templates {
		length += 4 + len(t.fields)*4
	}

	buf := make([]byte, 0, length)
	buf = binary.BigEndian.AppendUint16(buf, templateFlowSetID)
	buf = binary.BigEndian.AppendUint16(buf, uint16(length))
	for _, t := range templates {
		buf = binary.BigEndian.AppendUint16(buf, t.id)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(t.fields)))
		for _, f := range t.fields {
			buf = binary.BigEndian.AppendUint16(buf, f.fieldType)
			buf = binary.BigEndian.AppendUint16(buf, f.length)
		}
	}
	return buf
}

// encodeDataFlowSet serializes a batch of same-family records. monoNow is
// the current monotonic timestamp and upNow the packet's sysuptime; the
// pair rebases the records' monotonic stamps onto the collector timeline.
func encodeDataFlowSet(records []FlowRecord, monoNow uint64, upNow uint32) []byte {
	if len(records) == 0 {
		return nil
	}
	templateID := uint16(templateIDv4)
	recSize := recordSizeV4
	if records[0].IsIPv6 {
		templateID = templateIDv6
		recSize = recordSizeV6
	}

	length := 4 + len(records)*recSize
	pad := (4 - length%4) % 4
	length += pad

	buf := make([]byte, 0, length)
	buf = binary.BigEndian.AppendUint16(buf, templateID)
	buf = binary.BigEndian.AppendUint16(buf, uint16(length))
	for _, r := range records {
		buf = binary.BigEndian.AppendUint32(buf, clamp32(r.Bytes))
		buf = binary.BigEndian.AppendUint32(buf, clamp32(r.Packets))
		buf = append(buf, r.Protocol)
		buf = binary.BigEndian.AppendUint16(buf, r.SrcPort)
		buf = appendAddr(buf, r.SrcIP, r.IsIPv6)
		buf = binary.BigEndian.AppendUint16(buf, r.DstPort)
		buf = appendAddr(buf, r.DstIP, r.IsIPv6)
		buf = binary.BigEndian.AppendUint32(buf, rebase(r.First, monoNow, upNow))
		buf = binary.BigEndian.AppendUint32(buf, rebase(r.Last, monoNow, upNow))
	}
	for i := 0; i < pad; i++ {
		buf = append(buf, 0)
	}
	return buf
}

func appendAddr(buf []byte, a netip.Addr, v6 bool) []byte {
	if v6 {
		b := a.As16()
		return append(buf, b[:]...)
	}
	b := a.As4()
	return append(buf, b[:]...)
}

// rebase maps a monotonic nanosecond stamp to sysuptime milliseconds.
// Stamps older than the uptime window clamp to zero.
func rebase(mono, monoNow uint64, upNow uint32) uint32 {
	agoMs := (monoNow - mono) / 1e6
	if agoMs > uint64(upNow) {
		return 0
	}
	return upNow - uint32(agoMs)
}

func clamp32(v uint64) uint32 {
	if v > 0xffffffff {
		return 0xffffffff
	}
	return uint32(v)
}
