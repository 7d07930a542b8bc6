package ogg

import "bytes"

// Header type flag bits from the Ogg page header.
const (
	// FlagContinuation marks a page whose first segment continues a packet
	// started on the previous page.
	FlagContinuation = 0x01
	// FlagBOS marks the first page of a logical bitstream.
	FlagBOS = 0x02
	// FlagEOS marks the last page of a logical bitstream.
	FlagEOS = 0x04
)

// Opus header page signatures as defined by RFC 7845.
var (
	opusHeadSignature = []byte("OpusHead")
	opusTagsSignature = []byte("OpusTags")
)

// Page is one decoded Ogg page.
//
// SegmentTable and Payload alias the buffer passed to Parse; callers that
// retain pages beyond the lifetime of the input buffer must copy.
type Page struct {
	Version         byte
	HeaderType      byte
	GranulePosition uint64
	SerialNumber    uint32
	SequenceNumber  uint32
	Checksum        uint32
	SegmentTable    []byte
	Payload         []byte
}

// Size returns the encoded size of the page in bytes: fixed header,
// segment table and payload.
func (p *Page) Size() int {
	return headerSize + len(p.SegmentTable) + len(p.Payload)
}

// IsContinuation reports whether the first segment of this page continues a
// packet from the previous page.
func (p *Page) IsContinuation() bool {
	return p.HeaderType&FlagContinuation != 0
}

// IsBOS reports whether this is the beginning-of-stream page.
func (p *Page) IsBOS() bool {
	return p.HeaderType&FlagBOS != 0
}

// IsEOS reports whether this is the end-of-stream page.
func (p *Page) IsEOS() bool {
	return p.HeaderType&FlagEOS != 0
}

// IsOpusHead reports whether the page payload carries the Opus
// identification header.
func (p *Page) IsOpusHead() bool {
	return bytes.HasPrefix(p.Payload, opusHeadSignature)
}

// IsOpusTags reports whether the page payload carries the Opus comment
// header.
func (p *Page) IsOpusTags() bool {
	return bytes.HasPrefix(p.Payload, opusTagsSignature)
}

// IsCodecHeader reports whether the page is part of the codec setup prefix
// (identification or comment header) rather than audio payload.
func (p *Page) IsCodecHeader() bool {
	return p.IsOpusHead() || p.IsOpusTags()
}

// Packets reassembles the codec packets contained in this page using the
// lacing values of the segment table.
//
// The prefix argument carries the unterminated tail of the previous page
// (nil when there is none). The returned rest is the unterminated tail of
// this page, to be passed as prefix for the next page. A lacing value of
// 255 means the packet continues into the following segment or page.
func (p *Page) Packets(prefix []byte) (packets [][]byte, rest []byte) {
	current := prefix
	offset := 0
	for _, lacing := range p.SegmentTable {
		n := int(lacing)
		if offset+n > len(p.Payload) {
			// Truncated payload; drop the partial packet.
			return packets, nil
		}
		current = append(current, p.Payload[offset:offset+n]...)
		offset += n
		if n < 255 {
			packets = append(packets, current)
			current = nil
		}
	}
	return packets, current
}
