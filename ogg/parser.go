package ogg

import "encoding/binary"

// capturePattern is the four byte magic at the start of every Ogg page.
var capturePattern = []byte("OggS")

// headerSize is the fixed portion of an Ogg page header, before the
// segment table.
const headerSize = 27

// Parse scans data for Ogg pages and returns every well-formed page found,
// in order, starting at offset zero.
//
// Parsing stops at the first offset that does not hold a complete,
// well-formed page header. No error is returned: a partial or truncated
// buffer simply yields the pages that were complete. This tolerates wire
// messages that split a page across message boundaries.
func Parse(data []byte) []Page {
	var pages []Page
	offset := 0
	for {
		page, consumed, ok := parsePage(data[offset:])
		if !ok {
			return pages
		}
		pages = append(pages, page)
		offset += consumed
	}
}

// parsePage decodes a single page at the start of data. It returns the
// decoded page, the number of bytes consumed and whether decoding
// succeeded.
func parsePage(data []byte) (Page, int, bool) {
	if len(data) < headerSize {
		return Page{}, 0, false
	}
	if string(data[0:4]) != string(capturePattern) {
		return Page{}, 0, false
	}
	if data[4] != 0 {
		// Only stream structure version 0 exists.
		return Page{}, 0, false
	}

	segmentCount := int(data[26])
	tableEnd := headerSize + segmentCount
	if len(data) < tableEnd {
		return Page{}, 0, false
	}

	segmentTable := data[headerSize:tableEnd]
	payloadLen := 0
	for _, lacing := range segmentTable {
		payloadLen += int(lacing)
	}
	pageEnd := tableEnd + payloadLen
	if len(data) < pageEnd {
		return Page{}, 0, false
	}

	page := Page{
		Version:         data[4],
		HeaderType:      data[5],
		GranulePosition: binary.LittleEndian.Uint64(data[6:14]),
		SerialNumber:    binary.LittleEndian.Uint32(data[14:18]),
		SequenceNumber:  binary.LittleEndian.Uint32(data[18:22]),
		Checksum:        binary.LittleEndian.Uint32(data[22:26]),
		SegmentTable:    segmentTable,
		Payload:         data[tableEnd:pageEnd],
	}
	return page, pageEnd, true
}
