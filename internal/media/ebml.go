package media

import (
	"encoding/binary"
	"math"
)

// Matroska element IDs, written with their marker bits included.
const (
	idEBML               = 0x1A45DFA3
	idEBMLVersion        = 0x4286
	idEBMLReadVersion    = 0x42F7
	idEBMLMaxIDLength    = 0x42F2
	idEBMLMaxSizeLength  = 0x42F3
	idDocType            = 0x4282
	idDocTypeVersion     = 0x4287
	idDocTypeReadVersion = 0x4285

	idSegment       = 0x18538067
	idInfo          = 0x1549A966
	idTimecodeScale = 0x2AD7B1
	idMuxingApp     = 0x4D80
	idWritingApp    = 0x5741

	idTracks       = 0x1654AE6B
	idTrackEntry   = 0xAE
	idTrackNumber  = 0xD7
	idTrackUID     = 0x73C5
	idTrackType    = 0x83
	idCodecID      = 0x86
	idCodecPrivate = 0x63A2
	idVideo        = 0xE0
	idPixelWidth   = 0xB0
	idPixelHeight  = 0xBA
	idAudio        = 0xE1
	idSamplingFreq = 0xB5
	idChannels     = 0x9F
	idCluster      = 0x1F43B675
	idClusterTime  = 0xE7
	idSimpleBlock  = 0xA3
)

// unknownSize marks a live Segment whose length is never known.
var unknownSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// appendID appends id in as few bytes as it occupies.
func appendID(b []byte, id uint32) []byte {
	switch {
	case id > 0xFFFFFF:
		return append(b, byte(id>>24), byte(id>>16), byte(id>>8), byte(id))
	case id > 0xFFFF:
		return append(b, byte(id>>16), byte(id>>8), byte(id))
	case id > 0xFF:
		return append(b, byte(id>>8), byte(id))
	default:
		return append(b, byte(id))
	}
}

// appendVint appends n as an EBML variable-length size. All-ones values are
// reserved, so each width holds one less than its maximum.
func appendVint(b []byte, n uint64) []byte {
	width := 1
	for width < 8 && n >= (uint64(1)<<(7*width))-1 {
		width++
	}
	marked := n | uint64(1)<<(7*width)
	for i := width - 1; i >= 0; i-- {
		b = append(b, byte(marked>>(8*i)))
	}
	return b
}

// element encodes id, the size of the concatenated parts, then the parts.
func element(id uint32, parts ...[]byte) []byte {
	size := 0
	for _, p := range parts {
		size += len(p)
	}
	b := make([]byte, 0, size+12)
	b = appendID(b, id)
	b = appendVint(b, uint64(size))
	for _, p := range parts {
		b = append(b, p...)
	}
	return b
}

func uintElement(id uint32, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	i := 0
	for i < 7 && buf[i] == 0 {
		i++
	}
	return element(id, buf[i:])
}

func floatElement(id uint32, v float64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
	return element(id, buf[:])
}

func stringElement(id uint32, s string) []byte {
	return element(id, []byte(s))
}
