package media

import (
	"encoding/binary"
)

const (
	videoTrack = 1
	audioTrack = 2

	opusSampleRate = 48000
)

// opusHead is the OpusHead codec private block for mono 48 kHz Opus.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
	1,                      // version
	1,                      // channels
	0x38, 0x01,             // pre-skip 312
	0x80, 0xBB, 0x00, 0x00, // 48000 Hz
	0x00, 0x00,             // gain
	0,                      // mapping family
}

// initSegment is the EBML header, an open-ended Segment, Info and Tracks.
// VP8 is always track 1; Opus is track 2 when audio is set.
func initSegment(width, height uint16, audio bool) []byte {
	header := element(idEBML,
		uintElement(idEBMLVersion, 1),
		uintElement(idEBMLReadVersion, 1),
		uintElement(idEBMLMaxIDLength, 4),
		uintElement(idEBMLMaxSizeLength, 8),
		stringElement(idDocType, "webm"),
		uintElement(idDocTypeVersion, 2),
		uintElement(idDocTypeReadVersion, 2),
	)
	info := element(idInfo,
		uintElement(idTimecodeScale, 1_000_000), // milliseconds
		stringElement(idMuxingApp, "goopcall"),
		stringElement(idWritingApp, "goopcall"),
	)
	entries := [][]byte{element(idTrackEntry,
		uintElement(idTrackNumber, videoTrack),
		uintElement(idTrackUID, videoTrack),
		uintElement(idTrackType, 1),
		stringElement(idCodecID, "V_VP8"),
		element(idVideo,
			uintElement(idPixelWidth, uint64(width)),
			uintElement(idPixelHeight, uint64(height)),
		),
	)}
	if audio {
		entries = append(entries, element(idTrackEntry,
			uintElement(idTrackNumber, audioTrack),
			uintElement(idTrackUID, audioTrack),
			uintElement(idTrackType, 2),
			stringElement(idCodecID, "A_OPUS"),
			element(idCodecPrivate, opusHead),
			element(idAudio,
				floatElement(idSamplingFreq, opusSampleRate),
				uintElement(idChannels, 1),
			),
		))
	}

	out := append([]byte(nil), header...)
	out = appendID(out, idSegment)
	out = append(out, unknownSize...)
	out = append(out, info...)
	return append(out, element(idTracks, entries...)...)
}

// simpleBlock is one frame of track at rel ms from its cluster's time.
func simpleBlock(track uint64, rel int16, key bool, frame []byte) []byte {
	head := appendVint(nil, track)
	head = binary.BigEndian.AppendUint16(head, uint16(rel))
	var flags byte
	if key {
		flags = 0x80
	}
	head = append(head, flags)
	return element(idSimpleBlock, head, frame)
}

func cluster(startMs int64, blocks []byte) []byte {
	return element(idCluster, uintElement(idClusterTime, uint64(startMs)), blocks)
}

// vp8Keyframe reports whether frame is a VP8 key frame and, if so, its
// dimensions from the uncompressed header.
func vp8Keyframe(frame []byte) (key bool, width, height uint16) {
	if len(frame) < 3 || frame[0]&0x01 != 0 {
		return false, 0, 0
	}
	if len(frame) >= 10 && frame[3] == 0x9D && frame[4] == 0x01 && frame[5] == 0x2A {
		width = binary.LittleEndian.Uint16(frame[6:8]) & 0x3FFF
		height = binary.LittleEndian.Uint16(frame[8:10]) & 0x3FFF
	}
	return true, width, height
}
