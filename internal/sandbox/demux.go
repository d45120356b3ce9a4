package sandbox

import (
	"bufio"
	"encoding/binary"
	"io"
	"strings"
)

// frameHeaderSize is the fixed-width header prefixing every frame of
// the sandbox's combined output stream (spec §4.5): 1 byte stream id,
// 3 reserved bytes, 4-byte big-endian payload length.
const frameHeaderSize = 8

// demux reads frameHeaderSize-prefixed frames from r, splits their
// payloads on newlines, and calls onLine for each complete line.
// Partial lines are buffered until a newline arrives or the stream
// closes, at which point any trailing partial line is flushed too.
func demux(r io.Reader, onLine func(string)) error {
	br := bufio.NewReader(r)
	header := make([]byte, frameHeaderSize)
	var pending strings.Builder

	flushLines := func(payload []byte) {
		pending.Write(payload)
		for {
			s := pending.String()
			idx := strings.IndexByte(s, '\n')
			if idx < 0 {
				break
			}
			onLine(strings.TrimSuffix(s[:idx], "\r"))
			pending.Reset()
			pending.WriteString(s[idx+1:])
		}
	}

	for {
		if _, err := io.ReadFull(br, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return err
		}
		length := binary.BigEndian.Uint32(header[4:8])
		payload := make([]byte, length)
		if n, err := io.ReadFull(br, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				flushLines(payload[:n])
				break
			}
			return err
		}
		flushLines(payload)
	}

	if pending.Len() > 0 {
		onLine(pending.String())
	}
	return nil
}

// Builder writes a framed payload for tests and for any in-process
// caller that needs to emulate the sandbox image's wire format.
func Builder(streamID byte, payload []byte) []byte {
	header := make([]byte, frameHeaderSize)
	header[0] = streamID
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
	return append(header, payload...)
}
