package httpcodec

import (
	"bytes"
	"strconv"
)

// maxChunkLineLength bounds a chunk size line or trailer line.
const maxChunkLineLength = 4096

type chunkPhase int

const (
	readingSize chunkPhase = iota
	readingBody
	readingTrailer  // CRLF that ends each chunk's data
	readingTrailers // optional trailer fields after the zero chunk
	chunksDone
)

func (p chunkPhase) String() string {
	switch p {
	case readingSize:
		return "ReadingSize"
	case readingBody:
		return "ReadingBody"
	case readingTrailer:
		return "ReadingTrailer"
	case readingTrailers:
		return "ReadingTrailers"
	case chunksDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// chunkDecoder decodes chunked transfer-encoding incrementally. Input may be
// split at any byte boundary; a size line cut in half is kept in partial
// until its LF arrives.
type chunkDecoder struct {
	phase     chunkPhase
	remaining uint64
	partial   []byte
	sawCR     bool
}

// decode consumes bytes from src and writes body bytes into dst. It stops
// when dst is full, src is exhausted or the terminal chunk has been read.
func (d *chunkDecoder) decode(dst, src []byte) (nDst, nSrc int, err error) {
	for nSrc < len(src) && d.phase != chunksDone {
		switch d.phase {
		case readingSize, readingTrailers:
			i := bytes.IndexByte(src[nSrc:], '\n')
			if i < 0 {
				if len(d.partial)+len(src)-nSrc > maxChunkLineLength {
					return nDst, nSrc, malformed("chunk line exceeds %d bytes", maxChunkLineLength)
				}
				d.partial = append(d.partial, src[nSrc:]...)
				return nDst, len(src), nil
			}

			line := src[nSrc : nSrc+i]
			if len(d.partial) > 0 {
				if len(d.partial)+len(line) > maxChunkLineLength {
					return nDst, nSrc, malformed("chunk line exceeds %d bytes", maxChunkLineLength)
				}
				line = append(d.partial, line...)
			}
			nSrc += i + 1
			line = bytes.TrimSuffix(line, []byte("\r"))

			if d.phase == readingSize {
				size, err := parseChunkSize(line)
				if err != nil {
					return nDst, nSrc, err
				}
				if size == 0 {
					d.phase = readingTrailers
				} else {
					d.remaining = size
					d.phase = readingBody
				}
			} else if len(line) == 0 {
				d.phase = chunksDone
			}
			d.partial = d.partial[:0]

		case readingBody:
			if nDst == len(dst) {
				return nDst, nSrc, nil
			}
			n := len(src) - nSrc
			if free := len(dst) - nDst; free < n {
				n = free
			}
			if uint64(n) > d.remaining {
				n = int(d.remaining)
			}
			copy(dst[nDst:], src[nSrc:nSrc+n])
			nDst += n
			nSrc += n
			d.remaining -= uint64(n)
			if d.remaining == 0 {
				d.phase = readingTrailer
			}

		case readingTrailer:
			switch c := src[nSrc]; {
			case c == '\r' && !d.sawCR:
				d.sawCR = true
				nSrc++
			case c == '\n':
				d.sawCR = false
				d.phase = readingSize
				nSrc++
			default:
				return nDst, nSrc, malformed("missing CRLF after chunk data")
			}
		}
	}
	return nDst, nSrc, nil
}

func (d *chunkDecoder) done() bool {
	return d.phase == chunksDone
}

// parseChunkSize parses a hex size, ignoring any chunk extensions.
func parseChunkSize(line []byte) (uint64, error) {
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = bytes.TrimRight(line, " \t")
	if len(line) == 0 || len(line) > 16 {
		return 0, malformed("invalid chunk size %q", line)
	}
	size, err := strconv.ParseUint(string(line), 16, 64)
	if err != nil {
		return 0, malformed("invalid chunk size %q", line)
	}
	return size, nil
}
