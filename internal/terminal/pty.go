// Package terminal implements the interactive long-lived terminal session
// (C11 InteractiveSession) and the PTY stream normalizer (C12
// PTYStreamProcessor) that sits between a container's TTY and the
// client-facing socket.
//
// Grounded on agent/streaming/bidirectional.go's channel-based stream
// model and agent/streaming/ws_adapter.go's websocket transport adapter,
// generalized from audio/text chunks to the terminal:* event vocabulary.
package terminal

import (
	"sync/atomic"
)

// PTYConfig toggles the normalization rules spec.md §4.12 requires.
type PTYConfig struct {
	NormalizeCRLF   bool // \r\n -> \n
	PreserveControl bool // keep non-printing control bytes (other than the CR handling below)
	PreserveANSI    bool // keep ANSI escape sequences (ESC [ ... )
	MaxChunkBytes   int  // split output into chunks no larger than this (0 = unbounded)
}

// DefaultPTYConfig matches a conventional terminal: normalize CRLF, keep
// ANSI and control bytes (a real shell emits both), chunk at 8 KiB.
func DefaultPTYConfig() PTYConfig {
	return PTYConfig{
		NormalizeCRLF:   true,
		PreserveControl: true,
		PreserveANSI:    true,
		MaxChunkBytes:   8192,
	}
}

// PTYStreamProcessor normalizes raw bytes read from a container's PTY
// before they reach the socket, and tracks pass-through counters for
// diagnostics.
type PTYStreamProcessor struct {
	cfg PTYConfig

	bytesIn      int64
	bytesOut     int64
	ansiSeen     int64
	controlSeen  int64
}

// NewPTYStreamProcessor builds a processor with the given config.
func NewPTYStreamProcessor(cfg PTYConfig) *PTYStreamProcessor {
	return &PTYStreamProcessor{cfg: cfg}
}

// Counters is a snapshot of the processor's running totals.
type Counters struct {
	BytesIn     int64
	BytesOut    int64
	ANSISeen    int64
	ControlSeen int64
}

// Snapshot returns the current counters.
func (p *PTYStreamProcessor) Snapshot() Counters {
	return Counters{
		BytesIn:     atomic.LoadInt64(&p.bytesIn),
		BytesOut:    atomic.LoadInt64(&p.bytesOut),
		ANSISeen:    atomic.LoadInt64(&p.ansiSeen),
		ControlSeen: atomic.LoadInt64(&p.controlSeen),
	}
}

// Process normalizes a chunk of raw PTY output and returns it ready to
// forward on the socket, split into bounded sub-chunks if MaxChunkBytes is
// set. \r\n becomes \n when NormalizeCRLF is set; a lone \r (not followed
// by \n) is dropped when NormalizeCRLF is set and PreserveControl is
// false, otherwise passed through — a bare \r is itself a valid terminal
// control sequence (cursor to column 0) that most real shells rely on.
func (p *PTYStreamProcessor) Process(raw []byte) [][]byte {
	atomic.AddInt64(&p.bytesIn, int64(len(raw)))

	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]

		if c == '\r' {
			if i+1 < len(raw) && raw[i+1] == '\n' {
				if p.cfg.NormalizeCRLF {
					out = append(out, '\n')
					i++
					continue
				}
				out = append(out, '\r', '\n')
				i++
				continue
			}
			// lone \r
			if p.cfg.NormalizeCRLF && !p.cfg.PreserveControl {
				continue
			}
			out = append(out, '\r')
			continue
		}

		if c == 0x1B { // ESC — start of an ANSI sequence
			atomic.AddInt64(&p.ansiSeen, 1)
			if !p.cfg.PreserveANSI {
				i = skipANSISequence(raw, i)
				continue
			}
			out = append(out, c)
			continue
		}

		if isControlByte(c) {
			atomic.AddInt64(&p.controlSeen, 1)
			if !p.cfg.PreserveControl {
				continue
			}
		}

		out = append(out, c)
	}

	atomic.AddInt64(&p.bytesOut, int64(len(out)))
	return chunk(out, p.cfg.MaxChunkBytes)
}

func isControlByte(c byte) bool {
	return c < 0x20 && c != '\n' && c != '\t'
}

// skipANSISequence returns the index of the last byte of the ANSI escape
// sequence starting at raw[start] (which must be 0x1B), so the caller can
// advance past it without emitting any of it.
func skipANSISequence(raw []byte, start int) int {
	i := start
	if i+1 >= len(raw) {
		return i
	}
	if raw[i+1] != '[' {
		return i + 1
	}
	i += 2
	for i < len(raw) {
		c := raw[i]
		if c >= 0x40 && c <= 0x7E {
			return i
		}
		i++
	}
	return len(raw) - 1
}

func chunk(b []byte, max int) [][]byte {
	if max <= 0 || len(b) <= max {
		return [][]byte{b}
	}
	var out [][]byte
	for len(b) > 0 {
		n := max
		if n > len(b) {
			n = len(b)
		}
		out = append(out, b[:n])
		b = b[n:]
	}
	return out
}
