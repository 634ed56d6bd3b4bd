package terminal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPTYStreamProcessor_NormalizesCRLF(t *testing.T) {
	p := NewPTYStreamProcessor(PTYConfig{NormalizeCRLF: true, PreserveControl: true, PreserveANSI: true})

	chunks := p.Process([]byte("line1\r\nline2\r\n"))

	assert.Equal(t, [][]byte{[]byte("line1\nline2\n")}, chunks)
}

func TestPTYStreamProcessor_PreservesLoneCRWhenControlPreserved(t *testing.T) {
	p := NewPTYStreamProcessor(PTYConfig{NormalizeCRLF: true, PreserveControl: true})

	chunks := p.Process([]byte("progress\rdone"))

	assert.Equal(t, "progress\rdone", string(chunks[0]))
}

func TestPTYStreamProcessor_DropsLoneCRWhenControlNotPreserved(t *testing.T) {
	p := NewPTYStreamProcessor(PTYConfig{NormalizeCRLF: true, PreserveControl: false})

	chunks := p.Process([]byte("progress\rdone"))

	assert.Equal(t, "progressdone", string(chunks[0]))
}

func TestPTYStreamProcessor_StripsANSIWhenNotPreserved(t *testing.T) {
	p := NewPTYStreamProcessor(PTYConfig{PreserveANSI: false, PreserveControl: true})

	chunks := p.Process([]byte("\x1b[31mred\x1b[0m plain"))

	assert.Equal(t, "red plain", string(chunks[0]))
	assert.EqualValues(t, 2, p.Snapshot().ANSISeen)
}

func TestPTYStreamProcessor_KeepsANSIWhenPreserved(t *testing.T) {
	p := NewPTYStreamProcessor(PTYConfig{PreserveANSI: true, PreserveControl: true})

	chunks := p.Process([]byte("\x1b[31mred\x1b[0m"))

	assert.Equal(t, "\x1b[31mred\x1b[0m", string(chunks[0]))
}

func TestPTYStreamProcessor_ChunksBoundedOutput(t *testing.T) {
	p := NewPTYStreamProcessor(PTYConfig{MaxChunkBytes: 4})

	chunks := p.Process([]byte("abcdefghij"))

	assert.Len(t, chunks, 3)
	assert.Equal(t, "abcd", string(chunks[0]))
	assert.Equal(t, "efgh", string(chunks[1]))
	assert.Equal(t, "ij", string(chunks[2]))
}

func TestPTYStreamProcessor_CountersAccumulate(t *testing.T) {
	p := NewPTYStreamProcessor(DefaultPTYConfig())

	p.Process([]byte("hello\n"))
	p.Process([]byte("world\n"))

	snap := p.Snapshot()
	assert.EqualValues(t, 12, snap.BytesIn)
	assert.EqualValues(t, 12, snap.BytesOut)
}

func TestSanitizeForContainer(t *testing.T) {
	assert.Equal(t, "abc123", sanitizeForContainer("abc123"))
	assert.Equal(t, "anon", sanitizeForContainer("###"))
	assert.Len(t, sanitizeForContainer("abcdefghijklmnopqrstuvwxyz1234567890"), 32)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "exited", StateExited.String())
	assert.Equal(t, "error", StateError.String())
}
