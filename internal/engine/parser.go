package engine

import (
	"regexp"
	"strconv"
	"strings"
)

// Sample is one structured progress observation parsed from the copy
// process's status stream. Byte counts are cumulative for the run.
type Sample struct {
	BytesTransferred uint64
	ElapsedSeconds   float64
	RecordsIn        *uint64
	RecordsOut       *uint64
	ErrorAtOffset    *uint64
}

// Anomaly describes a status line that matched the expected shape but could
// not be turned into a sample. Anomalies are logged and never abort a run.
type Anomaly struct {
	Line   string
	Reason string
}

var (
	bytesRe   = regexp.MustCompile(`(\d+)\s+bytes`)
	recordsRe = regexp.MustCompile(`^(\d+)\+(\d+) records (in|out)`)
	errorRe   = regexp.MustCompile(`(?i)(error reading|error writing|Input/output error|Cannot allocate memory)`)
	// dd on some platforms prints the failing offset, e.g. "error reading
	// '/dev/sdb': ... at offset 1048576".
	offsetRe = regexp.MustCompile(`(?i)offset\s+(\d+)`)
)

// Parser converts raw dd status lines into Samples, one line at a time.
// It is stateful: records-only lines are normalized to bytes using the
// active block size, and the last byte count anchors error attribution.
type Parser struct {
	blockSize uint64

	lastBytes      uint64
	haveBytes      bool
	pendingIn      *uint64
	pendingOut     *uint64
	pendingErrorAt *uint64
}

// NewParser returns a parser for a stream produced with the given dd block
// size. A zero block size disables record normalization.
func NewParser(blockSize uint64) *Parser {
	return &Parser{blockSize: blockSize}
}

// LastBytes reports the highest byte count seen so far.
func (p *Parser) LastBytes() uint64 {
	return p.lastBytes
}

// ParseLine consumes one status line. It returns a sample, an anomaly, or
// neither (for banners and other noise). elapsed is the wall-clock seconds
// since the process started, stamped onto any produced sample.
func (p *Parser) ParseLine(line string, elapsed float64) (*Sample, *Anomaly) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}

	if errorRe.MatchString(line) {
		at := p.lastBytes
		if m := offsetRe.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseUint(m[1], 10, 64); err == nil {
				at = v
			}
		}
		p.pendingErrorAt = &at
		// The error line itself rarely carries a byte counter; if it does,
		// fall through so the sample picks the error offset up.
		if !bytesRe.MatchString(line) {
			sample := &Sample{
				BytesTransferred: p.lastBytes,
				ElapsedSeconds:   elapsed,
				ErrorAtOffset:    p.takePendingError(),
			}
			return sample, nil
		}
	}

	if m := recordsRe.FindStringSubmatch(line); m != nil {
		full, err1 := strconv.ParseUint(m[1], 10, 64)
		partial, err2 := strconv.ParseUint(m[2], 10, 64)
		if err1 != nil || err2 != nil {
			return nil, &Anomaly{Line: line, Reason: "unparsable record count"}
		}
		count := full + partial
		switch m[3] {
		case "in":
			p.pendingIn = &count
		case "out":
			p.pendingOut = &count
			// "records out" is the authoritative transferred amount when no
			// byte counter follows on the same line. A trailing partial
			// record is shorter than a full block, so only full records are
			// converted; the next byte counter corrects the tail.
			if p.blockSize > 0 && !bytesRe.MatchString(line) {
				return p.emit(full*p.blockSize, elapsed)
			}
		}
		if !bytesRe.MatchString(line) {
			return nil, nil
		}
	}

	m := bytesRe.FindStringSubmatch(line)
	if m == nil {
		return nil, nil
	}
	value, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return nil, &Anomaly{Line: line, Reason: "unparsable byte count"}
	}
	return p.emit(value, elapsed)
}

func (p *Parser) emit(bytes uint64, elapsed float64) (*Sample, *Anomaly) {
	if p.haveBytes && bytes < p.lastBytes {
		return nil, &Anomaly{
			Line:   strconv.FormatUint(bytes, 10) + " bytes",
			Reason: "byte counter went backwards",
		}
	}
	p.lastBytes = bytes
	p.haveBytes = true
	sample := &Sample{
		BytesTransferred: bytes,
		ElapsedSeconds:   elapsed,
		RecordsIn:        p.pendingIn,
		RecordsOut:       p.pendingOut,
		ErrorAtOffset:    p.takePendingError(),
	}
	p.pendingIn = nil
	p.pendingOut = nil
	return sample, nil
}

func (p *Parser) takePendingError() *uint64 {
	at := p.pendingErrorAt
	p.pendingErrorAt = nil
	return at
}

// ScanStatusLines is a bufio.SplitFunc that treats both \n and \r as line
// terminators. dd rewrites its progress line with carriage returns, so a
// plain line scanner would only see the final state.
func ScanStatusLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
