package device

import (
	"fmt"
	"strings"

	"ddtui/internal/engine"
)

// Compression selects the optional pipeline stage between dd and the image
// file.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
)

func (c Compression) String() string {
	if c == CompressionGzip {
		return "gzip"
	}
	return "none"
}

// WipePattern selects the data source for a secure wipe.
type WipePattern int

const (
	WipeZero WipePattern = iota
	WipeRandom
)

func (w WipePattern) Source() string {
	if w == WipeRandom {
		return "/dev/urandom"
	}
	return "/dev/zero"
}

// Plan carries a fully-resolved operation for the engine: an opaque shell
// pipeline plus the declared byte total and display labels.
type Plan struct {
	Kind       engine.Kind
	Source     string
	Dest       string
	TotalBytes uint64
	BlockSize  uint64
	Command    string
}

// Spec converts the plan into the engine's run spec.
func (p Plan) Spec(cellCount int) engine.RunSpec {
	return engine.RunSpec{
		Kind:       p.Kind,
		Source:     p.Source,
		Dest:       p.Dest,
		TotalBytes: p.TotalBytes,
		BlockSize:  p.BlockSize,
		Command:    p.Command,
		CellCount:  cellCount,
	}
}

// BackupPlan images a device into a file, optionally through gzip. The byte
// total is the raw device size: dd reports raw-side bytes regardless of the
// compressor downstream.
func BackupPlan(source Device, destFile string, blockSize uint64, compression Compression) Plan {
	dd := fmt.Sprintf("dd if=%s conv=sync,noerror bs=%d status=progress", source.Path, blockSize)
	var command string
	if compression == CompressionGzip {
		command = fmt.Sprintf("%s | gzip -c > %s", dd, shellQuote(destFile))
	} else {
		command = fmt.Sprintf("%s of=%s", dd, shellQuote(destFile))
	}
	return Plan{
		Kind:       engine.KindBackup,
		Source:     source.Path,
		Dest:       destFile,
		TotalBytes: source.Bytes,
		BlockSize:  blockSize,
		Command:    command,
	}
}

// RestorePlan writes an image file back onto a device. Compressed images are
// streamed through gunzip; the byte total is the target device size so the
// percentage stays in the raw-side domain in both directions.
func RestorePlan(imageFile string, target Device, blockSize uint64) Plan {
	dd := fmt.Sprintf("dd of=%s bs=%d conv=sync,noerror status=progress", target.Path, blockSize)
	var command string
	if strings.HasSuffix(imageFile, ".gz") {
		command = fmt.Sprintf("gunzip -c %s | %s", shellQuote(imageFile), dd)
	} else {
		command = fmt.Sprintf("dd if=%s of=%s bs=%d conv=sync,noerror status=progress",
			shellQuote(imageFile), target.Path, blockSize)
	}
	return Plan{
		Kind:       engine.KindRestore,
		Source:     imageFile,
		Dest:       target.Path,
		TotalBytes: target.Bytes,
		BlockSize:  blockSize,
		Command:    command,
	}
}

// ClonePlan copies one device directly onto another.
func ClonePlan(source, dest Device, blockSize uint64) Plan {
	return Plan{
		Kind:       engine.KindClone,
		Source:     source.Path,
		Dest:       dest.Path,
		TotalBytes: source.Bytes,
		BlockSize:  blockSize,
		Command: fmt.Sprintf("dd if=%s of=%s bs=%d conv=sync,noerror status=progress",
			source.Path, dest.Path, blockSize),
	}
}

// WipePlan overwrites a device with the chosen pattern. dd is expected to
// exit once the target fills; the engine treats that as completion.
func WipePlan(target Device, blockSize uint64, pattern WipePattern) Plan {
	return Plan{
		Kind:       engine.KindWipe,
		Source:     pattern.Source(),
		Dest:       target.Path,
		TotalBytes: target.Bytes,
		BlockSize:  blockSize,
		Command: fmt.Sprintf("dd if=%s of=%s bs=%d status=progress",
			pattern.Source(), target.Path, blockSize),
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
