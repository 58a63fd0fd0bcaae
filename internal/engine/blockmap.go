package engine

// CellState is the visual state of one block-map cell.
type CellState uint8

const (
	CellPending CellState = iota
	CellWriting
	CellComplete
	CellError
)

// BlockMap maps the target's byte range onto a fixed grid of cells. The cell
// count is chosen from the terminal width at run start and never changes for
// the lifetime of the run, so the byte-to-cell mapping stays stable; a
// resize only affects the next run.
type BlockMap struct {
	totalBytes   uint64
	bytesPerCell uint64
	cells        []CellState
	errorCells   int
}

// NewBlockMap builds a grid of cellCount Pending cells covering totalBytes.
func NewBlockMap(totalBytes uint64, cellCount int) *BlockMap {
	if cellCount < 1 {
		cellCount = 1
	}
	perCell := uint64(1)
	if totalBytes > 0 {
		perCell = (totalBytes + uint64(cellCount) - 1) / uint64(cellCount)
	}
	return &BlockMap{
		totalBytes:   totalBytes,
		bytesPerCell: perCell,
		cells:        make([]CellState, cellCount),
	}
}

func (b *BlockMap) CellCount() int       { return len(b.cells) }
func (b *BlockMap) BytesPerCell() uint64 { return b.bytesPerCell }
func (b *BlockMap) ErrorCellCount() int  { return b.errorCells }
func (b *BlockMap) TotalBytes() uint64   { return b.totalBytes }

// Cells returns a copy of the grid for rendering.
func (b *BlockMap) Cells() []CellState {
	out := make([]CellState, len(b.cells))
	copy(out, b.cells)
	return out
}

func (b *BlockMap) cellIndex(offset uint64) int {
	idx := int(offset / b.bytesPerCell)
	if idx >= len(b.cells) {
		idx = len(b.cells) - 1
	}
	return idx
}

// ApplyProgress marks every cell below the current write offset Complete and
// the cell containing the offset Writing. Error cells are sticky: progress
// never turns them back.
func (b *BlockMap) ApplyProgress(bytesTransferred uint64) {
	writing := b.cellIndex(bytesTransferred)
	done := bytesTransferred >= b.totalBytes && b.totalBytes > 0
	for idx := 0; idx < writing; idx++ {
		if b.cells[idx] != CellError {
			b.cells[idx] = CellComplete
		}
	}
	if b.cells[writing] == CellError {
		return
	}
	if done {
		b.cells[writing] = CellComplete
		return
	}
	b.cells[writing] = CellWriting
}

// ApplyError marks the cell containing offset as Error, permanently.
func (b *BlockMap) ApplyError(offset uint64) {
	idx := b.cellIndex(offset)
	if b.cells[idx] != CellError {
		b.cells[idx] = CellError
		b.errorCells++
	}
}
