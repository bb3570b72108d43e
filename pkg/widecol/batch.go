package widecol

type opKind int

const (
	opPut opKind = iota
	opDelete
	opDeleteFamily
	opDeleteRow
)

type mutation struct {
	kind      opKind
	row       []byte
	family    string
	column    []byte
	timestamp uint64
	value     []byte
}

// Batch stages mutations that Table.Apply commits atomically.
type Batch struct {
	ops []mutation
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Put writes value at (row, family, column, ts), replacing any cell with the
// same coordinates.
func (b *Batch) Put(row []byte, family string, column []byte, ts uint64, value []byte) {
	b.ops = append(b.ops, mutation{kind: opPut, row: row, family: family, column: column, timestamp: ts, value: value})
}

// Delete removes exactly one cell version.
func (b *Batch) Delete(row []byte, family string, column []byte, ts uint64) {
	b.ops = append(b.ops, mutation{kind: opDelete, row: row, family: family, column: column, timestamp: ts})
}

// DeleteFamily removes every cell of one family of a row.
func (b *Batch) DeleteFamily(row []byte, family string) {
	b.ops = append(b.ops, mutation{kind: opDeleteFamily, row: row, family: family})
}

// DeleteRow removes every cell of a row.
func (b *Batch) DeleteRow(row []byte) {
	b.ops = append(b.ops, mutation{kind: opDeleteRow, row: row})
}

// Len returns the number of staged mutations.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Reset drops every staged mutation.
func (b *Batch) Reset() {
	b.ops = b.ops[:0]
}
