package sheetstore

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/partsync/internal/inventory"
	"github.com/agentworkforce/partsync/internal/logx"
)

const (
	statusAvailable = "DISPONIBLE"
	statusSold      = "VENDIDO"
)

type SheetNames struct {
	Inventory string
	Sales     string
	Removed   string
}

func DefaultSheetNames() SheetNames {
	return SheetNames{Inventory: "Inventario", Sales: "Ventas", Removed: "Eliminados"}
}

func (n SheetNames) withDefaults() SheetNames {
	d := DefaultSheetNames()
	if strings.TrimSpace(n.Inventory) == "" {
		n.Inventory = d.Inventory
	}
	if strings.TrimSpace(n.Sales) == "" {
		n.Sales = d.Sales
	}
	if strings.TrimSpace(n.Removed) == "" {
		n.Removed = d.Removed
	}
	return n
}

// Store is the workbook behind the sheet endpoint: named sheets of rows,
// committed to a StateBackend on every applied write.
type Store struct {
	mu      sync.Mutex
	names   SheetNames
	sheets  map[string][]Row
	backend StateBackend
	now     func() time.Time
	logger  *zerolog.Logger
}

func NewStore(backend StateBackend, names SheetNames, logger *zerolog.Logger) (*Store, error) {
	if backend == nil {
		backend = NewInMemoryStateBackend()
	}
	s := &Store{
		names:   names.withDefaults(),
		sheets:  map[string][]Row{},
		backend: backend,
		now:     time.Now,
		logger:  logx.Or(logger),
	}
	state, err := backend.Load()
	if err != nil {
		return nil, fmt.Errorf("load sheets: %w", err)
	}
	if state != nil {
		for name, rows := range state.Sheets {
			s.sheets[name] = rows
		}
	}
	return s, nil
}

func (s *Store) Names() SheetNames {
	return s.names
}

// Read returns a copy of sheet's rows; unknown sheets are empty.
func (s *Store) Read(sheet string) []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.sheets[strings.TrimSpace(sheet)]
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		out = append(out, copyRow(row))
	}
	return out
}

// Apply performs one write the way the hosted sheet script does:
// ADD upserts into inventory, SELL moves the row to sales, DELETE moves it
// to the removed ledger and RETURN moves a sale back to inventory. The live
// sheets only change once the backend has committed the write.
func (s *Store) Apply(p inventory.Payload) error {
	id := strings.TrimSpace(p.ID)
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	row := p.Row()
	s.mu.Lock()
	defer s.mu.Unlock()

	wb := newWorkbook(s.sheets)
	switch p.Action {
	case inventory.ActionAdd:
		row["status"] = statusAvailable
		delete(row, "finalPrice")
		wb.upsert(s.target(p.Sheet, s.names.Inventory), row)
	case inventory.ActionSell:
		wb.remove(s.names.Inventory, id)
		row["status"] = statusSold
		if _, ok := row["finalPrice"]; !ok {
			row["finalPrice"] = p.Precio
		}
		wb.upsert(s.target(p.Sheet, s.names.Sales), row)
	case inventory.ActionDelete:
		wb.remove(s.names.Inventory, id)
		row["eliminado"] = inventory.Timestamp(s.now())
		wb.append(s.target(p.Sheet, s.names.Removed), row)
	case inventory.ActionReturn:
		wb.remove(s.names.Sales, id)
		row["status"] = statusAvailable
		delete(row, "finalPrice")
		wb.upsert(s.target(p.Sheet, s.names.Inventory), row)
	default:
		return fmt.Errorf("%w: %q", inventory.ErrUnknownAction, p.Action)
	}

	if err := s.backend.Commit(&snapshot{Sheets: wb.sheets}, wb.changes); err != nil {
		s.logger.Error().Err(err).Str("action", string(p.Action)).Str("id", id).Msg("persist sheets failed")
		return fmt.Errorf("persist sheets: %w", err)
	}
	s.sheets = wb.sheets
	return nil
}

func (s *Store) Close() error {
	if closer, ok := s.backend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

func (s *Store) target(requested, fallback string) string {
	if requested = strings.TrimSpace(requested); requested != "" {
		return requested
	}
	return fallback
}

type changeKind int

const (
	changeUpsert changeKind = iota
	changeRemove
	changeAppend
)

// rowChange is one row-level edit of a write, in the order it was made.
type rowChange struct {
	Kind  changeKind
	Sheet string
	ID    string
	Row   Row
}

// workbook stages a write on top of the live sheets. Sheets are copied on
// first touch so the live slices stay intact until the write commits.
type workbook struct {
	sheets  map[string][]Row
	touched map[string]bool
	changes []rowChange
}

func newWorkbook(live map[string][]Row) *workbook {
	sheets := make(map[string][]Row, len(live))
	for name, rows := range live {
		sheets[name] = rows
	}
	return &workbook{sheets: sheets, touched: map[string]bool{}}
}

func (w *workbook) rows(sheet string) []Row {
	if !w.touched[sheet] {
		w.sheets[sheet] = append([]Row(nil), w.sheets[sheet]...)
		w.touched[sheet] = true
	}
	return w.sheets[sheet]
}

func (w *workbook) upsert(sheet string, row Row) {
	id := rowID(row)
	w.changes = append(w.changes, rowChange{Kind: changeUpsert, Sheet: sheet, ID: id, Row: row})
	rows := w.rows(sheet)
	for i := range rows {
		if rowID(rows[i]) == id {
			rows[i] = row
			return
		}
	}
	w.sheets[sheet] = append(rows, row)
}

func (w *workbook) remove(sheet, id string) {
	rows := w.rows(sheet)
	kept := rows[:0]
	for _, row := range rows {
		if rowID(row) != id {
			kept = append(kept, row)
		}
	}
	if len(kept) == len(rows) {
		return
	}
	w.sheets[sheet] = kept
	w.changes = append(w.changes, rowChange{Kind: changeRemove, Sheet: sheet, ID: id})
}

func (w *workbook) append(sheet string, row Row) {
	w.sheets[sheet] = append(w.rows(sheet), row)
	w.changes = append(w.changes, rowChange{Kind: changeAppend, Sheet: sheet, ID: rowID(row), Row: row})
}

func rowID(row Row) string {
	return fmt.Sprint(row["id"])
}

func copyRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
