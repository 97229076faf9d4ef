package collab

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

type ExportFormat string

const (
	ExportCSV ExportFormat = "csv"
	ExportZip ExportFormat = "zip"
)

func ParseExportFormat(raw string) (ExportFormat, error) {
	switch ExportFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ExportCSV:
		return ExportCSV, nil
	case ExportZip:
		return ExportZip, nil
	default:
		return "", fmt.Errorf("%w: unsupported export format %q", ErrInvalidInput, raw)
	}
}

type ExportResult struct {
	ContentType string
	Filename    string
	Version     int64
	Data        []byte
}

// Sheet is one tab of a workbook flattened to a grid of display strings.
type Sheet struct {
	ID   string
	Name string
	Rows [][]string
}

type Workbook struct {
	Sheets []Sheet
	Active int
}

type exportManifest struct {
	ResourceID string          `json:"resourceId"`
	Version    int64           `json:"version"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	Checksum   string          `json:"checksum"`
	Active     string          `json:"activeSheet"`
	Sheets     []manifestEntry `json:"sheets"`
}

type manifestEntry struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	File    string `json:"file"`
	Rows    int    `json:"rows"`
	Columns int    `json:"columns"`
}

// Export renders a committed snapshot of the document. It never creates
// or modifies the stored document.
func (s *DocumentStore) Export(ctx context.Context, workspaceID, resourceID string, format ExportFormat, sheet string) (ExportResult, error) {
	doc, err := s.snapshot(ctx, workspaceID, resourceID)
	if err != nil {
		return ExportResult{}, err
	}
	return RenderExport(doc, format, sheet)
}

func (s *DocumentStore) snapshot(ctx context.Context, workspaceID, resourceID string) (Document, error) {
	workspaceID, resourceID, err := documentKey(workspaceID, resourceID)
	if err != nil {
		return Document{}, err
	}
	if s.isRetired(resourceID) {
		return Document{}, fmt.Errorf("%w: resource %s", ErrNotFound, resourceID)
	}
	if doc, ok := s.cached(resourceID); ok {
		if err := checkOwner(doc, workspaceID); err != nil {
			return Document{}, err
		}
		return doc, nil
	}
	if err := s.checkResource(ctx, workspaceID, resourceID); err != nil {
		return Document{}, err
	}
	stored, err := s.backend.ReadDocument(ctx, resourceID)
	if err != nil {
		return Document{}, fmt.Errorf("read document %s: %w", resourceID, err)
	}
	if stored == nil {
		return newDefaultDocument(workspaceID, resourceID, s.clock.Now()), nil
	}
	if err := checkOwner(*stored, workspaceID); err != nil {
		return Document{}, err
	}
	return *stored, nil
}

func RenderExport(doc Document, format ExportFormat, sheetName string) (ExportResult, error) {
	workbook, err := ParseWorkbook(doc.Body)
	if err != nil {
		return ExportResult{}, err
	}
	base := exportFileName(doc.ResourceID)
	switch format {
	case ExportCSV, "":
		sheet, err := workbook.Sheet(sheetName)
		if err != nil {
			return ExportResult{}, err
		}
		data, err := sheetCSV(sheet)
		if err != nil {
			return ExportResult{}, err
		}
		name := base + ".csv"
		if strings.TrimSpace(sheetName) != "" {
			name = base + "-" + exportFileName(sheet.Name) + ".csv"
		}
		return ExportResult{ContentType: "text/csv; charset=utf-8", Filename: name, Version: doc.Version, Data: data}, nil
	case ExportZip:
		data, err := workbookZip(doc, workbook)
		if err != nil {
			return ExportResult{}, err
		}
		return ExportResult{ContentType: "application/zip", Filename: base + ".zip", Version: doc.Version, Data: data}, nil
	default:
		return ExportResult{}, fmt.Errorf("%w: unsupported export format %q", ErrInvalidInput, format)
	}
}

// Sheet returns the named sheet, matching id or name, or the active
// sheet when name is empty.
func (w Workbook) Sheet(name string) (Sheet, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return w.Sheets[w.Active], nil
	}
	for _, sheet := range w.Sheets {
		if sheet.ID == name || sheet.Name == name {
			return sheet, nil
		}
	}
	for _, sheet := range w.Sheets {
		if strings.EqualFold(sheet.Name, name) {
			return sheet, nil
		}
	}
	return Sheet{}, fmt.Errorf("%w: sheet %q", ErrNotFound, name)
}

type rawWorkbook struct {
	ActiveSheet string          `json:"activeSheet"`
	SheetOrder  []string        `json:"sheetOrder"`
	Sheets      json.RawMessage `json:"sheets"`
	Rows        [][]any         `json:"rows"`
}

type rawSheet struct {
	ID       string                               `json:"id"`
	Name     string                               `json:"name"`
	Active   bool                                 `json:"active"`
	Rows     [][]any                              `json:"rows"`
	CellData map[string]map[string]map[string]any `json:"cellData"`
}

// ParseWorkbook reads the sheet layouts the editor produces: a sheets
// array, a sheets object keyed by id (ordered by sheetOrder), or a bare
// top-level rows grid. A workbook always has at least one sheet.
func ParseWorkbook(body json.RawMessage) (Workbook, error) {
	var raw rawWorkbook
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return Workbook{}, fmt.Errorf("%w: workbook body: %v", ErrInvalidInput, err)
	}

	var (
		sheets []rawSheet
		active = -1
	)
	trimmed := bytes.TrimSpace(raw.Sheets)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
	case trimmed[0] == '[':
		if err := decodeNumbers(trimmed, &sheets); err != nil {
			return Workbook{}, fmt.Errorf("%w: sheets: %v", ErrInvalidInput, err)
		}
	case trimmed[0] == '{':
		byID := map[string]rawSheet{}
		if err := decodeNumbers(trimmed, &byID); err != nil {
			return Workbook{}, fmt.Errorf("%w: sheets: %v", ErrInvalidInput, err)
		}
		sheets = orderSheets(byID, raw.SheetOrder)
	default:
		return Workbook{}, fmt.Errorf("%w: sheets must be an array or object", ErrInvalidInput)
	}
	if len(sheets) == 0 {
		sheets = []rawSheet{{Name: "Sheet1", Rows: raw.Rows}}
	}

	workbook := Workbook{Sheets: make([]Sheet, 0, len(sheets))}
	for i, rs := range sheets {
		name := strings.TrimSpace(rs.Name)
		if name == "" {
			name = rs.ID
		}
		if name == "" {
			name = "Sheet" + strconv.Itoa(i+1)
		}
		sheet := Sheet{ID: rs.ID, Name: name}
		if len(rs.CellData) > 0 {
			sheet.Rows = cellDataGrid(rs.CellData)
		} else {
			sheet.Rows = rowsGrid(rs.Rows)
		}
		workbook.Sheets = append(workbook.Sheets, sheet)
		if active < 0 && raw.ActiveSheet != "" && (rs.ID == raw.ActiveSheet || name == raw.ActiveSheet) {
			active = i
		}
	}
	if active < 0 {
		for i, rs := range sheets {
			if rs.Active {
				active = i
				break
			}
		}
	}
	if active < 0 {
		active = 0
	}
	workbook.Active = active
	return workbook, nil
}

func decodeNumbers(data []byte, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	return decoder.Decode(target)
}

func orderSheets(byID map[string]rawSheet, order []string) []rawSheet {
	out := make([]rawSheet, 0, len(byID))
	seen := map[string]bool{}
	for _, id := range order {
		sheet, ok := byID[id]
		if !ok || seen[id] {
			continue
		}
		if sheet.ID == "" {
			sheet.ID = id
		}
		seen[id] = true
		out = append(out, sheet)
	}
	rest := make([]string, 0, len(byID))
	for id := range byID {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	for _, id := range rest {
		sheet := byID[id]
		if sheet.ID == "" {
			sheet.ID = id
		}
		out = append(out, sheet)
	}
	return out
}

func rowsGrid(rows [][]any) [][]string {
	out := make([][]string, 0, len(rows))
	for _, row := range rows {
		line := make([]string, len(row))
		for i, cell := range row {
			line[i] = cellText(cell)
		}
		out = append(out, line)
	}
	return out
}

// cellDataGrid flattens a sparse row -> column -> cell map. Keys that are
// not non-negative integers are ignored.
func cellDataGrid(cells map[string]map[string]map[string]any) [][]string {
	maxRow, maxCol := -1, -1
	type position struct{ row, col int }
	values := map[position]string{}
	for rowKey, columns := range cells {
		row, err := strconv.Atoi(rowKey)
		if err != nil || row < 0 {
			continue
		}
		for colKey, cell := range columns {
			col, err := strconv.Atoi(colKey)
			if err != nil || col < 0 {
				continue
			}
			value, ok := cell["v"]
			if !ok {
				continue
			}
			values[position{row, col}] = cellText(value)
			if row > maxRow {
				maxRow = row
			}
			if col > maxCol {
				maxCol = col
			}
		}
	}
	grid := make([][]string, maxRow+1)
	for r := range grid {
		grid[r] = make([]string, maxCol+1)
	}
	for pos, value := range values {
		grid[pos.row][pos.col] = value
	}
	return grid
}

func cellText(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case map[string]any:
		if inner, ok := v["v"]; ok {
			return cellText(inner)
		}
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(encoded)
}

func sheetCSV(sheet Sheet) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.WriteAll(sheet.Rows); err != nil {
		return nil, fmt.Errorf("write sheet %s: %w", sheet.Name, err)
	}
	return buf.Bytes(), nil
}

func workbookZip(doc Document, workbook Workbook) ([]byte, error) {
	var buf bytes.Buffer
	archive := zip.NewWriter(&buf)
	manifest := exportManifest{
		ResourceID: doc.ResourceID,
		Version:    doc.Version,
		UpdatedAt:  doc.UpdatedAt,
		Checksum:   doc.Checksum,
		Active:     workbook.Sheets[workbook.Active].Name,
		Sheets:     make([]manifestEntry, 0, len(workbook.Sheets)),
	}
	for i, sheet := range workbook.Sheets {
		data, err := sheetCSV(sheet)
		if err != nil {
			return nil, err
		}
		file := fmt.Sprintf("sheets/%02d-%s.csv", i+1, exportFileName(sheet.Name))
		if err := writeZipEntry(archive, file, doc.UpdatedAt, data); err != nil {
			return nil, err
		}
		columns := 0
		for _, row := range sheet.Rows {
			if len(row) > columns {
				columns = len(row)
			}
		}
		manifest.Sheets = append(manifest.Sheets, manifestEntry{
			ID:      sheet.ID,
			Name:    sheet.Name,
			File:    file,
			Rows:    len(sheet.Rows),
			Columns: columns,
		})
	}
	encoded, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := writeZipEntry(archive, "manifest.json", doc.UpdatedAt, encoded); err != nil {
		return nil, err
	}
	if err := archive.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeZipEntry(archive *zip.Writer, name string, modified time.Time, data []byte) error {
	header := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: modified}
	entry, err := archive.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("zip %s: %w", name, err)
	}
	if _, err := entry.Write(data); err != nil {
		return fmt.Errorf("zip %s: %w", name, err)
	}
	return nil
}

func exportFileName(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "document"
	}
	return b.String()
}
