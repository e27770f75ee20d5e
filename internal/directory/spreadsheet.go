package directory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/xuri/excelize/v2"

	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/types"
	"github.com/BrandonDHaskell/lockwarden/internal/logger"
)

// DefaultGuestMarker is the last name that marks a shared guest card.
const DefaultGuestMarker = "Gästekarte"

// ErrUnknownCard is returned by Lookup when no row holds the card.
var ErrUnknownCard = types.ErrUnknownCard

type Options struct {
	// GuestMarker defaults to DefaultGuestMarker.
	GuestMarker string
	// EmailDomain derives "first.last@domain" when no email column is mapped.
	EmailDomain string
}

// Spreadsheet is a user directory backed by an .xlsx workbook. The file is
// re-read on every lookup so edits made by staff are picked up without a
// restart.
type Spreadsheet struct {
	path   string
	schema Schema
	opts   Options

	mu sync.Mutex
}

func Open(path string, schema Schema, opts Options) (*Spreadsheet, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open directory %s: %w", path, err)
	}
	if opts.GuestMarker == "" {
		opts.GuestMarker = DefaultGuestMarker
	}
	return &Spreadsheet{path: path, schema: schema, opts: opts}, nil
}

// Lookup searches the configured worksheets in order and returns the first
// row whose card uid matches case-insensitively.
func (s *Spreadsheet) Lookup(ctx context.Context, cardUID string) (types.Person, error) {
	cardUID = strings.TrimSpace(cardUID)
	if cardUID == "" {
		return types.Person{}, ErrUnknownCard
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := excelize.OpenFile(s.path)
	if err != nil {
		return types.Person{}, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	for _, sheet := range s.schema.sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			logger.WarnKV(ctx, "Worksheet unreadable, skipping", "sheet", sheet, "error", err)
			continue
		}

		matches := 0
		var found types.Person
		for _, row := range rows {
			if !strings.EqualFold(cell(row, s.schema.cardUID), cardUID) {
				continue
			}
			if matches == 0 {
				found = s.person(row)
			}
			matches++
		}
		if matches == 0 {
			continue
		}
		if matches > 1 {
			logger.WarnKV(ctx, "Card uid listed more than once, using first row",
				"card_uid", cardUID, "sheet", sheet, "rows", matches)
		}
		logger.DebugKV(ctx, "Card holder found", "card_uid", cardUID, "sheet", sheet, "guest", found.Guest)
		return found, nil
	}

	return types.Person{}, ErrUnknownCard
}

func (s *Spreadsheet) person(row []string) types.Person {
	p := types.Person{
		CardUID:    cell(row, s.schema.cardUID),
		FirstName:  cell(row, s.schema.firstName),
		LastName:   cell(row, s.schema.lastName),
		Gender:     cell(row, s.schema.gender),
		Supervisor: cell(row, s.schema.supervisor),
	}
	p.Guest = strings.EqualFold(p.LastName, s.opts.GuestMarker)

	p.SupervisorEmail = cell(row, s.schema.supervisorEmail)
	if p.SupervisorEmail == "" && strings.Contains(p.Supervisor, "@") {
		p.SupervisorEmail = p.Supervisor
	}

	if !p.Guest {
		p.Email = cell(row, s.schema.email)
		if p.Email == "" {
			p.Email = derivedEmail(p.FirstName, p.LastName, s.opts.EmailDomain)
		}
	}
	return p
}

// RemoveCard blanks every row holding the card in all worksheets. A copy of
// the workbook is written to <path>.backup first.
func (s *Spreadsheet) RemoveCard(ctx context.Context, cardUID string) (bool, error) {
	cardUID = strings.TrimSpace(cardUID)
	if cardUID == "" {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	backup := s.path + ".backup"
	if err := copyFile(s.path, backup); err != nil {
		return false, fmt.Errorf("backup workbook: %w", err)
	}

	f, err := excelize.OpenFile(s.path)
	if err != nil {
		return false, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	cleared := 0
	for _, sheet := range s.schema.sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			logger.WarnKV(ctx, "Worksheet unreadable, skipping", "sheet", sheet, "error", err)
			continue
		}
		for i, row := range rows {
			if !strings.EqualFold(cell(row, s.schema.cardUID), cardUID) {
				continue
			}
			if err := s.clearRow(f, sheet, i+1); err != nil {
				return false, err
			}
			cleared++
		}
	}

	if cleared == 0 {
		return false, nil
	}
	if err := f.Save(); err != nil {
		return false, fmt.Errorf("save workbook: %w", err)
	}

	logger.InfoKV(ctx, "Card holder removed from directory", "card_uid", cardUID, "rows", cleared, "backup", backup)
	return true, nil
}

func (s *Spreadsheet) clearRow(f *excelize.File, sheet string, row int) error {
	for col := 1; col <= s.schema.width(); col++ {
		name, err := excelize.CoordinatesToCellName(col, row)
		if err != nil {
			return err
		}
		if err := f.SetCellStr(sheet, name, ""); err != nil {
			return fmt.Errorf("clear %s!%s: %w", sheet, name, err)
		}
	}
	return nil
}

// Count returns the number of rows with a card uid across all worksheets.
// A missing worksheet is an error.
func (s *Spreadsheet) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := excelize.OpenFile(s.path)
	if err != nil {
		return 0, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	var (
		total int
		errs  []error
	)
	for _, sheet := range s.schema.sheets {
		if idx, _ := f.GetSheetIndex(sheet); idx < 0 {
			errs = append(errs, fmt.Errorf("worksheet %q not found", sheet))
			continue
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			errs = append(errs, fmt.Errorf("worksheet %q: %w", sheet, err))
			continue
		}
		n := 0
		for _, row := range rows {
			if cell(row, s.schema.cardUID) != "" {
				n++
			}
		}
		logger.DebugKV(ctx, "Worksheet checked", "sheet", sheet, "rows", n)
		total += n
	}
	return total, errors.Join(errs...)
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func derivedEmail(first, last, domain string) string {
	domain = strings.TrimPrefix(strings.TrimSpace(domain), "@")
	if domain == "" {
		return ""
	}
	var parts []string
	for _, p := range []string{first, last} {
		if p = strings.ToLower(strings.Join(strings.Fields(p), "-")); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, ".") + "@" + domain
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
