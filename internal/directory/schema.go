package directory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// minClearColumns is how many leading columns RemoveCard blanks at least.
const minClearColumns = 11

var ErrInvalidSchema = errors.New("invalid directory schema")

// Columns names the spreadsheet column letters of each field. Email and
// SupervisorEmail are optional.
type Columns struct {
	Supervisor      string `yaml:"supervisor"`
	Gender          string `yaml:"gender"`
	FirstName       string `yaml:"first_name"`
	LastName        string `yaml:"last_name"`
	CardUID         string `yaml:"card_uid"`
	Email           string `yaml:"email"`
	SupervisorEmail string `yaml:"supervisor_email"`
}

// Schema is the resolved, immutable column mapping. Indices are zero-based;
// -1 marks an absent optional column.
type Schema struct {
	sheets          []string
	supervisor      int
	gender          int
	firstName       int
	lastName        int
	cardUID         int
	email           int
	supervisorEmail int
}

// NewSchema resolves column letters once at startup.
func NewSchema(sheets []string, cols Columns) (Schema, error) {
	var clean []string
	for _, s := range sheets {
		if s = strings.TrimSpace(s); s != "" {
			clean = append(clean, s)
		}
	}
	if len(clean) == 0 {
		return Schema{}, fmt.Errorf("%w: no worksheets", ErrInvalidSchema)
	}

	var errs []error
	required := func(field, letter string) int {
		idx, err := columnIndex(letter)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
		return idx
	}
	optional := func(field, letter string) int {
		if strings.TrimSpace(letter) == "" {
			return -1
		}
		return required(field, letter)
	}

	s := Schema{
		sheets:          clean,
		supervisor:      required("supervisor", cols.Supervisor),
		gender:          required("gender", cols.Gender),
		firstName:       required("first_name", cols.FirstName),
		lastName:        required("last_name", cols.LastName),
		cardUID:         required("card_uid", cols.CardUID),
		email:           optional("email", cols.Email),
		supervisorEmail: optional("supervisor_email", cols.SupervisorEmail),
	}
	if len(errs) > 0 {
		return Schema{}, fmt.Errorf("%w: %w", ErrInvalidSchema, errors.Join(errs...))
	}
	return s, nil
}

// Sheets returns a copy of the worksheet names searched, in order.
func (s Schema) Sheets() []string {
	return append([]string(nil), s.sheets...)
}

// width is the number of leading columns that hold directory data.
func (s Schema) width() int {
	w := minClearColumns
	for _, i := range []int{s.supervisor, s.gender, s.firstName, s.lastName, s.cardUID, s.email, s.supervisorEmail} {
		if i+1 > w {
			w = i + 1
		}
	}
	return w
}

func columnIndex(letter string) (int, error) {
	letter = strings.ToUpper(strings.TrimSpace(letter))
	if letter == "" {
		return -1, errors.New("column letter missing")
	}
	n, err := excelize.ColumnNameToNumber(letter)
	if err != nil {
		return -1, err
	}
	return n - 1, nil
}
