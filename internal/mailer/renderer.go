package mailer

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"text/template"
	"time"

	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/types"
)

const (
	subjectPrefix = "Betreff:"

	unknownCardTemplate = "unknown_card"
	guestPrefix         = "guest_"

	dateLayout     = "02.01.2006"
	timeLayout     = "15:04"
	dateTimeLayout = dateLayout + " " + timeLayout
)

//go:embed templates/*.txt
var embedded embed.FS

var (
	ErrTemplateNotFound = errors.New("mail template not found")
	ErrNoSubject        = errors.New("mail template has no subject line")
)

// DefaultTemplates returns the built-in German templates.
func DefaultTemplates() fs.FS {
	sub, err := fs.Sub(embedded, "templates")
	if err != nil {
		panic(err)
	}
	return sub
}

// Message is a rendered mail.
type Message struct {
	Subject string
	Body    string
}

// Renderer turns notices into messages. Templates are plain text; the first
// line must be "Betreff: <subject>". Referencing an unknown variable fails
// the render.
type Renderer struct {
	tmpl *template.Template
	loc  *time.Location
}

// NewRenderer parses every *.txt file of fsys. loc controls how dates are
// printed; nil means UTC.
func NewRenderer(fsys fs.FS, loc *time.Location) (*Renderer, error) {
	if loc == nil {
		loc = time.UTC
	}

	files, err := fs.Glob(fsys, "*.txt")
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no *.txt files", ErrTemplateNotFound)
	}

	root := template.New("").Option("missingkey=error")
	for _, f := range files {
		data, err := fs.ReadFile(fsys, f)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", f, err)
		}
		name := strings.TrimSuffix(path.Base(f), ".txt")
		if _, err := root.New(name).Parse(string(data)); err != nil {
			return nil, fmt.Errorf("parse template %s: %w", f, err)
		}
	}

	return &Renderer{tmpl: root, loc: loc}, nil
}

// templateName picks the template for a notice: unknown-card alerts when no
// person is attached, the guest variant for guest cards.
func templateName(n types.Notice) string {
	switch {
	case n.Person == nil:
		return unknownCardTemplate
	case n.Person.Guest:
		return guestPrefix + string(n.Template)
	default:
		return string(n.Template)
	}
}

// Render renders the template matching the notice.
func (r *Renderer) Render(n types.Notice) (Message, error) {
	name := templateName(n)
	t := r.tmpl.Lookup(name)
	if t == nil {
		return Message{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, r.vars(n)); err != nil {
		return Message{}, fmt.Errorf("render %s: %w", name, err)
	}

	msg, err := split(buf.String())
	if err != nil {
		return Message{}, fmt.Errorf("render %s: %w", name, err)
	}
	return msg, nil
}

func (r *Renderer) vars(n types.Notice) map[string]any {
	sent := n.SentAt
	if sent.IsZero() {
		sent = time.Now()
	}
	sent = sent.In(r.loc)

	cardUID := n.CardUID
	if cardUID == "" {
		cardUID = "unbekannt"
	}

	v := map[string]any{
		"card_uid":       cardUID,
		"location":       n.LocationID,
		"lock_id":        n.LockID,
		"violation_date": n.ViolationAt.In(r.loc).Format(dateTimeLayout),
		"current_date":   sent.Format(dateLayout),
		"current_time":   sent.Format(timeLayout),
		"strike":         n.Strike,
	}
	if p := n.Person; p != nil {
		v["name"] = p.Name()
		v["anrede"] = p.Salutation()
		v["supervisor"] = p.Supervisor
	}
	return v
}

// split separates the "Betreff:" line from the body.
func split(content string) (Message, error) {
	content = strings.TrimLeft(content, "\r\n")
	first, rest, _ := strings.Cut(content, "\n")
	first = strings.TrimSpace(first)

	if !strings.HasPrefix(first, subjectPrefix) {
		return Message{}, ErrNoSubject
	}
	subject := strings.TrimSpace(strings.TrimPrefix(first, subjectPrefix))
	if subject == "" {
		return Message{}, ErrNoSubject
	}

	return Message{Subject: subject, Body: strings.TrimSpace(rest) + "\n"}, nil
}
