// Package view turns greeter results into page view-models and renders them
// with html/template. Handlers answer UI requests with a list of fragments,
// each replacing one named page region.
package view

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"greeter/internal/chain"
	"greeter/internal/greeter"
	"greeter/internal/session"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

// Static returns the page assets rooted at the static directory.
func Static() fs.FS {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return sub
}

// UI messages.
const (
	MsgConnected       = "Successfully connected to Ganache!"
	MsgConnectPrefix   = "Failed to connect: "
	MsgNotConnected    = "Not connected. Connect to Ganache first."
	MsgEmptyGreeting   = "Greeting cannot be empty!"
	MsgGreetingTooLong = "Greeting too long (max 200 characters)!"
	MsgErrorPrefix     = "Error: "
	MsgTxFailed        = "Transaction failed"
	MsgGreetingUpdated = "Greeting updated successfully!"
	MsgLoadGreeting    = "Error loading greeting"
	MsgLoadInfo        = "Error loading contract info"
	MsgNoHistory       = "No history available"
	MsgLoadHistory     = "Error loading history"
	MsgMissingIndex    = "Please enter an index number"
	MsgLookupFailed    = "Index out of bounds or error occurred"
)

// Page regions.
const (
	RegionConnection = "connection"
	RegionApp        = "app"
	RegionGreeting   = "currentGreeting"
	RegionSummary    = "summary"
	RegionInput      = "newGreeting"
	RegionCharCount  = "charCount"
	RegionSetResult  = "setResult"
	RegionHistory    = "historyList"
	RegionSearch     = "searchResult"
	RegionNotice     = "notification"
)

type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindInfo    Kind = "info"
)

// Detail is one labelled line of a result box.
type Detail struct {
	Label string
	Value string
}

// Result is the view-model of a result box.
type Result struct {
	Kind    Kind
	Title   string
	Details []Detail
}

type Notification struct {
	Kind    Kind
	Message string
}

type Connection struct {
	Connected bool
	Account   string
	Short     string
}

// ConnectionOf describes the holder state; s may be nil.
func ConnectionOf(s *session.Session) Connection {
	if s == nil {
		return Connection{}
	}
	return Connection{Connected: true, Account: s.Account.Hex(), Short: s.ShortAccount()}
}

type Summary struct {
	TotalGreetings string
	HistoryLength  string
	Owner          string
}

func SummaryOf(s chain.Summary) Summary {
	return Summary{
		TotalGreetings: strconv.FormatUint(s.TotalGreetings, 10),
		HistoryLength:  strconv.FormatUint(s.HistoryLength, 10),
		Owner:          s.Owner.Hex(),
	}
}

type HistoryItem struct {
	Index     uint64
	Message   string
	UpdatedBy string
	Time      string
}

// History is the listing view-model. Error set means the listing failed.
type History struct {
	Items []HistoryItem
	Error string
}

// ShortTxHash renders a transaction hash as 0x12345678...90abcdef12.
func ShortTxHash(h common.Hash) string {
	return session.ShortHex(h.Hex(), 10, 56)
}

// ConnectFailed is the notification text for a failed connect.
func ConnectFailed(err error) string {
	return MsgConnectPrefix + err.Error()
}

// SetFailed maps a write failure to its result box.
func SetFailed(err error) Result {
	switch {
	case errors.Is(err, greeter.ErrEmptyGreeting):
		return Result{Kind: KindError, Title: MsgEmptyGreeting}
	case errors.Is(err, greeter.ErrGreetingTooLong):
		return Result{Kind: KindError, Title: MsgGreetingTooLong}
	default:
		return Result{Kind: KindError, Title: MsgErrorPrefix + err.Error()}
	}
}

// LookupFailed maps a lookup failure to its result box. Every failure other
// than a missing index reads the same.
func LookupFailed(err error) Result {
	if errors.Is(err, greeter.ErrMissingIndex) {
		return Result{Kind: KindError, Title: MsgMissingIndex}
	}
	return Result{Kind: KindError, Title: MsgLookupFailed}
}

// Renderer executes the embedded templates.
type Renderer struct {
	tmpl *template.Template
	// Location is used for timestamps; time.Local when nil.
	Location *time.Location
}

func New() (*Renderer, error) {
	r := &Renderer{}
	tmpl, err := template.New("view").Funcs(template.FuncMap{
		"quote": func(s string) string { return `"` + s + `"` },
	}).ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	r.tmpl = tmpl
	return r, nil
}

// FormatTime renders a contract timestamp.
func (r *Renderer) FormatTime(t time.Time) string {
	loc := r.Location
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format("1/2/2006, 3:04:05 PM")
}

// Written builds the success box for an included write.
func (r *Renderer) Written(out greeter.SetOutcome) Result {
	res := Result{
		Kind:  KindSuccess,
		Title: "Greeting Updated Successfully!",
		Details: []Detail{
			{Label: "Transaction Hash", Value: ShortTxHash(out.Receipt.TxHash)},
			{Label: "Block", Value: strconv.FormatUint(out.Receipt.BlockNumber, 10)},
			{Label: "Gas Used", Value: strconv.FormatUint(out.Receipt.GasUsed, 10)},
		},
	}
	if ev := out.Receipt.Event; ev != nil {
		res.Details = append(res.Details,
			Detail{Label: "Previous", Value: `"` + ev.OldGreeting + `"`},
			Detail{Label: "Updated By", Value: ev.UpdatedBy.Hex()},
			Detail{Label: "Timestamp", Value: r.FormatTime(ev.Timestamp)},
		)
	}
	return res
}

// Found builds the success box for a point lookup.
func (r *Renderer) Found(e chain.HistoryEntry) Result {
	return Result{
		Kind:  KindSuccess,
		Title: fmt.Sprintf("History Entry #%d", e.Index),
		Details: []Detail{
			{Label: "Message", Value: `"` + e.Message + `"`},
			{Label: "Updated By", Value: e.UpdatedBy.Hex()},
			{Label: "Timestamp", Value: r.FormatTime(e.Timestamp)},
		},
	}
}

// HistoryOf builds the listing view-model; entries are already newest first.
func (r *Renderer) HistoryOf(entries []chain.HistoryEntry) History {
	items := make([]HistoryItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, HistoryItem{
			Index:     e.Index,
			Message:   e.Message,
			UpdatedBy: e.UpdatedBy.Hex(),
			Time:      r.FormatTime(e.Timestamp),
		})
	}
	return History{Items: items}
}

// Fragment is one region replacement.
type Fragment struct {
	Target   string
	Template string
	Data     any
	// Value, when Template is empty, is assigned to the target input.
	Value *string
}

func ConnectionFragment(c Connection) Fragment {
	return Fragment{Target: RegionConnection, Template: "connection", Data: c}
}

// AppFragment switches between the not-connected notice and the main content.
func AppFragment(c Connection, greeting string, summary Summary) Fragment {
	return Fragment{Target: RegionApp, Template: "app", Data: PageData{
		Connection: c,
		Greeting:   greeting,
		Summary:    summary,
	}}
}

func GreetingFragment(greeting string) Fragment {
	return Fragment{Target: RegionGreeting, Template: "greeting", Data: greeting}
}

func SummaryFragment(s Summary) Fragment {
	return Fragment{Target: RegionSummary, Template: "summary", Data: s}
}

func SetResultFragment(r Result) Fragment {
	return Fragment{Target: RegionSetResult, Template: "result", Data: r}
}

func SearchFragment(r Result) Fragment {
	return Fragment{Target: RegionSearch, Template: "result", Data: r}
}

func HistoryFragment(h History) Fragment {
	return Fragment{Target: RegionHistory, Template: "history", Data: h}
}

func NoticeFragment(kind Kind, msg string) Fragment {
	return Fragment{Target: RegionNotice, Template: "notification", Data: Notification{Kind: kind, Message: msg}}
}

// ClearInputFragments empties the greeting input and resets its counter.
func ClearInputFragments() []Fragment {
	empty := ""
	return []Fragment{
		{Target: RegionInput, Value: &empty},
		{Target: RegionCharCount, Template: "text", Data: "0"},
	}
}

// PageData is the model of the full page.
type PageData struct {
	Connection Connection
	Greeting   string
	Summary    Summary
}

// Page renders the full page.
func (r *Renderer) Page(w io.Writer, data PageData) error {
	var buf bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&buf, "page", data); err != nil {
		return fmt.Errorf("render page: %w", err)
	}
	_, err := buf.WriteTo(w)
	return err
}

// Fragments renders each fragment inside a section naming its target. Nothing
// is written when any fragment fails.
func (r *Renderer) Fragments(w io.Writer, frags ...Fragment) error {
	var buf bytes.Buffer
	for _, f := range frags {
		if f.Template == "" {
			value := ""
			if f.Value != nil {
				value = *f.Value
			}
			if err := r.tmpl.ExecuteTemplate(&buf, "value", Fragment{Target: f.Target, Data: value}); err != nil {
				return fmt.Errorf("render %s: %w", f.Target, err)
			}
			continue
		}
		var inner bytes.Buffer
		if err := r.tmpl.ExecuteTemplate(&inner, f.Template, f.Data); err != nil {
			return fmt.Errorf("render %s: %w", f.Target, err)
		}
		if err := r.tmpl.ExecuteTemplate(&buf, "fragment", struct {
			Target string
			Body   template.HTML
		}{f.Target, template.HTML(inner.String())}); err != nil {
			return fmt.Errorf("render %s: %w", f.Target, err)
		}
	}
	_, err := buf.WriteTo(w)
	return err
}
