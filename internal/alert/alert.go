package alert

import (
	"time"

	"pkt.systems/middlewared/internal/filter"
)

// Alert is a live instance of a class. Identity is (node, source, class,
// key); reporting the same identity again only advances LastOccurrence.
type Alert struct {
	UUID           string
	Source         string
	Class          *Class
	Args           map[string]any
	Key            string
	Node           string
	Datetime       time.Time
	LastOccurrence time.Time
	Dismissed      bool
	// Mail is an extra message sent once when the alert is first seen.
	Mail *MailMessage
}

// New builds an alert report of class with args.
func New(class *Class, args map[string]any) *Alert {
	if args == nil {
		args = map[string]any{}
	}
	return &Alert{Class: class, Args: args, Key: class.Key(args)}
}

type identity struct {
	node, source, class, key string
}

func (a *Alert) identity() identity {
	return identity{node: a.Node, source: a.Source, class: a.Class.Name, key: a.Key}
}

// Formatted renders the class text against the args.
func (a *Alert) Formatted() string { return a.Class.Format(a.Args) }

func (a *Alert) clone() *Alert {
	c := *a
	c.Args = make(map[string]any, len(a.Args))
	for k, v := range a.Args {
		c.Args[k] = v
	}
	return &c
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v any) time.Time {
	s, _ := v.(string)
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// storedRow is the system.alert representation.
func (a *Alert) storedRow() filter.Row {
	return filter.Row{
		"uuid":            a.UUID,
		"source":          a.Source,
		"klass":           a.Class.Name,
		"args":            a.Args,
		"key":             a.Key,
		"node":            a.Node,
		"datetime":        formatTime(a.Datetime),
		"last_occurrence": formatTime(a.LastOccurrence),
		"dismissed":       a.Dismissed,
		"text":            a.Class.Text,
	}
}

// listRow is the alert.list representation. level and formatted reflect
// the settings at the time of the call.
func (a *Alert) listRow(level Level, nodes map[string]string) filter.Row {
	node := a.Node
	if label, ok := nodes[a.Node]; ok {
		node = label
	}
	return filter.Row{
		"id":              a.UUID,
		"uuid":            a.UUID,
		"source":          a.Source,
		"klass":           a.Class.Name,
		"args":            a.Args,
		"key":             a.Key,
		"node":            node,
		"datetime":        formatTime(a.Datetime),
		"last_occurrence": formatTime(a.LastOccurrence),
		"dismissed":       a.Dismissed,
		"text":            a.Class.Text,
		"formatted":       a.Formatted(),
		"level":           level.String(),
		"category":        string(a.Class.Category),
		"one_shot":        a.Class.OneShot && a.Class.KeepUntilDismissed,
	}
}
