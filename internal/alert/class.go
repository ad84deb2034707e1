package alert

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sync"
	"text/template"
	"time"
)

// Class describes one kind of alert. The set of classes is fixed once the
// engine starts.
type Class struct {
	Name     string
	Category Category
	Level    Level
	Title    string
	// Text is a text/template over the alert args, e.g.
	// "Pool {{.name}} is {{.state}}". Empty means Title.
	Text string

	// OneShot classes are fed by OneshotCreate/OneshotDelete instead of a
	// periodic source.
	OneShot bool
	// KeepUntilDismissed one-shot alerts have nobody to delete them; they
	// are removed when dismissed.
	KeepUntilDismissed bool
	// ExpiresAfter bounds the lifetime of one-shot alerts since their last
	// occurrence.
	ExpiresAfter time.Duration
	// KeyFields restricts the identity to a subset of args. nil uses all
	// args; an empty list gives one alert per class and source.
	KeyFields []string
	// DeleteKeys selects the args OneshotDelete compares with its query.
	// nil compares all args, DeleteAll removes every alert of the class.
	DeleteKeys []string
	DeleteAll  bool

	Dismissable      bool
	ProactiveSupport bool
	Hardware         bool
	// ExcludeFromList hides the class from alert.list_categories.
	ExcludeFromList bool

	once    sync.Once
	tmpl    *template.Template
	tmplErr error
}

func (c *Class) compile() error {
	c.once.Do(func() {
		if c.Text == "" {
			return
		}
		c.tmpl, c.tmplErr = template.New(c.Name).Option("missingkey=error").Parse(c.Text)
	})
	return c.tmplErr
}

// Format renders the text template against args; on failure the raw text
// is returned.
func (c *Class) Format(args map[string]any) string {
	if err := c.compile(); err != nil || c.tmpl == nil {
		if c.Text != "" {
			return c.Text
		}
		return c.Title
	}
	var buf bytes.Buffer
	if err := c.tmpl.Execute(&buf, args); err != nil {
		return c.Text
	}
	return buf.String()
}

// Key derives the stable identity key from args.
func (c *Class) Key(args map[string]any) string {
	src := args
	if c.KeyFields != nil {
		src = make(map[string]any, len(c.KeyFields))
		for _, k := range c.KeyFields {
			src[k] = args[k]
		}
	}
	return canonicalKey(src)
}

// matchesDelete reports whether an alert with args is selected by query.
func (c *Class) matchesDelete(args map[string]any, query any) bool {
	if c.DeleteAll {
		return true
	}
	q, isMap := query.(map[string]any)
	if c.DeleteKeys == nil {
		if !isMap {
			return false
		}
		return canonicalKey(args) == canonicalKey(q)
	}
	if !isMap {
		if len(c.DeleteKeys) != 1 {
			return false
		}
		q = map[string]any{c.DeleteKeys[0]: query}
	}
	for _, k := range c.DeleteKeys {
		if !sameValue(args[k], q[k]) {
			return false
		}
	}
	return true
}

// canonicalKey renders v as JSON with sorted keys; encoding/json sorts
// map keys.
func canonicalKey(v any) string {
	data, err := json.Marshal(normalizeJSON(v))
	if err != nil {
		return ""
	}
	return string(data)
}

// normalizeJSON round-trips v so int64(17) and float64(17) compare equal.
func normalizeJSON(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func sameValue(a, b any) bool {
	return reflect.DeepEqual(normalizeJSON(a), normalizeJSON(b))
}
