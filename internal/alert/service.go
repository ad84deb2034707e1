package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/middlewared/internal/filter"
	"pkt.systems/middlewared/internal/registry"
)

// ProductName prefixes delivered alert text.
const ProductName = "middlewared"

// Message is one delivery to an alert service: every current alert plus
// the gone and new alerts of the policy bucket.
type Message struct {
	Hostname string
	Alerts   []*Alert
	Gone     []*Alert
	New      []*Alert
	// LevelOf resolves per-class level overrides.
	LevelOf func(*Alert) Level
}

func (m Message) level(a *Alert) Level {
	if m.LevelOf != nil {
		return m.LevelOf(a)
	}
	return a.Class.Level
}

// Text renders the plain-text body shared by mail and chat services.
func (m Message) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s @ %s\n\n", ProductName, m.Hostname)
	if len(m.Alerts) == 1 && len(m.Gone) == 0 && len(m.New) == 1 && m.New[0].Class.Name == ClassTest.Name {
		b.WriteString("This is a test alert")
		return b.String()
	}
	section := func(one, many string, alerts []*Alert) {
		if len(alerts) == 0 {
			return
		}
		if len(alerts) == 1 {
			b.WriteString(one)
		} else {
			b.WriteString(many)
		}
		b.WriteString(":\n")
		for _, a := range alerts {
			fmt.Fprintf(&b, "* %s: %s\n", m.level(a), a.Formatted())
		}
		b.WriteString("\n")
	}
	section("New alert", "New alerts", m.New)
	section("The following alert has been cleared", "These alerts have been cleared", m.Gone)
	section("Current alert", "Current alerts", m.Alerts)
	return strings.TrimRight(b.String(), "\n")
}

// Subject summarizes the message for mail.
func (m Message) Subject() string {
	switch {
	case len(m.New) == 1 && len(m.Gone) == 0:
		return fmt.Sprintf("%s %s: %s", ProductName, m.Hostname, m.New[0].Class.Title)
	case len(m.New) > 0:
		return fmt.Sprintf("%s %s: %d new alerts", ProductName, m.Hostname, len(m.New))
	default:
		return fmt.Sprintf("%s %s: alerts cleared", ProductName, m.Hostname)
	}
}

func (m Message) rows(alerts []*Alert) []filter.Row {
	out := make([]filter.Row, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, a.listRow(m.level(a), nil))
	}
	return out
}

// Service delivers alert messages to one destination.
type Service interface {
	Send(ctx context.Context, msg Message) error
}

// ServiceType is a kind of alert service configurable through
// alertservice.create.
type ServiceType struct {
	Name       string
	Title      string
	Attributes *registry.ObjectSchema
	New        func(attrs map[string]any) (Service, error)
}

// ServiceConfig is one row of system.alertservice.
type ServiceConfig struct {
	ID         int64
	Name       string
	Type       string
	Level      Level
	Enabled    bool
	Attributes map[string]any
}

// ServiceConfigFromRow decodes a stored alert service.
func ServiceConfigFromRow(row filter.Row) (ServiceConfig, error) {
	cfg := ServiceConfig{Attributes: map[string]any{}}
	cfg.ID, _ = row["id"].(int64)
	cfg.Name, _ = row["name"].(string)
	cfg.Type, _ = row["type"].(string)
	cfg.Enabled, _ = row["enabled"].(bool)
	if attrs, ok := row["attributes"].(map[string]any); ok {
		cfg.Attributes = attrs
	}
	levelName, _ := row["level"].(string)
	lvl, err := ParseLevel(levelName)
	if err != nil {
		return cfg, err
	}
	cfg.Level = lvl
	return cfg, nil
}

var httpClient = &http.Client{
	Transport: otelhttp.NewTransport(http.DefaultTransport),
	Timeout:   15 * time.Second,
}

func postJSON(ctx context.Context, url string, headers map[string]any, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("alert: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("alert: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v, ok := headers[k].(string); ok {
			req.Header.Set(k, v)
		}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("alert: post %s: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("alert: post %s: status %s", url, resp.Status)
	}
	return nil
}

type webhookService struct {
	url     string
	headers map[string]any
}

func (s *webhookService) Send(ctx context.Context, msg Message) error {
	return postJSON(ctx, s.url, s.headers, map[string]any{
		"text":     msg.Text(),
		"hostname": msg.Hostname,
		"alerts":   msg.rows(msg.Alerts),
		"new":      msg.rows(msg.New),
		"gone":     msg.rows(msg.Gone),
	})
}

type slackService struct {
	url string
}

func (s *slackService) Send(ctx context.Context, msg Message) error {
	return postJSON(ctx, s.url, nil, map[string]any{"text": msg.Text()})
}

// WebhookServiceType posts JSON alert batches to a URL.
func WebhookServiceType() ServiceType {
	return ServiceType{
		Name:  "Webhook",
		Title: "Webhook",
		Attributes: registry.Object(
			registry.F("url", registry.Str().NonEmpty().Pattern(`^https?://`)).Required(),
			registry.F("headers", registry.Dict()).Default(map[string]any{}),
		),
		New: func(attrs map[string]any) (Service, error) {
			url, _ := attrs["url"].(string)
			if url == "" {
				return nil, fmt.Errorf("alert: webhook url is required")
			}
			headers, _ := attrs["headers"].(map[string]any)
			return &webhookService{url: url, headers: headers}, nil
		},
	}
}

// SlackServiceType posts plain text to a chat incoming-webhook URL.
func SlackServiceType() ServiceType {
	return ServiceType{
		Name:  "Slack",
		Title: "Slack",
		Attributes: registry.Object(
			registry.F("url", registry.Str().NonEmpty().Pattern(`^https?://`)).Required(),
		),
		New: func(attrs map[string]any) (Service, error) {
			url, _ := attrs["url"].(string)
			if url == "" {
				return nil, fmt.Errorf("alert: slack url is required")
			}
			return &slackService{url: url}, nil
		},
	}
}
