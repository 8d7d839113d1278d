// Package notification delivers critical-value pages over email or SMS with
// template rendering, an in-memory delivery log, retries and Echo handlers.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Channel is the medium a delivery goes out on.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Valid reports whether c is a supported channel.
func (c Channel) Valid() bool { return c == ChannelEmail || c == ChannelSMS }

// Delivery statuses.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Built-in template IDs.
const (
	TemplateCriticalResult    = "critical-result"
	TemplateCriticalResultSMS = "critical-result-sms"
)

// Delivery is a single outbound message and its send state.
type Delivery struct {
	ID           string            `json:"id"`
	Channel      Channel           `json:"channel"`
	Recipient    string            `json:"recipient"`
	Subject      string            `json:"subject,omitempty"`
	Body         string            `json:"body"`
	TemplateID   string            `json:"template_id,omitempty"`
	TemplateData map[string]string `json:"template_data,omitempty"`
	Status       string            `json:"status"`
	Attempts     int               `json:"attempts"`
	CreatedAt    time.Time         `json:"created_at"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// -- Senders --

type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// LogSender writes messages to the structured log instead of a gateway. It
// satisfies both sender interfaces and is what serve uses when no gateway is
// configured.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "notification").Logger()}
}

func (s *LogSender) SendEmail(_ context.Context, to, subject, body string) error {
	s.logger.Info().Str("channel", "email").Str("to", to).Str("subject", subject).Msg(body)
	return nil
}

func (s *LogSender) SendSMS(_ context.Context, to, body string) error {
	s.logger.Info().Str("channel", "sms").Str("to", to).Msg(body)
	return nil
}

// -- Templates --

// Template is a message with {{key}} placeholders.
type Template struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Subject string  `json:"subject"`
	Body    string  `json:"body"`
	Channel Channel `json:"channel"`
}

// TemplateEngine holds templates by ID and renders them.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateCriticalResult,
			Name:    "Critical Result",
			Subject: "CRITICAL {{test_code}} result {{value}} {{unit}}",
			Body: "Critical value for test {{test_code}}: {{value}} {{unit}} ({{flag}}). " +
				"Result {{result_id}}. Acknowledge via notification {{notification_id}}.",
			Channel: ChannelEmail,
		},
		{
			ID:      TemplateCriticalResultSMS,
			Name:    "Critical Result (SMS)",
			Body:    "CRITICAL {{test_code}}={{value}} {{unit}} ({{flag}}) result {{result_id}}",
			Channel: ChannelSMS,
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

func (e *TemplateEngine) lookup(id string) (*Template, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.templates[id]
	return t, ok
}

// Render substitutes data into the template. Placeholders without data are
// left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	t, ok := e.lookup(templateID)
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}
	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// -- Test doubles --

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender records calls and optionally fails them.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailError  string
}

func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// SMSCall records a single call to SendSMS.
type SMSCall struct {
	To   string
	Body string
}

// MockSMSSender records calls and optionally fails them.
type MockSMSSender struct {
	mu         sync.Mutex
	calls      []SMSCall
	ShouldFail bool
	FailError  string
}

func (m *MockSMSSender) SendSMS(_ context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SMSCall{To: to, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

func (m *MockSMSSender) Calls() []SMSCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SMSCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// -- Manager --

// Manager sends deliveries and keeps a bounded in-memory log of them.
type Manager struct {
	email     EmailSender
	sms       SMSSender
	templates *TemplateEngine
	maxLog    int

	mu         sync.RWMutex
	deliveries map[string]*Delivery
	order      []string
}

// NewManager constructs a Manager. maxLog <= 0 keeps 1000 deliveries.
func NewManager(email EmailSender, sms SMSSender, tpl *TemplateEngine, maxLog int) *Manager {
	if maxLog <= 0 {
		maxLog = 1000
	}
	return &Manager{
		email:      email,
		sms:        sms,
		templates:  tpl,
		maxLog:     maxLog,
		deliveries: make(map[string]*Delivery),
	}
}

func (m *Manager) deliver(ctx context.Context, d *Delivery) error {
	switch d.Channel {
	case ChannelEmail:
		if m.email == nil {
			return errors.New("no email sender configured")
		}
		return m.email.SendEmail(ctx, d.Recipient, d.Subject, d.Body)
	case ChannelSMS:
		if m.sms == nil {
			return errors.New("no sms sender configured")
		}
		return m.sms.SendSMS(ctx, d.Recipient, d.Body)
	}
	return fmt.Errorf("unsupported channel: %s", d.Channel)
}

// record applies the send outcome to d and stores a snapshot of it. Readers
// only ever see snapshots, never a delivery that is still being sent.
func (m *Manager) record(d *Delivery, err error) {
	d.Attempts++
	if err != nil {
		d.Status = StatusFailed
		d.Error = err.Error()
	} else {
		d.Status = StatusSent
		d.Error = ""
		sentAt := time.Now().UTC()
		d.SentAt = &sentAt
	}

	snapshot := *d
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[d.ID]; ok {
		m.deliveries[d.ID] = &snapshot
		return
	}
	m.deliveries[d.ID] = &snapshot
	m.order = append(m.order, d.ID)
	if len(m.order) > m.maxLog {
		delete(m.deliveries, m.order[0])
		m.order = m.order[1:]
	}
}

// Send delivers d, assigning an ID and timestamps, and logs the outcome.
func (m *Manager) Send(ctx context.Context, d *Delivery) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	d.CreatedAt = time.Now().UTC()
	d.Status = StatusPending
	err := m.deliver(ctx, d)
	m.record(d, err)
	return err
}

// SendFromTemplate renders templateID and sends it over the template's channel.
func (m *Manager) SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*Delivery, error) {
	subject, body, err := m.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	tpl, _ := m.templates.lookup(templateID)
	d := &Delivery{
		Channel:      tpl.Channel,
		Recipient:    recipient,
		Subject:      subject,
		Body:         body,
		TemplateID:   templateID,
		TemplateData: data,
	}
	return d, m.Send(ctx, d)
}

// Get returns a copy of the delivery with the given ID.
func (m *Manager) Get(_ context.Context, id string) (*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("delivery %q not found", id)
	}
	cp := *d
	return &cp, nil
}

// List returns copies of up to limit deliveries, newest first, optionally
// filtered by status.
func (m *Manager) List(_ context.Context, status string, limit int) []*Delivery {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Delivery
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		d := m.deliveries[m.order[i]]
		if status == "" || d.Status == status {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out
}

// Retry re-sends a failed delivery. The delivery moves to pending before the
// send, so concurrent retries of the same delivery send it once.
func (m *Manager) Retry(ctx context.Context, id string) error {
	m.mu.Lock()
	stored, ok := m.deliveries[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("delivery %q not found", id)
	}
	if stored.Status != StatusFailed {
		status := stored.Status
		m.mu.Unlock()
		return fmt.Errorf("delivery %q is not in failed status (current: %s)", id, status)
	}
	stored.Status = StatusPending
	d := *stored
	m.mu.Unlock()

	sendErr := m.deliver(ctx, &d)
	m.record(&d, sendErr)
	return sendErr
}

// Stats counts deliveries by status.
func (m *Manager) Stats(_ context.Context) map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make(map[string]int)
	for _, d := range m.deliveries {
		stats[d.Status]++
	}
	return stats
}

// -- Dispatcher --

// Dispatcher pages the on-call recipient about a critical result.
type Dispatcher interface {
	DispatchCritical(ctx context.Context, data map[string]string) (*Delivery, error)
}

// CriticalDispatcher sends the critical-result template to one configured
// recipient over one configured channel.
type CriticalDispatcher struct {
	manager   *Manager
	recipient string
	channel   Channel
}

func NewCriticalDispatcher(mgr *Manager, recipient string, channel Channel) *CriticalDispatcher {
	return &CriticalDispatcher{manager: mgr, recipient: recipient, channel: channel}
}

// DispatchCritical is a no-op returning (nil, nil) when no recipient is set.
func (d *CriticalDispatcher) DispatchCritical(ctx context.Context, data map[string]string) (*Delivery, error) {
	if d.recipient == "" {
		return nil, nil
	}
	tpl := TemplateCriticalResult
	if d.channel == ChannelSMS {
		tpl = TemplateCriticalResultSMS
	}
	return d.manager.SendFromTemplate(ctx, tpl, data, d.recipient)
}

// -- HTTP --

// Handler exposes the delivery log over HTTP.
type Handler struct {
	manager *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{manager: mgr}
}

// RegisterRoutes registers the delivery routes on g. Callers apply role checks.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/deliveries/stats", h.HandleStats)
	g.GET("/deliveries/:id", h.HandleGet)
	g.GET("/deliveries", h.HandleList)
	g.POST("/deliveries/:id/retry", h.HandleRetry)
}

func (h *Handler) HandleGet(c echo.Context) error {
	d, err := h.manager.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, d)
}

// HandleList handles GET /deliveries?status=...
func (h *Handler) HandleList(c echo.Context) error {
	list := h.manager.List(c.Request().Context(), c.QueryParam("status"), 100)
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) HandleRetry(c echo.Context) error {
	id := c.Param("id")
	if err := h.manager.Retry(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, _ := h.manager.Get(c.Request().Context(), id)
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.Stats(c.Request().Context()))
}
