package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/threadstream/internal/chat"
	"github.com/mattjoyce/threadstream/internal/client"
)

var watchFlags struct {
	apiBase        string
	token          string
	flowID         string
	cursorDir      string
	rotateInterval time.Duration
	history        int
}

var watchCmd = &cobra.Command{
	Use:   "watch [thread_id]",
	Short: "Watch a thread's event stream in a TUI",
	Long: `Watch follows one thread's event stream. With --flow it follows the
flow's active thread and moves to the successor whenever the thread is
rotated.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := watchConfig{
			APIBase:        strings.TrimRight(watchFlags.apiBase, "/"),
			Token:          watchFlags.token,
			FlowID:         watchFlags.flowID,
			RotateInterval: watchFlags.rotateInterval,
			History:        watchFlags.history,
		}
		if len(args) == 1 {
			cfg.ThreadID = args[0]
		}
		if cfg.FlowID == "" && cfg.ThreadID == "" {
			return fmt.Errorf("either --flow or a thread_id is required")
		}
		if strings.TrimSpace(cfg.Token) == "" {
			return fmt.Errorf("token is required (use --token or THREADSTREAM_API_TOKEN)")
		}
		if cfg.RotateInterval <= 0 {
			return fmt.Errorf("rotate-interval must be positive")
		}
		return runWatch(cmd.Context(), cfg, watchFlags.cursorDir)
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	f := watchCmd.Flags()
	f.StringVar(&watchFlags.apiBase, "api", "http://127.0.0.1:8090", "base URL for the threadstream API")
	f.StringVar(&watchFlags.token, "token", os.Getenv("THREADSTREAM_API_TOKEN"), "Bearer token for API auth")
	f.StringVar(&watchFlags.flowID, "flow", "", "follow the active thread of this flow")
	f.StringVar(&watchFlags.cursorDir, "cursor-dir", "", "directory persisting stream cursors across restarts")
	f.DurationVar(&watchFlags.rotateInterval, "rotate-interval", 30*time.Second, "how often to check the thread for rotation")
	f.IntVar(&watchFlags.history, "history", 20, "number of stored messages to show on connect")
}

func runWatch(ctx context.Context, cfg watchConfig, cursorDir string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cursors := client.CursorStore(client.NewMemoryCursorStore())
	if cursorDir != "" {
		store, err := client.OpenPebbleCursorStore(cursorDir)
		if err != nil {
			return err
		}
		defer store.Close()
		cursors = store
	}

	api := client.New(cfg.APIBase, cfg.Token, nil)
	m := newWatchModel(ctx, cfg, api, cursors)
	p := tea.NewProgram(m, tea.WithAltScreen())
	final, err := p.Run()
	if wm, ok := final.(watchModel); ok {
		wm.stopConsumer()
	}
	return err
}

type watchConfig struct {
	APIBase        string
	Token          string
	FlowID         string
	ThreadID       string
	RotateInterval time.Duration
	History        int
}

// threadResolvedMsg carries the thread to follow and its recent history.
type threadResolvedMsg struct {
	Thread  *client.Thread
	History []chat.Message
	Err     error
}

// consumerMsg is a normalized message from the consumer of ThreadID.
type consumerMsg struct {
	ThreadID string
	Message  chat.Message
}

// consumerStateMsg is a state change of the consumer of ThreadID.
type consumerStateMsg struct {
	ThreadID string
	State    client.State
}

type rotateTickMsg struct {
	ThreadID string
}

type rotateResultMsg struct {
	ThreadID string
	Result   *client.RotateResult
	Err      error
}

type watchModel struct {
	ctx     context.Context
	cfg     watchConfig
	api     *client.Client
	cursors client.CursorStore
	norm    *chat.Normalizer
	logger  *slog.Logger

	updates   chan tea.Msg
	listening bool
	consumer  *client.Consumer
	cancel    context.CancelFunc

	thread    *client.Thread
	state     client.State
	messages  []chat.Message
	index     map[string]int
	rotations int
	width     int
	height    int
	err       error
}

func newWatchModel(ctx context.Context, cfg watchConfig, api *client.Client, cursors client.CursorStore) watchModel {
	return watchModel{
		ctx:     ctx,
		cfg:     cfg,
		api:     api,
		cursors: cursors,
		norm:    chat.NewNormalizer(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		updates: make(chan tea.Msg, 256),
		index:   map[string]int{},
	}
}

func (m watchModel) Init() tea.Cmd {
	if m.cfg.ThreadID != "" {
		return resolveThreadCmd(m.ctx, m.api, m.norm, "", m.cfg.ThreadID, m.cfg.History)
	}
	return resolveThreadCmd(m.ctx, m.api, m.norm, m.cfg.FlowID, "", m.cfg.History)
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.stopConsumer()
			return m, tea.Quit
		}
		return m, nil
	case threadResolvedMsg:
		if msg.Err != nil {
			m.err = msg.Err
			return m, nil
		}
		m.err = nil
		m.follow(msg.Thread, msg.History)
		cmds := []tea.Cmd{rotateTickCmd(msg.Thread.ID, m.cfg.RotateInterval)}
		if !m.listening {
			m.listening = true
			cmds = append(cmds, waitForUpdateCmd(m.updates))
		}
		return m, tea.Batch(cmds...)
	case consumerMsg:
		if m.thread != nil && msg.ThreadID == m.thread.ID {
			m.upsert(msg.Message)
		}
		return m, waitForUpdateCmd(m.updates)
	case consumerStateMsg:
		if m.thread != nil && msg.ThreadID == m.thread.ID {
			m.state = msg.State
		}
		return m, waitForUpdateCmd(m.updates)
	case rotateTickMsg:
		if m.thread == nil || msg.ThreadID != m.thread.ID {
			return m, nil
		}
		return m, rotateCheckCmd(m.ctx, m.api, msg.ThreadID)
	case rotateResultMsg:
		if m.thread == nil || msg.ThreadID != m.thread.ID {
			return m, nil
		}
		if msg.Err != nil {
			m.upsert(m.norm.Notice(chat.SeverityWarn, "Rotation check failed: "+msg.Err.Error()))
			return m, rotateTickCmd(msg.ThreadID, m.cfg.RotateInterval)
		}
		m.thread = msg.Result.Thread
		if !msg.Result.Rotated || msg.Result.Successor == nil {
			return m, rotateTickCmd(msg.ThreadID, m.cfg.RotateInterval)
		}
		m.rotations++
		m.stopConsumer()
		m.upsert(m.norm.Notice(chat.SeverityInfo,
			fmt.Sprintf("Thread %s was archived; following %s", shortID(msg.ThreadID), shortID(msg.Result.Successor.ID))))
		return m, resolveThreadCmd(m.ctx, m.api, m.norm, "", msg.Result.Successor.ID, m.cfg.History)
	default:
		return m, nil
	}
}

// follow switches the model to t and starts a consumer for it.
func (m *watchModel) follow(t *client.Thread, history []chat.Message) {
	m.stopConsumer()
	m.thread = t
	m.state = client.StateIdle
	for _, msg := range history {
		m.upsert(msg)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	threadID := t.ID
	updates := m.updates
	send := func(msg tea.Msg) {
		select {
		case updates <- msg:
		case <-ctx.Done():
		}
	}
	m.consumer = client.NewConsumer(m.api, threadID, client.ConsumerOptions{
		Cursor:     m.cursors,
		Normalizer: m.norm,
		Logger:     m.logger,
		OnMessage:  func(msg chat.Message) { send(consumerMsg{ThreadID: threadID, Message: msg}) },
		OnState:    func(s client.State) { send(consumerStateMsg{ThreadID: threadID, State: s}) },
	})
	m.cancel = cancel
	m.consumer.Start(ctx)
}

// stopConsumer stops the current consumer. The context is cancelled first so
// a callback blocked on the update channel returns before Stop waits.
func (m *watchModel) stopConsumer() {
	if m.consumer == nil {
		return
	}
	m.cancel()
	m.consumer.Stop()
	m.consumer = nil
	m.cancel = nil
}

// upsert appends msg, or replaces the earlier message with the same id.
func (m *watchModel) upsert(msg chat.Message) {
	if i, ok := m.index[msg.ID]; ok {
		m.messages[i] = msg
		return
	}
	m.index[msg.ID] = len(m.messages)
	m.messages = append(m.messages, msg)
	if len(m.messages) > 800 {
		drop := len(m.messages) - 800
		m.messages = m.messages[drop:]
		m.index = make(map[string]int, len(m.messages))
		for i, existing := range m.messages {
			m.index[existing.ID] = i
		}
	}
}

func (m watchModel) View() string {
	accent := lipgloss.Color("#F97316")
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#1C1007")).
		Background(accent).
		Padding(0, 1).
		Render("Threadstream Watch")

	statusStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#1C1007")).
		Background(accent).
		Padding(0, 1)
	switch m.state {
	case client.StateIdle, client.StateConnecting:
		statusStyle = statusStyle.Background(lipgloss.Color("#6B7280"))
	case client.StateReconnectWait:
		statusStyle = statusStyle.Background(lipgloss.Color("#EF4444")).Foreground(lipgloss.Color("#FFF7ED"))
	}
	status := statusStyle.Render(strings.ToUpper(m.state.String()))

	threadLabel, threadStatus, updated := "-", "-", "-"
	if m.thread != nil {
		threadLabel = shortID(m.thread.ID)
		threadStatus = m.thread.Status
		updated = humanize.Time(m.thread.UpdatedAt)
	}
	flowLabel := m.cfg.FlowID
	if flowLabel == "" {
		flowLabel = "-"
	}
	meta := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FDBA74")).
		Render(fmt.Sprintf("flow=%s  thread=%s  status=%s  updated=%s  api=%s",
			flowLabel, threadLabel, threadStatus, updated, m.cfg.APIBase))

	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FDBA74")).
		Render(fmt.Sprintf("%s message(s), %s rotation(s)  q: quit",
			humanize.Comma(int64(len(m.messages))), humanize.Comma(int64(m.rotations))))
	if m.err != nil {
		footer = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Render("error: " + m.err.Error() + "  q: quit")
	}

	width := bodyWidth(m.width)
	lines := m.messageLines(width - 4)
	if len(lines) == 0 {
		lines = []string{"waiting for messages..."}
	}
	panel := renderPanel("Messages", lines, width, panelHeight(m.height), accent)

	return strings.Join([]string{title + " " + status, meta, panel, footer}, "\n")
}

func (m watchModel) messageLines(width int) []string {
	lines := make([]string, 0, len(m.messages))
	for _, msg := range m.messages {
		lines = append(lines, formatMessage(msg, width))
	}
	return lines
}

// formatMessage renders msg as one line: time, author and body.
func formatMessage(msg chat.Message, width int) string {
	author := string(msg.Role)
	if msg.Type == chat.TypeNotice {
		if c, ok := msg.Content.(chat.NoticeContent); ok && c.Severity != "" {
			author = string(c.Severity)
		}
	}
	body := strings.Join(strings.Fields(msg.Text()), " ")
	if msg.Partial {
		body += " …"
	}
	line := fmt.Sprintf("[%s] %s: %s", msg.Timestamp.Local().Format("15:04:05"), author, body)
	return trimForLog(line, width)
}

func panelHeight(terminalHeight int) int {
	h := terminalHeight - 4
	if h < 6 {
		h = 6
	}
	return h
}

func renderPanel(title string, lines []string, width, height int, accent lipgloss.Color) string {
	if height < 3 {
		height = 3
	}
	contentHeight := height - 1
	if len(lines) > contentHeight {
		lines = lines[len(lines)-contentHeight:]
	}
	for len(lines) < contentHeight {
		lines = append(lines, "")
	}
	content := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title) + "\n" + strings.Join(lines, "\n")

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Foreground(lipgloss.Color("#FFF7ED")).
		Background(lipgloss.Color("#2A1305")).
		Width(width).
		Height(height).
		Padding(0, 1).
		Render(content)
}

func resolveThreadCmd(ctx context.Context, api *client.Client, norm *chat.Normalizer, flowID, threadID string, history int) tea.Cmd {
	return func() tea.Msg {
		var (
			t   *client.Thread
			err error
		)
		if threadID != "" {
			t, err = api.Thread(ctx, threadID)
		} else {
			t, err = api.ActiveThread(ctx, flowID)
		}
		if err != nil {
			return threadResolvedMsg{Err: fmt.Errorf("resolve thread: %w", err)}
		}
		msgs, err := loadHistory(ctx, api, norm, t.ID, history)
		if err != nil {
			msgs = []chat.Message{norm.Notice(chat.SeverityWarn, "History unavailable: "+err.Error())}
		}
		return threadResolvedMsg{Thread: t, History: msgs}
	}
}

func loadHistory(ctx context.Context, api *client.Client, norm *chat.Normalizer, threadID string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	stored, _, err := api.Messages(ctx, threadID, 0, limit)
	if err != nil {
		return nil, err
	}
	msgs := make([]chat.Message, 0, len(stored))
	for _, s := range stored {
		msg, err := norm.Render(s.ID, s.Role, s.Format, s.Content, s.CreatedAt)
		if err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func rotateTickCmd(threadID string, interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(time.Time) tea.Msg {
		return rotateTickMsg{ThreadID: threadID}
	})
}

func rotateCheckCmd(ctx context.Context, api *client.Client, threadID string) tea.Cmd {
	return func() tea.Msg {
		res, err := api.Rotate(ctx, threadID)
		if err == nil && res.Thread == nil {
			err = errors.New("empty rotation result")
		}
		return rotateResultMsg{ThreadID: threadID, Result: res, Err: err}
	}
}

func waitForUpdateCmd(in <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-in
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func trimForLog(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func bodyWidth(terminalWidth int) int {
	if terminalWidth <= 0 {
		return 80
	}
	w := terminalWidth - 2
	if w < 40 {
		return 40
	}
	return w
}
