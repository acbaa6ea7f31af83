// Package tui is the interactive history manager: browse, filter and
// delete recorded commands without leaving the terminal.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hushlog/hushlog/internal/logger"
	"github.com/hushlog/hushlog/internal/storage"
)

// manageLoadLimit caps how much history the manager pulls in. Browsing
// past a few hundred entries is what search is for.
const manageLoadLimit = 500

var (
	statusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Padding(0, 1)
	redactedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
)

type item struct {
	entry storage.Entry
}

func (i item) Title() string {
	title := i.entry.Command
	if i.entry.Redacted {
		title = redactedStyle.Render("⬤ ") + title
	}
	return title
}

func (i item) Description() string {
	desc := fmt.Sprintf("%s  %s", i.entry.Timestamp.Format(time.DateTime), i.entry.Directory)
	if i.entry.ExitCode != nil && *i.entry.ExitCode != 0 {
		desc += fmt.Sprintf("  exit %d", *i.entry.ExitCode)
	}
	return desc
}

func (i item) FilterValue() string { return i.entry.Command }

type deleteDoneMsg struct {
	entry   storage.Entry
	removed int64
	err     error
}

type keyMap struct {
	delete key.Binding
	quit   key.Binding
}

var keys = keyMap{
	delete: key.NewBinding(
		key.WithKeys("d", "x"),
		key.WithHelp("d", "delete entry"),
	),
	quit: key.NewBinding(
		key.WithKeys("q", "esc", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// Model is the manage screen. Deletes go straight to the backend; there
// is no staging step, the list is the truth.
type Model struct {
	ctx     context.Context
	backend storage.Backend
	list    list.Model
	status  string
	removed int64
	log     *logger.Logger
}

// NewManage loads recent history and builds the manage screen.
func NewManage(ctx context.Context, backend storage.Backend) (Model, error) {
	entries, err := backend.Recent(ctx, manageLoadLimit)
	if err != nil {
		return Model{}, err
	}
	items := make([]list.Item, len(entries))
	for i, e := range entries {
		items[i] = item{entry: e}
	}

	delegate := list.NewDefaultDelegate()
	l := list.New(items, delegate, 0, 0)
	l.Title = "hushlog history"
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(true)
	l.AdditionalShortHelpKeys = func() []key.Binding {
		return []key.Binding{keys.delete}
	}

	return Model{
		ctx:     ctx,
		backend: backend,
		list:    l,
		log:     logger.GetLogger().TUI(),
	}, nil
}

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width, msg.Height-1)
		return m, nil

	case deleteDoneMsg:
		if msg.err != nil {
			m.status = "delete failed: " + msg.err.Error()
			m.log.Error().Err(msg.err).Msg("delete failed")
			return m, nil
		}
		m.removed += msg.removed
		// RemoveItem wants an index into the full item slice, but the
		// cursor index is relative to the filtered view. Look the entry
		// up by content instead.
		for i, it := range m.list.Items() {
			if li, ok := it.(item); ok && li.entry.Command == msg.entry.Command &&
				li.entry.Timestamp.Equal(msg.entry.Timestamp) && li.entry.Directory == msg.entry.Directory {
				m.list.RemoveItem(i)
				break
			}
		}
		m.status = fmt.Sprintf("%d entries deleted", m.removed)
		return m, nil

	case tea.KeyMsg:
		// While the filter input is focused, keys belong to it.
		if m.list.FilterState() == list.Filtering {
			break
		}
		switch {
		case key.Matches(msg, keys.quit):
			return m, tea.Quit
		case key.Matches(msg, keys.delete):
			return m, m.deleteSelected()
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m Model) deleteSelected() tea.Cmd {
	sel, ok := m.list.SelectedItem().(item)
	if !ok {
		return nil
	}
	return func() tea.Msg {
		removed, err := m.backend.Delete(m.ctx, []storage.Entry{sel.entry})
		return deleteDoneMsg{entry: sel.entry, removed: removed, err: err}
	}
}

func (m Model) View() string {
	status := m.status
	if status == "" {
		status = "d: delete  /: filter  q: quit"
	}
	return m.list.View() + "\n" + statusStyle.Render(status)
}

// RunManage runs the manage screen until the user quits.
func RunManage(ctx context.Context, backend storage.Backend) error {
	m, err := NewManage(ctx, backend)
	if err != nil {
		return err
	}
	_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}
