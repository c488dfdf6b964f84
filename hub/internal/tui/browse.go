package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/amurg-ai/m10n/hub/internal/catalog"
	"github.com/amurg-ai/m10n/pkg/revision"
)

const timeLayout = "2006-01-02 15:04 MST"

// Loader fetches the catalog page being browsed.
type Loader func(ctx context.Context) (*catalog.Page, error)

type pageMsg struct {
	page *catalog.Page
	err  error
}

type keyMap struct {
	Up, Down, Top, Bottom key.Binding
	Filter, Refresh       key.Binding
	Help, Quit            key.Binding
}

var keys = keyMap{
	Up:      key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("k/↑", "previous plan")),
	Down:    key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("j/↓", "next plan")),
	Top:     key.NewBinding(key.WithKeys("g"), key.WithHelp("g", "first plan")),
	Bottom:  key.NewBinding(key.WithKeys("G"), key.WithHelp("G", "last plan")),
	Filter:  key.NewBinding(key.WithKeys("/"), key.WithHelp("/", "filter by product or plan")),
	Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "reload the page")),
	Help:    key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "toggle help")),
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// Model is the catalog browser.
type Model struct {
	load    Loader
	page    *catalog.Page
	visible []catalog.Entry
	cursor  int
	err     error

	loading   bool
	spinner   spinner.Model
	filter    textinput.Model
	filtering bool
	showHelp  bool
	width     int
}

// NewModel creates a browser that loads its page with load.
func NewModel(load Loader) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(ColorPrimary)

	ti := textinput.New()
	ti.Prompt = "/ "
	ti.Placeholder = "product or plan"

	return Model{load: load, loading: true, spinner: sp, filter: ti}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch())
}

func (m Model) fetch() tea.Cmd {
	load := m.load
	return func() tea.Msg {
		page, err := load(context.Background())
		return pageMsg{page: page, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case pageMsg:
		m.loading = false
		m.err = msg.err
		if msg.err == nil {
			m.page = msg.page
			m.applyFilter()
		}
		return m, nil

	case spinner.TickMsg:
		if !m.loading {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		if m.filtering {
			return m.updateFilter(msg)
		}
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Help):
			m.showHelp = !m.showHelp
		case key.Matches(msg, keys.Down):
			if m.cursor < len(m.visible)-1 {
				m.cursor++
			}
		case key.Matches(msg, keys.Up):
			if m.cursor > 0 {
				m.cursor--
			}
		case key.Matches(msg, keys.Top):
			m.cursor = 0
		case key.Matches(msg, keys.Bottom):
			m.cursor = max(0, len(m.visible)-1)
		case key.Matches(msg, keys.Filter):
			m.filtering = true
			cmd := m.filter.Focus()
			return m, cmd
		case key.Matches(msg, keys.Refresh):
			if !m.loading {
				m.loading = true
				return m, tea.Batch(m.spinner.Tick, m.fetch())
			}
		}
	}
	return m, nil
}

func (m Model) updateFilter(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEnter:
		m.filtering = false
		m.filter.Blur()
		return m, nil
	case tea.KeyEsc:
		m.filtering = false
		m.filter.Blur()
		m.filter.SetValue("")
		m.applyFilter()
		return m, nil
	}
	var cmd tea.Cmd
	m.filter, cmd = m.filter.Update(msg)
	m.applyFilter()
	return m, cmd
}

func (m *Model) applyFilter() {
	m.visible = nil
	if m.page == nil {
		return
	}
	q := strings.ToLower(strings.TrimSpace(m.filter.Value()))
	for _, e := range m.page.Entries {
		if q == "" || matches(e, q) {
			m.visible = append(m.visible, e)
		}
	}
	if m.cursor >= len(m.visible) {
		m.cursor = max(0, len(m.visible)-1)
	}
}

func matches(e catalog.Entry, q string) bool {
	for _, s := range []string{e.Key, e.Product.DisplayName, e.Plan.DisplayName} {
		if strings.Contains(strings.ToLower(s), q) {
			return true
		}
	}
	return false
}

// Selected returns the plan under the cursor.
func (m Model) Selected() (catalog.Entry, bool) {
	if m.cursor < len(m.visible) {
		return m.visible[m.cursor], true
	}
	return catalog.Entry{}, false
}

func (m Model) View() string {
	if m.showHelp {
		return m.helpView()
	}

	var b strings.Builder
	b.WriteString(m.headerView() + "\n\n")

	switch {
	case m.err != nil:
		b.WriteString(ErrorStyle.Render("  "+m.err.Error()) + "\n")
	case m.page == nil:
		b.WriteString("  " + m.spinner.View() + " Loading catalog…\n")
	default:
		b.WriteString(m.listView() + "\n")
		if e, ok := m.Selected(); ok {
			b.WriteString(detailView(e) + "\n")
		}
	}

	if m.filtering || m.filter.Value() != "" {
		b.WriteString(m.filter.View() + "\n")
	}
	b.WriteString(Help.Render("  j/k navigate  / filter  r reload  ? help  q quit"))
	return b.String()
}

func (m Model) headerView() string {
	title := Title.Render("m10n catalog")
	if m.page == nil {
		return title
	}
	meta := Dimmed.Render(fmt.Sprintf("  %s · %d plans · as of %s",
		m.page.Email, len(m.page.Entries), m.page.GeneratedAt.Format(timeLayout)))
	if m.loading {
		meta += " " + m.spinner.View()
	}
	return title + meta
}

func (m Model) listView() string {
	if len(m.visible) == 0 {
		return Dimmed.Render("  No purchasable plans")
	}
	var rows []string
	for i, e := range m.visible {
		cursor := "  "
		name := e.Key
		if e.Plan.DisplayName != "" {
			name = fmt.Sprintf("%s (%s)", e.Key, e.Plan.DisplayName)
		}
		if i == m.cursor {
			cursor = Selected.Render("> ")
			name = Selected.Render(name)
		}
		rows = append(rows, cursor+name+"  "+badge(e))
	}
	return strings.Join(rows, "\n")
}

func badge(e catalog.Entry) string {
	switch {
	case e.Future != nil && e.Current != nil:
		return FutureRevision.Render("changes " + e.Future.StartAt.Format("2006-01-02"))
	case e.Future != nil:
		return FutureRevision.Render("starts " + e.Future.StartAt.Format("2006-01-02"))
	case e.Current != nil:
		return CurrentRevision.Render("in effect")
	default:
		return Dimmed.Render("no revision")
	}
}

func detailView(e catalog.Entry) string {
	lines := []string{
		Subtitle.Render(e.Product.DisplayName + " / " + e.Plan.Name),
		Label.Render("type") + e.Plan.Type,
		Label.Render("currency") + e.Plan.CurrencyCode,
		Label.Render("current") + CurrentRevision.Render(describe(e.Current)),
		Label.Render("next") + FutureRevision.Render(describe(e.Future)),
	}
	if e.Plan.Description != "" {
		lines = append(lines, Dimmed.Render(e.Plan.Description))
	}
	return Panel.Render(strings.Join(lines, "\n"))
}

func describe(rev *revision.PlanRevision) string {
	if rev == nil {
		return "none"
	}
	s := rev.ID + " from " + rev.StartAt.Format(timeLayout)
	if rev.EndAt != nil {
		return s + " until " + rev.EndAt.Format(timeLayout)
	}
	return s + ", open-ended"
}

func (m Model) helpView() string {
	keyStyle := lipgloss.NewStyle().Foreground(ColorAccent).Bold(true).Width(10)
	descStyle := lipgloss.NewStyle().Foreground(ColorText)

	s := Title.Render("Keyboard Shortcuts") + "\n\n"
	for _, b := range []key.Binding{keys.Down, keys.Up, keys.Top, keys.Bottom, keys.Filter, keys.Refresh, keys.Help, keys.Quit} {
		h := b.Help()
		s += "  " + keyStyle.Render(h.Key) + descStyle.Render(h.Desc) + "\n"
	}
	s += "\n" + Help.Render("  Press ? to close")
	return lipgloss.NewStyle().Padding(1, 2).Render(s)
}

// Run shows the browser until the user quits.
func Run(load Loader) error {
	if _, err := tea.NewProgram(NewModel(load), tea.WithAltScreen()).Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
