package cli

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tj-moody/zerobrew/pkg/install"
)

// Status line styles.
var (
	rowNameStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorWhite)
	rowStatusStyle = lipgloss.NewStyle().Foreground(colorGray)
	rowDoneStyle   = lipgloss.NewStyle().Foreground(colorGreen)
	rowFailStyle   = lipgloss.NewStyle().Foreground(colorRed)
)

// pkgRow is the display state of one package in the install view.
type pkgRow struct {
	name       string
	version    string
	status     string
	downloaded int64
	total      int64
	done       bool
	failed     bool
}

// InstallModel is the bubbletea model rendering live install progress, one
// line per package.
type InstallModel struct {
	rows  map[string]*pkgRow
	order []string
	quit  bool
}

// NewInstallModel creates an empty install progress model.
func NewInstallModel() InstallModel {
	return InstallModel{rows: make(map[string]*pkgRow)}
}

// eventMsg wraps a pipeline event for bubbletea delivery.
type eventMsg install.Event

// installDoneMsg signals that the install finished and the program should
// exit after a final render.
type installDoneMsg struct{}

// Init implements tea.Model.
func (m InstallModel) Init() tea.Cmd { return nil }

// Update implements tea.Model.
func (m InstallModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.quit = true
			return m, tea.Quit
		}
	case installDoneMsg:
		m.quit = true
		return m, tea.Quit
	case eventMsg:
		m.apply(install.Event(msg))
		return m, nil
	}
	return m, nil
}

func (m *InstallModel) apply(e install.Event) {
	row, ok := m.rows[e.Name]
	if !ok {
		row = &pkgRow{name: e.Name, version: e.Version, status: "resolved"}
		m.rows[e.Name] = row
		m.order = append(m.order, e.Name)
		sort.Strings(m.order)
	}
	if e.Version != "" {
		row.version = e.Version
	}

	switch e.Kind {
	case install.EventDownloadStarted:
		row.status = "downloading"
	case install.EventDownloadProgress:
		row.status = "downloading"
		row.downloaded, row.total = e.Downloaded, e.Total
	case install.EventDownloadCompleted:
		row.status = "unpacking"
	case install.EventIngested:
		row.status = "materializing"
	case install.EventMaterialized:
		row.status = "linking"
	case install.EventLinked:
		row.status = "linked"
	case install.EventCommitted:
		row.status = "installed"
		row.done = true
	case install.EventSkipped:
		row.status = "already installed"
		row.done = true
	case install.EventFailed:
		row.status = "failed"
		if e.Err != nil {
			row.status = "failed: " + e.Err.Error()
		}
		row.failed = true
	}
}

// View implements tea.Model.
func (m InstallModel) View() string {
	if len(m.order) == 0 {
		return ""
	}
	var b strings.Builder
	for _, name := range m.order {
		row := m.rows[name]
		label := fmt.Sprintf("%s %s", rowNameStyle.Render(row.name), StyleDim.Render(row.version))

		status := row.status
		if row.status == "downloading" && row.total > 0 {
			status = fmt.Sprintf("downloading %3.0f%%", float64(row.downloaded)/float64(row.total)*100)
		}

		switch {
		case row.failed:
			b.WriteString(fmt.Sprintf("  %s %-34s %s\n", styleIconError.Render(iconError), label, rowFailStyle.Render(status)))
		case row.done:
			b.WriteString(fmt.Sprintf("  %s %-34s %s\n", styleIconSuccess.Render(iconSuccess), label, rowDoneStyle.Render(status)))
		default:
			b.WriteString(fmt.Sprintf("  %s %-34s %s\n", styleIconSpinner.Render("⠿"), label, rowStatusStyle.Render(status)))
		}
	}
	return b.String()
}
