// Package theme styles terminal output for session and runtime listings.
package theme

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/kernelhost/khost/internal/runtime"
	"github.com/muesli/termenv"
)

const (
	// Butterscotch marks busy sessions.
	Butterscotch = "#FF9966"
	// Blue marks idle sessions.
	Blue = "#9999CC"
	// Purple marks starting and restarting sessions.
	Purple = "#CC99CC"
	// RedAlert marks exited sessions with a failure.
	RedAlert = "#FF3333"
	// YellowCaution marks interrupting and offline sessions.
	YellowCaution = "#FFCC00"
	// GreenOk marks sessions that ended cleanly.
	GreenOk = "#33FF33"
	// GalaxyGray is the muted neutral used for borders.
	GalaxyGray = "#52526A"
)

const (
	IconIdle    = "●"
	IconBusy    = "▸"
	IconWaiting = "⏸"
	IconDone    = "✓"
	IconFailed  = "✗"
	IconAlert   = "⚠"
)

var (
	ButterscotchColor  = lcarsColor(Butterscotch, "209", "11")
	BlueColor          = lcarsColor(Blue, "146", "12")
	PurpleColor        = lcarsColor(Purple, "182", "13")
	RedAlertColor      = lcarsColor(RedAlert, "203", "9")
	YellowCautionColor = lcarsColor(YellowCaution, "220", "11")
	GreenOkColor       = lcarsColor(GreenOk, "46", "10")
	GalaxyGrayColor    = lcarsColor(GalaxyGray, "60", "8")
)

var (
	// HeaderStyle styles table headers.
	HeaderStyle = lipgloss.NewStyle().Foreground(ButterscotchColor).Bold(true)
	// CellStyle pads table cells.
	CellStyle = lipgloss.NewStyle().Padding(0, 1)
	// ErrorStyle styles execution errors.
	ErrorStyle = lipgloss.NewStyle().Foreground(RedAlertColor).Bold(true)
)

type badge struct {
	icon  string
	color lipgloss.TerminalColor
}

var stateBadges = map[runtime.State]badge{
	runtime.StateUninitialized: {icon: IconWaiting, color: GalaxyGrayColor},
	runtime.StateStarting:      {icon: IconWaiting, color: PurpleColor},
	runtime.StateIdle:          {icon: IconIdle, color: BlueColor},
	runtime.StateBusy:          {icon: IconBusy, color: ButterscotchColor},
	runtime.StateInterrupting:  {icon: IconAlert, color: YellowCautionColor},
	runtime.StateOffline:       {icon: IconAlert, color: YellowCautionColor},
	runtime.StateExited:        {icon: IconDone, color: GreenOkColor},
}

// StateBadge renders state with its icon and color. failed switches exited
// sessions to the failure badge.
func StateBadge(state runtime.State, failed bool) string {
	b, ok := stateBadges[state]
	if !ok {
		b = badge{icon: IconAlert, color: GalaxyGrayColor}
	}
	if state == runtime.StateExited && failed {
		b = badge{icon: IconFailed, color: RedAlertColor}
	}
	return lipgloss.NewStyle().Foreground(b.color).Render(b.icon + " " + string(state))
}

// Table renders rows under headers with a rounded border.
func Table(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(GalaxyGrayColor)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return HeaderStyle.Padding(0, 1)
			}
			return CellStyle
		})
	return t.String()
}

var colorProfileFn = lipgloss.ColorProfile

func lcarsColor(hex string, ansi256 string, ansi string) lipgloss.TerminalColor {
	switch colorProfileFn() {
	case termenv.ANSI256, termenv.ANSI:
		return lipgloss.CompleteAdaptiveColor{
			Light: lipgloss.CompleteColor{TrueColor: hex, ANSI256: ansi256, ANSI: ansi},
			Dark:  lipgloss.CompleteColor{TrueColor: hex, ANSI256: ansi256, ANSI: ansi},
		}
	default:
		return lipgloss.AdaptiveColor{Light: hex, Dark: hex}
	}
}
