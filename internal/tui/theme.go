// Package tui is the terminal dashboard behind "brain-proxy top".
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/magi-network/brainproxy/internal/store"
)

var (
	colorPrimary = lipgloss.Color("#7C3AED")
	colorAccent  = lipgloss.Color("#F59E0B")
	colorSuccess = lipgloss.Color("#10B981")
	colorError   = lipgloss.Color("#EF4444")
	colorMuted   = lipgloss.Color("#6B7280")
	colorText    = lipgloss.Color("#E5E7EB")
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	subtleStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	textStyle    = lipgloss.NewStyle().Foreground(colorText)
	errorStyle   = lipgloss.NewStyle().Foreground(colorError)
	onlineDot    = lipgloss.NewStyle().Foreground(colorSuccess).Render("●")
	offlineDot   = lipgloss.NewStyle().Foreground(colorError).Render("●")
	panelStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorMuted)
	focusedPanel = panelStyle.BorderForeground(colorPrimary)
)

// actionStyle colors audit actions by family.
func actionStyle(action string) lipgloss.Style {
	switch action {
	case store.ActionBrainConnect, store.ActionSessionCreated, store.ActionAdminLogin:
		return lipgloss.NewStyle().Foreground(colorSuccess)
	case store.ActionAuthForbidden, store.ActionBrainKicked:
		return lipgloss.NewStyle().Foreground(colorError)
	case store.ActionBrainReaped, store.ActionBrainReplaced:
		return lipgloss.NewStyle().Foreground(colorAccent)
	default:
		return textStyle
	}
}
