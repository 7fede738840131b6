package ui

import "github.com/charmbracelet/lipgloss"

// 256-color palette. Single cyan accent keeps the UI readable on both
// dark and light terminals.
const (
	ColorAccent    = "81"  // cyan accent
	ColorAccentDim = "67"  // dimmed accent for pending stages
	ColorWhite     = "255" // headers
	ColorGray      = "245" // labels, secondary text
	ColorDarkGray  = "238" // borders, separators
	ColorRed       = "196" // errors
	ColorYellow    = "220" // warnings
)

// Styles holds the lipgloss styles used by the renderers.
type Styles struct {
	Header  lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Dim     lipgloss.Style
	Active  lipgloss.Style
	Label   lipgloss.Style
	Border  lipgloss.Style
}

// DefaultStyles returns the colored style set.
func DefaultStyles() Styles {
	return Styles{
		Header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorWhite)),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color(ColorAccent)),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color(ColorYellow)),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorRed)),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color(ColorDarkGray)),
		Active:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorAccent)),
		Label:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorGray)),
		Border:  lipgloss.NewStyle().Foreground(lipgloss.Color(ColorDarkGray)),
	}
}

// NoColorStyles returns an unstyled set for plain mode.
func NoColorStyles() Styles {
	plain := lipgloss.NewStyle()
	return Styles{
		Header: plain, Success: plain, Warning: plain, Error: plain,
		Dim: plain, Active: plain, Label: plain, Border: plain,
	}
}

// GetStyles picks the style set for the color preference.
func GetStyles(noColor bool) Styles {
	if noColor {
		return NoColorStyles()
	}
	return DefaultStyles()
}
