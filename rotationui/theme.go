// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotationui

import "github.com/charmbracelet/lipgloss"

// Theme defines the dashboard's color palette. All colors use
// lipgloss ANSI 256-color codes for broad terminal compatibility.
type Theme struct {
	// Text colors.
	NormalText lipgloss.Color
	FaintText  lipgloss.Color

	// Selected row.
	SelectedBackground lipgloss.Color
	SelectedForeground lipgloss.Color

	// Key status colors.
	StatusActive   lipgloss.Color
	StatusCooling  lipgloss.Color
	StatusDisabled lipgloss.Color

	// Health score bands.
	ScoreGood lipgloss.Color // score >= 0.9
	ScoreWarn lipgloss.Color // 0.5 <= score < 0.9
	ScoreBad  lipgloss.Color // score < 0.5

	// UI chrome.
	HeaderForeground lipgloss.Color
	BorderColor      lipgloss.Color
	HelpText         lipgloss.Color
	ErrorText        lipgloss.Color
}

// DefaultTheme is the built-in dark-terminal color scheme.
var DefaultTheme = Theme{
	NormalText: lipgloss.Color("252"),
	FaintText:  lipgloss.Color("243"),

	SelectedBackground: lipgloss.Color("237"),
	SelectedForeground: lipgloss.Color("255"),

	StatusActive:   lipgloss.Color("40"),
	StatusCooling:  lipgloss.Color("214"),
	StatusDisabled: lipgloss.Color("245"),

	ScoreGood: lipgloss.Color("40"),
	ScoreWarn: lipgloss.Color("214"),
	ScoreBad:  lipgloss.Color("196"),

	HeaderForeground: lipgloss.Color("39"),
	BorderColor:      lipgloss.Color("238"),
	HelpText:         lipgloss.Color("243"),
	ErrorText:        lipgloss.Color("196"),
}

// StatusColor returns the color for a key status string. Unknown
// statuses render faint.
func (theme Theme) StatusColor(status string) lipgloss.Color {
	switch status {
	case "active":
		return theme.StatusActive
	case "cooling_down":
		return theme.StatusCooling
	case "disabled":
		return theme.StatusDisabled
	default:
		return theme.FaintText
	}
}

// ScoreColor returns the color band for a health score.
func (theme Theme) ScoreColor(score float64) lipgloss.Color {
	switch {
	case score >= 0.9:
		return theme.ScoreGood
	case score >= 0.5:
		return theme.ScoreWarn
	default:
		return theme.ScoreBad
	}
}
