// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides styled terminal output for the Cloudstrate CLI.
//
// Styling degrades automatically on non-TTY output, so callers never
// need a plain-text branch.
package ux

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Cloudstrate color palette - stratosphere blues and steel
var (
	// Primary palette (brightest to darkest)
	ColorAzureBright  = lipgloss.Color("#4FB8FF") // Bright azure - highlights
	ColorAzurePrimary = lipgloss.Color("#2E9BE6") // Primary azure - main brand color
	ColorAzureDeep    = lipgloss.Color("#1C6EA4") // Deep azure - borders, accents
	ColorHorizon      = lipgloss.Color("#155D8C") // Horizon blue - subtle accents

	// Dark palette (backgrounds, muted elements)
	ColorSteel    = lipgloss.Color("#44545E") // Steel - muted text, borders
	ColorOvercast = lipgloss.Color("#2B3A42") // Overcast - deep backgrounds
	ColorNight    = lipgloss.Color("#141C22") // Night - near black

	// Semantic colors
	ColorSuccess = lipgloss.Color("#3FB68B") // Green for success
	ColorWarning = lipgloss.Color("#F4D03F") // Gold/amber for warnings
	ColorError   = lipgloss.Color("#E74C3C") // Red for errors
	ColorMuted   = lipgloss.Color("#44545E") // Steel for muted text
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorAzureBright),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorAzurePrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSteel),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorAzureBright).Bold(true),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// bannerWidth matches the rule width the CLI has always printed.
const bannerWidth = 60

// Banner prints a section banner:
//
//	============================================================
//	  CLOUDSTRATE SETUP
//	============================================================
//
// with a blank line before and after.
func Banner(title string) {
	rule := strings.Repeat("=", bannerWidth)
	fmt.Println("\n" + rule)
	fmt.Println(Styles.Bold.Render("  " + title))
	fmt.Println(rule + "\n")
}

// Check prints one diagnostic line for `setup check`. Failed required
// checks render ✗, failed advisory checks ⚠, passing checks ✓. The
// remediation hint goes on its own muted line under failures.
func Check(name string, ok, required bool, detail, hint string) {
	icon := IconSuccess
	if !ok {
		icon = IconWarning
		if required {
			icon = IconError
		}
	}

	line := fmt.Sprintf("%s %s", icon.Render(), Styles.Bold.Render(name))
	if detail != "" {
		line += ": " + detail
	}
	fmt.Println(line)

	if !ok && hint != "" {
		fmt.Println("    " + Styles.Muted.Render(hint))
	}
}

// Success prints a success message with checkmark
func Success(text string) {
	fmt.Printf("%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
}

// Warning prints a warning message
func Warning(text string) {
	fmt.Printf("%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
}

// Error prints an error message
func Error(text string) {
	fmt.Printf("%s %s\n", IconError.Render(), Styles.Error.Render(text))
}

// Muted prints muted/secondary text
func Muted(text string) {
	fmt.Println(Styles.Muted.Render(text))
}
