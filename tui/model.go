// Copyright 2021-2022 The livefeed Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tui terminal view of the watched collections
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/alwitt/livefeed/codec"
	"github.com/alwitt/livefeed/consumer"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ConnectionMsg the session connection state changed
type ConnectionMsg struct {
	Connected bool
}

// MarinesMsg a re-read of the primary collection completed
type MarinesMsg struct {
	Page consumer.MarinePage
}

// ChaptersMsg a re-read of the grouping collection completed
type ChaptersMsg struct {
	Chapters []consumer.Chapter
}

// ChangeMsg a change event arrived
type ChangeMsg struct {
	Topic string
	Event codec.ChangeEvent
}

// FetchErrorMsg a re-read failed
type FetchErrorMsg struct {
	Err error
}

// Controller actions the view can ask for
type Controller interface {
	// Reconnect manually connect, resetting the reconnect policy
	Reconnect() error
	// Refresh re-read both collections
	Refresh()
	// SetMarinePage select the page of primary entities to watch
	SetMarinePage(page int)
}

// View which collection is displayed
type View int

// Displayed collections
const (
	ViewMarines View = iota
	ViewChapters
)

var (
	styleHeader       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#f9fafb"))
	styleDimmed       = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
	styleConnected    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#22c55e"))
	styleDisconnected = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#dc2626"))
	styleActiveTab    = lipgloss.NewStyle().Bold(true).Underline(true).Foreground(lipgloss.Color("#06b6d4"))
	styleError        = lipgloss.NewStyle().Foreground(lipgloss.Color("#d97706"))
)

// Model root bubbletea model of the watch view
type Model struct {
	controller Controller
	keys       KeyMap
	width      int
	height     int

	view      View
	connected bool
	marines   consumer.MarinePage
	page      int
	chapters  []consumer.Chapter

	lastChange string
	lastError  string
	updatedAt  time.Time
}

// New define the watch view model
func New(controller Controller) Model {
	return Model{controller: controller, keys: DefaultKeyMap()}
}

// Init implement tea.Model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update implement tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case ConnectionMsg:
		m.connected = msg.Connected
		return m, nil

	case MarinesMsg:
		m.marines = msg.Page
		m.lastError = ""
		m.updatedAt = time.Now()
		return m, nil

	case ChaptersMsg:
		m.chapters = msg.Chapters
		m.lastError = ""
		m.updatedAt = time.Now()
		return m, nil

	case ChangeMsg:
		m.lastChange = fmt.Sprintf("%s %s", msg.Topic, msg.Event)
		return m, nil

	case FetchErrorMsg:
		if msg.Err != nil {
			m.lastError = msg.Err.Error()
		}
		return m, nil
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Tab):
		m.view = (m.view + 1) % 2
		return m, nil

	case key.Matches(msg, m.keys.Reconnect):
		if m.controller != nil {
			if err := m.controller.Reconnect(); err != nil {
				m.lastError = err.Error()
			}
		}
		return m, nil

	case key.Matches(msg, m.keys.Refresh):
		if m.controller != nil {
			m.controller.Refresh()
		}
		return m, nil

	case key.Matches(msg, m.keys.NextPage):
		if m.view == ViewMarines && m.page+1 < m.marines.TotalPages {
			m.page++
			if m.controller != nil {
				m.controller.SetMarinePage(m.page)
			}
		}
		return m, nil

	case key.Matches(msg, m.keys.PrevPage):
		if m.view == ViewMarines && m.page > 0 {
			m.page--
			if m.controller != nil {
				m.controller.SetMarinePage(m.page)
			}
		}
		return m, nil
	}
	return m, nil
}

// View implement tea.Model
func (m Model) View() string {
	sections := []string{
		m.renderStatus(),
		m.renderTabs(),
	}
	if m.view == ViewMarines {
		sections = append(sections, m.renderMarines())
	} else {
		sections = append(sections, m.renderChapters())
	}
	if m.lastChange != "" {
		sections = append(sections, styleDimmed.Render("last change: "+m.lastChange))
	}
	if m.lastError != "" {
		sections = append(sections, styleError.Render("error: "+m.lastError))
	}
	sections = append(sections, styleDimmed.Render(m.keys.helpLine()))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderStatus() string {
	status := styleDisconnected.Render("○ DISCONNECTED")
	if m.connected {
		status = styleConnected.Render("● CONNECTED")
	}
	line := styleHeader.Render("livefeed") + "  " + status
	if !m.updatedAt.IsZero() {
		line += "  " + styleDimmed.Render("updated "+m.updatedAt.Format("15:04:05"))
	}
	return line
}

func (m Model) renderTabs() string {
	marines := "Marines"
	chapters := "Chapters"
	if m.view == ViewMarines {
		marines = styleActiveTab.Render(marines)
		chapters = styleDimmed.Render(chapters)
	} else {
		marines = styleDimmed.Render(marines)
		chapters = styleActiveTab.Render(chapters)
	}
	return marines + " | " + chapters
}

func (m Model) renderMarines() string {
	lines := []string{
		styleHeader.Render(fmt.Sprintf(
			"%-6s %-24s %-8s %-8s %-14s %s", "ID", "NAME", "HEALTH", "CHAPTER", "WEAPON", "ACHIEVEMENTS",
		)),
	}
	for _, marine := range m.marines.Content {
		weapon := "-"
		if marine.WeaponType != nil {
			weapon = string(*marine.WeaponType)
		}
		lines = append(lines, fmt.Sprintf(
			"%-6d %-24s %-8d %-8d %-14s %s",
			marine.ID,
			truncate(marine.Name, 24),
			marine.Health,
			marine.ChapterID,
			weapon,
			truncate(marine.Achievements, 30),
		))
	}
	if len(m.marines.Content) == 0 {
		lines = append(lines, styleDimmed.Render("  no marines"))
	}
	totalPages := m.marines.TotalPages
	if totalPages < 1 {
		totalPages = 1
	}
	lines = append(lines, styleDimmed.Render(fmt.Sprintf("page %d of %d", m.page+1, totalPages)))
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m Model) renderChapters() string {
	lines := []string{
		styleHeader.Render(fmt.Sprintf("%-6s %-30s %s", "ID", "NAME", "MARINES")),
	}
	for _, chapter := range m.chapters {
		lines = append(lines, fmt.Sprintf(
			"%-6d %-30s %d", chapter.ID, truncate(chapter.Name, 30), chapter.MarinesCount,
		))
	}
	if len(m.chapters) == 0 {
		lines = append(lines, styleDimmed.Render("  no chapters"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func truncate(value string, maxLen int) string {
	value = strings.TrimSpace(value)
	if len(value) > maxLen {
		return value[:maxLen-3] + "..."
	}
	return value
}
