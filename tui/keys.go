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

package tui

import "github.com/charmbracelet/bubbles/key"

// KeyMap keyboard bindings of the watch view
type KeyMap struct {
	Quit      key.Binding
	Tab       key.Binding
	Reconnect key.Binding
	Refresh   key.Binding
	NextPage  key.Binding
	PrevPage  key.Binding
}

// DefaultKeyMap the default key bindings
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
		Tab: key.NewBinding(
			key.WithKeys("tab"),
			key.WithHelp("tab", "switch collection"),
		),
		Reconnect: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "reconnect"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("f"),
			key.WithHelp("f", "re-read"),
		),
		NextPage: key.NewBinding(
			key.WithKeys("n", "right"),
			key.WithHelp("n/→", "next page"),
		),
		PrevPage: key.NewBinding(
			key.WithKeys("p", "left"),
			key.WithHelp("p/←", "prev page"),
		),
	}
}

func (k KeyMap) helpLine() string {
	bindings := []key.Binding{k.Tab, k.PrevPage, k.NextPage, k.Refresh, k.Reconnect, k.Quit}
	line := ""
	for idx, binding := range bindings {
		if idx > 0 {
			line += "  "
		}
		help := binding.Help()
		line += help.Key + ":" + help.Desc
	}
	return line
}
