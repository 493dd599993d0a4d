// SPDX-License-Identifier: MIT

// Package menu provides an interactive terminal menu system using
// charmbracelet/huh: a bench driver for cmd/leaudioctl that attaches a
// group, drives StartStream/ConfigureStream/SuspendStream/StopStream, and
// watches its status reports and per-device ASE state without requiring
// the operator to memorize operation names.
package menu

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/leaudio-go/leaudio/internal/device"
	"github.com/leaudio-go/leaudio/internal/group"
	"github.com/leaudio-go/leaudio/internal/statemachine"
	"github.com/leaudio-go/leaudio/internal/transport"
)

// MenuItem represents a single menu option.
type MenuItem struct {
	Key string // Key identifier (e.g., "1", "q")
	Label string // Display label
	Description string // Optional description
	Action func() error // Action to execute
	SubMenu *Menu // Optional submenu
	Hidden bool // If true, not displayed but still accessible
}

// Menu represents a menu with multiple items.
type Menu struct {
	Title string
	Items []MenuItem
	Footer string
	input io.Reader
	output io.Writer
	clearScreen bool
	accessible bool // Enable accessible mode for screen readers
}

// Option is a functional option for configuring menus.
type Option func(*Menu)

// WithInput sets the input reader (for testing).
func WithInput(r io.Reader) Option {
	return func(m *Menu) {
		m.input = r
	}
}

// WithOutput sets the output writer (for testing).
func WithOutput(w io.Writer) Option {
	return func(m *Menu) {
		m.output = w
	}
}

// WithClearScreen enables screen clearing between displays.
func WithClearScreen(clear bool) Option {
	return func(m *Menu) {
		m.clearScreen = clear
	}
}

// WithAccessible enables accessible mode for screen readers.
func WithAccessible(accessible bool) Option {
	return func(m *Menu) {
		m.accessible = accessible
	}
}

// New creates a new menu.
func New(title string, opts ...Option) *Menu {
	m := &Menu{
		Title: title,
		input: os.Stdin,
		output: os.Stdout,
		clearScreen: true,
		accessible: false,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// AddItem adds an item to the menu.
func (m *Menu) AddItem(item MenuItem) {
	m.Items = append(m.Items, item)
}

// AddSeparator adds a visual separator.
func (m *Menu) AddSeparator() {
	m.Items = append(m.Items, MenuItem{Key: "", Label: ""})
}

// Display shows the menu and waits for user input.
// Returns when the user selects an action or exits.
func (m *Menu) Display() error {
	// Check if we're in test mode (non-TTY input)
	if m.input != os.Stdin {
		return m.displayWithScanner()
	}

	for {
		if m.clearScreen {
			clearScreen(m.output)
		}

		// Build options for huh.Select
		var options []huh.Option[string]
		for _, item := range m.Items {
			if item.Key == "" && item.Label == "" {
				// Skip separators in huh (they don't support separators directly)
				continue
			}
			if item.Hidden {
				continue
			}
			label := fmt.Sprintf("%s. %s", item.Key, item.Label)
			options = append(options, huh.NewOption(label, item.Key))
		}

		if len(options) == 0 {
			return nil
		}

		var choice string
		selector := huh.NewSelect[string]().
			Title(m.Title).
			Options(options...).
			Value(&choice)

		form := huh.NewForm(huh.NewGroup(selector)).
			WithAccessible(m.accessible)

		err := form.Run()
		if err != nil {
			// Handle Ctrl+C or other interrupts
			if err == huh.ErrUserAborted {
				return nil
			}
			return err
		}

		// Check for exit keys
		if choice == "0" || choice == "q" || choice == "Q" {
			return nil
		}

		// Find and execute the matching item
		for _, item := range m.Items {
			if item.Key == choice {
				if item.SubMenu != nil {
					// Copy options to submenu
					item.SubMenu.accessible = m.accessible
					if err := item.SubMenu.Display(); err != nil {
						return err
					}
				} else if item.Action != nil {
					if err := item.Action(); err != nil {
						_, _ = fmt.Fprintf(m.output, "\nError: %v\n", err)
						WaitForKey(m.input, m.output, "")
					}
				}
				break
			}
		}
	}
}

// displayWithScanner provides a fallback for non-TTY input (testing).
func (m *Menu) displayWithScanner() error {
	scanner := bufio.NewScanner(m.input)

	for {
		if m.clearScreen {
			clearScreen(m.output)
		}

		m.render()

		_, _ = fmt.Fprint(m.output, "\nSelect option: ")

		if !scanner.Scan() {
			return nil // EOF or input closed
		}

		choice := strings.TrimSpace(scanner.Text())
		if choice == "" {
			continue
		}

		// Find matching item
		for _, item := range m.Items {
			if item.Key == choice {
				if item.SubMenu != nil {
					if err := item.SubMenu.Display(); err != nil {
						return err
					}
				} else if item.Action != nil {
					if err := item.Action(); err != nil {
						_, _ = fmt.Fprintf(m.output, "\nError: %v\n", err)
						_, _ = fmt.Fprint(m.output, "Press Enter to continue...")
						scanner.Scan()
					}
				}
				break
			}
		}

		// Check for exit keys
		if choice == "0" || choice == "q" || choice == "Q" {
			return nil
		}
	}
}

// render draws the menu using box characters (for scanner fallback mode).
func (m *Menu) render() {
	// Calculate width based on longest item
	width := len(m.Title)
	for _, item := range m.Items {
		itemLen := len(item.Key) + len(item.Label) + 5
		if itemLen > width {
			width = itemLen
		}
	}
	if width < 40 {
		width = 40
	}

	// Draw box
	border := strings.Repeat("═", width)
	_, _ = fmt.Fprintf(m.output, "╔%s╗\n", border)
	_, _ = fmt.Fprintf(m.output, "║%s║\n", centerText(m.Title, width))
	_, _ = fmt.Fprintf(m.output, "╠%s╣\n", border)

	// Draw items
	for _, item := range m.Items {
		if item.Key == "" && item.Label == "" {
			// Separator
			_, _ = fmt.Fprintf(m.output, "╟%s╢\n", strings.Repeat("─", width))
		} else if item.Hidden {
			continue
		} else {
			text := fmt.Sprintf(" %s. %s", item.Key, item.Label)
			_, _ = fmt.Fprintf(m.output, "║%-*s║\n", width, text)
		}
	}

	_, _ = fmt.Fprintf(m.output, "╚%s╝\n", border)

	if m.Footer != "" {
		_, _ = fmt.Fprintf(m.output, "\n%s\n", m.Footer)
	}
}

// centerText centers text within a given width.
func centerText(text string, width int) string {
	if len(text) >= width {
		return text
	}
	padding := (width - len(text)) / 2
	return strings.Repeat(" ", padding) + text + strings.Repeat(" ", width-len(text)-padding)
}

// clearScreen clears the terminal screen.
func clearScreen(w io.Writer) {
	// ANSI escape sequence to clear screen and move cursor to top-left
	_, _ = fmt.Fprint(w, "\033[2J\033[H")
}

// WaitForKey waits for the user to press Enter.
func WaitForKey(r io.Reader, w io.Writer, prompt string) {
	if prompt == "" {
		prompt = "Press Enter to continue..."
	}
	_, _ = fmt.Fprint(w, prompt)
	bufio.NewScanner(r).Scan()
}

// Confirm asks the user for confirmation using huh.
func Confirm(r io.Reader, w io.Writer, prompt string) bool {
	// If not using stdin, fall back to scanner-based input
	if r != os.Stdin {
		return confirmWithScanner(r, w, prompt)
	}

	var confirmed bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(prompt).
				Affirmative("Yes").
				Negative("No").
				Value(&confirmed),
		),
	)

	if err := form.Run(); err != nil {
		return false
	}
	return confirmed
}

// confirmWithScanner provides scanner-based confirmation for testing.
func confirmWithScanner(r io.Reader, w io.Writer, prompt string) bool {
	_, _ = fmt.Fprintf(w, "%s [y/N]: ", prompt)

	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		return false
	}

	response := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return response == "y" || response == "yes"
}

// Select presents options and returns the selected index using huh.
func Select(r io.Reader, w io.Writer, prompt string, options []string) int {
	// If not using stdin, fall back to scanner-based input
	if r != os.Stdin {
		return selectWithScanner(r, w, prompt, options)
	}

	var choice int
	var huhOptions []huh.Option[int]
	for i, opt := range options {
		huhOptions = append(huhOptions, huh.NewOption(opt, i))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[int]().
				Title(prompt).
				Options(huhOptions...).
				Value(&choice),
		),
	)

	if err := form.Run(); err != nil {
		return -1
	}
	return choice
}

// selectWithScanner provides scanner-based selection for testing.
func selectWithScanner(r io.Reader, w io.Writer, prompt string, options []string) int {
	_, _ = fmt.Fprintln(w, prompt)
	for i, opt := range options {
		_, _ = fmt.Fprintf(w, " %d. %s\n", i+1, opt)
	}
	_, _ = fmt.Fprint(w, "Selection: ")

	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		return -1
	}

	var choice int
	_, err := fmt.Sscanf(strings.TrimSpace(scanner.Text()), "%d", &choice)
	if err != nil || choice < 1 || choice > len(options) {
		return -1
	}

	return choice - 1
}

// Input prompts for text input using huh.
func Input(r io.Reader, w io.Writer, prompt string) string {
	// If not using stdin, fall back to scanner-based input
	if r != os.Stdin {
		return inputWithScanner(r, w, prompt)
	}

	var value string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(prompt).
				Value(&value),
		),
	)

	if err := form.Run(); err != nil {
		return ""
	}
	return value
}

// inputWithScanner provides scanner-based input for testing.
func inputWithScanner(r io.Reader, w io.Writer, prompt string) string {
	_, _ = fmt.Fprintf(w, "%s: ", prompt)

	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		return ""
	}
	return strings.TrimSpace(scanner.Text())
}

// RunCommand runs a shell command and displays output. Used only by the
// "List local HCI controllers" (btmgmt info) item below; the stream
// commands talk directly to the injected GroupDriver, not a subprocess.
func RunCommand(w io.Writer, name string, args ...string) error {
	cmd := exec.Command(name, args...) // #nosec G204 G702 -- caller is responsible for providing safe command name and args
	cmd.Stdout = w
	cmd.Stderr = w
	return cmd.Run()
}

// GroupDriver is the bench menu's live view onto one group: the commands
// it can issue into the core and the read-only state it renders
// (Group/Device/ASE).
type GroupDriver struct {
	Group *group.Group
	Machine *statemachine.Machine
	Boundary *transport.Boundary
}

// StatusLines renders one line per device, one sub-line per ASE: the
// connection, ASE, CIS and data-path fields a bench operator needs to see.
func (d *GroupDriver) StatusLines() []string {
	lines := []string{fmt.Sprintf("group %d: state=%s target=%s cig=%s", d.Group.ID, d.Group.State, d.Group.TargetState, d.Group.CigState)}
	for _, dev := range d.Group.Devices() {
		lines = append(lines, fmt.Sprintf(" device %s: conn=%s", dev.Address, dev.ConnState))
		for _, a := range dev.ASEs() {
			lines = append(lines, fmt.Sprintf(" ase %d (%s): state=%s cis=%s data_path=%s active=%v",
				a.ID, a.Direction, a.State, a.CISState, a.DataPathState, a.Active))
		}
	}
	return lines
}

// deviceSummaries returns the group's devices, listed by the "Attach a
// device to the stream" bench action.
func (d *GroupDriver) deviceSummaries() []*device.Device {
	return d.Group.Devices()
}

// CreateGroupMenu builds the interactive bench menu for one attached group,
// calling directly into internal/statemachine and internal/transport. Its
// items show status, drive StartStream, ConfigureStream, SuspendStream and
// StopStream, attach a device (AttachToStream) and set the latency mode;
// only the HCI controller listing shells out (to btmgmt).
func CreateGroupMenu(d *GroupDriver) *Menu {
	menu := New(fmt.Sprintf("LE Audio Group %d", d.Group.ID))

	menu.AddItem(MenuItem{
		Key: "1",
		Label: "Show group / device / ASE status",
		Action: func() error {
			for _, line := range d.StatusLines() {
				fmt.Fprintln(os.Stdout, line)
			}
			WaitForKey(os.Stdin, os.Stdout, "")
			return nil
		},
	})

	menu.AddItem(MenuItem{
		Key: "2",
		Label: "Start stream (media)",
		Action: func() error {
			res := d.Boundary.StartRequest(statemachine.ContextMedia, false, nil, nil)
			fmt.Fprintf(os.Stdout, "StartRequest(media) -> %s\n", res)
			WaitForKey(os.Stdin, os.Stdout, "")
			return nil
		},
	})

	menu.AddItem(MenuItem{
		Key: "3",
		Label: "Start stream (conversational)",
		Action: func() error {
			res := d.Boundary.StartRequest(statemachine.ContextConversational, false, nil, nil)
			fmt.Fprintf(os.Stdout, "StartRequest(conversational) -> %s\n", res)
			WaitForKey(os.Stdin, os.Stdout, "")
			return nil
		},
	})

	menu.AddItem(MenuItem{
		Key: "4",
		Label: "Configure stream (media, no start)",
		Action: func() error {
			d.Machine.ConfigureStream(statemachine.ContextMedia)
			return nil
		},
	})

	menu.AddItem(MenuItem{
		Key: "5",
		Label: "Suspend stream",
		Action: func() error {
			d.Boundary.SuspendRequest()
			return nil
		},
	})

	menu.AddItem(MenuItem{
		Key: "6",
		Label: "Stop stream",
		Action: func() error {
			d.Boundary.StopRequest()
			return nil
		},
	})

	menu.AddItem(MenuItem{
		Key: "7",
		Label: "Attach a device to the stream",
		Action: func() error {
			devices := d.deviceSummaries()
			if len(devices) == 0 {
				fmt.Fprintln(os.Stdout, "no devices discovered for this group")
				WaitForKey(os.Stdin, os.Stdout, "")
				return nil
			}
			var labels []string
			for _, dev := range devices {
				labels = append(labels, fmt.Sprintf("%s (%s)", dev.Address, dev.ConnState))
			}
			idx := Select(os.Stdin, os.Stdout, "Attach which device?", labels)
			if idx < 0 {
				return nil
			}
			d.Machine.AttachToStream()
			return nil
		},
	})

	menu.AddItem(MenuItem{
		Key: "8",
		Label: "Set Dynamic Spatial Audio latency mode",
		Action: func() error {
			options := []string{"free", "low_latency", "dsa_software", "dsa_hardware"}
			idx := Select(os.Stdin, os.Stdout, "Latency mode", options)
			if idx < 0 {
				return nil
			}
			return d.Boundary.SetLatencyMode(transport.LatencyMode(idx))
		},
	})

	menu.AddSeparator()
	menu.AddItem(MenuItem{Key: "0", Label: "Back"})

	return menu
}

// CreateMainMenu builds the top-level bench menu for cmd/leaudioctl: pick a
// group out of the injected registry, then drive it via CreateGroupMenu.
// groups is queried fresh on every Display loop so newly attached groups
// appear without restarting the menu.
func CreateMainMenu(groups func() []*GroupDriver) *Menu {
	menu := New("LE Audio Bench Driver")

	menu.AddItem(MenuItem{
		Key: "1",
		Label: "Select a group",
		Action: func() error {
			drivers := groups()
			if len(drivers) == 0 {
				fmt.Fprintln(os.Stdout, "no groups attached")
				WaitForKey(os.Stdin, os.Stdout, "")
				return nil
			}
			var labels []string
			for _, d := range drivers {
				labels = append(labels, fmt.Sprintf("group %d (%s)", d.Group.ID, d.Group.State))
			}
			idx := Select(os.Stdin, os.Stdout, "Which group?", labels)
			if idx < 0 {
				return nil
			}
			return CreateGroupMenu(drivers[idx]).Display()
		},
	})

	menu.AddItem(MenuItem{
		Key: "2",
		Label: "List local HCI controllers",
		Action: func() error {
			err := RunCommand(os.Stdout, "btmgmt", "info")
			WaitForKey(os.Stdin, os.Stdout, "")
			return err
		},
	})

	menu.AddSeparator()
	menu.AddItem(MenuItem{Key: "0", Label: "Exit"})

	return menu
}
