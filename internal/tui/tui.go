// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package tui implements the terminal UI of spec.md §4.6/§6: a live,
// auto-refreshing view over the snapshot reader built with gocui, the
// way lazydocker structures a gocui application — named views, a small
// set of keybindings, and a render loop driven by a ticker rather than
// raw terminal escape codes.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jesseduffield/gocui"

	"github.com/jontk/leaseq"
	"github.com/jontk/leaseq/internal/mailbox"
	"github.com/jontk/leaseq/internal/snapshot"
)

const (
	viewLeases = "leases"
	viewNodes  = "nodes"
	viewLog    = "log"
	viewHelp   = "help"
)

// refreshInterval drives the ticker that re-pulls snapshots; it is
// independent of the log tailer's own poll cadence (internal/snapshot.Tail).
const refreshInterval = 1 * time.Second

// App is the running TUI: the gocui event loop plus the read-only state
// it renders from, refreshed on every tick.
type App struct {
	gui    *gocui.Gui
	reader *snapshot.Reader
	paths  leaseq.Paths

	leases      []leaseq.LeaseID
	selected    int
	current     snapshot.LeaseSnapshot
	selectedErr error

	logPath    string
	logOffset  int64
	logText    string
	showStderr bool

	statusMsg string
}

// New constructs an App bound to reader. Call Run to start the event
// loop; it blocks until the user quits.
func New(paths leaseq.Paths, reader *snapshot.Reader) *App {
	return &App{paths: paths, reader: reader}
}

// Run starts the gocui event loop, a background ticker that refreshes
// snapshots, and blocks until the user quits (Ctrl-C or 'q').
func (a *App) Run() error {
	g, err := gocui.NewGui(gocui.OutputNormal, true)
	if err != nil {
		return fmt.Errorf("start terminal UI: %w", err)
	}
	defer g.Close()
	a.gui = g

	g.SetManagerFunc(a.layout)
	g.Cursor = false

	if err := a.keybindings(g); err != nil {
		return fmt.Errorf("bind keys: %w", err)
	}

	a.refresh()
	stop := make(chan struct{})
	go a.tickerLoop(stop)
	defer close(stop)

	if err := g.MainLoop(); err != nil && err != gocui.ErrQuit {
		return err
	}
	return nil
}

func (a *App) tickerLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			a.gui.Update(func(*gocui.Gui) error {
				a.refresh()
				return nil
			})
		}
	}
}

// refresh re-reads the lease list and the currently selected lease's
// snapshot. Errors are stored rather than propagated: spec.md §7's
// reader policy is "treat every error as unknown and continue rendering
// the last-known snapshot."
func (a *App) refresh() {
	leases, err := a.reader.ListLeases()
	if err != nil {
		a.selectedErr = err
		return
	}
	ids := make([]leaseq.LeaseID, 0, len(leases))
	for id := range leases {
		ids = append(ids, id)
	}
	sortLeaseIDs(ids)
	a.leases = ids

	if len(a.leases) == 0 {
		return
	}
	if a.selected >= len(a.leases) {
		a.selected = len(a.leases) - 1
	}
	snap, err := a.reader.LeaseSnapshot(a.leases[a.selected])
	if err != nil {
		a.selectedErr = err
		return
	}
	a.current = snap
	a.selectedErr = nil
	a.refreshLogTail()
}

// refreshLogTail follows the first running task it finds across the
// current lease's nodes, switching targets (and resetting its offset)
// whenever the running task changes.
func (a *App) refreshLogTail() {
	var runningTaskID *leaseq.TaskID
	for _, ns := range a.current.Nodes {
		if ns.RunningTaskID != nil {
			runningTaskID = ns.RunningTaskID
			break
		}
	}
	if runningTaskID == nil {
		a.logPath = ""
		a.logOffset = 0
		a.logText = ""
		return
	}

	path := a.paths.StdoutLog(a.current.LeaseID, *runningTaskID)
	if a.showStderr {
		path = a.paths.StderrLog(a.current.LeaseID, *runningTaskID)
	}
	if path != a.logPath {
		a.logPath = path
		a.logOffset = 0
		a.logText = ""
	}

	chunk, err := snapshot.Tail(a.logPath, a.logOffset)
	if err != nil {
		return
	}
	a.logText += chunk.Text
	a.logOffset = chunk.NextOffset
	if len(a.logText) > 8192 {
		a.logText = a.logText[len(a.logText)-8192:]
	}
}

func sortLeaseIDs(ids []leaseq.LeaseID) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

func (a *App) layout(g *gocui.Gui) error {
	maxX, maxY := g.Size()
	helpHeight := 1
	leftWidth := maxX / 3

	if v, err := g.SetView(viewLeases, 0, 0, leftWidth, maxY-helpHeight-1, 0); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = " leases "
		v.Highlight = true
		v.SelBgColor = gocui.ColorGreen
		v.SelFgColor = gocui.ColorBlack
		if _, err := g.SetCurrentView(viewLeases); err != nil {
			return err
		}
	}

	if v, err := g.SetView(viewNodes, leftWidth+1, 0, maxX-1, maxY/2, 0); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = " nodes "
	}

	if v, err := g.SetView(viewLog, leftWidth+1, maxY/2+1, maxX-1, maxY-helpHeight-1, 0); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = " log tail "
		v.Wrap = true
	}

	if v, err := g.SetView(viewHelp, 0, maxY-helpHeight, maxX-1, maxY-1, 0); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Frame = false
		help := "↑/↓ select lease  c cancel task  l toggle stdout/stderr  q quit"
		if a.statusMsg != "" {
			help = a.statusMsg
		}
		fmt.Fprint(v, help)
	}

	a.render()
	return nil
}

func (a *App) keybindings(g *gocui.Gui) error {
	bindings := []struct {
		key gocui.Key
		fn  func(*gocui.Gui, *gocui.View) error
	}{
		{gocui.KeyCtrlC, a.quit},
		{gocui.KeyArrowDown, a.selectNext},
		{gocui.KeyArrowUp, a.selectPrev},
	}
	if err := g.SetKeybinding("", 'c', gocui.ModNone, a.cancelRunningTask); err != nil {
		return err
	}
	if err := g.SetKeybinding("", 'l', gocui.ModNone, a.toggleLogStream); err != nil {
		return err
	}
	for _, b := range bindings {
		if err := g.SetKeybinding(viewLeases, b.key, gocui.ModNone, b.fn); err != nil {
			return err
		}
	}
	return g.SetKeybinding("", 'q', gocui.ModNone, a.quit)
}

func (a *App) quit(*gocui.Gui, *gocui.View) error { return gocui.ErrQuit }

func (a *App) selectNext(*gocui.Gui, *gocui.View) error {
	if a.selected < len(a.leases)-1 {
		a.selected++
	}
	a.refresh()
	return nil
}

func (a *App) selectPrev(*gocui.Gui, *gocui.View) error {
	if a.selected > 0 {
		a.selected--
	}
	a.refresh()
	return nil
}

// cancelRunningTask publishes a cancel control event for whichever task
// the log pane is currently following, the same running task
// refreshLogTail locked onto.
func (a *App) cancelRunningTask(*gocui.Gui, *gocui.View) error {
	var target *leaseq.TaskID
	var node string
	for _, ns := range a.current.Nodes {
		if ns.RunningTaskID != nil {
			target = ns.RunningTaskID
			node = ns.Node
			break
		}
	}
	if target == nil {
		a.statusMsg = "no running task to cancel"
		return nil
	}
	lane := mailbox.NewLane(a.paths, a.current.LeaseID, node)
	if err := mailbox.PublishCancel(lane, *target); err != nil {
		a.statusMsg = fmt.Sprintf("cancel failed: %v", err)
		return nil
	}
	a.statusMsg = fmt.Sprintf("cancel requested for %s", *target)
	return nil
}

func (a *App) toggleLogStream(*gocui.Gui, *gocui.View) error {
	a.showStderr = !a.showStderr
	a.logPath = ""
	a.logOffset = 0
	a.logText = ""
	a.refreshLogTail()
	return nil
}

// render repaints every view from the App's current state. It never
// touches the filesystem directly, only the already-fetched snapshot.
func (a *App) render() {
	if v, err := a.gui.View(viewLeases); err == nil {
		v.Clear()
		for i, id := range a.leases {
			marker := "  "
			if i == a.selected {
				marker = "> "
			}
			fmt.Fprintf(v, "%s%s\n", marker, id)
		}
	}

	if v, err := a.gui.View(viewNodes); err == nil {
		v.Clear()
		if a.selectedErr != nil {
			fmt.Fprintf(v, "error: %v\n", a.selectedErr)
		} else {
			for _, ns := range a.current.Nodes {
				fmt.Fprintf(v, "%s  %s  inbox=%d claimed=%d\n", ns.Node, livenessLabel(ns.Liveness), ns.InboxCount, ns.ClaimedCount)
				for _, taskID := range ns.LostCandidates {
					fmt.Fprintf(v, "  %s LOST?\n", taskID)
				}
				for _, result := range ns.RecentDone {
					fmt.Fprintf(v, "  %s %s\n", result.TaskID, outcomeLabel(result.Outcome))
				}
			}
		}
	}

	if v, err := a.gui.View(viewLog); err == nil {
		v.Clear()
		if a.logPath == "" {
			fmt.Fprint(v, "(no task currently running)")
		} else {
			fmt.Fprint(v, strings.TrimRight(a.logText, "\n"))
		}
	}
}

func livenessLabel(l leaseq.Liveness) string {
	c := color.New(color.FgGreen)
	switch l {
	case leaseq.LivenessStale:
		c = color.New(color.FgYellow)
	case leaseq.LivenessBlackhole:
		c = color.New(color.FgRed, color.Bold)
	case leaseq.LivenessUnknown:
		c = color.New(color.FgRed)
	}
	return c.Sprint(string(l))
}

func outcomeLabel(o leaseq.Outcome) string {
	switch o {
	case leaseq.OutcomeOK:
		return color.New(color.FgGreen).Sprint(string(o))
	case leaseq.OutcomeFailed, leaseq.OutcomeMalformed:
		return color.New(color.FgRed).Sprint(string(o))
	default:
		return color.New(color.FgYellow).Sprint(string(o))
	}
}
