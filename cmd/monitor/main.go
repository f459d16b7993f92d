package main

import (
	"bytes"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"agora/internal/domain"
)

type embeddedServer struct {
	cmd *exec.Cmd
}

func main() {
	addr := flag.String("addr", "http://localhost:8091", "agora base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", true, "start agora serve for the lifetime of the monitor")
	agoraBinary := flag.String("agora-bin", "", "path to the agora binary (optional in embedded mode)")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for the embedded server")
	demo := flag.Bool("demo", true, "bootstrap a demo group in the embedded server")
	userID := flag.String("user", "you", "member id used for messages typed in the prompt")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	if *embedded {
		proc, err := startEmbeddedServer(*addr, *agoraBinary, *dbPath, *demo)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded agora: %v\n", err)
			os.Exit(1)
		}
		defer proc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "agora health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	groupsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	groupsTable.SetTitle("Groups (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	transcriptView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true)
	transcriptView.SetTitle("Transcript").SetBorder(true)

	narrativeView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	narrativeView.SetTitle("Scene & Tension").SetBorder(true)

	agentStateView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	agentStateView.SetTitle("Agents").SetBorder(true)

	decisionsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	decisionsView.SetTitle("Decisions").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel(fmt.Sprintf("%s: ", *userID))
	promptInput.SetBorder(true).SetTitle("Enter = say  |  /new <name>, /halt, /resume")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, Ctrl+L focus prompt, Ctrl+T focus groups",
		c.baseURL,
		*embedded,
	))

	rightTop := tview.NewFlex().
		AddItem(transcriptView, 0, 2, false).
		AddItem(narrativeView, 0, 1, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(rightTop, 0, 3, false).
		AddItem(agentStateView, 8, 0, false).
		AddItem(decisionsView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(groupsTable, 0, 1, false).
		AddItem(right, 0, 3, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedGroupID string
	var lastGroups []domain.Group
	var detailsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshGroups := func() {
		groups, err := c.listGroups()
		if err != nil {
			app.QueueUpdateDraw(func() {
				groupsTable.Clear()
				groupsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		sort.Slice(groups, func(i, j int) bool {
			return groups[i].UpdatedAt.After(groups[j].UpdatedAt)
		})
		lastGroups = groups
		app.QueueUpdateDraw(func() {
			renderGroupsTable(groupsTable, groups, selectedGroupID)
		})
	}

	refreshDetailsAsync := func(groupID string) {
		if strings.TrimSpace(groupID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)
		go func(selected string, v uint64) {
			snap, err := c.snapshot(selected, 200, 150)
			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedGroupID {
					return
				}
				if err != nil {
					transcriptView.SetText(fmt.Sprintf("error: %v", err))
					return
				}
				members := snap.details.Members
				transcriptView.SetTitle(fmt.Sprintf("Transcript: %s (%s)", snap.details.Group.Name, snap.details.Group.Status))
				transcriptView.SetText(renderTranscript(snap.transcript, members))
				transcriptView.ScrollToEnd()
				narrativeView.SetText(renderNarrative(snap.seeds, snap.scenes, members))
				agentStateView.SetText(renderAgentStates(snap.states, members, time.Now()))
				decisionsView.SetText(renderDecisions(snap.decisions))
			})
		}(groupID, version)
	}

	submitPrompt := func(input string) {
		input = strings.TrimSpace(input)
		if input == "" {
			return
		}
		promptInput.SetText("")
		groupID := selectedGroupID
		go func() {
			var err error
			var done string
			switch {
			case strings.HasPrefix(input, "/new "):
				var g domain.Group
				g, err = c.createGroup(strings.TrimSpace(strings.TrimPrefix(input, "/new ")))
				if err == nil {
					selectedGroupID = g.ID
					done = "Group created: " + g.ID
				}
			case groupID == "":
				err = fmt.Errorf("select a group first")
			case input == "/halt" || input == "/resume":
				halt := input == "/halt"
				err = c.setHalted(groupID, halt)
				done = "Group resumed"
				if halt {
					done = "Group halted"
				}
			default:
				err = c.say(groupID, *userID, input)
				done = "Sent"
			}
			if err != nil {
				setStatusAsync("Failed: " + err.Error())
				return
			}
			refreshGroups()
			refreshDetailsAsync(selectedGroupID)
			setStatusAsync(done)
		}()
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitPrompt(promptInput.GetText())
	})

	groupsTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastGroups) {
			return
		}
		selectedGroupID = lastGroups[row-1].ID
		refreshDetailsAsync(selectedGroupID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == promptInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(groupsTable)
				setStatusUI("Focus -> groups")
				return nil
			}
			return event
		}

		switch event.Key() {
		case tcell.KeyEscape, tcell.KeyCtrlT:
			app.SetFocus(groupsTable)
			setStatusUI("Focus -> groups")
			return nil
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go func() {
				refreshGroups()
				refreshDetailsAsync(selectedGroupID)
			}()
			setStatusUI("Manual refresh")
			return nil
		case tcell.KeyCtrlL, tcell.KeyTAB:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> prompt")
			return nil
		case tcell.KeyRune:
			app.SetFocus(promptInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshGroups()
		for _, g := range lastGroups {
			if g.Status == domain.GroupStatusActive {
				selectedGroupID = g.ID
				break
			}
		}
		refreshDetailsAsync(selectedGroupID)

		for range ticker.C {
			refreshGroups()
			if selectedGroupID == "" && len(lastGroups) > 0 {
				selectedGroupID = lastGroups[0].ID
			}
			refreshDetailsAsync(selectedGroupID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.healthy() {
			return nil
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

// startEmbeddedServer launches `agora serve` on addr's port. It prefers
// an explicit binary, then an agora binary next to the monitor, then
// `go run ./cmd/agora`.
func startEmbeddedServer(addr string, agoraBinary string, dbPath string, demo bool) (*embeddedServer, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	args := []string{"serve", "--addr", ":" + port, "--db", dbPath}
	if demo {
		args = append(args, "--demo")
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(agoraBinary) != "" {
		cmd = exec.Command(agoraBinary, args...)
	} else {
		if self, err := os.Executable(); err == nil {
			for _, name := range []string{"agora", "agora.exe"} {
				sibling := filepath.Join(filepath.Dir(self), name)
				if fileExists(sibling) {
					cmd = exec.Command(sibling, args...)
					break
				}
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/agora"}, args...)...)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agora process: %w", err)
	}
	return &embeddedServer{cmd: cmd}, nil
}

func (e *embeddedServer) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
