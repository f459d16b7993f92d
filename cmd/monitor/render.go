package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"agora/internal/domain"
)

func renderGroupsTable(table *tview.Table, groups []domain.Group, selectedID string) {
	table.Clear()
	headers := []string{"Group", "Name", "Status", "Updated"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, g := range groups {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(g.ID)))
		table.SetCell(row, 1, tview.NewTableCell(trimLine(g.Name, 24)))
		table.SetCell(row, 2, tview.NewTableCell(string(g.Status)).SetTextColor(statusColor(g.Status)))
		table.SetCell(row, 3, tview.NewTableCell(g.UpdatedAt.Local().Format("15:04:05")))
		if g.ID == selectedID {
			table.Select(row, 0)
		}
	}
}

func statusColor(s domain.GroupStatus) tcell.Color {
	switch s {
	case domain.GroupStatusActive:
		return tcell.ColorGreen
	case domain.GroupStatusHalted:
		return tcell.ColorYellow
	default:
		return tcell.ColorRed
	}
}

func displayNames(members []domain.GroupMember) map[string]string {
	names := make(map[string]string, len(members))
	for _, m := range members {
		name := m.DisplayName
		if name == "" {
			name = m.MemberID
		}
		names[m.MemberID] = name
	}
	return names
}

func nameOf(names map[string]string, id string) string {
	if name, ok := names[id]; ok {
		return name
	}
	return id
}

func renderTranscript(items []domain.TranscriptMessage, members []domain.GroupMember) string {
	if len(items) == 0 {
		return "No messages yet"
	}
	names := displayNames(members)
	var b strings.Builder
	for _, m := range items {
		name := nameOf(names, m.AuthorID)
		color := "aqua"
		if m.AuthorKind == domain.AuthorAgent {
			color = "yellow"
		}
		fmt.Fprintf(&b, "[gray]%s[-] [%s]%s[-]: %s\n",
			m.CreatedAt.Local().Format("15:04:05"), color, tview.Escape(name), tview.Escape(m.Content))
	}
	return b.String()
}

func renderAgentStates(states []domain.AgentGroupState, members []domain.GroupMember, now time.Time) string {
	if len(states) == 0 {
		return "No agents"
	}
	names := displayNames(members)
	sorted := append([]domain.AgentGroupState(nil), states...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].DispositionScore > sorted[j].DispositionScore
	})
	var b strings.Builder
	for _, st := range sorted {
		cooldown := "ready"
		if st.CooldownUntil != nil && now.Before(*st.CooldownUntil) {
			cooldown = fmt.Sprintf("[yellow]rest %s[-]", st.CooldownUntil.Sub(now).Round(time.Second))
		}
		spoke := "never"
		if st.LastRespondedAt != nil {
			spoke = now.Sub(*st.LastRespondedAt).Round(time.Second).String() + " ago"
		}
		fmt.Fprintf(&b, "%-12s %s %.2f  %-22s last=%s",
			tview.Escape(trimLine(nameOf(names, st.AgentID), 12)), dispositionBar(st.DispositionScore), st.DispositionScore, cooldown, spoke)
		if st.LoopStrikes > 0 {
			fmt.Fprintf(&b, "  [red]loop x%d[-]", st.LoopStrikes)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func dispositionBar(score float64) string {
	const width = 10
	filled := int(score*width + 0.5)
	if filled < 0 {
		filled = 0
	}
	if filled > width {
		filled = width
	}
	return "[green]" + strings.Repeat("#", filled) + "[gray]" + strings.Repeat(".", width-filled) + "[-]"
}

func renderNarrative(seeds []domain.TensionSeed, scenes []domain.SceneExecution, members []domain.GroupMember) string {
	names := displayNames(members)
	var b strings.Builder
	b.WriteString("[::b]Scene[::-]\n")
	if len(scenes) == 0 {
		b.WriteString("  none\n")
	}
	for i, sc := range scenes {
		if i >= 3 {
			break
		}
		fmt.Fprintf(&b, "  %s %s step=%d", sc.SceneCode, sceneStatus(sc.Status), sc.CurrentStep)
		if sc.AbortReason != "" {
			fmt.Fprintf(&b, " (%s)", sc.AbortReason)
		}
		b.WriteString("\n")
		if sc.Status == domain.SceneRunning {
			roles := make([]string, 0, len(sc.RoleAssignments))
			for role := range sc.RoleAssignments {
				roles = append(roles, role)
			}
			sort.Strings(roles)
			for _, role := range roles {
				fmt.Fprintf(&b, "    %s: %s\n", role, tview.Escape(nameOf(names, sc.RoleAssignments[role])))
			}
		}
	}

	b.WriteString("[::b]Tension[::-]\n")
	open := 0
	for _, s := range seeds {
		if s.Status.Terminal() {
			continue
		}
		open++
		fmt.Fprintf(&b, "  %s %s turn %d/%d lvl %d\n", seedStatus(s.Status), tview.Escape(trimLine(s.Title, 40)),
			s.CurrentTurn, s.MaxTurns, s.EscalationLevel)
	}
	if open == 0 {
		b.WriteString("  calm\n")
	}
	return b.String()
}

func sceneStatus(s domain.SceneStatus) string {
	switch s {
	case domain.SceneRunning:
		return "[green]RUNNING[-]"
	case domain.SceneCompleted:
		return "[gray]COMPLETED[-]"
	default:
		return "[red]" + string(s) + "[-]"
	}
}

func seedStatus(s domain.SeedStatus) string {
	switch s {
	case domain.SeedEscalating:
		return "[red]" + string(s) + "[-]"
	case domain.SeedActive:
		return "[yellow]" + string(s) + "[-]"
	default:
		return "[gray]" + string(s) + "[-]"
	}
}

func renderDecisions(items []domain.DecisionLog) string {
	if len(items) == 0 {
		return "No decisions"
	}
	var b strings.Builder
	for _, d := range items {
		fmt.Fprintf(&b, "[%s] %s %s: %s\n",
			d.CreatedAt.Local().Format("15:04:05"), d.Actor, d.Action, tview.Escape(trimLine(d.Reason, 100)))
		if detail := decisionPayloadSummary(d.Payload); detail != "" {
			b.WriteString("  " + tview.Escape(trimLine(detail, 160)) + "\n")
		}
	}
	return b.String()
}

func decisionPayloadSummary(payload []byte) string {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" || trimmed == "null" {
		return ""
	}
	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err == nil {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
		}
		return strings.Join(parts, ", ")
	}
	return trimmed
}

func trimLine(s string, limit int) string {
	if limit <= 3 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit-3]) + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
