// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianDAQ/pkg/ux"
	"github.com/AleutianAI/AleutianDAQ/services/daq/api"
	"github.com/AleutianAI/AleutianDAQ/services/daq/datatypes"
)

const (
	defaultMonitorEvery = 2 * time.Second
	monitorAnomalyRows  = 10
)

var (
	monitorAddr  string
	monitorEvery time.Duration
	monitorToken string
)

// runMonitor implements `daq monitor`.
func runMonitor(cmd *cobra.Command, args []string) error {
	token := monitorToken
	if token == "" {
		token = os.Getenv("DAQ_API_TOKEN")
	}
	m := newMonitorModel(newAPIClient(monitorAddr, token), monitorEvery)
	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(cmd.Context())).Run()
	return err
}

// =============================================================================
// Messages
// =============================================================================

// snapshotMsg carries one poll of the API.
type snapshotMsg struct {
	status    api.StatusResponse
	anomalies []datatypes.AnomalyRecord
	err       error
}

// actionMsg carries the result of a pause or resume.
type actionMsg struct {
	action string
	status api.StatusResponse
	err    error
}

type pollMsg time.Time

// =============================================================================
// Model
// =============================================================================

// monitorModel is the bubbletea model for `daq monitor`.
type monitorModel struct {
	client  monitorAPI
	every   time.Duration
	spinner spinner.Model
	table   table.Model

	status  api.StatusResponse
	worst   string
	loaded  bool
	lastErr error
	notice  string
	updated time.Time
}

func newMonitorModel(client monitorAPI, every time.Duration) monitorModel {
	if every <= 0 {
		every = defaultMonitorEvery
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Time", Width: 8},
			{Title: "Sensor", Width: 11},
			{Title: "Type", Width: 14},
			{Title: "Severity", Width: 8},
			{Title: "Value", Width: 8},
		}),
		table.WithHeight(monitorAnomalyRows),
	)
	return monitorModel{client: client, every: every, spinner: sp, table: t}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.poll())
}

func (m monitorModel) poll() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		status, err := client.Status(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		anomalies, err := client.Anomalies(ctx, monitorAnomalyRows)
		return snapshotMsg{status: status, anomalies: anomalies.Anomalies, err: err}
	}
}

func (m monitorModel) act(action string, fn func(context.Context) (api.StatusResponse, error)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		status, err := fn(ctx)
		return actionMsg{action: action, status: status, err: err}
	}
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "p":
			return m, m.act("pause", m.client.Pause)
		case "r":
			return m, m.act("resume", m.client.Resume)
		}

	case snapshotMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.status = msg.status
			m.loaded = true
			m.updated = time.Now()
			m.table.SetRows(anomalyRows(msg.anomalies))
			m.worst = worstSeverity(msg.anomalies)
		}
		every := m.every
		return m, tea.Tick(every, func(t time.Time) tea.Msg { return pollMsg(t) })

	case pollMsg:
		return m, m.poll()

	case actionMsg:
		if msg.err != nil {
			m.notice = fmt.Sprintf("%s failed: %v", msg.action, msg.err)
			return m, nil
		}
		m.status = msg.status
		m.notice = fmt.Sprintf("%s applied", msg.action)
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func anomalyRows(recs []datatypes.AnomalyRecord) []table.Row {
	rows := make([]table.Row, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, table.Row{
			r.Timestamp.Local().Format(time.TimeOnly),
			string(r.SensorType),
			string(r.AnomalyType),
			r.Severity.String(),
			strconv.FormatFloat(r.Value, 'f', 2, 64),
		})
	}
	return rows
}

// worstSeverity names the highest severity in recs, or "" when empty.
func worstSeverity(recs []datatypes.AnomalyRecord) string {
	if len(recs) == 0 {
		return ""
	}
	worst := recs[0].Severity
	for _, r := range recs[1:] {
		if r.Severity > worst {
			worst = r.Severity
		}
	}
	return worst.String()
}

func (m monitorModel) View() string {
	var b strings.Builder
	b.WriteString(ux.Styles.Title.Render("Aleutian DAQ monitor"))
	b.WriteString("\n\n")

	if !m.loaded {
		b.WriteString(m.spinner.View() + " connecting...")
		if m.lastErr != nil {
			b.WriteString("\n" + ux.Styles.Error.Render(m.lastErr.Error()))
		}
		b.WriteString("\n\n" + ux.Styles.Muted.Render("q quit"))
		return b.String()
	}

	s := m.status
	summary := fmt.Sprintf(
		"Machine   %s\nState     %s\nGovernor  %s\nCycles    %d  %s\nUptime    %s\nBuffered  %d",
		s.MachineID,
		ux.StateStyle(s.State).Render(strings.ToUpper(s.State)),
		s.Governor,
		s.TotalCycles, ux.ProgressBar(int(s.SuccessRate), 100, 20, ux.ModeRich),
		(time.Duration(s.UptimeSeconds) * time.Second).String(),
		s.Buffered,
	)
	b.WriteString(ux.Styles.Box.Render(summary))
	b.WriteString("\n\n" + ux.Styles.Title.Render("Recent anomalies") + "\n")
	b.WriteString(m.table.View())
	b.WriteString("\n")
	if m.worst != "" {
		b.WriteString("Worst     " + ux.SeverityStyle(m.worst).Render(m.worst) + "\n")
	}

	if m.lastErr != nil {
		b.WriteString(ux.Styles.Error.Render("poll failed: "+m.lastErr.Error()) + "\n")
	}
	if m.notice != "" {
		b.WriteString(m.notice + "\n")
	}
	b.WriteString(ux.Styles.Muted.Render(fmt.Sprintf("updated %s  "+string(ux.IconBullet)+"  p pause  r resume  q quit",
		m.updated.Format(time.TimeOnly))))
	return b.String()
}
