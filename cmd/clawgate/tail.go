package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/clawgate/internal/config"
	"github.com/basket/clawgate/internal/daemon"
)

const maxTailLines = 500

var (
	tailTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	tailTopicStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	tailTimeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	tailBodyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	tailHelpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// runTailCommand opens a subscribed WebSocket against the running daemon and
// renders broadcast events as they arrive. Subscription needs no device
// token, so tail works on a fresh install.
func runTailCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "clawgate: config: %v\n", err)
		return 1
	}

	st := daemon.Check(cfg.HomeDir)
	if !st.Running || st.Record == nil {
		fmt.Fprintln(os.Stderr, "clawgate: tail: daemon is not running")
		return 1
	}
	addr := net.JoinHostPort(st.Record.Host, strconv.Itoa(st.Record.Port))

	tailCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames, err := openEventStream(tailCtx, addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clawgate: tail: %v\n", err)
		return 1
	}

	m := newTailModel(addr, frames)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithInput(os.Stdin), tea.WithOutput(os.Stdout))
	final, err := p.Run()
	if err != nil && tailCtx.Err() == nil {
		fmt.Fprintf(os.Stderr, "clawgate: tail: %v\n", err)
		return 1
	}
	if tm, ok := final.(tailModel); ok && tm.err != nil && tailCtx.Err() == nil {
		fmt.Fprintf(os.Stderr, "clawgate: tail: stream ended: %v\n", tm.err)
		return 1
	}
	return 0
}

// tailFrame is one broadcast event as seen by a subscribed socket. closed
// marks the reader's terminal frame.
type tailFrame struct {
	topic  string
	at     time.Time
	body   string
	closed bool
	err    error
}

// openEventStream dials /ws, consumes the server's hello, subscribes, and
// pumps event frames into a channel until the connection or context dies.
func openEventStream(ctx context.Context, addr string) (<-chan tailFrame, error) {
	conn, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws", nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	var hello struct {
		Type string `json:"type"`
	}
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		conn.Close(websocket.StatusProtocolError, "no hello")
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if err := wsjson.Write(ctx, conn, map[string]any{"type": "subscribe"}); err != nil {
		conn.Close(websocket.StatusProtocolError, "subscribe failed")
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	frames := make(chan tailFrame, 16)
	go func() {
		defer close(frames)
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			var env struct {
				Type  string `json:"type"`
				Event *struct {
					Type    string          `json:"type"`
					Payload json.RawMessage `json:"payload"`
					At      time.Time       `json:"at"`
				} `json:"event"`
			}
			if err := wsjson.Read(ctx, conn, &env); err != nil {
				if ctx.Err() == nil {
					frames <- tailFrame{closed: true, err: err}
				}
				return
			}
			// Acks and other non-event frames are noise here.
			if env.Type != "event" || env.Event == nil {
				continue
			}
			frames <- tailFrame{
				topic: env.Event.Type,
				at:    env.Event.At,
				body:  string(env.Event.Payload),
			}
		}
	}()
	return frames, nil
}

type frameMsg tailFrame

type streamDoneMsg struct{ err error }

type tailModel struct {
	addr   string
	frames <-chan tailFrame
	lines  []string
	err    error
	width  int
	height int
}

func newTailModel(addr string, frames <-chan tailFrame) tailModel {
	return tailModel{addr: addr, frames: frames}
}

func (m tailModel) Init() tea.Cmd {
	return waitForBroadcast(m.frames)
}

// waitForBroadcast blocks until the reader goroutine delivers the next frame.
func waitForBroadcast(frames <-chan tailFrame) tea.Cmd {
	return func() tea.Msg {
		f, ok := <-frames
		if !ok {
			return streamDoneMsg{}
		}
		if f.closed {
			return streamDoneMsg{err: f.err}
		}
		return frameMsg(f)
	}
}

func (m tailModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case frameMsg:
		m.lines = append(m.lines, renderEventLine(tailFrame(msg)))
		if len(m.lines) > maxTailLines {
			m.lines = m.lines[len(m.lines)-maxTailLines:]
		}
		return m, waitForBroadcast(m.frames)

	case streamDoneMsg:
		m.err = msg.err
		return m, tea.Quit

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m tailModel) View() string {
	var b strings.Builder
	b.WriteString(tailTitleStyle.Render("clawgate events"))
	b.WriteString("  ")
	b.WriteString(tailTimeStyle.Render(m.addr))
	b.WriteString("\n\n")

	visible := m.lines
	if max := m.height - 4; max > 0 && len(visible) > max {
		visible = visible[len(visible)-max:]
	}
	if len(visible) == 0 {
		b.WriteString(tailTimeStyle.Render("waiting for events...") + "\n")
	}
	for _, line := range visible {
		b.WriteString(line + "\n")
	}
	b.WriteString("\n" + tailHelpStyle.Render("q to quit"))
	return b.String()
}

func renderEventLine(f tailFrame) string {
	ts := f.at
	if ts.IsZero() {
		ts = time.Now()
	}
	line := tailTimeStyle.Render(ts.Local().Format("15:04:05")) + " " + tailTopicStyle.Render(f.topic)
	body := strings.TrimSpace(f.body)
	if body != "" && body != "null" {
		if len(body) > 120 {
			body = body[:117] + "..."
		}
		line += " " + tailBodyStyle.Render(body)
	}
	return line
}
