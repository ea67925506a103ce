// Package console prints the operator-facing tunnel status lines.
package console

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Lipgloss colors
const (
	ColorOK     = "10" // Green
	ColorWarn   = "11" // Yellow
	ColorError  = "9"  // Red
	ColorInfo   = "14" // Cyan
	ColorDetail = "245"
)

// Reporter receives the supervisor's state transitions.
type Reporter interface {
	AlreadyUp(target string)
	Established(target string)
	EstablishFailed(target string, err error)
	AnomalyDetected(target string)
	RepairIssued(target string, attempt int)
	HandoffStarted(command string)
}

// Printer writes one styled line per event. Colors are dropped automatically
// when the writer is not a terminal.
type Printer struct {
	mu  sync.Mutex
	out io.Writer

	ok     lipgloss.Style
	warn   lipgloss.Style
	fail   lipgloss.Style
	info   lipgloss.Style
	detail lipgloss.Style
}

// NewPrinter creates a Printer writing to out.
func NewPrinter(out io.Writer) *Printer {
	r := lipgloss.NewRenderer(out)
	return &Printer{
		out:    out,
		ok:     r.NewStyle().Foreground(lipgloss.Color(ColorOK)).Bold(true),
		warn:   r.NewStyle().Foreground(lipgloss.Color(ColorWarn)).Bold(true),
		fail:   r.NewStyle().Foreground(lipgloss.Color(ColorError)).Bold(true),
		info:   r.NewStyle().Foreground(lipgloss.Color(ColorInfo)),
		detail: r.NewStyle().Foreground(lipgloss.Color(ColorDetail)),
	}
}

func (p *Printer) AlreadyUp(target string) {
	p.line(p.ok, "[OK]", "tunnel already up", target)
}

func (p *Printer) Established(target string) {
	p.line(p.ok, "[OK]", "tunnel established", target)
}

func (p *Printer) EstablishFailed(target string, err error) {
	p.line(p.fail, "[FAIL]", "failed to establish tunnel, exiting", fmt.Sprintf("%s: %v", target, err))
}

func (p *Printer) AnomalyDetected(target string) {
	p.line(p.warn, "[WARN]", "tunnel anomaly detected, repairing", target)
}

func (p *Printer) RepairIssued(target string, attempt int) {
	p.line(p.info, "[REPAIR]", "tunnel relaunch issued", fmt.Sprintf("%s (attempt %d)", target, attempt))
}

func (p *Printer) HandoffStarted(command string) {
	p.line(p.info, "[START]", "launching companion", command)
}

func (p *Printer) line(tag lipgloss.Style, label, msg, detail string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %s %s\n", tag.Render(label), msg, p.detail.Render(detail))
}
