package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tanq16/haul/internal/progress"
)

type DownloadOutput struct {
	ID          string
	Label       string
	Status      string
	Message     string
	Snapshot    progress.Snapshot
	Complete    bool
	StartTime   time.Time
	LastUpdated time.Time
	Index       int
}

type ErrorReport struct {
	Label string
	Kind  string
	Error string
	Time  time.Time
}

type Summary struct {
	Completed int
	Cancelled int
	Failed    int
	Total     int
}

// Manager renders live download state. On a terminal it redraws in place;
// otherwise it prints one line per finished download.
type Manager struct {
	outputs     map[string]*DownloadOutput
	mutex       sync.RWMutex
	out         io.Writer
	interactive bool
	fd          int
	numLines    int
	count       int
	errors      []ErrorReport
	doneCh      chan struct{}
	displayTick time.Duration
	displayWg   sync.WaitGroup
}

func NewManager(out io.Writer) *Manager {
	m := &Manager{
		outputs:     make(map[string]*DownloadOutput),
		out:         out,
		doneCh:      make(chan struct{}),
		displayTick: 300 * time.Millisecond,
	}
	if f, ok := out.(*os.File); ok && isTerminal(f) {
		m.interactive = true
		m.fd = int(f.Fd())
	}
	return m
}

func (m *Manager) Register(id, label string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.count++
	m.outputs[id] = &DownloadOutput{
		ID:          id,
		Label:       label,
		Status:      "pending",
		StartTime:   time.Now(),
		LastUpdated: time.Now(),
		Index:       m.count,
	}
}

// Update folds a snapshot into the display.
func (m *Manager) Update(s progress.Snapshot) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	info, exists := m.outputs[s.JobID]
	if !exists {
		return
	}
	info.Snapshot = s
	info.LastUpdated = time.Now()
	info.Status = statusFor(s.State)
	switch s.State {
	case "completed":
		info.Message = fmt.Sprintf("Completed %s (%s)", info.Label, humanize.IBytes(uint64(max(s.BytesTransferred, 0))))
	case "cancelled":
		info.Message = fmt.Sprintf("Cancelled %s", info.Label)
	case "failed":
		info.Message = fmt.Sprintf("Failed %s", info.Label)
	default:
		info.Message = fmt.Sprintf("Downloading %s", info.Label)
	}
	if !s.Done || info.Complete {
		return
	}
	info.Complete = true
	if s.State == "failed" {
		m.errors = append(m.errors, ErrorReport{Label: info.Label, Kind: s.ErrorKind, Error: s.Error, Time: time.Now()})
	}
	if s.Warning != "" {
		m.errors = append(m.errors, ErrorReport{Label: info.Label, Kind: "cleanup", Error: s.Warning, Time: time.Now()})
	}
	if !m.interactive {
		fmt.Fprintln(m.out, m.finishedLine(info))
	}
}

// Fail records a download that never reached the engine.
func (m *Manager) Fail(label string, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.count++
	id := fmt.Sprintf("rejected-%d", m.count)
	info := &DownloadOutput{
		ID:          id,
		Label:       label,
		Status:      "error",
		Message:     fmt.Sprintf("Rejected %s", label),
		Complete:    true,
		StartTime:   time.Now(),
		LastUpdated: time.Now(),
		Index:       m.count,
	}
	m.outputs[id] = info
	m.errors = append(m.errors, ErrorReport{Label: label, Kind: "rejected", Error: err.Error(), Time: time.Now()})
	if !m.interactive {
		fmt.Fprintln(m.out, m.finishedLine(info))
	}
}

func statusFor(state string) string {
	switch state {
	case "completed":
		return "success"
	case "failed":
		return "error"
	case "cancelled":
		return "warning"
	default:
		return "pending"
	}
}

func (m *Manager) GetStatusIndicator(status string) string {
	switch status {
	case "success":
		return successStyle.Render(StyleSymbols["pass"])
	case "error":
		return errorStyle.Render(StyleSymbols["fail"])
	case "warning":
		return warningStyle.Render(StyleSymbols["warning"])
	case "pending":
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func styleMessage(status, message string) string {
	switch status {
	case "success":
		return successStyle.Render(message)
	case "error":
		return errorStyle.Render(message)
	case "warning":
		return warningStyle.Render(message)
	default:
		return pendingStyle.Render(message)
	}
}

func (m *Manager) finishedLine(info *DownloadOutput) string {
	elapsed := info.LastUpdated.Sub(info.StartTime).Round(time.Second)
	return fmt.Sprintf("%s%s %s %s", strings.Repeat(" ", 2), m.GetStatusIndicator(info.Status), debugStyle.Render(elapsed.String()), styleMessage(info.Status, info.Message))
}

func (m *Manager) sorted() (active, completed []*DownloadOutput) {
	var all []*DownloadOutput
	for _, info := range m.outputs {
		all = append(all, info)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Index < all[j].Index
	})
	for _, f := range all {
		if f.Complete {
			completed = append(completed, f)
		} else {
			active = append(active, f)
		}
	}
	return active, completed
}

func (m *Manager) updateDisplay() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if !m.interactive {
		return
	}
	availableLines := getTerminalHeight(m.fd) - 3
	if m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
	}

	lineCount := 0
	active, completed := m.sorted()
	needed := 2*len(active) + len(completed)
	if needed > availableLines {
		keep := max(availableLines-2*len(active), 0)
		if len(completed) > keep {
			completed = completed[len(completed)-keep:]
		}
	}

	for _, info := range active {
		if lineCount >= availableLines {
			break
		}
		elapsed := time.Since(info.StartTime).Round(time.Second)
		fmt.Fprintf(m.out, "%s%s %s %s\n", strings.Repeat(" ", 2), m.GetStatusIndicator(info.Status), debugStyle.Render(elapsed.String()), styleMessage(info.Status, info.Message))
		lineCount++
		if lineCount >= availableLines {
			break
		}
		s := info.Snapshot
		line := debugStyle.Render(ProgressLine(s))
		if s.Percent != nil {
			line = PrintProgressBar(s.BytesTransferred, s.TotalBytes, 30) + line
		}
		fmt.Fprintf(m.out, "%s%s\n", strings.Repeat(" ", 2+4), line)
		lineCount++
	}
	for _, info := range completed {
		if lineCount >= availableLines {
			break
		}
		fmt.Fprintln(m.out, m.finishedLine(info))
		lineCount++
	}
	m.numLines = lineCount
}

func (m *Manager) StartDisplay() {
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.updateDisplay()
			case <-m.doneCh:
				m.updateDisplay()
				return
			}
		}
	}()
}

// StopDisplay draws the final frame and prints the summary.
func (m *Manager) StopDisplay() Summary {
	close(m.doneCh)
	m.displayWg.Wait()
	return m.ShowSummary()
}

func (m *Manager) displayErrors() {
	if len(m.errors) == 0 {
		return
	}
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, strings.Repeat(" ", 2)+errorStyle.Bold(true).Render("Errors:"))
	for i, report := range m.errors {
		fmt.Fprintf(m.out, "%s%s %s %s\n",
			strings.Repeat(" ", 2+2),
			errorStyle.Render(fmt.Sprintf("%d.", i+1)),
			debugStyle.Render(fmt.Sprintf("[%s]", report.Time.Format("15:04:05"))),
			errorStyle.Render(report.Label))
		fmt.Fprintf(m.out, "%s%s\n", strings.Repeat(" ", 2+4), errorStyle.Render(fmt.Sprintf("%s: %s", report.Kind, report.Error)))
	}
}

func (m *Manager) Summary() Summary {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	var sum Summary
	for _, info := range m.outputs {
		sum.Total++
		switch info.Status {
		case "success":
			sum.Completed++
		case "warning":
			sum.Cancelled++
		case "error":
			sum.Failed++
		}
	}
	return sum
}

func (m *Manager) ShowSummary() Summary {
	sum := m.Summary()
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, strings.Repeat(" ", 2)+success2Style.Render(fmt.Sprintf("Completed %d of %d", sum.Completed, sum.Total)))
	if sum.Cancelled > 0 {
		fmt.Fprintln(m.out, strings.Repeat(" ", 2)+warningStyle.Render(fmt.Sprintf("Cancelled %d of %d", sum.Cancelled, sum.Total)))
	}
	if sum.Failed > 0 {
		fmt.Fprintln(m.out, strings.Repeat(" ", 2)+errorStyle.Render(fmt.Sprintf("Failed %d of %d", sum.Failed, sum.Total)))
	}
	m.displayErrors()
	fmt.Fprintln(m.out)
	return sum
}
