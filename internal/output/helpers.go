package output

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/tanq16/haul/internal/progress"
)

const mib = 1024 * 1024

func PrintProgressBar(current, total int64, width int) string {
	if width <= 0 {
		width = 30
	}
	if total <= 0 {
		total = 1
	}
	if current < 0 {
		current = 0
	}
	if current > total {
		current = total
	}
	percent := float64(current) / float64(total)
	filled := max(0, min(int(percent*float64(width)), width))
	bar := StyleSymbols["bullet"]
	bar += strings.Repeat(StyleSymbols["hline"], filled)
	if filled < width {
		bar += strings.Repeat(" ", width-filled)
	}
	bar += StyleSymbols["bullet"]
	return debugStyle.Render(fmt.Sprintf("%s %.1f%% %s ", bar, percent*100, StyleSymbols["bullet"]))
}

// ProgressLine renders "1.50/10.00 MiB at 2.25 MiB/s", or the transferred
// size alone when the total is unknown.
func ProgressLine(s progress.Snapshot) string {
	rate := s.ThroughputBytesPerSec / mib
	if s.TotalBytes < 0 {
		return fmt.Sprintf("%s at %.2f MiB/s", humanize.IBytes(uint64(max(s.BytesTransferred, 0))), rate)
	}
	return fmt.Sprintf("%.2f/%.2f MiB at %.2f MiB/s", float64(s.BytesTransferred)/mib, float64(s.TotalBytes)/mib, rate)
}

func getTerminalHeight(fd int) int {
	_, height, err := term.GetSize(fd)
	if err != nil || height <= 0 {
		return 24
	}
	return height
}

func isTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}
