package infra

import (
	"fmt"
	"io"
	"strings"
)

// ANSI Color Codes
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
)

// PrintBanner writes the startup banner with mode-specific warnings.
func PrintBanner(w io.Writer, cfg *Config) {
	mode := strings.ToUpper(cfg.Trading.Mode)

	color := ColorGreen
	modeDesc := "SIMULATION"
	switch mode {
	case ModeReal:
		color = ColorRed
		modeDesc = "REAL MONEY TRADING"
	case ModeDemo:
		color = ColorYellow
		modeDesc = "BITGET DEMO (PLAY MONEY)"
	case ModePaper:
		color = ColorCyan
		modeDesc = "INTERNAL SIMULATION"
	}

	venues := make([]string, 0, len(cfg.Exchanges))
	for _, ex := range cfg.Exchanges {
		venues = append(venues, ex.Name)
	}

	line := func(format string, args ...any) {
		fmt.Fprintf(w, "%s"+format+"%s\n", append(append([]any{color}, args...), ColorReset)...)
	}
	fmt.Fprintln(w)
	line("###########################################################")
	line("#               Hedge Executor (%-8s)                 #", Version)
	line("#   MODE:    %-36s #", mode)
	line("#   TYPE:    %-36s #", modeDesc)
	line("#   VENUES:  %-36s #", truncate(strings.Join(venues, ","), 36))
	line("#   HEDGES:  %-36d #", len(cfg.Hedges))
	if mode == ModeReal {
		fmt.Fprintf(w, "%s#   WARNING: ORDERS ARE SENT WITH REAL MONEY              #%s\n", ColorRed, ColorReset)
	}
	line("###########################################################")
	fmt.Fprintln(w)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
