package tui

import (
	"fmt"
	"io"

	"github.com/muesli/termenv"
)

// PrintBanner writes the waymark banner to w, colored when w is a terminal.
func PrintBanner(w io.Writer) {
	out := termenv.NewOutput(w)
	colors := []string{"#818cf8", "#a78bfa", "#c084fc", "#e879f9", "#f472b6"}
	lines := []string{
		" __      __                            _    ",
		" \\ \\    / /_ _ _  _ _ __  __ _ _ _ __| |__ ",
		"  \\ \\/\\/ / _` | || | '  \\/ _` | '_/ /| / / ",
		"   \\_/\\_/\\__,_|\\_, |_|_|_\\__,_|_| \\_\\|_\\_\\ ",
		"               |__/                        ",
	}

	fmt.Fprintln(w)
	for i, line := range lines {
		fmt.Fprintln(w, out.String(line).Foreground(out.Color(colors[i%len(colors)])))
	}
	fmt.Fprintln(w)
}
