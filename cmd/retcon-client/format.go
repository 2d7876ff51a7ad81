package main

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/retcon-sync/retcon/internal/protocol"
)

// wireError turns a one-byte error-code reply (spec §4.7) into a Go error.
func wireError(reply []byte) error {
	if len(reply) != 1 {
		return fmt.Errorf("retcond returned a malformed error reply")
	}

	switch protocol.ErrorCode(reply[0]) {
	case protocol.ErrCodeTimeout:
		return fmt.Errorf("retcond: request timed out")
	case protocol.ErrCodeBadFraming:
		return fmt.Errorf("retcond: bad request framing")
	case protocol.ErrCodeDecodeFailure:
		return fmt.Errorf("retcond: request rejected (decode failure or invalid argument)")
	default:
		return fmt.Errorf("retcond: internal error")
	}
}

// isTTY reports whether w is an interactive terminal, gating table output
// in favor of plain tab-separated output when the output is piped.
func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// printTable writes aligned columns when stdout is a terminal, and plain
// tab-separated rows otherwise — a script piping retcon-client's output
// gets stable, awk-friendly columns instead of padded whitespace.
func printTable(headers []string, rows [][]string) {
	w := os.Stdout

	if !isTTY(w) {
		for _, row := range rows {
			for i, cell := range row {
				if i > 0 {
					fmt.Fprint(w, "\t")
				}

				fmt.Fprint(w, cell)
			}

			fmt.Fprintln(w)
		}

		return
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

func printRow(w io.Writer, cells []string, widths []int) {
	for i, cell := range cells {
		if i > 0 {
			fmt.Fprint(w, "  ")
		}

		fmt.Fprintf(w, "%-*s", widths[i], cell)
	}

	fmt.Fprintln(w)
}
