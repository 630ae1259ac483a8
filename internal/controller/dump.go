package controller

import (
	"fmt"
	"io"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"aufhsm/internal/backend"
	"aufhsm/internal/wmark"
)

// Dump writes one row per branch with its watermarks as in-use
// percentages. Branches without an entry are listed with dashes.
func Dump(w io.Writer, t *wmark.Table, branches []backend.Branch, color bool) error {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	if color {
		tw.Style().Color.Header = text.Colors{text.Bold}
	}
	tw.AppendHeader(table.Row{"Branch", "ID", "Block", "Inode"})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight, AlignHeader: text.AlignRight},
		{Number: 3, Align: text.AlignRight, AlignHeader: text.AlignRight},
		{Number: 4, Align: text.AlignRight, AlignHeader: text.AlignRight},
	})
	for _, br := range backend.Participants(branches) {
		e, ok := t.Search(br.ID)
		if !ok {
			tw.AppendRow(table.Row{br.Path, br.ID, "-", "-"})
			continue
		}
		tw.AppendRow(table.Row{br.Path, br.ID, formatCorridor(e.Block), formatCorridor(e.Inode)})
	}
	_, err := fmt.Fprintln(w, tw.Render())
	return err
}

func formatCorridor(c wmark.Corridor) string {
	if c.Disabled() {
		return "off"
	}
	upper, lower := c.Percent()
	return strconv.FormatFloat(upper, 'f', -1, 64) + "-" + strconv.FormatFloat(lower, 'f', -1, 64)
}
