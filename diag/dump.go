// Package diag renders human-readable dumps of the engine's in-memory
// images for host-application logging and troubleshooting. It is a debug
// surface, not a CLI: every function returns a string and writes nothing.
package diag

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/calypsonet/calypso-engine/card"
	"github.com/calypsonet/calypso-engine/sam"
)

var (
	colorHeader = text.Colors{text.FgCyan, text.Bold}
	colorLabel  = text.Colors{text.FgYellow}
)

func newTable(title string) table.Writer {
	t := table.NewWriter()
	style := table.StyleRounded
	style.Color.Header = colorHeader
	style.Options.SeparateRows = false
	t.SetStyle(style)
	t.SetTitle(title)
	return t
}

func hexOrDash(b []byte) string {
	if len(b) == 0 {
		return "-"
	}
	return strings.ToUpper(hex.EncodeToString(b))
}

func fileTypeName(ft card.FileType) string {
	switch ft {
	case card.FileBinary:
		return "BINARY"
	case card.FileLinear:
		return "LINEAR"
	case card.FileCyclic:
		return "CYCLIC"
	case card.FileSimulatedCounters:
		return "SIMULATED_COUNTERS"
	case card.FileCounters:
		return "COUNTERS"
	default:
		return "?"
	}
}

// DescribeCard renders the card image: identity, selected DF, EF
// directory, SV purse and PIN state.
func DescribeCard(c *card.CalypsoCard) string {
	var b strings.Builder

	t := newTable("CALYPSO CARD")
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 1, Colors: colorLabel}})
	t.AppendRow(table.Row{"Product type", c.ProductType.String()})
	t.AppendRow(table.Row{"Class byte", fmt.Sprintf("%02X", byte(c.ClassByte()))})
	t.AppendRow(table.Row{"Selected DF", hexOrDash(c.SelectedDF)})
	t.AppendRow(table.Row{"Serial", hexOrDash(c.Serial)})
	t.AppendRow(table.Row{"Invalidated", fmt.Sprintf("%t", c.Invalidated)})
	t.AppendRow(table.Row{"Extended mode", fmt.Sprintf("%t", c.Capabilities.ExtendedMode)})
	t.AppendRow(table.Row{"PKI", fmt.Sprintf("%t", c.Capabilities.PKI)})
	t.AppendRow(table.Row{"Traceability", hexOrDash(c.Traceability)})
	b.WriteString(t.Render())
	b.WriteByte('\n')

	if len(c.Files) > 0 {
		ft := newTable("ELEMENTARY FILES")
		ft.AppendHeader(table.Row{"SFI", "LID", "Type", "Rec size", "Records read"})
		sfis := make([]int, 0, len(c.Files))
		for sfi := range c.Files {
			sfis = append(sfis, int(sfi))
		}
		sort.Ints(sfis)
		for _, sfi := range sfis {
			ef := c.Files[byte(sfi)]
			ft.AppendRow(table.Row{
				fmt.Sprintf("%02X", sfi),
				fmt.Sprintf("%04X", ef.LID),
				fileTypeName(ef.Type),
				ef.RecordSize,
				len(ef.Records),
			})
		}
		b.WriteString(ft.Render())
		b.WriteByte('\n')
	}

	sv := newTable("STORED VALUE")
	sv.SetColumnConfigs([]table.ColumnConfig{{Number: 1, Colors: colorLabel}})
	sv.AppendRow(table.Row{"Balance", c.SV.Balance})
	sv.AppendRow(table.Row{"Transaction #", c.SV.TransactionNum})
	sv.AppendRow(table.Row{"KVC", fmt.Sprintf("%02X", c.SV.KVC)})
	sv.AppendRow(table.Row{"Challenge", hexOrDash(c.SV.Challenge)})
	b.WriteString(sv.Render())
	b.WriteByte('\n')

	pin := newTable("PIN")
	pin.SetColumnConfigs([]table.ColumnConfig{{Number: 1, Colors: colorLabel}})
	pin.AppendRow(table.Row{"Verified", fmt.Sprintf("%t", c.PIN.Verified)})
	pin.AppendRow(table.Row{"Attempts remaining", c.PIN.AttemptsRemaining})
	pin.AppendRow(table.Row{"Blocked", fmt.Sprintf("%t", c.PIN.Blocked)})
	b.WriteString(pin.Render())
	b.WriteByte('\n')

	return b.String()
}

// DescribeSam renders the SAM handle.
func DescribeSam(s *sam.CalypsoSam) string {
	t := newTable("CALYPSO SAM")
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 1, Colors: colorLabel}})
	t.AppendRow(table.Row{"Product type", s.ProductType.String()})
	t.AppendRow(table.Row{"Class byte", fmt.Sprintf("%02X", s.ProductType.ClassByte())})
	t.AppendRow(table.Row{"Serial", hexOrDash(s.Serial)})
	return t.Render() + "\n"
}
