package output

import (
	"bytes"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/kriansa/image-info/internal/disk"
	"github.com/kriansa/image-info/internal/inspect"
)

// TableFormatter prints the storage layout as tables followed by the
// collected facts.
type TableFormatter struct{}

func (f *TableFormatter) Format(r *inspect.Report) (string, error) {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	format := "-"
	if r.ImageFormat != nil {
		format = r.ImageFormat.Type
		if r.ImageFormat.Compat != "" {
			format += " (compat " + r.ImageFormat.Compat + ")"
		}
	}
	_, _ = fmt.Fprintf(w, "IMAGE FORMAT\t%s\n", format)
	_, _ = fmt.Fprintf(w, "PARTITION TABLE\t%s\t%s\n", r.PartitionTable, dash(r.PartitionTableID))
	_, _ = fmt.Fprintln(w)

	_, _ = fmt.Fprintln(w, "PARTUUID\tSTART\tSIZE\tTYPE\tBOOT\tFSTYPE\tLABEL\tUUID")
	for _, p := range r.Partitions {
		boot := ""
		if p.Bootable {
			boot = "*"
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.PartUUID, p.Start, humanize.IBytes(p.Size), dash(p.Type), boot,
			dash(p.FSType), dash(p.Label), dash(p.UUID))
	}

	if len(r.LVM) > 0 {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintln(w, "VG\tLV\tPATH\tFSTYPE\tLABEL\tUUID")
		for _, vg := range sortedKeys(r.LVM) {
			for _, lv := range r.LVM[vg] {
				writeLV(w, vg, lv)
			}
		}
	}

	if len(r.Facts) > 0 {
		_, _ = fmt.Fprintln(w)
		for _, name := range sortedKeys(r.Facts) {
			writeFact(w, name, r.Facts[name])
		}
	}

	if err := w.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func writeLV(w io.Writer, vg string, lv *disk.LogicalVolume) {
	_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
		vg, lv.Name, lv.Path, dash(lv.FSType), dash(lv.Label), dash(lv.UUID))
}

// writeFact prints one fact per line, expanding maps into name.key rows
// and lists into one row per element
func writeFact(w io.Writer, name string, v any) {
	switch v := v.(type) {
	case map[string]string:
		for _, k := range sortedKeys(v) {
			_, _ = fmt.Fprintf(w, "%s.%s\t%s\n", name, k, v[k])
		}
	case [][]string:
		for _, row := range v {
			_, _ = fmt.Fprintf(w, "%s\t%s\n", name, strings.Join(row, " "))
		}
	case []string:
		for _, s := range v {
			_, _ = fmt.Fprintf(w, "%s\t%s\n", name, s)
		}
	default:
		_, _ = fmt.Fprintf(w, "%s\t%v\n", name, v)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
