// Package fstab reads /etc/fstab and plans the order in which its
// filesystems are mounted.
package fstab

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/kriansa/image-info/internal/validation"
)

// Source tags understood in the first fstab column
const (
	TagUUID     = "UUID"
	TagLabel    = "LABEL"
	TagPartUUID = "PARTUUID"
)

// Source is the first fstab column. Tag is empty for plain device paths.
type Source struct {
	Tag   string
	Value string
}

func (s Source) String() string {
	if s.Tag == "" {
		return s.Value
	}
	return s.Tag + "=" + s.Value
}

// Entry is one line of an fstab
type Entry struct {
	Source     Source
	Mountpoint string
	FSType     string
	Options    []string
	Freq       int
	PassNo     int
}

// UUID returns the upper-cased filesystem UUID for UUID= sources, or ""
func (e Entry) UUID() string {
	if e.Source.Tag != TagUUID {
		return ""
	}
	return strings.ToUpper(e.Source.Value)
}

// filesystems that never live on a block device of the image
var virtual = map[string]bool{
	"autofs": true, "binfmt_misc": true, "bpf": true, "cgroup": true, "cgroup2": true,
	"configfs": true, "debugfs": true, "devpts": true, "devtmpfs": true, "efivarfs": true,
	"fusectl": true, "hugetlbfs": true, "mqueue": true, "proc": true, "pstore": true,
	"ramfs": true, "securityfs": true, "sysfs": true, "tmpfs": true, "tracefs": true,
	"nfs": true, "nfs4": true, "cifs": true, "smb3": true, "9p": true, "virtiofs": true,
}

// Mountable reports whether the entry names a filesystem on a local volume
func (e Entry) Mountable() bool {
	if e.FSType == "swap" || e.Mountpoint == "none" || e.Mountpoint == "swap" {
		return false
	}
	if virtual[e.FSType] {
		return false
	}
	return !slices.Contains(e.Options, "bind")
}

// ParseFile parses the fstab at path
func ParseFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return entries, nil
}

// Parse parses fstab(5) content. Blank lines and comments are dropped.
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry

	scanner := bufio.NewScanner(r)
	for lineno := 1; scanner.Scan(); lineno++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		entry, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineno, err)
		}
		entries = append(entries, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

func parseLine(line string) (Entry, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return Entry{}, fmt.Errorf("expected at least 3 fields, got %d", len(fields))
	}

	e := Entry{
		Source:     parseSource(unescapeField(fields[0])),
		Mountpoint: unescapeField(fields[1]),
		FSType:     fields[2],
	}

	if len(fields) > 3 {
		e.Options = strings.Split(unescapeField(fields[3]), ",")
	}

	var err error
	if len(fields) > 4 {
		if e.Freq, err = strconv.Atoi(fields[4]); err != nil {
			return Entry{}, fmt.Errorf("invalid dump frequency %q", fields[4])
		}
	}
	if len(fields) > 5 {
		if e.PassNo, err = strconv.Atoi(fields[5]); err != nil {
			return Entry{}, fmt.Errorf("invalid pass number %q", fields[5])
		}
	}

	return e, nil
}

func parseSource(s string) Source {
	tag, value, ok := strings.Cut(s, "=")
	if !ok {
		return Source{Value: s}
	}
	switch strings.ToUpper(tag) {
	case TagUUID, TagLabel, TagPartUUID:
		return Source{Tag: strings.ToUpper(tag), Value: value}
	}
	return Source{Value: s}
}

// unescapeField decodes the octal escapes fstab uses for
// space (\040), tab (\011), newline (\012) and backslash (\134)
func unescapeField(s string) string {
	s = strings.ReplaceAll(s, "\\040", " ")
	s = strings.ReplaceAll(s, "\\011", "\t")
	s = strings.ReplaceAll(s, "\\012", "\n")
	s = strings.ReplaceAll(s, "\\134", "\\")
	return s
}

// Sort orders entries by mountpoint so that parents come before their
// children. Entries with the same mountpoint keep their file order.
func Sort(entries []Entry) {
	slices.SortStableFunc(entries, func(a, b Entry) int {
		return strings.Compare(a.Mountpoint, b.Mountpoint)
	})
}

// Plan returns the mountable entries in the order they have to be mounted
func Plan(entries []Entry) ([]Entry, error) {
	var plan []Entry
	for _, e := range entries {
		if !e.Mountable() {
			continue
		}
		if err := validation.ValidateMountpoint(e.Mountpoint); err != nil {
			return nil, err
		}
		plan = append(plan, e)
	}

	Sort(plan)
	return plan, nil
}
