package output

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kriansa/image-info/internal/disk"
	"github.com/kriansa/image-info/internal/inspect"
	"github.com/kriansa/image-info/internal/qemuimg"
)

func testReport() *inspect.Report {
	return &inspect.Report{
		ImageFormat:      &qemuimg.Format{Type: "qcow2", Compat: "1.1"},
		PartitionTable:   disk.KindGPT,
		PartitionTableID: "D209C89E-EA5E-4FBD-B161-B461CCE297E0",
		Partitions: []*disk.Partition{
			{PartUUID: "68B2905B-DF3E-4FB3-80FA-49D1E773AA33", Start: 1048576, Size: 1 << 30, Type: "0FC63DAF-8483-4772-8E79-3D69D8477DE4", Bootable: true, UUID: "aaaa-1111", FSType: "xfs", Label: "root"},
			{PartUUID: "F0E1D2C3-0000-4000-8000-000000000002", Start: 1074790400, Size: 4 << 30, Type: disk.LVMTypeGPT, UUID: "pv", FSType: "LVM2_member"},
		},
		LVM: map[string][]*disk.LogicalVolume{
			"vg0": {{Group: "vg0", Name: "home", Path: "/dev/vg0/home", UUID: "bbbb-2222", FSType: "ext4"}},
		},
		Facts: map[string]any{
			"hostname":   "builder",
			"os-release": map[string]string{"ID": "fedora", "VERSION_ID": "40"},
			"fstab":      [][]string{{"UUID=aaaa-1111", "/", "xfs", "defaults", "0", "0"}},
		},
	}
}

func TestNewFormatter(t *testing.T) {
	tests := []struct {
		format  string
		want    Formatter
		wantErr bool
	}{
		{"json", &JSONFormatter{}, false},
		{"yaml", &YAMLFormatter{}, false},
		{"table", &TableFormatter{}, false},
		{"xml", nil, true},
		{"", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			f, err := NewFormatter(tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, f)
		})
	}
}

func TestJSONFormatter(t *testing.T) {
	out, err := (&JSONFormatter{}).Format(testReport())
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out, "\n"))
	assert.Contains(t, out, "\n  \"hostname\": \"builder\"")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "gpt", decoded["partition-table"])
	assert.Equal(t, map[string]any{"type": "qcow2", "compat": "1.1"}, decoded["image-format"])

	parts := decoded["partitions"].([]any)
	require.Len(t, parts, 2)
	first := parts[0].(map[string]any)
	assert.Equal(t, "68B2905B-DF3E-4FB3-80FA-49D1E773AA33", first["partuuid"])
	assert.Equal(t, float64(1<<30), first["size"])

	lvm := decoded["lvm"].(map[string]any)
	home := lvm["vg0"].([]any)[0].(map[string]any)
	assert.Equal(t, "home", home["name"])
	assert.NotContains(t, home, "Group")
}

func TestYAMLFormatter(t *testing.T) {
	out, err := (&YAMLFormatter{}).Format(testReport())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "builder", decoded["hostname"])
	assert.Equal(t, "D209C89E-EA5E-4FBD-B161-B461CCE297E0", decoded["partition-table-id"])

	parts := decoded["partitions"].([]any)
	assert.Equal(t, "root", parts[0].(map[string]any)["label"])
}

func TestTableFormatter(t *testing.T) {
	out, err := (&TableFormatter{}).Format(testReport())
	require.NoError(t, err)

	for _, want := range []string{
		"qcow2 (compat 1.1)",
		"PARTUUID",
		"1.0 GiB",
		"4.0 GiB",
		"LVM2_member",
		"/dev/vg0/home",
		"hostname",
		"os-release.ID",
		"UUID=aaaa-1111 / xfs defaults 0 0",
	} {
		assert.Contains(t, out, want)
	}

	// facts come out sorted by name
	assert.Less(t, strings.Index(out, "fstab"), strings.Index(out, "hostname"))
	assert.Less(t, strings.Index(out, "hostname"), strings.Index(out, "os-release.ID"))
}

func TestTableFormatterEmptyValues(t *testing.T) {
	out, err := (&TableFormatter{}).Format(&inspect.Report{
		PartitionTable: disk.KindNone,
		Partitions:     []*disk.Partition{{PartUUID: "p1", Size: 2048}},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "IMAGE FORMAT     -")
	assert.Contains(t, out, "2.0 KiB")
	assert.NotContains(t, out, "VG")
}
