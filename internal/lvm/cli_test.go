package lvm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kriansa/image-info/internal/command"
)

const (
	pvdisplayCmd = "pvdisplay -C --noheadings -o vg_name /dev/loop1"
	lvdisplayCmd = "lvdisplay -C --noheadings --separator ; -o lv_name,lv_path,lv_kernel_major,lv_kernel_minor vg0"
)

func TestCLIVolumeGroup(t *testing.T) {
	tests := []struct {
		name    string
		resp    command.Response
		want    string
		wantErr error
	}{
		{"found", command.Response{Stdout: "  vg0\n"}, "vg0", nil},
		{"not scanned yet", command.Response{ExitCode: 5, Stderr: "Failed to find physical volume \"/dev/loop1\"."}, "", errNotReady},
		{"no group yet", command.Response{Stdout: "  \n"}, "", errNotReady},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := command.NewFake().On(pvdisplayCmd, tt.resp)
			got, err := NewCLIBackend(fake).VolumeGroup(context.Background(), "/dev/loop1")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCLIVolumeGroupToolFailure(t *testing.T) {
	fake := command.NewFake().On(pvdisplayCmd, command.Response{ExitCode: 3, Stderr: "  Locking failed.\n"})

	_, err := NewCLIBackend(fake).VolumeGroup(context.Background(), "/dev/loop1")
	var te *command.ToolError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 3, te.ExitCode)
	assert.Contains(t, err.Error(), "Locking failed.")
}

func TestCLIActivateCarriesStderr(t *testing.T) {
	fake := command.NewFake().On("vgchange -ay vg0", command.Response{
		ExitCode: 5,
		Stderr:   "  Volume group \"vg0\" not found\n",
	})

	err := NewCLIBackend(fake).Activate(context.Background(), "vg0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `Volume group "vg0" not found`)
}

func TestCLILogicalVolumes(t *testing.T) {
	out := "  root;/dev/vg0/root;253;0\n" +
		"  pool;;-1;-1\n" +
		"  var-log;/dev/vg0/var-log;253;2\n" +
		"  home;/dev/vg0/home;253;1\n"
	fake := command.NewFake().On(lvdisplayCmd, command.Response{Stdout: out})

	lvs, err := NewCLIBackend(fake).LogicalVolumes(context.Background(), "vg0")
	require.NoError(t, err)
	require.Len(t, lvs, 3)

	assert.Equal(t, "root", lvs[0].Name)
	assert.Equal(t, "/dev/vg0/root", lvs[0].Path)
	assert.Equal(t, uint32(253), lvs[0].Major)
	assert.Equal(t, uint32(0), lvs[0].Minor)
	assert.Equal(t, "var-log", lvs[1].Name)
	assert.Equal(t, uint32(2), lvs[1].Minor)
	assert.Equal(t, "home", lvs[2].Name)
}

func TestParseLVDisplayMalformed(t *testing.T) {
	_, err := parseLVDisplay("root;/dev/vg0/root\n")
	assert.Error(t, err)

	_, err = parseLVDisplay("root;/dev/vg0/root;x;0\n")
	assert.Error(t, err)
}

func TestCLIDeactivate(t *testing.T) {
	fake := command.NewFake().On("vgchange -an vg0", command.Response{})
	require.NoError(t, NewCLIBackend(fake).Deactivate(context.Background(), "vg0"))
	assert.Equal(t, 1, fake.Count("vgchange -an vg0"))
}
