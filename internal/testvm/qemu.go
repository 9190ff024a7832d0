//go:build integration

package testvm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// QEMU is a guest started from a copy-on-write overlay of a base image
type QEMU struct {
	cmd     *exec.Cmd
	client  *ssh.Client
	config  Config
	overlay string
	mu      sync.Mutex
}

// Config holds what is needed to boot and reach a guest
type Config struct {
	ImagePath  string
	SSHPort    int
	SSHUser    string
	SSHPass    string
	SSHTimeout time.Duration
	Memory     int
	CPUs       int
}

// DefaultConfig boots the image named by IMAGE_INFO_VM_IMAGE
func DefaultConfig() (Config, error) {
	path := os.Getenv("IMAGE_INFO_VM_IMAGE")
	if path == "" {
		path = "../../build/images/fedora-test.qcow2"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("VM image not found. Run 'make test-image' first or set IMAGE_INFO_VM_IMAGE")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to get absolute path: %w", err)
	}

	return Config{
		ImagePath:  abs,
		SSHPort:    10022,
		SSHUser:    "fedora",
		SSHPass:    "fedora",
		SSHTimeout: 2 * time.Minute,
		Memory:     2048,
		CPUs:       2,
	}, nil
}

// Start boots a guest. The base image is never written to.
func Start(ctx context.Context, config Config) (*QEMU, error) {
	if config.ImagePath == "" {
		return nil, fmt.Errorf("image path is required")
	}

	overlay := filepath.Join(os.TempDir(), fmt.Sprintf("image-info-vm-%d.qcow2", os.Getpid()))
	create := exec.CommandContext(ctx, "qemu-img", "create",
		"-f", "qcow2",
		"-b", config.ImagePath,
		"-F", "qcow2",
		overlay,
	)
	if output, err := create.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("create overlay: %w: %s", err, output)
	}

	Statusf("Starting VM with image: %s", config.ImagePath)
	cmd := exec.Command("qemu-system-x86_64",
		"-m", fmt.Sprintf("%dM", config.Memory),
		"-smp", fmt.Sprintf("%d", config.CPUs),
		"-machine", "type=q35,accel=kvm",
		"-cpu", "host",
		"-drive", fmt.Sprintf("file=%s,if=virtio,cache=writeback,format=qcow2", overlay),
		"-netdev", fmt.Sprintf("user,id=net0,hostfwd=tcp::%d-:22", config.SSHPort),
		"-device", "virtio-net,netdev=net0",
		"-nographic",
	)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		_ = os.Remove(overlay)
		return nil, fmt.Errorf("start qemu: %w", err)
	}

	return &QEMU{cmd: cmd, config: config, overlay: overlay}, nil
}

// WaitForSSH polls until the guest accepts SSH logins
func (vm *QEMU) WaitForSSH(ctx context.Context) error {
	config := &ssh.ClientConfig{
		User:            vm.config.SSHUser,
		Auth:            []ssh.AuthMethod{ssh.Password(vm.config.SSHPass)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	addr := fmt.Sprintf("localhost:%d", vm.config.SSHPort)

	Statusf("Waiting for SSH to become available...")
	return Poll(ctx, vm.config.SSHTimeout, 2*time.Second, func() error {
		client, err := ssh.Dial("tcp", addr, config)
		if err != nil {
			return err
		}
		vm.mu.Lock()
		vm.client = client
		vm.mu.Unlock()
		return nil
	})
}

// Run executes cmd in the guest and returns its combined output. The
// session is closed when ctx ends, which makes the remote command exit.
func (vm *QEMU) Run(ctx context.Context, cmd string) (string, error) {
	vm.mu.Lock()
	client := vm.client
	vm.mu.Unlock()
	if client == nil {
		return "", fmt.Errorf("ssh client not connected")
	}

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("new session: %w", err)
	}
	defer func() { _ = session.Close() }()

	type result struct {
		output []byte
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		output, err := session.CombinedOutput(cmd)
		ch <- result{output, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return string(r.output), r.err
	}
}

func (vm *QEMU) sftpClient() (*sftp.Client, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.client == nil {
		return nil, fmt.Errorf("ssh client not connected")
	}
	client, err := sftp.NewClient(vm.client)
	if err != nil {
		return nil, fmt.Errorf("create sftp client: %w", err)
	}
	return client, nil
}

// Upload copies a local file into the guest
func (vm *QEMU) Upload(localPath, remotePath string, mode os.FileMode) error {
	client, err := vm.sftpClient()
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = src.Close() }()

	dir := filepath.Dir(remotePath)
	if err := client.MkdirAll(dir); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	dst, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote file: %w", err)
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("write %s: %w", remotePath, err)
	}
	if err := client.Chmod(remotePath, mode); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}
	return nil
}

// Download copies a file out of the guest
func (vm *QEMU) Download(remotePath, localPath string) error {
	client, err := vm.sftpClient()
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	src, err := client.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote %s: %w", remotePath, err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("read %s: %w", remotePath, err)
	}
	return dst.Close()
}

// Stop powers the guest off and removes its overlay
func (vm *QEMU) Stop() {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.client != nil {
		if session, err := vm.client.NewSession(); err == nil {
			_ = session.Run("sudo systemctl poweroff")
			_ = session.Close()
			time.Sleep(2 * time.Second)
		}
		_ = vm.client.Close()
		vm.client = nil
	}

	Statusf("Shutting down VM...")
	if vm.cmd != nil && vm.cmd.Process != nil {
		_ = vm.cmd.Process.Kill()
		_ = vm.cmd.Wait()
		vm.cmd = nil
	}

	if vm.overlay != "" {
		_ = os.Remove(vm.overlay)
		vm.overlay = ""
	}
}
