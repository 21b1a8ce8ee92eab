package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/vmmctl/internal/channel"
)

const sample = `
guest:
  ram_base: 0x40000000
  ram_size: 0x10000000
  vcpu: 0
  dtb_addr: 0x4f000000
  initrd_addr: 0x4d70_0000
images:
  kernel: images/linux
  dtb: build/linux.dtb
  initrd: images/rootfs.cpio.gz
passthrough:
  - name: uart
    irq: 33
    channel: 1
  - name: eth
    irq: 79
    channel: 2
    virq: 48
`

func TestParseSample(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Guest.InitrdAddr != 0x4d700000 {
		t.Fatalf("initrd_addr = %s", cfg.Guest.InitrdAddr)
	}
	if cfg.Guest.DistributorBase != DefaultDistributorBase {
		t.Fatalf("distributor_base default not applied: %s", cfg.Guest.DistributorBase)
	}
	if cfg.Transport.Kind != TransportMemory {
		t.Fatalf("transport = %q, want memory", cfg.Transport.Kind)
	}

	b := cfg.Bindings()
	if len(b) != 2 {
		t.Fatalf("bindings = %+v", b)
	}
	if b[0].Name != "uart" || b[0].Channel != 1 || b[0].IRQ != 33 || b[0].VIRQ != 33 {
		t.Fatalf("uart binding = %+v", b[0])
	}
	if b[1].VIRQ != 48 {
		t.Fatalf("eth virq = %d, want explicit 48", b[1].VIRQ)
	}

	set, err := cfg.Channels()
	if err != nil {
		t.Fatalf("Channels: %v", err)
	}
	if want, _ := channel.NewSet(1, 2); set != want {
		t.Fatalf("channels = %v, want %v", set.Channels(), want.Channels())
	}

	v := cfg.VCPU()
	if v.ID != 0 || v.DeviceTreeGPA != 0x4f000000 || v.InitrdGPA != 0x4d700000 {
		t.Fatalf("vcpu = %+v", v)
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("images: {kernel: k, dtb: d}\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Guest.RAMBase != DefaultRAMBase || cfg.Guest.RAMSize != DefaultRAMSize || cfg.Guest.DTBAddr != DefaultDTBAddr {
		t.Fatalf("defaults not applied: %+v", cfg.Guest)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unaligned ram", "guest: {ram_base: 0x40100000}", "2MiB"},
		{"unaligned dtb", "guest: {dtb_addr: 0x4f000004}", "8-byte"},
		{"dtb outside ram", "guest: {dtb_addr: 0x60000000}", "outside guest RAM"},
		{"initrd outside ram", "guest: {initrd_addr: 0x1000}\nimages: {initrd: r}", "initrd_addr"},
		{"second vcpu", "guest: {vcpu: 1}", "only vcpu 0"},
		{"channel out of range", "passthrough: [{irq: 33, channel: 63}]", "out of range"},
		{"duplicate irq", "passthrough: [{name: a, irq: 33, channel: 1}, {name: b, irq: 33, channel: 2}]", "already bound by a"},
		{"duplicate channel", "passthrough: [{name: a, irq: 33, channel: 1}, {name: b, irq: 34, channel: 1}]", "already used by a"},
		{"negative virq", "passthrough: [{irq: 33, channel: 1, virq: -5}]", "virq -5 out of range"},
		{"virq too large", "passthrough: [{irq: 33, channel: 1, virq: 1020}]", "out of range"},
		{"duplicate virq", "passthrough: [{name: a, irq: 33, channel: 1, virq: 40}, {name: b, irq: 34, channel: 2, virq: 40}]", "already injected by a"},
		{"virq shadows irq", "passthrough: [{name: a, irq: 40, channel: 1}, {name: b, irq: 34, channel: 2, virq: 40}]", "already injected by a"},
		{"unknown transport", "transport: {kind: carrier-pigeon}", "unknown transport"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := "images: {kernel: k, dtb: d}\n" + tt.yaml + "\n"
			if strings.Contains(tt.yaml, "images:") {
				data = strings.Replace(tt.yaml, "images: {", "images: {kernel: k, dtb: d, ", 1) + "\n"
			}
			_, err := Parse([]byte(data))
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Parse = %v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestParseIPCWithoutSocket(t *testing.T) {
	cfg, err := Parse([]byte("images:\n  kernel: k\ntransport:\n  kind: ipc\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Transport.Kind != TransportIPC || cfg.Transport.Socket != "" {
		t.Fatalf("transport = %+v, want ipc with no socket", cfg.Transport)
	}
}

func TestParseImages(t *testing.T) {
	if _, err := Parse([]byte("images: {dtb: d}")); !errors.Is(err, ErrInvalid) {
		t.Fatalf("missing kernel accepted: %v", err)
	}
	cfg, err := Parse([]byte("images: {kernel: k}\nguest: {bootargs: console=ttyAMA0}"))
	if err != nil {
		t.Fatalf("config without dtb rejected: %v", err)
	}
	if cfg.Images.DTB != "" || cfg.Guest.Bootargs != "console=ttyAMA0" {
		t.Fatalf("images = %+v, bootargs = %q", cfg.Images, cfg.Guest.Bootargs)
	}
}

func TestAddressRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte("guest: {ram_base: lots}\nimages: {kernel: k, dtb: d}"))
	if err == nil || !strings.Contains(err.Error(), "invalid address") {
		t.Fatalf("Parse = %v, want invalid address", err)
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vmm.yaml")
	if err := os.WriteFile(path, []byte(sample+"libvmm: /opt/libvmm.so\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if want := filepath.Join(dir, "images", "linux"); cfg.Images.Kernel != want {
		t.Fatalf("kernel = %q, want %q", cfg.Images.Kernel, want)
	}
	if cfg.LibVMM != "/opt/libvmm.so" {
		t.Fatalf("absolute libvmm path rewritten: %q", cfg.LibVMM)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Load = %v, want ErrNotExist", err)
	}
}
