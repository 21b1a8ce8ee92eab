package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/vmmctl/internal/channel"
	"github.com/tinyrange/vmmctl/internal/config"
	"github.com/tinyrange/vmmctl/internal/fdt"
	"github.com/tinyrange/vmmctl/internal/hv"
	"github.com/tinyrange/vmmctl/internal/hv/native"
	"github.com/tinyrange/vmmctl/internal/hv/soft"
	"github.com/tinyrange/vmmctl/internal/ipc"
	"github.com/tinyrange/vmmctl/internal/linux/boot/arm64"
	"github.com/tinyrange/vmmctl/internal/vmm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vmmctl: %v\n", err)
		os.Exit(1)
	}
}

// transport is what the event loop needs from an event source.
type transport interface {
	vmm.Source
	channel.Acknowledger
	Close() error
}

func run() error {
	configPath := flag.String("config", "vmm.yaml", "Path to the VMM configuration file")
	libvmm := flag.String("libvmm", "", "Path to the libvmm shared library (default: software runtime)")
	transportKind := flag.String("transport", "", "Event transport: memory, eventfd or ipc (overrides config)")
	socket := flag.String("socket", "", "Unix socket for the ipc transport (default: a fresh temp path)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	dryRun := flag.Bool("dry-run", false, "Boot the guest against the software runtime and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Boot a guest and run the VMM event loop.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *libvmm != "" {
		cfg.LibVMM = *libvmm
	}
	if *transportKind != "" {
		cfg.Transport.Kind = *transportKind
	}
	if *socket != "" {
		cfg.Transport.Socket = *socket
	}
	if cfg.Transport.Kind == config.TransportIPC && cfg.Transport.Socket == "" {
		cfg.Transport.Socket = ipc.SocketPath()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	layout, err := loadImages(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, closeRuntime, err := openRuntime(cfg, *dryRun, log)
	if err != nil {
		return err
	}
	defer closeRuntime()

	open, err := cfg.Channels()
	if err != nil {
		return err
	}
	var tr transport
	if *dryRun {
		tr = channel.NewMemory(open)
	} else {
		tr, err = openTransport(ctx, cfg, open, log)
		if err != nil {
			return err
		}
	}
	defer tr.Close()

	h, err := vmm.New(vmm.Options{
		Runtime:  rt,
		Acker:    tr,
		VCPU:     cfg.VCPU(),
		Bindings: cfg.Bindings(),
		Logger:   log,
	})
	if err != nil {
		return err
	}
	if err := h.Boot(layout); err != nil {
		return err
	}
	if *dryRun {
		log.Info("dry run complete", "entry_pc", fmt.Sprintf("%#x", h.VCPU().EntryPC))
		return nil
	}
	return h.Run(ctx, tr)
}

func openRuntime(cfg *config.Config, dryRun bool, log *slog.Logger) (hv.Runtime, func(), error) {
	if cfg.LibVMM != "" && !dryRun {
		rt, err := native.Open(cfg.LibVMM, log)
		if err != nil {
			return nil, nil, fmt.Errorf("open libvmm: %w", err)
		}
		log.Info("using libvmm runtime", "path", cfg.LibVMM)
		return rt, func() { rt.Close() }, nil
	}
	rt, err := soft.New(soft.Config{
		RAMBase:         uint64(cfg.Guest.RAMBase),
		RAMSize:         uint64(cfg.Guest.RAMSize),
		NumVCPUs:        cfg.Guest.VCPU + 1,
		DistributorBase: uint64(cfg.Guest.DistributorBase),
		Logger:          log,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create software runtime: %w", err)
	}
	log.Info("using software runtime", "ram_base", cfg.Guest.RAMBase, "ram_size", cfg.Guest.RAMSize)
	return rt, func() {}, nil
}

func openTransport(ctx context.Context, cfg *config.Config, open channel.Set, log *slog.Logger) (transport, error) {
	switch cfg.Transport.Kind {
	case config.TransportEventFD:
		e, err := channel.OpenEventFD(open)
		if err != nil {
			return nil, fmt.Errorf("open eventfd transport: %w", err)
		}
		for _, ch := range open.Channels() {
			fd, _ := e.FD(ch)
			log.Info("channel eventfd", "channel", uint8(ch), "fd", fd)
		}
		return e, nil
	case config.TransportIPC:
		srv, err := ipc.NewServer(cfg.Transport.Socket, log)
		if err != nil {
			return nil, err
		}
		defer srv.Close()
		log.Info("waiting for transport peer", "socket", srv.SocketPath())
		conn, err := srv.AcceptOne(ctx, open)
		if err != nil {
			return nil, fmt.Errorf("accept transport peer: %w", err)
		}
		return conn, nil
	default:
		return channel.NewMemory(open), nil
	}
}

func loadImages(cfg *config.Config) (vmm.Layout, error) {
	kernel, err := readImage(cfg.Images.Kernel)
	if err != nil {
		return vmm.Layout{}, err
	}
	kernel, err = arm64.Decompress(kernel)
	if err != nil {
		return vmm.Layout{}, fmt.Errorf("kernel %s: %w", cfg.Images.Kernel, err)
	}
	var initrd []byte
	if cfg.Images.Initrd != "" {
		if initrd, err = readImage(cfg.Images.Initrd); err != nil {
			return vmm.Layout{}, err
		}
	}
	var dtb []byte
	if cfg.Images.DTB != "" {
		dtb, err = readImage(cfg.Images.DTB)
	} else {
		dtb, err = generateDeviceTree(cfg, len(initrd))
	}
	if err != nil {
		return vmm.Layout{}, err
	}
	return vmm.Layout{
		RAMBase: uint64(cfg.Guest.RAMBase),
		Kernel:  kernel,
		DTB:     dtb,
		Initrd:  initrd,
	}, nil
}

func generateDeviceTree(cfg *config.Config, initrdSize int) ([]byte, error) {
	board := fdt.VirtBoard{
		RAMBase:         uint64(cfg.Guest.RAMBase),
		RAMSize:         uint64(cfg.Guest.RAMSize),
		DistributorBase: uint64(cfg.Guest.DistributorBase),
		Bootargs:        cfg.Guest.Bootargs,
	}
	if initrdSize > 0 {
		board.InitrdStart = uint64(cfg.Guest.InitrdAddr)
		board.InitrdEnd = board.InitrdStart + uint64(initrdSize)
	}
	dtb, err := board.Build()
	if err != nil {
		return nil, fmt.Errorf("generate device tree: %w", err)
	}
	slog.Debug("generated device tree", "bytes", len(dtb), "bootargs", cfg.Guest.Bootargs)
	return dtb, nil
}

// readImage reads a guest image, showing progress when stderr is a terminal.
func readImage(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat image: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(int(info.Size()))
	var writer io.Writer = &buf
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.DefaultBytes(info.Size(), fmt.Sprintf("load %s", filepath.Base(path)))
		defer bar.Close()
		writer = io.MultiWriter(&buf, bar)
	}
	if _, err := io.Copy(writer, f); err != nil {
		return nil, fmt.Errorf("read image %s: %w", path, err)
	}
	return buf.Bytes(), nil
}
