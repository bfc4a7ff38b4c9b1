// visor is a CLI for the device-emulation side of the hypervisor: it
// exercises disk images against the virtio block device end to end,
// emits the platform device tree, and assembles initrds.
package main

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/c35s/visor/boot"
	"github.com/c35s/visor/fdt"
	"github.com/c35s/visor/guest"
	"github.com/c35s/visor/platform"
	"github.com/c35s/visor/virtio"
	"github.com/c35s/visor/virtio/blkdrv"
	"github.com/c35s/visor/virtio/mmio"
	"github.com/c35s/visor/vmm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// MachineConfig is the YAML description of a machine.
type MachineConfig struct {
	MemMiB  int          `yaml:"memory_mib"`
	Cmdline string       `yaml:"cmdline"`
	Kernel  string       `yaml:"kernel"`
	Initrd  string       `yaml:"initrd"`
	Disks   []DiskConfig `yaml:"disks"`
}

// DiskConfig describes one virtio-blk slot. Path and URL are mutually
// exclusive; URL-backed disks are always read-only.
type DiskConfig struct {
	Path     string `yaml:"path"`
	URL      string `yaml:"url"`
	ReadOnly bool   `yaml:"read_only"`
	Serial   string `yaml:"serial"`
}

var (
	verbose     bool
	machinePath string
)

var rootCmd = &cobra.Command{
	Use:          "visor",
	Short:        "Poke at the hypervisor's device model from the host",
	Version:      "0.1.0",
	SilenceUsage: true,

	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var checkCmd = &cobra.Command{
	Use:   "check [images...]",
	Short: "Exercise disk images against the virtio block device",
	Long: `Check builds a VM around each disk image, attaches the reference
block driver, and sweeps every sector through the virtio transport.
Images are taken from the arguments, or from the machine config when
no arguments are given. A kernel and initrd named in the machine
config are loaded into each VM first. With --rw, sector 0 is also
rewritten in place and read back.`,

	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCheck(args)
	},
}

var fdtCmd = &cobra.Command{
	Use:   "fdt",
	Short: "Emit the guest's flattened device tree",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFDT()
	},
}

var mkinitrdCmd = &cobra.Command{
	Use:   "mkinitrd dir",
	Short: "Build a gzip-compressed cpio initrd from a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMkinitrd(args[0])
	},
}

var (
	checkRW   bool
	checkJobs int
	fdtOut    string
	initrdOut string
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&machinePath, "config", "c", "", "machine config file")

	checkCmd.Flags().BoolVar(&checkRW, "rw", false, "rewrite sector 0 in place and read it back")
	checkCmd.Flags().IntVarP(&checkJobs, "jobs", "j", 4, "check up to this many images at once")

	fdtCmd.Flags().StringVarP(&fdtOut, "out", "o", "-", "output file, - for stdout")
	mkinitrdCmd.Flags().StringVarP(&initrdOut, "out", "o", "initrd.cpio.gz", "output file")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(fdtCmd)
	rootCmd.AddCommand(mkinitrdCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogging installs a text handler on terminals and a JSON handler
// when stderr is redirected.
func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	}
}

func loadMachine() (cfg MachineConfig, err error) {
	if machinePath != "" {
		data, err := os.ReadFile(machinePath)
		if err != nil {
			return cfg, err
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", machinePath, err)
		}
	}

	if cfg.MemMiB == 0 {
		cfg.MemMiB = vmm.MemSizeDefault >> 20
	}

	return cfg, nil
}

func runCheck(args []string) error {
	cfg, err := loadMachine()
	if err != nil {
		return err
	}

	disks := cfg.Disks
	if len(args) > 0 {
		disks = nil
		for _, a := range args {
			disks = append(disks, diskFromArg(a))
		}
	}

	if len(disks) == 0 {
		return fmt.Errorf("nothing to check: no images given and no disks in the machine config")
	}

	var g errgroup.Group
	g.SetLimit(checkJobs)

	for _, dc := range disks {
		dc := dc
		g.Go(func() error {
			if err := checkDisk(cfg, dc); err != nil {
				return fmt.Errorf("%s: %w", dc.name(), err)
			}

			return nil
		})
	}

	return g.Wait()
}

// checkDisk runs one image through the whole stack: a fresh VM, the
// mmio transport, the block device, and the reference driver. A kernel
// and initrd named in the machine config are loaded into the VM.
func checkDisk(cfg MachineConfig, dc DiskConfig) error {
	start := time.Now()

	storage, ro, cleanup, err := openStorage(dc)
	if err != nil {
		return err
	}

	defer cleanup()

	loader, closeLoader, err := openLoader(cfg)
	if err != nil {
		return err
	}

	defer closeLoader()

	m, err := vmm.New(vmm.Config{
		MemSize: cfg.MemMiB << 20,
		Loader:  loader,
		Devices: []virtio.DeviceConfig{
			&virtio.Block{
				ReadOnly: ro,
				Serial:   dc.Serial,
				Storage:  storage,
			},
		},
	})

	if err != nil {
		return err
	}

	defer m.Close()

	disk, err := blkdrv.Attach(m, 0)
	if err != nil {
		return err
	}

	defer disk.Close()

	serial, err := disk.ID()
	if err != nil {
		return err
	}

	// sweep every sector through the transport
	const sweepSectors = 64
	buf := make([]byte, sweepSectors*512)

	for sector := uint64(0); sector < disk.Capacity(); sector += sweepSectors {
		n := min(uint64(sweepSectors), disk.Capacity()-sector)
		if err := disk.Read(sector, buf[:n*512]); err != nil {
			return fmt.Errorf("sector %d: %w", sector, err)
		}
	}

	if checkRW && !disk.ReadOnly() && disk.Capacity() > 0 {
		if err := rewriteSector0(disk); err != nil {
			return err
		}
	}

	slog.Info("disk ok",
		"image", dc.name(),
		"serial", serial,
		"sectors", disk.Capacity(),
		"read_only", disk.ReadOnly(),
		"elapsed", time.Since(start).Round(time.Millisecond))

	return nil
}

// rewriteSector0 writes sector 0's own content back and verifies the
// round trip, leaving the image unchanged.
func rewriteSector0(disk *blkdrv.Disk) error {
	var before, after [512]byte
	if err := disk.Read(0, before[:]); err != nil {
		return err
	}

	if err := disk.Write(0, before[:]); err != nil {
		return err
	}

	if err := disk.Read(0, after[:]); err != nil {
		return err
	}

	if before != after {
		return fmt.Errorf("sector 0 changed across a rewrite")
	}

	return nil
}

// openStorage resolves a disk config to block storage. File-backed
// disks are locked for the duration of the check.
func openStorage(dc DiskConfig) (storage virtio.BlockStorage, ro bool, cleanup func(), err error) {
	if dc.URL != "" {
		return &virtio.HTTPStorage{URL: dc.URL}, true, func() {}, nil
	}

	flag, how := os.O_RDWR, unix.LOCK_EX
	if dc.ReadOnly {
		flag, how = os.O_RDONLY, unix.LOCK_SH
	}

	f, err := os.OpenFile(dc.Path, flag, 0)
	if err != nil {
		return nil, false, nil, err
	}

	if err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, false, nil, fmt.Errorf("lock %s: %w", dc.Path, err)
	}

	return &virtio.FileStorage{File: f}, dc.ReadOnly, func() { f.Close() }, nil
}

// openLoader builds a boot loader from the machine config. The cleanup
// func closes the kernel and initrd files: the loader reads both to the
// end during load, so it is safe to run once vmm.New has returned.
func openLoader(cfg MachineConfig) (ld *boot.Loader, cleanup func(), err error) {
	if cfg.Kernel == "" {
		if cfg.Initrd != "" {
			return nil, nil, fmt.Errorf("machine config names an initrd but no kernel")
		}

		return nil, func() {}, nil
	}

	k, err := os.Open(cfg.Kernel)
	if err != nil {
		return nil, nil, err
	}

	ld = &boot.Loader{Kernel: k, Cmdline: cfg.Cmdline}
	cleanup = func() { k.Close() }

	if cfg.Initrd != "" {
		i, err := os.Open(cfg.Initrd)
		if err != nil {
			k.Close()
			return nil, nil, err
		}

		ld.Initrd = i
		cleanup = func() {
			i.Close()
			k.Close()
		}
	}

	return ld, cleanup, nil
}

func runFDT() error {
	cfg, err := loadMachine()
	if err != nil {
		return err
	}

	blob, info, err := buildFDT(cfg)
	if err != nil {
		return err
	}

	if info != nil {
		slog.Info("boot placement",
			"kernel", fmt.Sprintf("%#x", info.KernelAddr),
			"dtb", fmt.Sprintf("%#x", info.DTBAddr),
			"initrd", fmt.Sprintf("%#x", info.InitrdAddr),
			"initrd_bytes", info.InitrdSize)
	}

	if fdtOut == "-" {
		_, err := os.Stdout.Write(blob)
		return err
	}

	if err := os.WriteFile(fdtOut, blob, 0644); err != nil {
		return err
	}

	slog.Info("wrote device tree", "path", fdtOut, "bytes", len(blob))
	return nil
}

// buildFDT emits the guest device tree for a machine config. Without a
// kernel the tree is the static platform description and boot info is
// nil. With one, the boot loader runs against scratch memory and the
// tree is read back just as a boot would place it, so the chosen node
// pins the real initrd range.
func buildFDT(cfg MachineConfig) ([]byte, *boot.Info, error) {
	devs := make([]mmio.DeviceInfo, len(cfg.Disks))
	for i := range devs {
		r, irq, err := platform.VirtioSlot(i)
		if err != nil {
			return nil, nil, err
		}

		devs[i] = mmio.DeviceInfo{
			Type: virtio.BlockDeviceID,
			IRQ:  irq,
			Addr: r.Base,
			Size: r.Size,
		}
	}

	if cfg.Kernel == "" {
		tree, err := platform.DeviceTree(platform.TreeConfig{
			MemSize:  uint64(cfg.MemMiB) << 20,
			Bootargs: cfg.Cmdline,
			Devices:  devs,
		})

		if err != nil {
			return nil, nil, err
		}

		blob, err := fdt.Build(tree)
		if err != nil {
			return nil, nil, err
		}

		return blob, nil, nil
	}

	ld, cleanup, err := openLoader(cfg)
	if err != nil {
		return nil, nil, err
	}

	defer cleanup()

	mem := guest.NewMem(platform.RAMBase, make([]byte, cfg.MemMiB<<20))
	info, err := ld.Load(mem, devs)
	if err != nil {
		return nil, nil, err
	}

	var hdr [8]byte
	if _, err := mem.ReadAt(hdr[:], int64(info.DTBAddr)); err != nil {
		return nil, nil, err
	}

	blob := make([]byte, binary.BigEndian.Uint32(hdr[4:]))
	if _, err := mem.ReadAt(blob, int64(info.DTBAddr)); err != nil {
		return nil, nil, err
	}

	return blob, info, nil
}

func runMkinitrd(dir string) error {
	out, err := os.Create(initrdOut)
	if err != nil {
		return err
	}

	if err := boot.BuildInitrd(out, os.DirFS(dir)); err != nil {
		out.Close()
		return err
	}

	if err := out.Close(); err != nil {
		return err
	}

	info, err := os.Stat(initrdOut)
	if err != nil {
		return err
	}

	slog.Info("wrote initrd", "path", initrdOut, "bytes", info.Size())
	return nil
}

// diskFromArg interprets a check argument as a URL or a file path.
func diskFromArg(arg string) DiskConfig {
	if u, err := url.Parse(arg); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return DiskConfig{URL: arg}
	}

	return DiskConfig{Path: arg}
}

func (dc DiskConfig) name() string {
	if dc.URL != "" {
		return dc.URL
	}

	return dc.Path
}
