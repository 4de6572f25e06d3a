// Command sealfs is the mount launcher: it loads configuration,
// derives the mount key from the user's passphrase, constructs the
// filesystem facade, and (when a mountpoint is given) attaches the
// plaintext view to the kernel through internal/fusebridge. Without a
// mountpoint it runs core-only, serving just the control socket.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sealfs/sealfs/config"
	"github.com/sealfs/sealfs/internal/configfile"
	"github.com/sealfs/sealfs/internal/contentenc"
	"github.com/sealfs/sealfs/internal/cryptocore"
	"github.com/sealfs/sealfs/internal/ctlsocksrv"
	"github.com/sealfs/sealfs/internal/exitcodes"
	"github.com/sealfs/sealfs/internal/fs"
	"github.com/sealfs/sealfs/internal/fusebridge"
	"github.com/sealfs/sealfs/internal/processhardening"
	"github.com/sealfs/sealfs/internal/secret"
	"github.com/sealfs/sealfs/internal/secretcache"
	"github.com/sealfs/sealfs/internal/speed"
	"github.com/sealfs/sealfs/internal/tlog"
)

const confFileName = "sealfs.conf"

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// stdinPassword is the default config.PasswordProvider. Real terminal
// echo suppression is password-prompting UX and belongs to a real
// front-end; this reads one line from stdin, which is
// enough for the launcher to exercise config.PasswordProvider.
type stdinPassword struct {
	prompt string
}

func (s stdinPassword) GetPassword() ([]byte, error) {
	fmt.Fprint(os.Stderr, s.prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

func main() {
	root := &cobra.Command{
		Use:   "sealfs",
		Short: "Encrypted userspace filesystem core",
	}
	root.AddCommand(newInitCommand(), newMountCommand(), newSpeedCommand())
	if err := root.Execute(); err != nil {
		tlog.Fatal.Println(err)
		os.Exit(exitcodes.Usage)
	}
}

func newInitCommand() *cobra.Command {
	var logN int
	var argon2id bool
	cmd := &cobra.Command{
		Use:   "init DATA_DIR",
		Short: "Initialize a new encrypted data directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir := args[0]
			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				tlog.Fatal.Printf("init: %v", err)
				os.Exit(exitcodes.CipherDir)
			}
			pw, err := (stdinPassword{prompt: "New password: "}).GetPassword()
			if err != nil {
				tlog.Fatal.Printf("init: reading password: %v", err)
				os.Exit(exitcodes.PasswordWrong)
			}
			err = configfile.Create(&configfile.CreateArgs{
				Filename:     dataDir + "/" + confFileName,
				Password:     pw,
				Creator:      "sealfs",
				LogN:         logN,
				Argon2id:     argon2id,
				FilenameAuth: true,
			})
			wipeBytes(pw)
			if err != nil {
				tlog.Fatal.Printf("init: %v", err)
				os.Exit(exitcodes.LoadConf)
			}
			tlog.Info.Printf("init: created %s", dataDir+"/"+confFileName)
			return nil
		},
	}
	cmd.Flags().IntVar(&logN, "logN", 16, "scrypt CPU/memory cost parameter")
	cmd.Flags().BoolVar(&argon2id, "argon2id", true, "derive the key-encryption key with Argon2id")
	return cmd
}

func newSpeedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "speed",
		Short: "Benchmark the available AEAD backends",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			speed.Run()
		},
	}
}

func newMountCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "mount DATA_DIR",
		Short: "Derive the mount key and construct the filesystem facade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v.Set("data_dir", args[0])
			return runMount(v)
		},
	}
	flags := cmd.Flags()
	flags.String("tmp_dir", "", "scratch directory for in-place rewrites")
	flags.String("cipher", string(config.ChaCha20Poly1305), "chacha20poly1305 | aes256gcm | auto")
	flags.Bool("allow_root", false, "allow root to access the mount (adapter-enforced)")
	flags.Bool("allow_other", false, "allow other users to access the mount (adapter-enforced)")
	flags.Bool("read_only", false, "mount read-only (adapter-enforced)")
	flags.Bool("direct_io", false, "hint the adapter to bypass the page cache")
	flags.String("ctl_sock", "", "path for the control socket; empty disables it")
	flags.String("mountpoint", "", "directory to attach the plaintext FUSE view to; empty runs core-only")
	_ = v.BindPFlags(flags)
	return cmd
}

func runMount(v *viper.Viper) error {
	cfg, err := config.Load("", v)
	if err != nil {
		tlog.Fatal.Println(err)
		os.Exit(exitcodes.LoadConf)
	}
	cfg.PasswordProvider = stdinPassword{prompt: "Password: "}

	ph := processhardening.New()
	ph.HardenProcess()
	defer ph.Disable()

	cf, err := configfile.Load(cfg.DataDir + "/" + confFileName)
	if err != nil {
		tlog.Fatal.Printf("loading %s: %v", confFileName, err)
		os.Exit(exitcodes.LoadConf)
	}
	pw, err := cfg.PasswordProvider.GetPassword()
	if err != nil {
		tlog.Fatal.Printf("reading password: %v", err)
		os.Exit(exitcodes.PasswordWrong)
	}
	kek, err := cf.DeriveKEK(pw)
	wipeBytes(pw)
	if err != nil {
		tlog.Fatal.Printf("deriving key-encryption key: %v", err)
		os.Exit(exitcodes.LoadConf)
	}
	kekKey := secret.New(kek)
	wipeBytes(kek)
	defer kekKey.Wipe()

	// The unwrapped master key lives in the secret cache: resident for
	// KeyCacheTTL after last use, kept alive past that only while some
	// holder still uses it, wiped the instant neither is true. Only the
	// key-encryption key stays resident (in locked memory), and each
	// cache miss re-unwraps the master key from the sealed config file.
	keyCache := secretcache.New(func(ctx context.Context) ([]byte, error) {
		var mk []byte
		var kerr error
		kekKey.Reveal(func(k []byte) { mk, kerr = cf.UnwrapMasterKey(k) })
		return mk, kerr
	}, cfg.KeyCacheTTL, func(v *[]byte) { wipeBytes(*v) })
	defer keyCache.Clear()

	keyHolder, err := keyCache.Get(context.Background())
	if err != nil {
		tlog.Fatal.Printf("wrong password or corrupt config: %v", err)
		os.Exit(exitcodes.PasswordWrong)
	}

	backend, err := cfg.Cipher.Backend()
	if err != nil {
		tlog.Fatal.Println(err)
		os.Exit(exitcodes.LoadConf)
	}

	cc, err := cryptocore.New(*keyHolder.Value(), backend)
	if err != nil {
		keyHolder.Release()
		tlog.Fatal.Printf("constructing cipher: %v", err)
		os.Exit(exitcodes.Mount)
	}
	engine := contentenc.NewEngine(cc, contentenc.DefaultBS)
	filesystem, err := fs.New(cfg.DataDir, cfg.TmpDir, engine, keyCache, cfg.CoalesceWindow)
	keyHolder.Release()
	if err != nil {
		tlog.Fatal.Printf("constructing filesystem: %v", err)
		os.Exit(exitcodes.Mount)
	}

	if cfg.CtlSock != "" {
		ln, lerr := ctlsocksrv.Listen(cfg.CtlSock)
		if lerr != nil {
			tlog.Fatal.Printf("control socket: %v", lerr)
			os.Exit(exitcodes.ControlSocket)
		}
		go ctlsocksrv.Serve(ln, filesystem)
		defer ln.Close()
	}

	if cfg.Mountpoint != "" {
		server, merr := fusebridge.Mount(cfg.Mountpoint, filesystem, &fusebridge.Options{
			AllowRoot:  cfg.AllowRoot,
			AllowOther: cfg.AllowOther,
			ReadOnly:   cfg.ReadOnly,
			DirectIO:   cfg.DirectIO,
			FsName:     cfg.DataDir,
		})
		if merr != nil {
			tlog.Fatal.Printf("mounting on %s: %v", cfg.Mountpoint, merr)
			os.Exit(exitcodes.Mount)
		}
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sig
			tlog.Info.Println("sealfs: unmounting")
			if uerr := server.Unmount(); uerr != nil {
				tlog.Warn.Printf("unmount: %v (try fusermount -u %s)", uerr, cfg.Mountpoint)
			}
		}()
		server.Wait()
		return nil
	}

	tlog.Info.Printf("sealfs: data_dir=%s cipher=%s ready (no mountpoint given; core only)", cfg.DataDir, backend)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	tlog.Info.Println("sealfs: shutting down")
	return nil
}
