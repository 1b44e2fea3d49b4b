// sealvault is the operator command for a local vault.
//
// Usage:
//
//	sealvault [-datadir dir] [-user id] <command> [flags] [args]
//
// Commands:
//
//	useradd   register a principal
//	setquota  change a principal's quota
//	setkey    give a principal its first key
//	rotate    re-seal a principal's files under a new key
//	put       store a file
//	ref       create a file from a digest already stored
//	exists    report whether a digest can be referenced
//	get       write a file's content to stdout or -o
//	rm        delete a file
//	ls        list files, newest first
//	usage     show quota and usage
//	reconcile recompute usage from the registry
//	verify    check the index against the blobs and the registry
//	log       show audit events
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitfsorg/sealvault/config"
	"github.com/bitfsorg/sealvault/vault"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "sealvault: %v\n", err)
		os.Exit(1)
	}
}

// env is what every command runs with.
type env struct {
	cfg    config.Config
	v      *vault.Vault
	caller vault.Caller
	stdin  io.Reader
	stdout io.Writer
}

var commands = map[string]func(ctx context.Context, e *env, args []string) error{
	"useradd":   cmdUserAdd,
	"setquota":  cmdSetQuota,
	"setkey":    cmdSetKey,
	"rotate":    cmdRotate,
	"put":       cmdPut,
	"ref":       cmdRef,
	"exists":    cmdExists,
	"get":       cmdGet,
	"rm":        cmdRm,
	"ls":        cmdLs,
	"usage":     cmdUsage,
	"reconcile": cmdReconcile,
	"verify":    cmdVerify,
	"log":       cmdLog,
}

var usages = map[string]string{
	"useradd":   "useradd [-quota bytes] <principal>",
	"setquota":  "setquota <principal> <bytes>",
	"setkey":    "setkey -secret s",
	"rotate":    "rotate [-old s] -new s",
	"put":       "put [-name n] [-type t] <file|->",
	"ref":       "ref -name n [-type t] <digest>",
	"exists":    "exists <digest>",
	"get":       "get [-o file] <file-id>",
	"rm":        "rm <file-id>",
	"ls":        "ls [-name s] [-type s] [-min n] [-max n] [-from date] [-to date] [-sealed]",
	"usage":     "usage [principal]",
	"reconcile": "reconcile [principal]",
	"verify":    "verify",
	"log":       "log [-file id] [-n limit]",
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("sealvault", flag.ContinueOnError)
	dataDir := fs.String("datadir", config.DefaultDataDir(), "vault data directory")
	user := fs.String("user", os.Getenv("SEALVAULT_USER"), "principal the command acts as")
	fs.Usage = func() { printUsage(fs.Output()) }
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		printUsage(fs.Output())
		return flag.ErrHelp
	}

	name := fs.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		printUsage(fs.Output())
		return fmt.Errorf("unknown command %q", name)
	}

	cfg, err := loadConfig(*dataDir)
	if err != nil {
		return err
	}
	logger, logCloser, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	master, err := cfg.NewMasterKey()
	if err != nil {
		return err
	}

	v, err := vault.Open(vault.Options{
		DataDir:   cfg.DataDir,
		MasterKey: master,
		MaxUpload: cfg.MaxUpload,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer v.Close()

	e := &env{
		cfg:    cfg,
		v:      v,
		caller: vault.Caller{Principal: *user, UserAgent: "sealvault-cli"},
		stdin:  stdin,
		stdout: stdout,
	}
	return cmd(ctx, e, fs.Args()[1:])
}

// loadConfig reads the config file in dataDir, falling back to defaults
// when there is none. The data directory given on the command line wins.
func loadConfig(dataDir string) (config.Config, error) {
	cfg, err := config.LoadConfig(config.ConfigPath(dataDir))
	switch {
	case errors.Is(err, config.ErrConfigNotFound):
		cfg = config.DefaultConfig()
		config.ApplyEnv(&cfg)
	case err != nil:
		return config.Config{}, err
	}
	cfg.DataDir = dataDir
	if err := config.ValidateConfig(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "Usage: sealvault [-datadir dir] [-user id] <command> [flags] [args]\n\nCommands:\n")
	for _, name := range commandNames() {
		fmt.Fprintf(w, "  %s\n", usages[name])
	}
}
