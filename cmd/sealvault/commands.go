package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/bitfsorg/sealvault/audit"
	"github.com/bitfsorg/sealvault/registry"
	"github.com/bitfsorg/sealvault/storage"
	"github.com/bitfsorg/sealvault/vault"
)

const dateLayout = "2006-01-02"

var errUsage = errors.New("invalid arguments")

func commandNames() []string {
	names := make([]string, 0, len(usages))
	for name := range usages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// parse parses a subcommand's flags and checks its positional argument
// count lies in [min, max].
func parse(fs *flag.FlagSet, args []string, min, max int) error {
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%s: %w", fs.Name(), err)
	}
	if n := fs.NArg(); n < min || n > max {
		return fmt.Errorf("%w: usage: sealvault %s", errUsage, usages[fs.Name()])
	}
	return nil
}

func cmdUserAdd(_ context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("useradd", flag.ContinueOnError)
	quotaBytes := fs.Int64("quota", e.cfg.DefaultQuota, "quota in bytes")
	if err := parse(fs, args, 1, 1); err != nil {
		return err
	}
	p, err := e.v.RegisterPrincipal(fs.Arg(0), *quotaBytes)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "registered %s with quota %d\n", p.ID, p.Quota)
	return nil
}

func cmdSetQuota(_ context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("setquota", flag.ContinueOnError)
	if err := parse(fs, args, 2, 2); err != nil {
		return err
	}
	n, err := strconv.ParseInt(fs.Arg(1), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: quota %q", errUsage, fs.Arg(1))
	}
	p, err := e.v.SetQuota(fs.Arg(0), n)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "%s quota %d used %d\n", p.ID, p.Quota, p.Used)
	return nil
}

func cmdSetKey(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("setkey", flag.ContinueOnError)
	secret := fs.String("secret", "", "raw secret")
	if err := parse(fs, args, 0, 0); err != nil {
		return err
	}
	if err := e.v.SetKey(ctx, e.caller, *secret); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "key set for %s\n", e.caller.Principal)
	return nil
}

func cmdRotate(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("rotate", flag.ContinueOnError)
	oldSecret := fs.String("old", "", "current secret, verified before rotating")
	newSecret := fs.String("new", "", "new secret")
	if err := parse(fs, args, 0, 0); err != nil {
		return err
	}

	var old *string
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "old" {
			old = oldSecret
		}
	})

	report, err := e.v.RotateKey(ctx, e.caller, old, *newSecret)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "%s: %d re-sealed, %d failed, key %s\n",
		report.State, report.Succeeded, len(report.Failed), report.KeyID)
	for _, f := range report.Failed {
		fmt.Fprintf(e.stdout, "  %s %s: %s\n", f.FileID, f.Name, f.Reason)
	}
	if report.State != vault.RotationCompleted {
		return fmt.Errorf("rotation %s", report.State)
	}
	return nil
}

func cmdPut(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	name := fs.String("name", "", "display name (default: file base name)")
	contentType := fs.String("type", "", "content type")
	if err := parse(fs, args, 1, 1); err != nil {
		return err
	}

	src := fs.Arg(0)
	var (
		data []byte
		err  error
	)
	if src == "-" {
		data, err = io.ReadAll(io.LimitReader(e.stdin, e.cfg.MaxUpload+1))
	} else {
		data, err = os.ReadFile(src)
		if *name == "" {
			*name = filepath.Base(src)
		}
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}

	entry, err := e.v.Store(ctx, e.caller, data, *name, *contentType)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "%s %s %d\n", entry.ID, entry.Digest, entry.Size)
	return nil
}

func cmdRef(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("ref", flag.ContinueOnError)
	name := fs.String("name", "", "display name")
	contentType := fs.String("type", "", "content type")
	if err := parse(fs, args, 1, 1); err != nil {
		return err
	}
	d, err := storage.ParseDigest(fs.Arg(0))
	if err != nil {
		return err
	}
	entry, err := e.v.Reference(ctx, e.caller, d, *name, *contentType)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "%s %s %d\n", entry.ID, entry.Digest, entry.Size)
	return nil
}

func cmdExists(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("exists", flag.ContinueOnError)
	if err := parse(fs, args, 1, 1); err != nil {
		return err
	}
	d, err := storage.ParseDigest(fs.Arg(0))
	if err != nil {
		return err
	}
	ok, err := e.v.HashExists(ctx, d)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, ok)
	return nil
}

func cmdGet(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	out := fs.String("o", "", "output file (default stdout)")
	if err := parse(fs, args, 1, 1); err != nil {
		return err
	}
	data, _, err := e.v.Fetch(ctx, e.caller, fs.Arg(0))
	if err != nil {
		return err
	}
	if *out != "" {
		return os.WriteFile(*out, data, 0600)
	}
	_, err = e.stdout.Write(data)
	return err
}

func cmdRm(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("rm", flag.ContinueOnError)
	if err := parse(fs, args, 1, 1); err != nil {
		return err
	}
	return e.v.Delete(ctx, e.caller, fs.Arg(0))
}

func cmdLs(_ context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("ls", flag.ContinueOnError)
	var f registry.Filter
	fs.StringVar(&f.Name, "name", "", "name contains")
	fs.StringVar(&f.ContentType, "type", "", "content type contains")
	fs.Int64Var(&f.MinSize, "min", 0, "minimum size in bytes")
	fs.Int64Var(&f.MaxSize, "max", 0, "maximum size in bytes")
	fs.BoolVar(&f.SealedOnly, "sealed", false, "only sealed files")
	from := fs.String("from", "", "created on or after date (YYYY-MM-DD)")
	to := fs.String("to", "", "created on or before date (YYYY-MM-DD)")
	if err := parse(fs, args, 0, 0); err != nil {
		return err
	}
	var err error
	if f.From, err = parseDate(*from); err != nil {
		return err
	}
	if f.To, err = parseDate(*to); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSIZE\tTYPE\tENCODING\tCREATED")
	for entry, err := range e.v.List(e.caller, f) {
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			entry.ID, entry.Name, entry.Size, entry.ContentType, entry.Encoding,
			entry.CreatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(dateLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q", errUsage, s)
	}
	return t, nil
}

func cmdUsage(_ context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("usage", flag.ContinueOnError)
	if err := parse(fs, args, 0, 1); err != nil {
		return err
	}
	id := e.caller.Principal
	if fs.NArg() == 1 {
		id = fs.Arg(0)
	}
	u, err := e.v.Usage(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "%s used %d of %d (%.1f%%), %d available\n", id, u.Used, u.Quota, u.Percentage, u.Available)
	return nil
}

func cmdReconcile(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	if err := parse(fs, args, 0, 1); err != nil {
		return err
	}
	drifts, err := e.v.Reconcile(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	for _, d := range drifts {
		mark := ""
		if d.Changed() {
			mark = " (corrected)"
		}
		fmt.Fprintf(e.stdout, "%s %d -> %d%s\n", d.Principal, d.Before, d.After, mark)
	}
	return nil
}

func cmdVerify(_ context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	if err := parse(fs, args, 0, 0); err != nil {
		return err
	}
	c, err := e.v.Verify()
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "checked %d blobs\n", c.Storage.Checked)
	for _, d := range c.Storage.Missing {
		fmt.Fprintf(e.stdout, "missing bytes %s\n", d)
	}
	for _, d := range c.Storage.Orphans {
		fmt.Fprintf(e.stdout, "orphan bytes %s\n", d)
	}
	for _, m := range c.RefMismatch {
		fmt.Fprintf(e.stdout, "refcount %s: recorded %d, entries %d\n", m.Key, m.Recorded, m.Entries)
	}
	if !c.OK() {
		return errors.New("inconsistencies found")
	}
	return nil
}

func cmdLog(_ context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("log", flag.ContinueOnError)
	fileID := fs.String("file", "", "only events for this file")
	limit := fs.Int("n", 50, "maximum events (0 for all)")
	if err := parse(fs, args, 0, 0); err != nil {
		return err
	}

	match := audit.ForPrincipal(e.caller.Principal)
	if *fileID != "" {
		match = audit.ForFile(*fileID)
	} else if e.caller.Principal == "" {
		match = nil
	}
	events, err := e.v.AuditLog().List(match, *limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tPRINCIPAL\tACTION\tFILE\tFROM")
	for _, ev := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			ev.Time.Local().Format(time.DateTime), ev.Principal, ev.Action, ev.FileID, ev.RemoteAddr)
	}
	return tw.Flush()
}
