// Package cliapp wires flag parsing, entry-source selection, and output
// formatting into the single command filehash exposes: no subcommands,
// just a flag set and a list of paths (or tar bytes on stdin).
package cliapp

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/odinmay/filehash/internal/appconfig"
	"github.com/odinmay/filehash/internal/digestset"
	"github.com/odinmay/filehash/internal/entrypipeline"
	"github.com/odinmay/filehash/internal/resultsink"
	"github.com/odinmay/filehash/internal/statcache"
	"github.com/odinmay/filehash/internal/tarstream"
	"github.com/odinmay/filehash/internal/treewalk"
	fsutil "github.com/odinmay/filehash/pkg/fsutil"
)

const usageText = `Usage: filehash [options] files

Options:
    -C : disable caching
    -L : follow symbolic links
    -r : process files recursively
    -s : script-friendly output
    -t : process tar archive from stdin
    -v : verbose output
    -h : print this help
    --version : print version and exit
`

// Run is filehash's single entry point. It never panics on bad input: flag
// and usage errors are reported on errOut and produce exit code 1.
func Run(in io.Reader, out, errOut io.Writer, args []string, env []string, sigCh <-chan os.Signal) int {
	fs := flag.NewFlagSet("filehash", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	noCache := fs.BoolP("no-cache", "C", false, "disable caching")
	follow := fs.BoolP("follow", "L", false, "follow symbolic links")
	recursive := fs.BoolP("recursive", "r", false, "process files recursively")
	script := fs.BoolP("script", "s", false, "script-friendly output")
	tarMode := fs.BoolP("tar", "t", false, "process tar archive from stdin")
	verbose := fs.BoolP("verbose", "v", false, "verbose output")
	help := fs.BoolP("help", "h", false, "print this help")
	version := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args[1:]); err != nil {
		fprintln(errOut, "error:", err)
		fprintln(errOut, usageText)

		return 1
	}

	if *help {
		fprintln(out, usageText)

		return 0
	}

	if *version {
		fprintln(out, versionString())

		return 0
	}

	paths := fs.Args()

	if len(paths) == 0 && !*tarMode {
		fprintln(errOut, usageText)

		return 1
	}

	if *recursive && len(paths) != 1 {
		fprintln(errOut, "error: -r requires exactly one path argument")

		return 1
	}

	if *tarMode && len(paths) != 0 {
		fprintln(errOut, "error: -t takes no path arguments")

		return 1
	}

	cfg, err := appconfig.Load(env)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	var cache *statcache.Cache

	if *noCache {
		cache = statcache.NewDisabled()
	} else {
		cache, err = statcache.New(cfg.CacheAppDir, fsutil.NewReal())
		if err != nil {
			fprintln(errOut, "error:", err)

			return 1
		}
	}

	app := &app{
		in: in, out: out, errOut: errOut,
		follow: *follow, script: *script, verbose: *verbose,
		cache: cache,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan int, 1)

	go func() {
		switch {
		case *tarMode:
			done <- app.runTar(ctx)
		case *recursive:
			done <- app.runRecursive(ctx, paths[0])
		default:
			done <- app.runFlatList(ctx, paths)
		}
	}()

	exitCode, ranToCompletion := waitForCompletion(done, sigCh, errOut, cancel)

	// A forced exit means the worker goroutine may still be running (and may
	// still be writing to the cache); flushing here would race it. Only the
	// ordinary completion path is safe to flush.
	if ranToCompletion {
		if flushErr := cache.Close(); flushErr != nil {
			fprintln(errOut, "error: cache close:", flushErr)

			if exitCode == 0 {
				exitCode = 1
			}
		}
	}

	return exitCode
}

func waitForCompletion(done chan int, sigCh <-chan os.Signal, errOut io.Writer, cancel context.CancelFunc) (code int, ranToCompletion bool) {
	select {
	case code := <-done:
		return code, true
	case <-sigCh:
		fprintln(errOut, "shutting down with 5s timeout...")
		cancel()
	}

	select {
	case <-done:
		return 130, true
	case <-time.After(5 * time.Second):
		fprintln(errOut, "graceful shutdown timed out, forced exit (130)")

		return 130, false
	case <-sigCh:
		fprintln(errOut, "graceful shutdown interrupted, forced exit (130)")

		return 130, false
	}
}

func versionString() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "filehash dev"
	}

	return "filehash " + info.Main.Version
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

type app struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	follow  bool
	script  bool
	verbose bool

	cache *statcache.Cache
}

// runFlatList hashes each path argument independently, fanning out across
// up to GOMAXPROCS entries concurrently but buffering each entry's lines by
// its original argument index so output order matches argument order.
func (a *app) runFlatList(ctx context.Context, paths []string) int {
	outputs := make([][]string, len(paths))
	perPathErr := make([]error, len(paths))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i, p := range paths {
		i, p := i, p

		g.Go(func() error {
			lines, err := a.hashOnePath(p, i)
			outputs[i] = lines
			perPathErr[i] = err

			return nil
		})
	}

	_ = g.Wait()

	errCount := 0

	for i, lines := range outputs {
		if perPathErr[i] != nil {
			fprintln(a.errOut, "error:", perPathErr[i])
			errCount++

			continue
		}

		for _, l := range lines {
			io.WriteString(a.out, l)
		}
	}

	if errCount > 0 {
		return 1
	}

	return 0
}

func (a *app) hashOnePath(p string, index int) ([]string, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", p, err)
	}
	defer f.Close()

	fp, err := entrypipeline.FingerprintFromFile(f)
	if err != nil {
		return nil, fmt.Errorf("stat %q: %w", p, err)
	}

	canon, err := filepath.Abs(p)
	if err != nil {
		canon = p
	}

	ident := entrypipeline.Identity{
		Path: p, Type: 'F', HasSize: true,
		CanonicalPath: canon, CacheStat: &fp,
	}

	res := entrypipeline.Process(a.cache, digestset.All, ident, entrypipeline.FDSource(f))
	if res.Err != nil {
		return nil, res.Err
	}

	identifier := p
	if a.script {
		identifier = resultsink.ScriptIndex(index)
	}

	lines := make([]string, 0, len(res.Hashes))

	for _, h := range res.Hashes {
		lines = append(lines, flatLine(h.Name, h.Sum, identifier))

		if a.verbose {
			fprintln(a.errOut, fmt.Sprintf("%s: %.3fs", h.Name, h.CPUTime.Seconds()))
		}
	}

	return lines, nil
}

func flatLine(name string, sum []byte, identifier string) string {
	var w writerBuf

	_ = resultsink.WriteFlatLine(&w, name, hex.EncodeToString(sum), identifier)

	return w.String()
}

// runRecursive walks root depth-first and emits a structured document.
func (a *app) runRecursive(ctx context.Context, root string) int {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		fprintln(a.errOut, "error:", err)

		return 1
	}

	w := treewalk.New(absRoot)
	w.SetFollow(a.follow)

	var entries []resultsink.Entry

	errCount := 0

	for {
		select {
		case <-ctx.Done():
			return 130
		default:
		}

		ok, err := w.Next()
		if err != nil {
			fprintln(a.errOut, "error:", err)

			return 1
		}

		if !ok {
			break
		}

		cur := w.Current()

		entry, entryErr := a.processWalkEntry(absRoot, cur)
		if entryErr != nil {
			fprintln(a.errOut, "error:", entryErr)
			errCount++

			continue
		}

		entries = append(entries, entry)
	}

	if err := resultsink.WriteStructured(a.out, entries); err != nil {
		fprintln(a.errOut, "error:", err)

		return 1
	}

	if errCount > 0 {
		return 1
	}

	return 0
}

func (a *app) processWalkEntry(absRoot string, cur *treewalk.Entry) (resultsink.Entry, error) {
	ident := entrypipeline.Identity{
		Path:      cur.Path,
		Type:      byte(cur.Type),
		HasTarget: cur.Type == treewalk.TypeSymlink,
		Target:    cur.Target,
		Mtime:     cur.Mtime,
		Mode:      cur.Mode,
	}

	var src io.Reader

	if cur.Type == treewalk.TypeRegular && cur.Fd != nil {
		defer cur.Fd.Close()

		ident.HasSize = true
		ident.Size = cur.Size

		fp, err := entrypipeline.FingerprintFromFile(cur.Fd)
		if err != nil {
			return resultsink.Entry{}, err
		}

		ident.CanonicalPath = filepath.Join(absRoot, cur.Path)
		ident.CacheStat = &fp
		src = entrypipeline.FDSource(cur.Fd)
	}

	res := entrypipeline.Process(a.cache, digestset.All, ident, src)
	if res.Err != nil {
		return resultsink.Entry{}, res.Err
	}

	if a.verbose {
		for _, h := range res.Hashes {
			fprintln(a.errOut, fmt.Sprintf("%s: %.3fs", h.Name, h.CPUTime.Seconds()))
		}
	}

	return entrypipeline.ToEntry(ident, res.Hashes), nil
}

// runTar streams a tar archive from stdin member-by-member. Directory and
// other non-regular members are still emitted (no hash object); regular
// file members are hashed, with no cache participation (tar members have no
// durable inode identity).
func (a *app) runTar(ctx context.Context) int {
	r := tarstream.New(a.in)

	var entries []resultsink.Entry

	errCount := 0

	for {
		select {
		case <-ctx.Done():
			return 130
		default:
		}

		member, err := r.Next()
		if err != nil {
			if err == io.EOF {
				break
			}

			fprintln(a.errOut, "error:", err)

			return 1
		}

		entry, entryErr := a.processTarMember(r, member)
		if entryErr != nil {
			fprintln(a.errOut, "error:", entryErr)
			errCount++

			continue
		}

		entries = append(entries, entry)
	}

	if err := resultsink.WriteStructured(a.out, entries); err != nil {
		fprintln(a.errOut, "error:", err)

		return 1
	}

	if errCount > 0 {
		return 1
	}

	return 0
}

func (a *app) processTarMember(r *tarstream.Reader, member *tarstream.Member) (resultsink.Entry, error) {
	ident := entrypipeline.Identity{
		Path:      member.Name,
		Type:      byte(member.Type),
		HasTarget: member.Type == tarstream.TypeSymlink,
		Target:    member.Target,
		Mtime:     member.Mtime,
		Mode:      member.Mode,
	}

	var src io.Reader

	if member.Type == tarstream.TypeRegular {
		ident.HasSize = true
		ident.Size = member.Size
		src = entrypipeline.TarSource(r)
	}

	res := entrypipeline.Process(a.cache, digestset.All, ident, src)
	if res.Err != nil {
		return resultsink.Entry{}, res.Err
	}

	return entrypipeline.ToEntry(ident, res.Hashes), nil
}

type writerBuf struct {
	data []byte
}

func (w *writerBuf) Write(p []byte) (int, error) {
	w.data = append(w.data, p...)

	return len(p), nil
}

func (w *writerBuf) String() string { return string(w.data) }
