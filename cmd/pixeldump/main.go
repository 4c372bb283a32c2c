// Command pixeldump decodes the pixel grid painted by the game addon into
// JSON snapshots and serves them over HTTP.
//
// Usage:
//
//	pixeldump -config pixeldump.yaml                 # serve (default)
//	pixeldump -capture shot.png serve                # serve snapshots of a capture file
//	pixeldump decode shot.png                        # decode one capture and exit
//	pixeldump -workers 8 batch captures/             # decode a directory and exit
//	pixeldump titles                                 # list stored titles
//	pixeldump export titles.json                     # export the title library
//	pixeldump import titles.json                     # merge a title library
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dustin/go-humanize"
	"github.com/hako/durafmt"
	"github.com/remeh/sizedwaitgroup"

	"github.com/hazyhaar/pixeldump/dumper"
	"github.com/hazyhaar/pixeldump/identity"
	"github.com/hazyhaar/pixeldump/snapshot"
)

var shortUnits, _ = durafmt.DefaultUnitsCoder.Decode("y:yrs,wk:wks,d:d,h:h,m:m,s:s,ms:ms,us:us")

type flags struct {
	config   string
	db       string
	capture  string
	listen   string
	marker   string
	colorMap string
	seeds    string
	logLevel string
	workers  int
}

func main() {
	var f flags
	flag.StringVar(&f.config, "config", "", "path to pixeldump.yaml config file")
	flag.StringVar(&f.db, "db", "", "path to the title database")
	flag.StringVar(&f.capture, "capture", "", "capture file rewritten by the screen grabber")
	flag.StringVar(&f.listen, "listen", "", "HTTP listen address")
	flag.StringVar(&f.marker, "marker", "", "anchor marker image")
	flag.StringVar(&f.colorMap, "color-map", "", "color map JSON")
	flag.StringVar(&f.seeds, "seeds", "", "seed titles JSON")
	flag.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flag.IntVar(&f.workers, "workers", 4, "parallel decodes in batch mode")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: pixeldump [flags] [serve | decode <image> | batch <dir> | titles | export <file> | import <file>]")
		flag.PrintDefaults()
	}
	flag.Parse()

	cmd, args := "serve", flag.Args()
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	if err := checkArgs(cmd, args); err != nil {
		fmt.Fprintln(os.Stderr, "pixeldump:", err)
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := resolveConfig(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pixeldump:", err)
		os.Exit(1)
	}

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, f, cmd, args); err != nil {
		logger.Error("pixeldump: fatal", "error", err)
		os.Exit(1)
	}
}

func checkArgs(cmd string, args []string) error {
	want := 0
	switch cmd {
	case "serve", "titles":
	case "decode", "batch", "export", "import":
		want = 1
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	if len(args) != want {
		return fmt.Errorf("%s: want %d argument(s), got %d", cmd, want, len(args))
	}
	return nil
}

func resolveConfig(f flags) (*dumper.Config, error) {
	cfg := &dumper.Config{}
	if f.config != "" {
		var err error
		if cfg, err = dumper.LoadConfigFile(f.config); err != nil {
			return nil, err
		}
	}
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.DBPath, f.db)
	override(&cfg.CapturePath, f.capture)
	override(&cfg.Listen, f.listen)
	override(&cfg.MarkerPath, f.marker)
	override(&cfg.ColorMapPath, f.colorMap)
	override(&cfg.SeedsPath, f.seeds)
	override(&cfg.LogLevel, f.logLevel)
	return cfg, nil
}

func run(ctx context.Context, logger *slog.Logger, cfg *dumper.Config, f flags, cmd string, args []string) error {
	switch cmd {
	case "titles", "export", "import":
		r, err := dumper.OpenResolver(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("init: %w", err)
		}
		defer r.Close()
		return manageTitles(ctx, r, cmd, args)
	}

	var opts []dumper.Option
	if cmd == "serve" && cfg.CapturePath != "" {
		opts = append(opts, dumper.WithSource(dumper.NewFileSource(cfg.CapturePath)))
	}
	svc, err := dumper.New(cfg, logger, opts...)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer svc.Close()

	switch cmd {
	case "decode":
		return decodeOne(svc, args[0])
	case "batch":
		return decodeBatch(ctx, svc, args[0], f.workers)
	}
	return serve(ctx, logger, svc, cfg)
}

// manageTitles runs the title library commands. They only touch the title
// store.
func manageTitles(ctx context.Context, r *identity.Resolver, cmd string, args []string) error {
	switch cmd {
	case "export":
		out, err := os.Create(args[0])
		if err != nil {
			return err
		}
		if err := r.Export(out); err != nil {
			out.Close()
			return fmt.Errorf("export: %w", err)
		}
		return out.Close()
	case "import":
		in, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer in.Close()
		res, err := r.Import(ctx, in)
		fmt.Printf("added %d, updated %d, skipped %d\n", res.Added, res.Updated, res.Skipped)
		return err
	}
	return listTitles(ctx, r)
}

func serve(ctx context.Context, logger *slog.Logger, svc *dumper.Service, cfg *dumper.Config) error {
	svc.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           svc.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("pixeldump: listening", "addr", cfg.Listen, "capture", cfg.CapturePath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("pixeldump: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func decodeOne(svc *dumper.Service, path string) error {
	img, err := loadImage(path)
	if err != nil {
		return err
	}
	snap := svc.DecodeImage(img)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return err
	}
	if !snap.OK() {
		return fmt.Errorf("%s: %s", snap.Error, strings.Join(snap.ErrorDetails, "; "))
	}
	return nil
}

type batchResult struct {
	File     string             `json:"file"`
	Snapshot *snapshot.Snapshot `json:"snapshot"`
}

// decodeBatch decodes every capture in dir and writes one JSON line per
// file, in file name order.
func decodeBatch(ctx context.Context, svc *dumper.Service, dir string, workers int) error {
	var files []string
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var total int64
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".png" && ext != ".bmp") {
			continue
		}
		if info, err := e.Info(); err == nil {
			total += info.Size()
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	slices.Sort(files)

	start := time.Now()
	results := make([]batchResult, len(files))
	var mu sync.Mutex
	var failed []string

	swg := sizedwaitgroup.New(max(workers, 1))
	for i, path := range files {
		if ctx.Err() != nil {
			break
		}
		swg.Add()
		go func() {
			defer swg.Done()
			snap := decodeFile(svc, path)
			results[i] = batchResult{File: filepath.Base(path), Snapshot: snap}
			if !snap.OK() {
				mu.Lock()
				failed = append(failed, filepath.Base(path))
				mu.Unlock()
			}
		}()
	}
	swg.Wait()

	enc := json.NewEncoder(os.Stdout)
	for _, r := range results {
		if r.Snapshot == nil {
			continue
		}
		if err := enc.Encode(r); err != nil {
			return err
		}
	}

	elapsed := time.Since(start)
	fmt.Fprintf(os.Stderr, "decoded %s captures (%s) in %s, %d failed\n",
		humanize.Comma(int64(len(files))), humanize.Bytes(uint64(total)),
		durafmt.Parse(elapsed).LimitFirstN(2).Format(shortUnits), len(failed))
	if len(failed) > 0 {
		slices.Sort(failed)
		return fmt.Errorf("batch: %d captures failed: %s", len(failed), strings.Join(failed, ", "))
	}
	return ctx.Err()
}

func decodeFile(svc *dumper.Service, path string) *snapshot.Snapshot {
	img, err := loadImage(path)
	if err != nil {
		return snapshot.Failed(time.Now(), snapshot.ErrorCapture, err.Error())
	}
	return svc.DecodeImage(img)
}

// loadImage decodes a PNG or BMP capture. The decoders are registered by
// the pixel package.
func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

func listTitles(ctx context.Context, r *identity.Resolver) error {
	st := r.Stats()
	fmt.Printf("%s titles (%s manual, %s approximate), %s seeds, threshold %.3f\n",
		humanize.Comma(int64(st.Total)), humanize.Comma(int64(st.Manual)),
		humanize.Comma(int64(st.Approximate)), humanize.Comma(int64(st.Seeded)), st.Threshold)
	if counts, err := r.StoredCounts(ctx); err == nil {
		fmt.Printf("stored: %s manual, %s approximate\n",
			humanize.Comma(int64(counts[identity.MatchManual])), humanize.Comma(int64(counts[identity.MatchApproximate])))
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tHASH\tTITLE\tMATCH\tFOOTNOTE\tUPDATED")
	for _, rec := range r.Titles("") {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.Hash, rec.Title, rec.MatchType, rec.Footnote,
			humanize.Time(time.UnixMilli(rec.UpdatedAt)))
	}
	return tw.Flush()
}
