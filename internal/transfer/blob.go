package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver

	"github.com/withObsrvr/epicov-fetcher/internal/logging"
	"github.com/withObsrvr/epicov-fetcher/internal/util"
)

const (
	compressedExt = ".zst"
	modeKey       = "mode"
)

// Executor runs a Plan.
type Executor interface {
	Run(ctx context.Context, p *Plan) (*Report, error)
	Close() error
}

// Recorder receives per-file transfer counts.
type Recorder interface {
	AddTransfer(direction string, bytes int64)
}

// Report lists what a Run copied.
type Report struct {
	Uploaded   []string
	Downloaded []string
	Bytes      int64
}

// BlobExecutor copies files to and from a gocloud bucket. Sequence files
// are zstd-compressed on upload and decompressed on download.
type BlobExecutor struct {
	bucket   *blob.Bucket
	compress bool
	recorder Recorder
	log      *slog.Logger
}

// Options for a BlobExecutor.
type Options struct {
	Compress bool
	Recorder Recorder
}

// Open opens bucketURL (file://, s3://, gs:// or mem://).
func Open(ctx context.Context, bucketURL string, opts Options) (*BlobExecutor, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open cluster bucket %s: %w", bucketURL, err)
	}
	return NewBlobExecutor(bucket, opts), nil
}

// NewBlobExecutor wraps an open bucket. Close closes it.
func NewBlobExecutor(bucket *blob.Bucket, opts Options) *BlobExecutor {
	return &BlobExecutor{
		bucket:   bucket,
		compress: opts.Compress,
		recorder: opts.Recorder,
		log:      logging.Component("transfer"),
	}
}

// Close releases the bucket.
func (e *BlobExecutor) Close() error {
	return e.bucket.Close()
}

// Run executes the steps in order and stops at the first failure. The run id
// carried by ctx, if any, tags the summary log line.
func (e *BlobExecutor) Run(ctx context.Context, p *Plan) (*Report, error) {
	log := e.log
	if id := logging.RunID(ctx); id != "" {
		log = log.With("run_id", id)
	}
	report := &Report{}
	for _, step := range p.steps {
		var err error
		switch step.Direction {
		case Put:
			err = e.put(ctx, step, report)
		case Get:
			err = e.get(ctx, step, report)
		}
		if err != nil {
			return report, fmt.Errorf("%s: %w", step, err)
		}
	}
	log.Info("transfer complete",
		"uploaded", len(report.Uploaded),
		"downloaded", len(report.Downloaded),
		"bytes", report.Bytes,
	)
	return report, nil
}

func (e *BlobExecutor) put(ctx context.Context, step Instruction, report *Report) error {
	matches, err := filepath.Glob(step.Local)
	if err != nil {
		return fmt.Errorf("bad pattern %s: %w", step.Local, err)
	}
	sort.Strings(matches)
	for _, local := range matches {
		info, err := os.Stat(local)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			continue
		}
		key := path.Join(step.Remote, filepath.Base(local))
		compress := e.compress && strings.HasSuffix(local, ".fasta")
		if compress {
			key += compressedExt
		}
		n, err := e.upload(ctx, local, key, info.Mode().Perm(), step.PreservePerms, compress)
		if err != nil {
			return err
		}
		report.Uploaded = append(report.Uploaded, key)
		report.Bytes += n
		if e.recorder != nil {
			e.recorder.AddTransfer("upload", n)
		}
		e.log.Debug("uploaded", "file", local, "key", key, "bytes", n)
	}
	return nil
}

func (e *BlobExecutor) upload(ctx context.Context, local, key string, mode os.FileMode, preserve, compress bool) (int64, error) {
	in, err := os.Open(local)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", local, err)
	}
	defer in.Close()

	var opts *blob.WriterOptions
	if preserve {
		opts = &blob.WriterOptions{Metadata: map[string]string{modeKey: strconv.FormatUint(uint64(mode), 8)}}
	}
	w, err := e.bucket.NewWriter(ctx, key, opts)
	if err != nil {
		return 0, fmt.Errorf("create writer for %s: %w", key, err)
	}

	var n int64
	if compress {
		enc, err := zstd.NewWriter(w)
		if err != nil {
			w.Close()
			return 0, fmt.Errorf("create zstd encoder: %w", err)
		}
		n, err = io.Copy(enc, in)
		if cerr := enc.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			w.Close()
			return 0, fmt.Errorf("compress %s to %s: %w", local, key, err)
		}
	} else {
		n, err = io.Copy(w, in)
		if err != nil {
			w.Close()
			return 0, fmt.Errorf("write data to %s: %w", key, err)
		}
	}

	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("close writer for %s: %w", key, err)
	}
	return n, nil
}

func (e *BlobExecutor) get(ctx context.Context, step Instruction, report *Report) error {
	prefix := path.Dir(step.Remote)
	pattern := path.Base(step.Remote)
	if prefix == "." {
		prefix = ""
	} else {
		prefix += "/"
	}
	if err := util.EnsureDir(step.Local); err != nil {
		return fmt.Errorf("create %s: %w", step.Local, err)
	}

	iter := e.bucket.List(&blob.ListOptions{Prefix: prefix, Delimiter: "/"})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		name := path.Base(obj.Key)
		if ok, _ := path.Match(pattern, name); !ok {
			continue
		}
		n, err := e.download(ctx, obj.Key, step.Local, step.PreservePerms)
		if err != nil {
			return err
		}
		report.Downloaded = append(report.Downloaded, obj.Key)
		report.Bytes += n
		if e.recorder != nil {
			e.recorder.AddTransfer("download", n)
		}
	}
}

func (e *BlobExecutor) download(ctx context.Context, key, localDir string, preserve bool) (int64, error) {
	r, err := e.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", key, err)
	}
	defer r.Close()

	name := path.Base(key)
	var src io.Reader = r
	if strings.HasSuffix(name, compressedExt) {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return 0, fmt.Errorf("create zstd decoder: %w", err)
		}
		defer dec.Close()
		src = dec
		name = strings.TrimSuffix(name, compressedExt)
	}

	dest := filepath.Join(localDir, name)
	tempPath := dest + ".tmp"
	out, err := os.Create(tempPath)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", tempPath, err)
	}
	n, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("download %s: %w", key, err)
	}

	if preserve {
		attrs, err := e.bucket.Attributes(ctx, key)
		if err == nil {
			if mode, perr := strconv.ParseUint(attrs.Metadata[modeKey], 8, 32); perr == nil {
				os.Chmod(tempPath, os.FileMode(mode))
			}
		}
	}

	if err := os.Rename(tempPath, dest); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("rename %s to %s: %w", tempPath, dest, err)
	}
	return n, nil
}
