package compressor

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/paulschiretz/pgl-dump/pkg/pipeline"
)

const builtinBufferSize = 256 * 1024

// Zstd compresses in-process with klauspost/compress.
type Zstd struct {
	Level       Level
	Concurrency int // 0 uses GOMAXPROCS
}

func (z *Zstd) Name() string      { return "zstd" }
func (z *Zstd) Extension() string { return ".zst" }

func (z *Zstd) Stage() (pipeline.Stage, error) {
	var encoderLevel zstd.EncoderLevel
	switch z.Level {
	case Fastest:
		encoderLevel = zstd.SpeedFastest
	case Better:
		encoderLevel = zstd.SpeedBetterCompression
	case Best:
		encoderLevel = zstd.SpeedBestCompression
	default:
		encoderLevel = zstd.SpeedDefault
	}
	opts := []zstd.EOption{zstd.WithEncoderLevel(encoderLevel)}
	if z.Concurrency > 0 {
		opts = append(opts, zstd.WithEncoderConcurrency(z.Concurrency))
	}

	filter := pipeline.FilterFunc(func(ctx context.Context, r io.Reader, w io.Writer) error {
		return compressStream(r, w, func(bw io.Writer) (io.WriteCloser, error) {
			enc, err := zstd.NewWriter(bw, opts...)
			if err != nil {
				return nil, fmt.Errorf("failed to create zstd writer: %w", err)
			}
			return enc, nil
		})
	})
	return pipeline.Stage{Name: "compress:zstd", Filter: filter}, nil
}

// Pgzip compresses in-process with klauspost/pgzip, using parallel gzip blocks.
// The output is a regular gzip stream.
type Pgzip struct {
	Level       Level
	BlockSizeKB int
	Blocks      int
}

func (p *Pgzip) Name() string      { return "pgzip" }
func (p *Pgzip) Extension() string { return ".gz" }

func (p *Pgzip) Stage() (pipeline.Stage, error) {
	var lvl int
	switch p.Level {
	case Fastest:
		lvl = pgzip.BestSpeed
	case Better:
		lvl = 6
	case Best:
		lvl = pgzip.BestCompression
	default:
		lvl = pgzip.DefaultCompression
	}
	blockSize, blocks := p.BlockSizeKB*1024, p.Blocks

	filter := pipeline.FilterFunc(func(ctx context.Context, r io.Reader, w io.Writer) error {
		return compressStream(r, w, func(bw io.Writer) (io.WriteCloser, error) {
			gz, err := pgzip.NewWriterLevel(bw, lvl)
			if err != nil {
				return nil, fmt.Errorf("failed to create gzip writer: %w", err)
			}
			if blockSize > 0 && blocks > 0 {
				if err := gz.SetConcurrency(blockSize, blocks); err != nil {
					return nil, fmt.Errorf("invalid pgzip concurrency: %w", err)
				}
			}
			return gz, nil
		})
	})
	return pipeline.Stage{Name: "compress:pgzip", Filter: filter}, nil
}

// compressStream copies r through the encoder built by newEncoder into a
// buffered w, closing and flushing in the right order.
func compressStream(r io.Reader, w io.Writer, newEncoder func(io.Writer) (io.WriteCloser, error)) (retErr error) {
	bufWriter := bufio.NewWriterSize(w, builtinBufferSize)
	enc, err := newEncoder(bufWriter)
	if err != nil {
		return err
	}
	defer func() {
		if err := enc.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("compressed writer close failed: %w", err)
		}
		if err := bufWriter.Flush(); err != nil && retErr == nil {
			retErr = fmt.Errorf("buffer flush failed: %w", err)
		}
	}()
	if _, err := io.Copy(enc, r); err != nil {
		return fmt.Errorf("compression failed: %w", err)
	}
	return nil
}

var _ Compressor = (*Zstd)(nil)
var _ Compressor = (*Pgzip)(nil)
