package conversion

import (
	"context"
	"os"
	"os/exec"

	"github.com/robinjoseph08/golib/logger"
)

// Converter turns an ebook file into the reader-native format. An empty
// return string signals failure; callers decide whether to retry.
type Converter interface {
	Convert(ctx context.Context, inputPath, outputPath string) string
}

// KepubifyConverter shells out to the kepubify binary to produce Kobo-native
// kepub files.
type KepubifyConverter struct {
	binaryPath string
}

// NewKepubifyConverter resolves the kepubify binary, preferring an explicit
// path over a PATH lookup. Returns an error when no binary can be found.
func NewKepubifyConverter(binaryPath string) (*KepubifyConverter, error) {
	if binaryPath != "" {
		if _, err := os.Stat(binaryPath); err != nil {
			return nil, err
		}
		return &KepubifyConverter{binaryPath: binaryPath}, nil
	}

	resolved, err := exec.LookPath("kepubify")
	if err != nil {
		return nil, err
	}
	return &KepubifyConverter{binaryPath: resolved}, nil
}

func (c *KepubifyConverter) Convert(ctx context.Context, inputPath, outputPath string) string {
	log := logger.FromContext(ctx)

	if _, err := os.Stat(inputPath); err != nil {
		log.Err(err).Error("conversion input file not found", logger.Data{"input": inputPath})
		return ""
	}
	if inputPath == outputPath {
		log.Error("conversion input and output paths are the same", logger.Data{"path": inputPath})
		return ""
	}

	// kepubify refuses to overwrite, so clear any stale output first.
	if _, err := os.Stat(outputPath); err == nil {
		_ = os.Remove(outputPath)
	}

	cmd := exec.CommandContext(ctx, c.binaryPath, "-o", outputPath, inputPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		log.Err(err).Error("kepubify failed", logger.Data{
			"input":  inputPath,
			"output": truncate(string(out), 500),
		})
		if _, statErr := os.Stat(outputPath); statErr == nil {
			_ = os.Remove(outputPath)
		}
		return ""
	}

	if _, err := os.Stat(outputPath); err != nil {
		log.Error("conversion completed but output file not found", logger.Data{"expected": outputPath})
		return ""
	}

	log.Info("conversion successful", logger.Data{"output": outputPath})
	return outputPath
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
