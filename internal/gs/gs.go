// Package gs wraps the Ghostscript binary for PDF compression.
package gs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	u "pdfpress/internal/utils"
)

// Settings selects the Ghostscript quality preset and image resolution for a
// single compression run.
type Settings struct {
	Level      string
	Resolution int
}

// validLevels are the PDFSETTINGS presets Ghostscript understands.
var validLevels = map[string]bool{
	"screen":   true,
	"ebook":    true,
	"printer":  true,
	"prepress": true,
	"default":  true,
}

// fallbackPaths are probed when neither GHOSTSCRIPT_PATH nor the configured
// path points at an existing binary.
var fallbackPaths = []string{
	"/usr/bin/gs",
	"/usr/local/bin/gs",
	"/opt/homebrew/bin/gs",
}

// ErrNotInstalled is returned when no Ghostscript binary can be found.
var ErrNotInstalled = errors.New("ghostscript binary not found")

// ValidLevel reports whether level is a known PDFSETTINGS preset.
func ValidLevel(level string) bool {
	return validLevels[level]
}

// NormalizeLevel maps any input onto a usable preset. Unknown or empty values
// fall back to "screen", matching the service's historical behavior.
func NormalizeLevel(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	if validLevels[level] {
		return level
	}
	return "screen"
}

// LocateBinary resolves the Ghostscript executable. An explicitly set
// GHOSTSCRIPT_PATH must resolve or the lookup fails; otherwise the configured
// path and well-known install locations are probed in order.
func LocateBinary(configured string) (string, error) {
	if env := os.Getenv("GHOSTSCRIPT_PATH"); env != "" {
		info, err := os.Stat(env)
		if err != nil || info.IsDir() {
			return "", fmt.Errorf("GHOSTSCRIPT_PATH %q: %w", env, ErrNotInstalled)
		}
		return env, nil
	}

	candidates := make([]string, 0, len(fallbackPaths)+1)
	if configured != "" {
		candidates = append(candidates, configured)
	}
	candidates = append(candidates, fallbackPaths...)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		return path, nil
	}
	return "", ErrNotInstalled
}

// Version runs the binary's version flag. An execution failure means the
// binary is broken or not actually Ghostscript.
func Version(ctx context.Context, bin string) (string, error) {
	out, err := exec.CommandContext(ctx, bin, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("ghostscript version check failed: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// VerifyInstall locates the binary and confirms it executes. This is the
// startup gate: a broken install should stop the service before it accepts
// work.
func VerifyInstall(ctx context.Context, configured string) (bin, version string, err error) {
	bin, err = LocateBinary(configured)
	if err != nil {
		return "", "", err
	}
	version, err = Version(ctx, bin)
	if err != nil {
		return bin, "", err
	}
	return bin, version, nil
}

// compressArgs builds the Ghostscript argument list for a compression run.
// The flag set downsamples images with bicubic filtering and forces JPEG
// encoding, which is where most of the size reduction comes from.
func compressArgs(inputPath, outputPath string, s Settings) []string {
	return []string{
		"-sDEVICE=pdfwrite",
		"-dCompatibilityLevel=1.4",
		fmt.Sprintf("-dPDFSETTINGS=/%s", s.Level),
		"-dNOPAUSE",
		"-dQUIET",
		"-dBATCH",
		fmt.Sprintf("-r%d", s.Resolution),
		"-dColorImageDownsampleType=/Bicubic",
		fmt.Sprintf("-dColorImageResolution=%d", s.Resolution),
		"-dGrayImageDownsampleType=/Bicubic",
		fmt.Sprintf("-dGrayImageResolution=%d", s.Resolution),
		"-dMonoImageDownsampleType=/Bicubic",
		fmt.Sprintf("-dMonoImageResolution=%d", s.Resolution),
		"-dAutoFilterColorImages=false",
		"-dColorImageFilter=/DCTEncode",
		"-dAutoFilterGrayImages=false",
		"-dGrayImageFilter=/DCTEncode",
		fmt.Sprintf("-sOutputFile=%s", outputPath),
		inputPath,
	}
}

// Compress runs Ghostscript over input and returns the compressed PDF. If the
// output is not smaller than the input, the input is returned unchanged; gs
// can grow already-optimized files.
func Compress(ctx context.Context, bin string, input []byte, s Settings) ([]byte, error) {
	if bin == "" {
		return nil, ErrNotInstalled
	}
	s.Level = NormalizeLevel(s.Level)

	tmpDir, err := os.MkdirTemp("", "gscompress-*")
	if err != nil {
		return nil, fmt.Errorf("cannot create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	inputPath := filepath.Join(tmpDir, "input.pdf")
	outputPath := filepath.Join(tmpDir, "output.pdf")

	if err := os.WriteFile(inputPath, input, 0o600); err != nil {
		return nil, fmt.Errorf("cannot write input file: %w", err)
	}

	cmd := exec.CommandContext(ctx, bin, compressArgs(inputPath, outputPath, s)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("ghostscript failed: %s: %w", msg, err)
	}

	output, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("ghostscript produced no output: %w", err)
	}
	if len(output) == 0 {
		return nil, errors.New("ghostscript produced an empty file")
	}
	if !bytes.HasPrefix(output, []byte("%PDF")) {
		return nil, errors.New("ghostscript output is not a valid PDF")
	}

	if len(output) >= len(input) {
		u.Warn("Compressed output not smaller than input, keeping original",
			"input_bytes", len(input), "output_bytes", len(output))
		return input, nil
	}
	return output, nil
}

// IsInterrupted reports whether the error indicates the gs process was
// cancelled or killed rather than failing on the document itself.
func IsInterrupted(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "signal: killed") || strings.Contains(msg, "signal: interrupt")
}
