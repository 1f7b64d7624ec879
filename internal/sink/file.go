package sink

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"roundtrip/internal/domain"
)

// File writes the first result of each successful envelope to Dir. By default
// only the latest result per tag is kept, as latest.<ext> under Dir/<tag>.
type File struct {
	Dir         string
	KeepHistory bool
}

func (f File) HandleResult(_ context.Context, env domain.ResultEnvelope) error {
	if env.Status != domain.ResultStatusSuccess || len(env.Results) == 0 {
		return nil
	}
	res := env.Results[0]

	dir := filepath.Join(f.Dir, sanitize(env.Tag))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create result dir: %w", err)
	}

	name := "latest" + extension(res)
	if f.KeepHistory {
		name = fmt.Sprintf("%08d%s", env.RequestID, extension(res))
	}
	target := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, ".result-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(res.Data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write result: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close result: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish result: %w", err)
	}
	return nil
}

func extension(res domain.Result) string {
	switch res.Type {
	case domain.PayloadTypeText:
		return ".txt"
	case domain.PayloadTypeImage:
		switch http.DetectContentType(res.Data) {
		case "image/jpeg":
			return ".jpg"
		case "image/png":
			return ".png"
		}
	}
	return ".bin"
}

func sanitize(tag string) string {
	if tag == "" {
		return "untagged"
	}
	out := []rune(tag)
	for i, r := range out {
		if r == '/' || r == '\\' || (r == '.' && i == 0) {
			out[i] = '_'
		}
	}
	return string(out)
}
