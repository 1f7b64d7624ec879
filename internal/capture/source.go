// Package capture produces raw frames and feeds them to a pipeline as
// deferred, JPEG-encoding submissions.
package capture

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Source yields raw frames. Each returned image is owned by the caller.
type Source interface {
	Next() (image.Image, error)
}

// PatternSource renders a moving test pattern.
type PatternSource struct {
	Width  int
	Height int

	mu    sync.Mutex
	frame int
}

// NewPatternSource creates a pattern source of the given size.
func NewPatternSource(width, height int) *PatternSource {
	return &PatternSource{Width: width, Height: height}
}

func (p *PatternSource) Next() (image.Image, error) {
	if p.Width <= 0 || p.Height <= 0 {
		return nil, fmt.Errorf("invalid pattern size %dx%d", p.Width, p.Height)
	}

	p.mu.Lock()
	n := p.frame
	p.frame++
	p.mu.Unlock()

	img := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
	barWidth := p.Width / 8
	if barWidth == 0 {
		barWidth = 1
	}
	barX := (n * 4) % p.Width

	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			c := color.RGBA{
				R: uint8(x * 255 / p.Width),
				G: uint8(y * 255 / p.Height),
				B: uint8(n % 256),
				A: 255,
			}
			if x >= barX && x < barX+barWidth {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img, nil
}

// DirSource cycles through the JPEG and PNG files of a directory.
type DirSource struct {
	files []string

	mu   sync.Mutex
	next int
}

// ErrNoFrames is returned when a directory holds no usable images.
var ErrNoFrames = errors.New("no image files found")

// NewDirSource lists dir once; files added later are not picked up.
func NewDirSource(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frames dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrNoFrames)
	}
	sort.Strings(files)

	return &DirSource{files: files}, nil
}

func (d *DirSource) Next() (image.Image, error) {
	d.mu.Lock()
	path := d.files[d.next]
	d.next = (d.next + 1) % len(d.files)
	d.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

// Len reports how many files the source cycles through.
func (d *DirSource) Len() int {
	return len(d.files)
}
