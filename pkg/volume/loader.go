package volume

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"volreg/internal/models"
)

// LoadSliceStack loads a directory of JPEG slices into a single-channel
// 3D volume. Files are ordered by the number embedded in their filename
// so the anatomical slice order is preserved. spacing is per coordinate
// axis (x, y, z) in physical units.
func LoadSliceStack(dir string, spacing []float64) (*Image, error) {
	series, err := scanSeries(dir, spacing)
	if err != nil {
		return nil, err
	}

	var data []float64
	var width, height int
	for i, s := range series.Slices {
		img, err := loadJPEG(filepath.Join(series.Dir, s.Filename))
		if err != nil {
			return nil, fmt.Errorf("volume: failed to load slice %s: %w", s.Filename, err)
		}
		bounds := img.Bounds()
		if i == 0 {
			width = bounds.Dx()
			height = bounds.Dy()
			data = make([]float64, 0, width*height*len(series.Slices))
		} else if bounds.Dx() != width || bounds.Dy() != height {
			return nil, fmt.Errorf("%w: slice %s is %dx%d, want %dx%d",
				ErrShapeMismatch, s.Filename, bounds.Dx(), bounds.Dy(), width, height)
		}
		data = append(data, grayValues(img)...)
	}

	vol, err := NewImage(data, 1, []int{len(series.Slices), height, width})
	if err != nil {
		return nil, err
	}
	copy(vol.Spacing, series.Spacing)
	return vol, nil
}

// scanSeries indexes the JPEG slices of a directory into a series:
// anatomical order by the number embedded in each filename, plus the
// physical geometry the stack is assigned. A nil spacing means unit
// voxels.
func scanSeries(dir string, spacing []float64) (*models.Series, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var slices []models.Slice
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".jpg" || ext == ".jpeg" {
			slices = append(slices, models.Slice{
				Filename: e.Name(),
				Index:    extractNumber(e.Name()),
			})
		}
	}
	if len(slices) < 2 {
		return nil, fmt.Errorf("volume: need at least 2 JPEG slices in %s, found %d", dir, len(slices))
	}

	// Order by the numeric part of the filename, as slice sequences are
	// typically exported with a running index.
	sort.Slice(slices, func(i, j int) bool { return slices[i].Index < slices[j].Index })

	if spacing == nil {
		spacing = []float64{1, 1, 1}
	} else if len(spacing) != 3 {
		return nil, fmt.Errorf("%w: spacing must have 3 entries for a slice stack", ErrShapeMismatch)
	}
	for i := range slices {
		slices[i].Position = float64(i) * spacing[2]
	}

	return &models.Series{
		Dir:     dir,
		Slices:  slices,
		Spacing: append([]float64(nil), spacing...),
	}, nil
}

// LoadImageFile loads a single JPEG as a 2D single-channel image.
func LoadImageFile(path string, spacing []float64) (*Image, error) {
	img, err := loadJPEG(path)
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	im, err := NewImage(grayValues(img), 1, []int{bounds.Dy(), bounds.Dx()})
	if err != nil {
		return nil, err
	}
	if spacing != nil {
		if len(spacing) != 2 {
			return nil, fmt.Errorf("%w: spacing must have 2 entries for a planar image", ErrShapeMismatch)
		}
		copy(im.Spacing, spacing)
	}
	return im, nil
}

// extractNumber pulls the numeric part out of a slice filename.
func extractNumber(filename string) int {
	numStr := ""
	for _, c := range filepath.Base(filename) {
		if c >= '0' && c <= '9' {
			numStr += string(c)
		}
	}
	if numStr != "" {
		if n, err := strconv.Atoi(numStr); err == nil {
			return n
		}
	}
	return 0
}

func loadJPEG(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return jpeg.Decode(file)
}

// grayValues converts an image to intensities in [0, 1], row by row.
func grayValues(img image.Image) []float64 {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	out := make([]float64, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, _, _, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			out[y*width+x] = float64(r) / 65535.0
		}
	}
	return out
}
