package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/tiff"
	"gonum.org/v1/gonum/floats"

	"cryobackproject/internal/models"
)

// Viewer renders 2D sections of a reconstructed density map as 16-bit
// grayscale images for quick inspection.
type Viewer struct {
	// volume is the real-space density, z-major
	volume *models.Volume

	// lo and hi are the density range mapped onto [0, 65535]
	lo float64
	hi float64
}

// NewViewer creates a viewer that scales intensities by the volume's min/max
func NewViewer(volume *models.Volume) *Viewer {
	v := &Viewer{volume: volume}
	if len(volume.Data) > 0 {
		v.lo = floats.Min(volume.Data)
		v.hi = floats.Max(volume.Data)
	}
	return v
}

// gray maps a density value onto the 16-bit range
func (v *Viewer) gray(value float64) color.Gray16 {
	if v.hi <= v.lo {
		return color.Gray16{}
	}
	t := (value - v.lo) / (v.hi - v.lo)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, math.Round(t*65535))))}
}

// ExtractSlice extracts a 2D section of the volume perpendicular to axis.
//
// Parameters:
//   - axis: "x" (YZ plane, z across), "y" (XZ plane) or "z" (XY plane)
//   - position: voxel index along axis
//
// Returns:
//   - A D x D grayscale image normalized to the volume's density range
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	d := v.volume.D
	if position < 0 || position >= d {
		return nil, fmt.Errorf("position %d outside volume of size %d", position, d)
	}

	img := image.NewGray16(image.Rect(0, 0, d, d))

	switch axis {
	case "x", "X":
		for y := 0; y < d; y++ {
			for z := 0; z < d; z++ {
				img.SetGray16(z, y, v.gray(v.volume.At(position, y, z)))
			}
		}

	case "y", "Y":
		for z := 0; z < d; z++ {
			for x := 0; x < d; x++ {
				img.SetGray16(x, z, v.gray(v.volume.At(x, position, z)))
			}
		}

	case "z", "Z":
		for y := 0; y < d; y++ {
			for x := 0; x < d; x++ {
				img.SetGray16(x, y, v.gray(v.volume.At(x, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice writes img to filename in the given format (png, jpg/jpeg or tiff)
func SaveSlice(img image.Image, filename, format string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	switch format {
	case "png":
		err = png.Encode(file, img)
	case "jpg", "jpeg":
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	case "tiff":
		err = tiff.Encode(file, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("unsupported image format %q", format)
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filename, err)
	}
	return file.Close()
}

// SaveCentralSlices writes the three orthogonal sections through the volume
// center into outputDir and returns the file names written.
func (v *Viewer) SaveCentralSlices(outputDir, format string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	ext := format
	if ext == "jpeg" {
		ext = "jpg"
	}

	var written []string
	for _, axis := range []string{"x", "y", "z"} {
		img, err := v.ExtractSlice(axis, v.volume.D/2)
		if err != nil {
			return written, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("central_%s.%s", axis, ext))
		if err := SaveSlice(img, filename, format); err != nil {
			return written, err
		}
		written = append(written, filename)
	}

	return written, nil
}
