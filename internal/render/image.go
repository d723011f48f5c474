package render

import (
	"bufio"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

func init() {
	image.RegisterFormat("ppm", "P6", decodePPM, decodePPMConfig)
}

// ReadImage decodes an image file into tightly packed RGBA8
// pixels. PNG, JPEG, BMP, TIFF, WebP and binary PPM are
// recognized.
func ReadImage(path string) (pixels []byte, w, h int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, errors.Wrapf(err, "open image %s", path)
	}
	defer f.Close()
	img, _, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, 0, 0, errors.Wrapf(err, "decode image %s", path)
	}
	rgba := toRGBA(img)
	return rgba.Pix, rgba.Bounds().Dx(), rgba.Bounds().Dy(), nil
}

func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) && rgba.Stride == 4*b.Dx() {
		return rgba
	}
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}

type ppmHeader struct {
	width, height, maxVal int
}

func readPPMHeader(r *bufio.Reader) (ppmHeader, error) {
	magic := make([]byte, 2)
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != "P6" {
		return ppmHeader{}, errors.New("ppm: not a binary P6 file")
	}
	var vals [3]int
	for i := range vals {
		tok, err := ppmToken(r)
		if err != nil {
			return ppmHeader{}, errors.Wrap(err, "ppm: header incomplete")
		}
		if vals[i], err = strconv.Atoi(tok); err != nil || vals[i] <= 0 {
			return ppmHeader{}, errors.Newf("ppm: bad header value %q", tok)
		}
	}
	h := ppmHeader{width: vals[0], height: vals[1], maxVal: vals[2]}
	if h.maxVal > 255 {
		return ppmHeader{}, errors.Newf("ppm: unsupported max value %d", h.maxVal)
	}
	// Exactly one whitespace byte separates the header from the
	// raster.
	if _, err := r.ReadByte(); err != nil {
		return ppmHeader{}, errors.Wrap(err, "ppm: header incomplete")
	}
	return h, nil
}

// ppmToken reads the next header token, skipping whitespace and
// comments.
func ppmToken(r *bufio.Reader) (string, error) {
	var tok []byte
	for {
		c, err := r.ReadByte()
		if err != nil {
			if len(tok) > 0 && err == io.EOF {
				return string(tok), nil
			}
			return "", err
		}
		switch {
		case c == '#' && len(tok) == 0:
			if _, err := r.ReadString('\n'); err != nil {
				return "", err
			}
		case isSpace(c):
			if len(tok) > 0 {
				return string(tok), r.UnreadByte()
			}
		default:
			tok = append(tok, c)
		}
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t'
}

func asBufio(r io.Reader) *bufio.Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return br
	}
	return bufio.NewReader(r)
}

func decodePPMConfig(r io.Reader) (image.Config, error) {
	h, err := readPPMHeader(asBufio(r))
	if err != nil {
		return image.Config{}, err
	}
	return image.Config{ColorModel: color.RGBAModel, Width: h.width, Height: h.height}, nil
}

func decodePPM(r io.Reader) (image.Image, error) {
	br := asBufio(r)
	h, err := readPPMHeader(br)
	if err != nil {
		return nil, err
	}
	rgb := make([]byte, h.width*h.height*3)
	if _, err := io.ReadFull(br, rgb); err != nil {
		return nil, errors.Wrapf(err, "ppm: raster truncated, want %d bytes", len(rgb))
	}
	img := image.NewRGBA(image.Rect(0, 0, h.width, h.height))
	for i := 0; i < h.width*h.height; i++ {
		for c := 0; c < 3; c++ {
			v := int(rgb[i*3+c])
			if h.maxVal != 255 {
				v = v * 255 / h.maxVal
			}
			img.Pix[i*4+c] = byte(v)
		}
		img.Pix[i*4+3] = 255
	}
	return img, nil
}
