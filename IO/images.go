package IO

import (
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"os"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp" // Register BMP decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // Register TIFF decoder
	_ "golang.org/x/image/webp" // Register WebP decoder
	"gonum.org/v1/gonum/mat"
)

// ImageNet channel statistics, matching the normalisation pretrained backbones expect.
var (
	imageMean = [3]float64{0.485, 0.456, 0.406}
	imageStd  = [3]float64{0.229, 0.224, 0.225}
)

// ImageLoader decodes, resizes and normalises images into (3*size*size x 1)
// channel-major columns, caching the results.
type ImageLoader struct {
	Size  int
	cache *ttlcache.Cache[string, *mat.Dense]
}

// NewImageLoader caches up to capacity tensors for ttl (0 = no expiry).
func NewImageLoader(size, capacity int, ttl time.Duration) *ImageLoader {
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	opts := []ttlcache.Option[string, *mat.Dense]{
		ttlcache.WithTTL[string, *mat.Dense](ttl),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, *mat.Dense](uint64(capacity)))
	}
	cache := ttlcache.New(opts...)
	go cache.Start()
	return &ImageLoader{Size: size, cache: cache}
}

// Load returns the tensor for the image at path. Callers must not modify it.
func (l *ImageLoader) Load(path string) (*mat.Dense, error) {
	if item := l.cache.Get(path); item != nil {
		return item.Value(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening image")
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding image %s", path)
	}
	t := ImageToTensor(img, l.Size)
	l.cache.Set(path, t, ttlcache.DefaultTTL)
	return t, nil
}

func (l *ImageLoader) Cached() int {
	return l.cache.Len()
}

func (l *ImageLoader) Close() {
	l.cache.Stop()
}

// ImageToTensor resizes img to size x size and returns normalised pixels as a
// (3*size*size x 1) column in channel-major order.
func ImageToTensor(img image.Image, size int) *mat.Dense {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := size * size
	data := make([]float64, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := dst.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				v := float64(dst.Pix[off+c]) / 255.0
				data[c*plane+y*size+x] = (v - imageMean[c]) / imageStd[c]
			}
		}
	}
	return mat.NewDense(3*plane, 1, data)
}

// FlipHorizontal mirrors a tensor produced by ImageToTensor. The input is not modified.
func FlipHorizontal(t *mat.Dense, size int) *mat.Dense {
	r, _ := t.Dims()
	out := mat.NewDense(r, 1, nil)
	channels := r / (size * size)
	for c := 0; c < channels; c++ {
		base := c * size * size
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				out.Set(base+y*size+x, 0, t.At(base+y*size+(size-1-x), 0))
			}
		}
	}
	return out
}
