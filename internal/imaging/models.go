package imaging

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/sync/singleflight"

	"github.com/deliveryhero/asya/asya-upscaler/internal/metrics"
	"github.com/deliveryhero/asya/asya-upscaler/internal/upscale"
)

// ErrUnsupportedScale is returned for scales missing from the catalog
var ErrUnsupportedScale = errors.New("unsupported scale")

// ModelSpec describes one catalog entry
type ModelSpec struct {
	Scale  int
	Kernel string
	Warm   bool
}

var kernels = map[string]draw.Interpolator{
	"nearest":        draw.NearestNeighbor,
	"approxbilinear": draw.ApproxBiLinear,
	"bilinear":       draw.BiLinear,
	"catmullrom":     draw.CatmullRom,
}

// Kernels lists the interpolation kernel names a ModelSpec may use
func Kernels() []string {
	names := make([]string, 0, len(kernels))
	for name := range kernels {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Resampler is a Model backed by an interpolation kernel
type Resampler struct {
	scale  int
	kernel draw.Interpolator
	name   string
}

// Scale implements upscale.Model
func (r *Resampler) Scale() int {
	return r.scale
}

// Kernel returns the name of the interpolation kernel
func (r *Resampler) Kernel() string {
	return r.name
}

// Upscale implements upscale.Model
func (r *Resampler) Upscale(ctx context.Context, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx()*r.scale, b.Dy()*r.scale))
	r.kernel.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst, nil
}

// LoaderFunc builds a model from its catalog entry
type LoaderFunc func(ctx context.Context, spec ModelSpec) (upscale.Model, error)

// LoadResampler is the default loader
func LoadResampler(_ context.Context, spec ModelSpec) (upscale.Model, error) {
	name := strings.ToLower(spec.Kernel)
	if name == "" {
		name = "catmullrom"
	}
	kernel, ok := kernels[name]
	if !ok {
		return nil, fmt.Errorf("unknown kernel %q", spec.Kernel)
	}
	r := &Resampler{scale: spec.Scale, kernel: kernel, name: name}

	// Exercise the kernel once so a broken model fails here rather than mid-job
	probe := image.NewRGBA(image.Rect(0, 0, 1, 1))
	if _, err := r.Upscale(context.Background(), probe); err != nil {
		return nil, err
	}
	return r, nil
}

// Models caches one model per scale; concurrent first loads share a single load
type Models struct {
	mu           sync.RWMutex
	catalog      map[int]ModelSpec
	loaded       map[int]upscale.Model
	group        singleflight.Group
	load         LoaderFunc
	defaultScale int
	metrics      *metrics.Metrics
}

// NewModels creates the model cache. load may be nil to use LoadResampler; m may be nil.
func NewModels(specs []ModelSpec, defaultScale int, load LoaderFunc, m *metrics.Metrics) (*Models, error) {
	if len(specs) == 0 {
		return nil, errors.New("model catalog is empty")
	}
	if load == nil {
		load = LoadResampler
	}

	catalog := make(map[int]ModelSpec, len(specs))
	for _, spec := range specs {
		if spec.Scale < 2 {
			return nil, fmt.Errorf("invalid scale %d: must be at least 2", spec.Scale)
		}
		if _, dup := catalog[spec.Scale]; dup {
			return nil, fmt.Errorf("duplicate model for scale %d", spec.Scale)
		}
		catalog[spec.Scale] = spec
	}
	if _, ok := catalog[defaultScale]; !ok {
		return nil, fmt.Errorf("default scale %d is not in the catalog", defaultScale)
	}

	return &Models{
		catalog:      catalog,
		loaded:       make(map[int]upscale.Model),
		load:         load,
		defaultScale: defaultScale,
		metrics:      m,
	}, nil
}

// Model implements upscale.ModelProvider
func (m *Models) Model(ctx context.Context, scale int) (upscale.Model, error) {
	m.mu.RLock()
	model, ok := m.loaded[scale]
	spec, known := m.catalog[scale]
	m.mu.RUnlock()

	if ok {
		return model, nil
	}
	if !known {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedScale, scale)
	}

	v, err, shared := m.group.Do(strconv.Itoa(scale), func() (any, error) {
		m.mu.RLock()
		cached, ok := m.loaded[scale]
		m.mu.RUnlock()
		if ok {
			return cached, nil
		}

		start := time.Now()
		slog.Info("Loading upscaling model", "scale", scale, "kernel", spec.Kernel)
		loaded, err := m.load(ctx, spec)
		if m.metrics != nil {
			m.metrics.RecordModelLoad(scale, err, time.Since(start))
		}
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.loaded[scale] = loaded
		m.mu.Unlock()

		slog.Info("Upscaling model ready", "scale", scale, "duration", time.Since(start))
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		slog.Debug("Shared model load", "scale", scale)
	}

	return v.(upscale.Model), nil
}

// Supported implements upscale.ModelProvider
func (m *Models) Supported() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]int, 0, len(m.catalog))
	for scale := range m.catalog {
		out = append(out, scale)
	}
	slices.Sort(out)
	return out
}

// Loaded implements upscale.ModelProvider
func (m *Models) Loaded() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]int, 0, len(m.loaded))
	for scale := range m.loaded {
		out = append(out, scale)
	}
	slices.Sort(out)
	return out
}

// DefaultScale implements upscale.ModelProvider
func (m *Models) DefaultScale() int {
	return m.defaultScale
}

// Warm loads every catalog entry marked for warm-up
func (m *Models) Warm(ctx context.Context) error {
	var errs []error
	for _, scale := range m.Supported() {
		if !m.catalog[scale].Warm {
			continue
		}
		if _, err := m.Model(ctx, scale); err != nil {
			errs = append(errs, fmt.Errorf("scale %d: %w", scale, err))
		}
	}
	return errors.Join(errs...)
}
