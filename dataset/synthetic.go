package dataset

import (
	rng "github.com/leesper/go_rng"
	"github.com/pkg/errors"
)

// SyntheticConfig sizes a generated dataset. The generator produces one
// Gaussian cluster per class: a fixed class mean plus per-example noise, so
// a linear model can separate classes while the data still looks image-like.
type SyntheticConfig struct {
	Height, Width, Channels int
	NumClasses              int
	TrainPerClass           int
	TestPerClass            int
	ClassSpread             float64 // distance scale between class means
	Noise                   float64 // per-pixel noise stddev
}

// Synthetic generates a deterministic dataset for the given seed. Two calls
// with equal config and seed produce identical data.
func Synthetic(cfg SyntheticConfig, seed int64) (*Dataset, error) {
	if cfg.NumClasses <= 0 || cfg.TrainPerClass <= 0 || cfg.TestPerClass <= 0 {
		return nil, errors.Errorf("dataset: invalid synthetic sizes %+v", cfg)
	}
	if cfg.ClassSpread == 0 {
		cfg.ClassSpread = 1
	}
	if cfg.Noise == 0 {
		cfg.Noise = 0.1
	}
	d := &Dataset{
		Height:     cfg.Height,
		Width:      cfg.Width,
		Channels:   cfg.Channels,
		NumClasses: cfg.NumClasses,
	}
	dim := d.ImageDim()
	if dim <= 0 {
		return nil, errors.Errorf("dataset: invalid synthetic geometry %dx%dx%d", cfg.Height, cfg.Width, cfg.Channels)
	}

	gauss := rng.NewGaussianGenerator(seed)

	// Class means are drawn first so train and test share them.
	means := make([][]float32, cfg.NumClasses)
	for c := range means {
		means[c] = make([]float32, dim)
		for i := range means[c] {
			means[c][i] = float32(gauss.Gaussian(0, cfg.ClassSpread))
		}
	}

	var err error
	if d.Train, err = synthSplit(gauss, means, dim, cfg.NumClasses, cfg.TrainPerClass, cfg.Noise); err != nil {
		return nil, err
	}
	if d.Test, err = synthSplit(gauss, means, dim, cfg.NumClasses, cfg.TestPerClass, cfg.Noise); err != nil {
		return nil, err
	}
	return d, nil
}

func synthSplit(gauss *rng.GaussianGenerator, means [][]float32, dim, numClasses, perClass int, noise float64) (*Split, error) {
	n := numClasses * perClass
	images := make([]float32, 0, n*dim)
	labels := make([]float32, n*numClasses)
	row := 0
	for c := 0; c < numClasses; c++ {
		for k := 0; k < perClass; k++ {
			for i := 0; i < dim; i++ {
				images = append(images, means[c][i]+float32(gauss.Gaussian(0, noise)))
			}
			labels[row*numClasses+c] = 1
			row++
		}
	}
	return NewSplit(images, labels, dim, numClasses)
}
