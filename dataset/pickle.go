package dataset

import (
	"github.com/nlpodyssey/gopickle/pickle"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/pkg/errors"
)

// LoadMiniImageNet reads a miniImageNet pickle file. The expected layout is
// a dict with "train" and "test" entries, each a dict holding "images"
// (raw uint8 bytes, row-major H*W*C per example) and "labels" (a list of
// class indices), plus top-level "height", "width", "channels" and
// "num_classes" ints.
func LoadMiniImageNet(path string) (*Dataset, error) {
	raw, err := pickle.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "dataset: unpickling %s", path)
	}
	root, ok := raw.(*types.Dict)
	if !ok {
		return nil, errors.Errorf("dataset: %s does not hold a dict, got %T", path, raw)
	}

	h, err := dictInt(root, "height")
	if err != nil {
		return nil, err
	}
	w, err := dictInt(root, "width")
	if err != nil {
		return nil, err
	}
	c, err := dictInt(root, "channels")
	if err != nil {
		return nil, err
	}
	numClasses, err := dictInt(root, "num_classes")
	if err != nil {
		return nil, err
	}

	d := &Dataset{Height: h, Width: w, Channels: c, NumClasses: numClasses}
	if d.Train, err = loadSplit(root, "train", d.ImageDim(), numClasses); err != nil {
		return nil, err
	}
	if d.Test, err = loadSplit(root, "test", d.ImageDim(), numClasses); err != nil {
		return nil, err
	}
	return d, nil
}

func loadSplit(root *types.Dict, key string, imageDim, numClasses int) (*Split, error) {
	v, ok := root.Get(key)
	if !ok {
		return nil, errors.Errorf("dataset: pickle has no %q entry", key)
	}
	entry, ok := v.(*types.Dict)
	if !ok {
		return nil, errors.Errorf("dataset: %q entry is %T, want dict", key, v)
	}

	rawImages, ok := entry.Get("images")
	if !ok {
		return nil, errors.Errorf("dataset: %q entry has no images", key)
	}
	images, err := decodeImages(rawImages)
	if err != nil {
		return nil, errors.Wrapf(err, "dataset: %q images", key)
	}

	rawLabels, ok := entry.Get("labels")
	if !ok {
		return nil, errors.Errorf("dataset: %q entry has no labels", key)
	}
	labels, err := decodeLabels(rawLabels, numClasses)
	if err != nil {
		return nil, errors.Wrapf(err, "dataset: %q labels", key)
	}

	return NewSplit(images, labels, imageDim, numClasses)
}

// decodeImages normalizes raw uint8 pixel data to [0,1] float32.
func decodeImages(v interface{}) ([]float32, error) {
	var bs []byte
	switch data := v.(type) {
	case []byte:
		bs = data
	case string:
		bs = []byte(data)
	default:
		return nil, errors.Errorf("unsupported image payload %T", v)
	}
	out := make([]float32, len(bs))
	for i, b := range bs {
		out[i] = float32(b) / 255
	}
	return out, nil
}

// decodeLabels expands a list of class indices into one-hot rows.
func decodeLabels(v interface{}, numClasses int) ([]float32, error) {
	list, ok := v.(*types.List)
	if !ok {
		return nil, errors.Errorf("unsupported label payload %T", v)
	}
	out := make([]float32, list.Len()*numClasses)
	for i := 0; i < list.Len(); i++ {
		cls, err := asInt(list.Get(i))
		if err != nil {
			return nil, errors.Wrapf(err, "label %d", i)
		}
		if cls < 0 || cls >= numClasses {
			return nil, errors.Errorf("label %d: class %d outside [0,%d)", i, cls, numClasses)
		}
		out[i*numClasses+cls] = 1
	}
	return out, nil
}

func dictInt(d *types.Dict, key string) (int, error) {
	v, ok := d.Get(key)
	if !ok {
		return 0, errors.Errorf("dataset: pickle has no %q entry", key)
	}
	n, err := asInt(v)
	if err != nil {
		return 0, errors.Wrapf(err, "dataset: %q", key)
	}
	return n, nil
}

func asInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, errors.Errorf("cannot interpret %T as int", v)
	}
}
