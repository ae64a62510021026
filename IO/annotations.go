package IO

import (
	"os"
	"sort"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Annotation formats understood by LoadAnnotations.
const (
	FormatCOCO = "coco" // {"images":[{id,file_name}], "annotations":[{id,image_id,caption}]}
	FormatFlat = "flat" // {"<id>": {"caption": ..., "image": ...}}
)

// Annotation is one caption of one image.
type Annotation struct {
	ID      string
	ImageID string
	File    string
	Caption string
}

type cocoFile struct {
	Images []struct {
		ID       int64  `json:"id"`
		FileName string `json:"file_name"`
	} `json:"images"`
	Annotations []struct {
		ID      int64  `json:"id"`
		ImageID int64  `json:"image_id"`
		Caption string `json:"caption"`
	} `json:"annotations"`
}

type flatEntry struct {
	Caption  string `json:"caption"`
	Image    string `json:"image"`
	FileName string `json:"file_name"`
}

// LoadAnnotations parses a caption corpus. The result is ordered by annotation id.
func LoadAnnotations(path, format string, logger *zap.Logger) ([]Annotation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading annotations")
	}

	var out []Annotation
	switch format {
	case FormatCOCO, "":
		var f cocoFile
		if err := sonic.Unmarshal(data, &f); err != nil {
			return nil, errors.Wrapf(err, "parsing coco annotations %s", path)
		}
		files := make(map[int64]string, len(f.Images))
		for _, img := range f.Images {
			files[img.ID] = img.FileName
		}
		sort.SliceStable(f.Annotations, func(i, j int) bool {
			return f.Annotations[i].ID < f.Annotations[j].ID
		})
		out = make([]Annotation, 0, len(f.Annotations))
		for _, a := range f.Annotations {
			out = append(out, Annotation{
				ID:      strconv.FormatInt(a.ID, 10),
				ImageID: strconv.FormatInt(a.ImageID, 10),
				File:    files[a.ImageID],
				Caption: a.Caption,
			})
		}
	case FormatFlat:
		var m map[string]flatEntry
		if err := sonic.Unmarshal(data, &m); err != nil {
			return nil, errors.Wrapf(err, "parsing flat annotations %s", path)
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out = make([]Annotation, 0, len(keys))
		for _, k := range keys {
			e := m[k]
			file := e.Image
			if file == "" {
				file = e.FileName
			}
			out = append(out, Annotation{ID: k, ImageID: k, File: file, Caption: e.Caption})
		}
	default:
		return nil, errors.Errorf("unknown annotation format %q", format)
	}

	logger.Info("Loaded annotations",
		zap.String("path", path),
		zap.String("format", format),
		zap.Int("captions", len(out)))
	return out, nil
}

// Captions extracts the caption strings.
func Captions(anns []Annotation) []string {
	out := make([]string, len(anns))
	for i, a := range anns {
		out[i] = a.Caption
	}
	return out
}
